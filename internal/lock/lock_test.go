package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "leads", "issue-1", ".lock")
	l := New(dir, Options{Timeout: time.Second, Poll: 5 * time.Millisecond, RunID: "run-1", Event: "issues"})
	ok, err := l.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	info, err := ReadInfo(dir)
	if err != nil {
		t.Fatalf("read info: %v", err)
	}
	if info.RunID != "run-1" || info.Event != "issues" || info.PID != os.Getpid() || info.AcquiredUTC == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("marker should be gone, stat err=%v", err)
	}
	if err := l.Release(); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".lock")
	holder := New(dir, Options{Timeout: time.Second, Poll: time.Millisecond})
	if ok, err := holder.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("holder acquire: ok=%v err=%v", ok, err)
	}
	defer holder.Release()

	waiter := New(dir, Options{Timeout: 30 * time.Millisecond, Poll: 5 * time.Millisecond})
	start := time.Now()
	ok, err := waiter.Acquire(context.Background())
	if err != nil {
		t.Fatalf("timeout should not be an error: %v", err)
	}
	if ok {
		t.Fatalf("waiter should not acquire a held lock")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("acquire did not respect timeout")
	}

	single := New(dir, Options{})
	if ok, err := single.Acquire(context.Background()); ok || err != nil {
		t.Fatalf("zero timeout should try once: ok=%v err=%v", ok, err)
	}
}

func TestAcquireHonorsCancel(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".lock")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := New(dir, Options{Timeout: time.Second, Poll: time.Millisecond})
	ok, err := l.Acquire(ctx)
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel error, got ok=%v err=%v", ok, err)
	}
}

func TestStaleLockIsBroken(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".lock")
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	crashed := New(dir, Options{Timeout: time.Second, Poll: time.Millisecond, Now: func() time.Time { return old }})
	if ok, err := crashed.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	later := old.Add(10 * time.Minute)
	l := New(dir, Options{Timeout: time.Second, Poll: time.Millisecond, StaleAfter: time.Minute, Now: func() time.Time { return later }})
	ok, err := l.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected stale lock to be broken: ok=%v err=%v", ok, err)
	}
	defer l.Release()

	fresh := New(dir, Options{Timeout: 20 * time.Millisecond, Poll: time.Millisecond, StaleAfter: time.Hour, Now: func() time.Time { return later }})
	if ok, _ := fresh.Acquire(context.Background()); ok {
		t.Fatalf("fresh lock must not be broken")
	}
}

func TestEvictRestoresReplacedMarker(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, ".lock")
	now := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	live := New(dir, Options{Timeout: time.Second, Poll: time.Millisecond, RunID: "live", Now: func() time.Time { return now }})
	if ok, err := live.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	defer live.Release()

	// The breaker judged an older marker stale, but the live one took its place.
	judged := Info{AcquiredUTC: "2024-01-01T00:00:00Z", RunID: "crashed"}
	breaker := New(dir, Options{Poll: time.Millisecond, StaleAfter: time.Minute, Now: func() time.Time { return now }})
	broken, err := breaker.evict(judged, true)
	if err != nil || broken {
		t.Fatalf("evict: broken=%v err=%v", broken, err)
	}
	info, err := ReadInfo(dir)
	if err != nil || info.RunID != "live" {
		t.Fatalf("live marker not restored: %+v err=%v", info, err)
	}
	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the marker, got %d entries", len(entries))
	}
}

func TestConcurrentStaleBreakersAdmitOne(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, ".lock")
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	crashed := New(dir, Options{RunID: "crashed", Now: func() time.Time { return old }})
	if ok, err := crashed.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	later := old.Add(time.Hour)
	var acquired int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := New(dir, Options{Poll: time.Millisecond, StaleAfter: time.Minute, Now: func() time.Time { return later }})
			if ok, _ := l.Acquire(context.Background()); ok {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	wg.Wait()
	if acquired != 1 {
		t.Fatalf("expected exactly one holder, got %d", acquired)
	}
	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != ".lock" {
		t.Fatalf("unexpected leftovers in %s: %d entries", parent, len(entries))
	}
}

func TestDoReleasesOnPanic(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".lock")
	l := New(dir, Options{Timeout: time.Second, Poll: time.Millisecond})
	func() {
		defer func() { _ = recover() }()
		_, _ = l.Do(context.Background(), func() error {
			panic("boom")
		})
	}()
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("marker should be removed after panic, stat err=%v", err)
	}
	sentinel := errors.New("inner")
	ok, err := l.Do(context.Background(), func() error { return sentinel })
	if !ok || !errors.Is(err, sentinel) {
		t.Fatalf("expected inner error, got ok=%v err=%v", ok, err)
	}
}

func TestMutualExclusion(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".lock")
	var inside, maxInside, runs int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := New(dir, Options{Timeout: 10 * time.Second, Poll: time.Millisecond})
			ok, err := l.Do(context.Background(), func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&runs, 1)
				return nil
			})
			if err != nil || !ok {
				t.Errorf("do: ok=%v err=%v", ok, err)
			}
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("critical section overlapped: max=%d", maxInside)
	}
	if runs != 16 {
		t.Fatalf("expected 16 runs, got %d", runs)
	}
}
