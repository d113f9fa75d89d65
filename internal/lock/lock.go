// Package lock implements the per-engagement exclusive lock: an atomically
// created directory marker with bounded, polled acquisition.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InfoFile is the metadata file written inside the marker directory.
const InfoFile = "lock.json"

// ErrNotHeld is returned by Release when the lock was never acquired.
var ErrNotHeld = errors.New("lock not held")

var errBusy = errors.New("lock busy")

// Info is the diagnostic metadata stored alongside the marker.
type Info struct {
	AcquiredUTC string `json:"acquired_utc"`
	RunID       string `json:"run_id"`
	Event       string `json:"event"`
	PID         int    `json:"pid"`
	Host        string `json:"host"`
}

type Options struct {
	// Timeout bounds acquisition. Zero means a single attempt.
	Timeout time.Duration
	Poll    time.Duration
	// StaleAfter breaks markers older than this. Zero never breaks.
	StaleAfter time.Duration
	RunID      string
	Event      string
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Lock is a mkdir based mutual exclusion marker.
type Lock struct {
	dir  string
	opts Options

	mu   sync.Mutex
	held bool
}

func New(dir string, opts Options) *Lock {
	if opts.Poll <= 0 {
		opts.Poll = 250 * time.Millisecond
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Lock{dir: dir, opts: opts}
}

// Dir returns the marker directory.
func (l *Lock) Dir() string { return l.dir }

func (l *Lock) now() time.Time {
	if l.opts.Now != nil {
		return l.opts.Now()
	}
	return time.Now()
}

// Acquire polls until the marker is created, the timeout elapses or ctx is
// done. A timeout is reported as (false, nil) so callers can skip cleanly.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.dir), 0o755); err != nil {
		return false, fmt.Errorf("create lock parent: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	var bo backoff.BackOff = backoff.NewConstantBackOff(l.opts.Poll)
	if l.opts.Timeout <= 0 {
		bo = &backoff.StopBackOff{}
	}
	op := func() error {
		err := l.tryCreate()
		if err == nil {
			return nil
		}
		if !errors.Is(err, errBusy) {
			return backoff.Permanent(err)
		}
		broken, berr := l.breakStale()
		if berr != nil {
			return backoff.Permanent(berr)
		}
		if !broken {
			return errBusy
		}
		err = l.tryCreate()
		if err != nil && !errors.Is(err, errBusy) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(bo, waitCtx))
	switch {
	case err == nil:
		l.held = true
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, errBusy), errors.Is(err, context.DeadlineExceeded):
		return false, nil
	default:
		return false, err
	}
}

func (l *Lock) tryCreate() error {
	if err := os.Mkdir(l.dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return errBusy
		}
		return fmt.Errorf("create lock marker: %w", err)
	}
	host, _ := os.Hostname()
	info := Info{
		AcquiredUTC: l.now().UTC().Format(time.RFC3339),
		RunID:       l.opts.RunID,
		Event:       l.opts.Event,
		PID:         os.Getpid(),
		Host:        host,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		_ = os.RemoveAll(l.dir)
		return err
	}
	if err := os.WriteFile(filepath.Join(l.dir, InfoFile), append(data, '\n'), 0o644); err != nil {
		_ = os.RemoveAll(l.dir)
		return fmt.Errorf("write lock metadata: %w", err)
	}
	return nil
}

// breakStale removes a marker older than StaleAfter. Markers without
// readable metadata are aged by the directory modification time.
func (l *Lock) breakStale() (bool, error) {
	if l.opts.StaleAfter <= 0 {
		return false, nil
	}
	seen, err := ReadInfo(l.dir)
	hasInfo := err == nil
	var acquired time.Time
	if hasInfo {
		acquired, _ = time.Parse(time.RFC3339, seen.AcquiredUTC)
	}
	if acquired.IsZero() {
		st, err := os.Stat(l.dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return true, nil
			}
			return false, err
		}
		acquired = st.ModTime()
	}
	age := l.now().Sub(acquired)
	if age <= l.opts.StaleAfter {
		return false, nil
	}
	broken, err := l.evict(seen, hasInfo)
	if err != nil || !broken {
		return broken, err
	}
	l.opts.Logger.Warn().
		Str("lock", l.dir).
		Dur("age", age).
		Msg("stale_lock_broken")
	return true, nil
}

// evict moves the marker judged stale to a unique tombstone and removes it.
// The rename is atomic, so of several concurrent breakers only one moves a
// given marker. If the moved marker is not the one that was judged (another
// run broke it and re-acquired in between), it is moved back untouched.
func (l *Lock) evict(seen Info, hasInfo bool) (bool, error) {
	tomb := l.dir + ".stale-" + uuid.NewString()
	if err := os.Rename(l.dir, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("break stale lock: %w", err)
	}
	moved, err := ReadInfo(tomb)
	if (err == nil) != hasInfo || moved != seen {
		if err := os.Rename(tomb, l.dir); err != nil {
			return false, fmt.Errorf("restore lock marker: %w", err)
		}
		return false, nil
	}
	if err := os.RemoveAll(tomb); err != nil {
		return false, fmt.Errorf("remove stale lock: %w", err)
	}
	return true, nil
}

// Release removes the marker. It is safe to call more than once; only the
// first call after a successful Acquire removes anything.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ErrNotHeld
	}
	l.held = false
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Held reports whether this handle currently owns the marker.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Do runs fn while holding the lock. The lock is released on every exit path,
// including panics. acquired is false when the timeout elapsed first.
func (l *Lock) Do(ctx context.Context, fn func() error) (acquired bool, err error) {
	ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		return ok, err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return true, fn()
}

// ReadInfo reads the metadata of an existing marker.
func ReadInfo(dir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, InfoFile))
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("decode lock metadata: %w", err)
	}
	return info, nil
}
