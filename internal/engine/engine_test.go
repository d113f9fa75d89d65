package engine_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stegops/internal/config"
	"stegops/internal/db"
	"stegops/internal/domain"
	"stegops/internal/engine"
	"stegops/internal/events"
	"stegops/internal/lattice"
	"stegops/internal/migrate"
	"stegops/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Dir    string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Lock.Timeout = time.Second
	cfg.Lock.Poll = time.Millisecond
	conn, err := db.Open(db.Config{Workspace: dir, Dir: cfg.Journal.Dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(dir, cfg, conn, zerolog.Nop())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx, Dir: dir}
}

func commentEvent(id int, text string, trust domain.TrustLevel, labels ...string) domain.IssueEvent {
	return domain.IssueEvent{
		ID:             id,
		Author:         "alice",
		Actor:          "maintainer",
		Title:          "Audit request",
		OpenState:      "open",
		Labels:         append([]string{"stegops"}, labels...),
		Comment:        &text,
		CommenterTrust: trust,
		Kind:           "issue_comment",
		RunID:          "run-1",
	}
}

func TestProcessSkips(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.Engine.Process(env.Ctx, domain.IssueEvent{})
	if err != nil || out.Skipped != domain.SkipNoEngagement {
		t.Fatalf("expected no_engagement_id skip, got %+v %v", out, err)
	}
	out, err = env.Engine.Process(env.Ctx, domain.IssueEvent{ID: 3, Labels: []string{"bug"}})
	if err != nil || out.Skipped != domain.SkipNotInScope {
		t.Fatalf("expected not_in_scope skip, got %+v %v", out, err)
	}
	if _, err := os.Stat(env.Engine.Store.Dir(3)); !os.IsNotExist(err) {
		t.Fatalf("out of scope event must not touch the store")
	}
}

func TestProcessLockTimeoutSkips(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Lock.Timeout = 20 * time.Millisecond
	if err := os.MkdirAll(env.Engine.Store.LockPath(5), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	out, err := env.Engine.Process(env.Ctx, commentEvent(5, "yes", "NONE"))
	if err != nil || out.Skipped != domain.SkipLockTimeout {
		t.Fatalf("expected lock_timeout skip, got %+v %v", out, err)
	}
	if _, err := os.Stat(env.Engine.Store.StatePath(5)); !os.IsNotExist(err) {
		t.Fatalf("no state must be written without the lock")
	}
}

func TestProcessFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	steps := []struct {
		evt  domain.IssueEvent
		want lattice.State
	}{
		{commentEvent(9, "yes", "NONE"), lattice.Qualified},
		{commentEvent(9, "looks good", "NONE", "sow-generated"), lattice.SOWGenerated},
		{commentEvent(9, "I accept", "NONE", "sow-generated"), lattice.Accepted},
		{commentEvent(9, "thanks", "NONE", "invoice-generated"), lattice.InvoiceGenerated},
		{commentEvent(9, "paid", "NONE", "invoice-generated"), lattice.VerifyPayment},
		{commentEvent(9, "verify payment", "NONE", "verify-payment"), lattice.VerifyPayment},
		{commentEvent(9, "verify payment", "OWNER", "verify-payment"), lattice.DeliverablesReady},
		{commentEvent(9, "shipped", "OWNER", "deliverables-pushed"), lattice.DeliverablesPushed},
	}
	for i, step := range steps {
		out, err := e.Process(env.Ctx, step.evt)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if out.To != step.want {
			t.Fatalf("step %d: expected %s, got %s (%v)", i, step.want, out.To, out.Reasons)
		}
	}
	st, err := e.Store.Get(9)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.PrivateWorkspace == nil {
		t.Fatalf("workspace should be set")
	}
	prev, err := e.Store.LoadPrevious(9)
	if err != nil || prev == nil || prev.State != lattice.DeliverablesReady {
		t.Fatalf("previous snapshot: %+v %v", prev, err)
	}
	if _, err := os.Stat(e.Store.LockPath(9)); !os.IsNotExist(err) {
		t.Fatalf("lock marker left behind")
	}

	summary, err := e.Repo.GetEngagement(env.Ctx, 9)
	if err != nil || summary.State != string(lattice.DeliverablesPushed) {
		t.Fatalf("index not updated: %+v %v", summary, err)
	}
	ready, err := e.Repo.LatestEvents(env.Ctx, 10, repo.EventFilter{EngagementID: 9, Type: events.TypeWorkspaceReady})
	if err != nil || len(ready) != 1 {
		t.Fatalf("expected exactly one workspace_ready event, got %v %v", ready, err)
	}
}

func TestProcessReplayWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	evt := commentEvent(42, "verify payment", "OWNER", "verify-payment")
	first, err := e.Process(env.Ctx, evt)
	if err != nil || !first.Written || first.To != lattice.DeliverablesReady {
		t.Fatalf("first run: %+v %v", first, err)
	}
	info, err := os.Stat(e.Store.StatePath(42))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	before, _ := e.Repo.LatestEventID(env.Ctx)

	e.Now = func() time.Time { return time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC) }
	second, err := e.Process(env.Ctx, evt)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Written {
		t.Fatalf("replay must not write")
	}
	after, _ := os.Stat(e.Store.StatePath(42))
	if !after.ModTime().Equal(info.ModTime()) {
		t.Fatalf("state.json touched on replay")
	}
	if _, err := os.Stat(e.Store.PrevPath(42)); !os.IsNotExist(err) {
		t.Fatalf("replay must not snapshot")
	}
	if latest, _ := e.Repo.LatestEventID(env.Ctx); latest != before {
		t.Fatalf("replay must not journal, ids %d -> %d", before, latest)
	}
}

func TestProcessCorruptPreviousState(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	if err := os.MkdirAll(e.Store.Dir(8), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(e.Store.StatePath(8), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := e.Process(env.Ctx, commentEvent(8, "yes", "NONE"))
	if err != nil || !out.Written || out.To != lattice.Qualified {
		t.Fatalf("expected fresh record, got %+v %v", out, err)
	}
	if _, err := os.Stat(e.Store.PrevPath(8)); !os.IsNotExist(err) {
		t.Fatalf("garbage must not be snapshotted")
	}
}

func TestProcessWithoutJournal(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Journal.Enabled = false
	e := engine.New(dir, cfg, nil, zerolog.Nop())
	out, err := e.Process(context.Background(), commentEvent(2, "yes", "NONE"))
	if err != nil || !out.Written {
		t.Fatalf("process: %+v %v", out, err)
	}
}

func TestProcessConcurrentSameEngagement(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	e.Config.Lock.Timeout = 10 * time.Second
	texts := []string{"yes", "I accept", "paid", "thanks", "ok"}
	var wg sync.WaitGroup
	errs := make(chan error, len(texts))
	for _, text := range texts {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			out, err := e.Process(env.Ctx, commentEvent(11, text, "NONE"))
			if err != nil {
				errs <- err
				return
			}
			if out.Skipped != "" {
				t.Errorf("unexpected skip %s", out.Skipped)
			}
		}(text)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("process: %v", err)
	}
	st, err := e.Store.Get(11)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.State != lattice.VerifyPayment {
		t.Fatalf("expected every update folded into verify_payment, got %s", st.State)
	}
	for _, k := range []string{"qualified", "accepted", "payment_claimed"} {
		if st.Timestamps[k] == "" {
			t.Fatalf("milestone %s lost under concurrency: %v", k, st.Timestamps)
		}
	}
}
