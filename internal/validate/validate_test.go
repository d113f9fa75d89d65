package validate

import (
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"stegops/internal/config"
	"stegops/internal/domain"
	"stegops/internal/engine"
	"stegops/internal/lattice"
	"stegops/internal/store"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	root  string
	cfg   *config.Config
	store store.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	return fixture{root: root, cfg: cfg, store: store.New(root, cfg.Storage.LeadsDir)}
}

func (f fixture) opts(id int, changed ...string) Options {
	o := OptionsFromConfig(f.root, f.cfg, id)
	o.Changes = func(context.Context) ([]string, error) { return changed, nil }
	return o
}

func (f fixture) apply(t *testing.T, evt domain.IssueEvent) domain.EngagementState {
	t.Helper()
	prev, _ := f.store.Load(evt.ID)
	tr := engine.Compute(engine.PolicyFromConfig(f.cfg), evt, prev, now)
	if _, err := f.store.Save(evt.ID, tr.Next); err != nil {
		t.Fatalf("save: %v", err)
	}
	return tr.Next
}

func (f fixture) overwrite(t *testing.T, id int, mutate func(*domain.EngagementState)) {
	t.Helper()
	st, err := f.store.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	mutate(&st)
	data, err := store.Encode(st)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(f.store.StatePath(id), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func event(id int, comment string, trust domain.TrustLevel, labels ...string) domain.IssueEvent {
	evt := domain.IssueEvent{ID: id, Author: "alice", Title: "Audit", OpenState: "open", Labels: append([]string{"stegops"}, labels...)}
	if comment != "" {
		evt.Comment = &comment
		evt.CommenterTrust = trust
	}
	return evt
}

func violations(t *testing.T, err error) []string {
	t.Helper()
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	return verr.Violations
}

func expectViolation(t *testing.T, err error, substr string) {
	t.Helper()
	for _, v := range violations(t, err) {
		if strings.Contains(v, substr) {
			return
		}
	}
	t.Fatalf("expected violation containing %q, got %v", substr, err)
}

func TestMissingDirIsNoOp(t *testing.T) {
	f := newFixture(t)
	res, err := Run(context.Background(), f.opts(5))
	if err != nil || !res.NoOp {
		t.Fatalf("expected no-op, got %+v %v", res, err)
	}
	_, err = Run(context.Background(), f.opts(5, "README.md"))
	expectViolation(t, err, "README.md")
}

func TestValidRun(t *testing.T) {
	f := newFixture(t)
	f.apply(t, event(7, "yes", "NONE"))
	f.apply(t, event(7, "paid", "NONE", "invoice-generated"))
	f.apply(t, event(7, "verify payment", "OWNER", "verify-payment"))
	res, err := Run(context.Background(), f.opts(7,
		"leads/issue-7/state.json",
		"leads/issue-7/state.prev.json",
		"leads/issue-7/STATUS.md",
		".stegops/stegops.db",
	))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.State != lattice.DeliverablesReady || res.NoOp {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestBlastRadius(t *testing.T) {
	f := newFixture(t)
	f.apply(t, event(7, "yes", "NONE"))
	_, err := Run(context.Background(), f.opts(7, "leads/issue-7/state.json", "leads/issue-8/state.json", "leads/issue-70/state.json"))
	v := violations(t, err)
	if len(v) != 2 {
		t.Fatalf("expected two violations, got %v", v)
	}
}

func TestRecordViolations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.EngagementState)
		want   string
	}{
		{"schema", func(s *domain.EngagementState) { s.SchemaVersion = 2 }, "schema_version"},
		{"id", func(s *domain.EngagementState) { s.EngagementID = 8 }, "engagement_id mismatch"},
		{"state", func(s *domain.EngagementState) { s.State = "archived" }, "unknown state"},
		{"service", func(s *domain.EngagementState) { s.Service = "retainer" }, "service"},
		{"updated", func(s *domain.EngagementState) { s.UpdatedUTC = "2024-01-01 00:00" }, "updated_utc"},
		{"timestamp", func(s *domain.EngagementState) { s.Timestamps["qualified"] = "yesterday" }, "timestamps.qualified"},
		{"reason", func(s *domain.EngagementState) { s.Reasons = append(s.Reasons, " ") }, "reasons"},
		{"workspace missing", func(s *domain.EngagementState) { s.State = lattice.DeliverablesPushed; s.Labels = append(s.Labels, "verify-payment") }, "private_workspace is required"},
		{"workspace extra", func(s *domain.EngagementState) {
			ws := "https://example.com/clients/issue-7"
			s.PrivateWorkspace = &ws
		}, "must be null"},
		{"workspace shape", func(s *domain.EngagementState) {
			ws := "https://example.com/clients/issue-7"
			s.State = lattice.DeliverablesReady
			s.Labels = append(s.Labels, "verify-payment")
			s.PrivateWorkspace = &ws
		}, "does not match"},
		{"two factor", func(s *domain.EngagementState) { s.State = lattice.PaymentVerified }, "two-factor"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.apply(t, event(7, "yes", "NONE"))
			f.overwrite(t, 7, tc.mutate)
			_, err := Run(context.Background(), f.opts(7))
			expectViolation(t, err, tc.want)
		})
	}
}

func TestMissingAndMalformedRecord(t *testing.T) {
	f := newFixture(t)
	if err := os.MkdirAll(f.store.Dir(3), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_, err := Run(context.Background(), f.opts(3))
	expectViolation(t, err, "missing")

	if err := os.WriteFile(f.store.StatePath(3), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = Run(context.Background(), f.opts(3))
	expectViolation(t, err, "not valid JSON")

	if err := os.WriteFile(f.store.StatePath(3), []byte(`{"schema_version":1}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = Run(context.Background(), f.opts(3))
	expectViolation(t, err, "missing required key state")
}

func TestStatusDocument(t *testing.T) {
	f := newFixture(t)
	f.apply(t, event(7, "yes", "NONE"))
	if err := os.WriteFile(f.store.StatusPath(7), []byte("short"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Run(context.Background(), f.opts(7))
	expectViolation(t, err, "too short")

	text := strings.Repeat("padding ", 10) + "#70 **State:** `new`"
	if err := os.WriteFile(f.store.StatusPath(7), []byte(text), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = Run(context.Background(), f.opts(7))
	expectViolation(t, err, "does not reference #7")
	expectViolation(t, err, "state marker")

	if err := os.Remove(f.store.StatusPath(7)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, err = Run(context.Background(), f.opts(7))
	expectViolation(t, err, "missing")
}

func TestRegression(t *testing.T) {
	f := newFixture(t)
	f.apply(t, event(7, "yes", "NONE", "sow-generated"))
	f.apply(t, event(7, "I accept", "NONE", "sow-generated"))
	cur, _ := os.ReadFile(f.store.StatePath(7))
	if err := os.WriteFile(f.store.PrevPath(7), cur, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.overwrite(t, 7, func(s *domain.EngagementState) { s.State = lattice.Qualified })
	if err := os.WriteFile(f.store.StatusPath(7), []byte(store.RenderStatus(mustGet(t, f, 7))), 0o644); err != nil {
		t.Fatalf("write status: %v", err)
	}
	_, err := Run(context.Background(), f.opts(7))
	expectViolation(t, err, "regressed from accepted to qualified")

	if err := os.WriteFile(f.store.PrevPath(7), []byte("nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = Run(context.Background(), f.opts(7))
	expectViolation(t, err, "state.prev.json exists but is not valid JSON")
}

func TestReopenIsNotARegression(t *testing.T) {
	f := newFixture(t)
	f.cfg.Lifecycle.AllowReopen = true
	f.apply(t, event(7, "yes", "NONE"))
	closed := event(7, "", "")
	closed.OpenState = "closed"
	if st := f.apply(t, closed); st.State != lattice.ClosedNoResponse {
		t.Fatalf("expected closed_no_response, got %s", st.State)
	}
	if st := f.apply(t, event(7, "yes", "NONE")); st.State != lattice.Qualified {
		t.Fatalf("expected reopen to qualified, got %s", st.State)
	}
	if _, err := Run(context.Background(), f.opts(7)); err != nil {
		t.Fatalf("reopen should validate: %v", err)
	}
}

func mustGet(t *testing.T, f fixture, id int) domain.EngagementState {
	t.Helper()
	st, err := f.store.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return st
}

func TestParsePorcelain(t *testing.T) {
	out := " M leads/issue-1/state.json\n?? leads/issue-1/STATUS.md\nR  old.txt -> leads/issue-1/new.txt\n?? \"with space.txt\"\n"
	got := ParsePorcelain(out)
	want := []string{"leads/issue-1/state.json", "leads/issue-1/STATUS.md", "old.txt", "leads/issue-1/new.txt", "with space.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
