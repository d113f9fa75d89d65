// Package validate checks the outputs of a state engine run for one
// engagement: blast radius, record shape, workspace and payment invariants,
// the status document and regression against the previous snapshot.
package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"stegops/internal/config"
	"stegops/internal/domain"
	"stegops/internal/engine"
	"stegops/internal/lattice"
	"stegops/internal/store"
)

// MinStatusLength is the shortest STATUS.md accepted.
const MinStatusLength = 60

var requiredKeys = []string{
	"schema_version", "engagement_id", "customer", "service", "labels", "state",
	"timestamps", "reasons", "pricing_defaults", "private_workspace", "updated_utc",
}

// ChangeLister reports workspace-relative paths modified by the run.
type ChangeLister func(ctx context.Context) ([]string, error)

type Options struct {
	Root             string
	LeadsDir         string
	EngagementID     int
	VerifyLabel      string
	WorkspaceBaseURL string
	// AllowedPaths are extra path prefixes tolerated by the blast-radius check.
	AllowedPaths []string
	// Changes lists modified files. Nil skips the blast-radius check.
	Changes ChangeLister
}

// OptionsFromConfig fills Options from a loaded config.
func OptionsFromConfig(root string, cfg *config.Config, id int) Options {
	return Options{
		Root:             root,
		LeadsDir:         cfg.Storage.LeadsDir,
		EngagementID:     id,
		VerifyLabel:      cfg.Labels.VerifyPayment,
		WorkspaceBaseURL: cfg.Workspace.BaseURL,
		AllowedPaths:     cfg.Validation.AllowedPaths,
		Changes:          GitChanges(root),
	}
}

type Result struct {
	EngagementID int           `json:"engagement_id"`
	NoOp         bool          `json:"no_op"`
	State        lattice.State `json:"state,omitempty"`
	Message      string        `json:"message"`
}

// Error lists every violated rule.
type Error struct {
	EngagementID int
	Violations   []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("engagement %d: %s", e.EngagementID, strings.Join(e.Violations, "; "))
}

type checker struct {
	violations []string
}

func (c *checker) failf(format string, args ...any) {
	c.violations = append(c.violations, fmt.Sprintf(format, args...))
}

// Run validates the outputs for opts.EngagementID. Violations come back as
// *Error; any other error means validation could not be performed.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.EngagementID <= 0 {
		return Result{}, errors.New("engagement id must be positive")
	}
	if opts.VerifyLabel == "" {
		opts.VerifyLabel = "verify-payment"
	}
	st := store.New(opts.Root, opts.LeadsDir)
	id := opts.EngagementID
	res := Result{EngagementID: id}
	c := &checker{}

	subtree := filepath.ToSlash(filepath.Join(opts.LeadsDir, store.DirName(id))) + "/"
	if opts.Changes != nil {
		changed, err := opts.Changes(ctx)
		if err != nil {
			return res, fmt.Errorf("list changed files: %w", err)
		}
		for _, p := range changed {
			if !pathAllowed(p, subtree, opts.AllowedPaths) {
				c.failf("file changed outside %s: %s", subtree, p)
			}
		}
	}

	if _, err := os.Stat(st.Dir(id)); errors.Is(err, fs.ErrNotExist) {
		if len(c.violations) > 0 {
			return res, &Error{EngagementID: id, Violations: c.violations}
		}
		res.NoOp = true
		res.Message = fmt.Sprintf("no outputs for engagement %d", id)
		return res, nil
	}

	rec, ok := c.checkRecord(st.StatePath(id), opts)
	if ok {
		res.State = rec.State
		c.checkStatus(st.StatusPath(id), id, rec.State)
		c.checkRegression(st.PrevPath(id), rec)
	}
	if len(c.violations) > 0 {
		return res, &Error{EngagementID: id, Violations: c.violations}
	}
	res.Message = fmt.Sprintf("%s is valid (state=%s)", subtree, rec.State)
	return res, nil
}

func pathAllowed(p, subtree string, extra []string) bool {
	p = filepath.ToSlash(strings.TrimPrefix(p, "./"))
	if strings.HasPrefix(p, subtree) || p+"/" == subtree {
		return true
	}
	for _, prefix := range extra {
		if prefix != "" && strings.HasPrefix(p, filepath.ToSlash(prefix)) {
			return true
		}
	}
	return false
}

func (c *checker) checkRecord(path string, opts Options) (domain.EngagementState, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.failf("missing %s", path)
		} else {
			c.failf("read %s: %v", path, err)
		}
		return domain.EngagementState{}, false
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		c.failf("%s is not valid JSON: %v", path, err)
		return domain.EngagementState{}, false
	}
	missing := false
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			c.failf("%s missing required key %s", path, k)
			missing = true
		}
	}
	if missing {
		return domain.EngagementState{}, false
	}
	var rec domain.EngagementState
	if err := json.Unmarshal(data, &rec); err != nil {
		c.failf("%s has malformed fields: %v", path, err)
		return domain.EngagementState{}, false
	}
	if bytes.Equal(bytes.TrimSpace(keys["labels"]), []byte("null")) {
		c.failf("%s labels must be a list of strings", path)
	}

	if rec.SchemaVersion != domain.SchemaVersion {
		c.failf("%s schema_version must be %d, got %d", path, domain.SchemaVersion, rec.SchemaVersion)
	}
	if rec.EngagementID != opts.EngagementID {
		c.failf("%s engagement_id mismatch: expected %d, got %d", path, opts.EngagementID, rec.EngagementID)
	}
	if !lattice.Known(rec.State) {
		c.failf("%s has unknown state %q", path, rec.State)
	}
	if !rec.Service.Valid() {
		c.failf("%s service must be monthly or audit, got %q", path, rec.Service)
	}
	if !isUTC(rec.UpdatedUTC) {
		c.failf("%s updated_utc is not an RFC3339 UTC timestamp: %q", path, rec.UpdatedUTC)
	}
	for k, v := range rec.Timestamps {
		if !lattice.Known(lattice.State(k)) && k != engine.MilestoneReopened {
			c.failf("%s timestamps has unknown milestone %q", path, k)
		}
		if !isUTC(v) {
			c.failf("%s timestamps.%s is not an RFC3339 UTC timestamp: %q", path, k, v)
		}
	}
	for i, r := range rec.Reasons {
		if strings.TrimSpace(r) == "" {
			c.failf("%s reasons[%d] is empty", path, i)
		}
	}

	if lattice.HasWorkspace(rec.State) {
		switch {
		case rec.PrivateWorkspace == nil:
			c.failf("%s private_workspace is required when state=%s", path, rec.State)
		case opts.WorkspaceBaseURL != "" && *rec.PrivateWorkspace != engine.WorkspaceURL(opts.WorkspaceBaseURL, opts.EngagementID):
			c.failf("%s private_workspace %q does not match %s", path, *rec.PrivateWorkspace, engine.WorkspaceURL(opts.WorkspaceBaseURL, opts.EngagementID))
		}
	} else if rec.PrivateWorkspace != nil {
		c.failf("%s private_workspace must be null when state=%s", path, rec.State)
	}

	if lattice.IsPaymentVerified(rec.State) && !contains(rec.Labels, opts.VerifyLabel) {
		c.failf("%s state=%s requires label %q (two-factor verify)", path, rec.State, opts.VerifyLabel)
	}
	return rec, true
}

func (c *checker) checkStatus(path string, id int, state lattice.State) {
	data, err := os.ReadFile(path)
	if err != nil {
		c.failf("missing %s", path)
		return
	}
	txt := strings.TrimSpace(string(data))
	if len(txt) < MinStatusLength {
		c.failf("%s is too short", path)
	}
	if !regexp.MustCompile(`#` + strconv.Itoa(id) + `\b`).MatchString(txt) {
		c.failf("%s does not reference #%d", path, id)
	}
	if !strings.Contains(txt, fmt.Sprintf("**State:** `%s`", state)) {
		c.failf("%s does not contain the state marker for %s", path, state)
	}
}

// checkRegression compares against state.prev.json. The only backward move
// accepted is an audited reopen out of a closing state.
func (c *checker) checkRegression(path string, rec domain.EngagementState) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.failf("read %s: %v", path, err)
		}
		return
	}
	prev, err := store.Decode(data)
	if err != nil {
		c.failf("%s exists but is not valid JSON", path)
		return
	}
	prevRank, ok := lattice.Index(prev.State)
	if !ok {
		return
	}
	curRank, _ := lattice.Index(rec.State)
	if curRank >= prevRank {
		return
	}
	if lattice.IsClosing(prev.State) && contains(rec.Reasons, "reopened") {
		return
	}
	c.failf("state regressed from %s to %s", prev.State, rec.State)
}

func isUTC(v string) bool {
	if !strings.HasSuffix(v, "Z") {
		return false
	}
	_, err := time.Parse(time.RFC3339, v)
	return err == nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// GitChanges lists modified and untracked files via git status.
func GitChanges(dir string) ChangeLister {
	return func(ctx context.Context) ([]string, error) {
		cmd := exec.CommandContext(ctx, "git", "status", "--porcelain", "--untracked-files=all")
		cmd.Dir = dir
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("git status: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return ParsePorcelain(string(out)), nil
	}
}

// ParsePorcelain extracts paths from `git status --porcelain` output. Both
// sides of a rename are reported.
func ParsePorcelain(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		for _, part := range strings.Split(path, " -> ") {
			part = strings.Trim(strings.TrimSpace(part), `"`)
			if part != "" {
				files = append(files, part)
			}
		}
	}
	return files
}
