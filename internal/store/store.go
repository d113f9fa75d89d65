// Package store persists engagement records under the leads tree.
//
// Each engagement owns leads/issue-<id>/ with state.json (current record),
// state.prev.json (verbatim copy of the record it replaced), STATUS.md and the
// .lock marker. Writes happen only when the record content changed.
package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"stegops/internal/domain"
)

const (
	StateFile  = "state.json"
	PrevFile   = "state.prev.json"
	StatusFile = "STATUS.md"
	LockDir    = ".lock"
)

var (
	ErrNotFound = errors.New("engagement not found")
	ErrCorrupt  = errors.New("engagement record unreadable")
)

type Store struct {
	Root     string
	LeadsDir string
}

func New(root, leadsDir string) Store {
	if root == "" {
		root = "."
	}
	if leadsDir == "" {
		leadsDir = "leads"
	}
	return Store{Root: root, LeadsDir: leadsDir}
}

// Base returns the leads directory.
func (s Store) Base() string {
	return filepath.Join(s.Root, s.LeadsDir)
}

// Dir returns the per-engagement directory.
func (s Store) Dir(id int) string {
	return filepath.Join(s.Base(), DirName(id))
}

// DirName is the engagement directory name relative to the leads dir.
func DirName(id int) string {
	return "issue-" + strconv.Itoa(id)
}

func (s Store) StatePath(id int) string  { return filepath.Join(s.Dir(id), StateFile) }
func (s Store) PrevPath(id int) string   { return filepath.Join(s.Dir(id), PrevFile) }
func (s Store) StatusPath(id int) string { return filepath.Join(s.Dir(id), StatusFile) }
func (s Store) LockPath(id int) string   { return filepath.Join(s.Dir(id), LockDir) }

// Load returns the current record. A missing record is (nil, nil); an
// unparsable one is (nil, ErrCorrupt) and callers treat it as absent.
func (s Store) Load(id int) (*domain.EngagementState, error) {
	return readRecord(s.StatePath(id))
}

// LoadPrevious returns the snapshot in state.prev.json.
func (s Store) LoadPrevious(id int) (*domain.EngagementState, error) {
	return readRecord(s.PrevPath(id))
}

// Get is Load with ErrNotFound for a missing record.
func (s Store) Get(id int) (domain.EngagementState, error) {
	st, err := s.Load(id)
	if err != nil {
		return domain.EngagementState{}, err
	}
	if st == nil {
		return domain.EngagementState{}, ErrNotFound
	}
	return *st, nil
}

// ReadStatus returns the rendered STATUS.md.
func (s Store) ReadStatus(id int) (string, error) {
	data, err := os.ReadFile(s.StatusPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(data), nil
}

func readRecord(path string) (*domain.EngagementState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	st, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Decode parses a persisted record.
func Decode(data []byte) (domain.EngagementState, error) {
	var st domain.EngagementState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.EngagementState{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return st, nil
}

// Save persists next unless its content hash equals the stored record's.
// On a real write the replaced state.json is first copied verbatim to
// state.prev.json (only when it was parsable), then state.json and STATUS.md
// are replaced atomically.
func (s Store) Save(id int, next domain.EngagementState) (bool, error) {
	nextHash, err := Hash(next)
	if err != nil {
		return false, err
	}
	statePath := s.StatePath(id)
	raw, err := os.ReadFile(statePath)
	switch {
	case err == nil:
		if prev, derr := Decode(raw); derr == nil {
			prevHash, err := Hash(prev)
			if err != nil {
				return false, err
			}
			if prevHash == nextHash {
				return false, nil
			}
			if err := writeAtomic(s.PrevPath(id), raw); err != nil {
				return false, fmt.Errorf("snapshot previous state: %w", err)
			}
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return false, fmt.Errorf("read current state: %w", err)
	}

	data, err := Encode(next)
	if err != nil {
		return false, err
	}
	if err := writeAtomic(statePath, data); err != nil {
		return false, fmt.Errorf("write state: %w", err)
	}
	if err := writeAtomic(s.StatusPath(id), []byte(RenderStatus(next))); err != nil {
		return false, fmt.Errorf("write status: %w", err)
	}
	return true, nil
}

// Hash is the canonical content hash of a record. updated_utc is excluded
// so that re-deriving an unchanged record never counts as a change.
func Hash(st domain.EngagementState) (string, error) {
	st = normalized(st)
	st.UpdatedUTC = ""
	data, err := canonicalJSON(st, false)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Encode renders the on-disk form: sorted keys, two-space indent, trailing newline.
func Encode(st domain.EngagementState) ([]byte, error) {
	return canonicalJSON(normalized(st), true)
}

func normalized(st domain.EngagementState) domain.EngagementState {
	if st.Labels == nil {
		st.Labels = []string{}
	}
	if st.Reasons == nil {
		st.Reasons = []string{}
	}
	if st.Timestamps == nil {
		st.Timestamps = map[string]string{}
	}
	return st
}

// canonicalJSON round-trips v through a generic value so object keys come
// out sorted regardless of struct field order.
func canonicalJSON(v any, indent bool) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// List returns every parsable record under the leads dir ordered by id.
// Unparsable records are skipped.
func (s Store) List() ([]domain.EngagementState, error) {
	entries, err := os.ReadDir(s.Base())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []domain.EngagementState
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "issue-") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "issue-"))
		if err != nil || id <= 0 {
			continue
		}
		st, err := s.Load(id)
		if err != nil || st == nil {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EngagementID < out[j].EngagementID })
	return out, nil
}
