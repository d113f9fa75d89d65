package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info().Msg("dropped")
	log.Warn().Int("engagement_id", 7).Msg("lock_timeout")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["message"] != "lock_timeout" || entry["engagement_id"] != float64(7) {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewConsoleAndErrors(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info().Str("skip", "not_in_scope").Msg("event_skipped")
	if !strings.Contains(buf.String(), "event_skipped") || !strings.Contains(buf.String(), "skip=not_in_scope") {
		t.Fatalf("unexpected console output %q", buf.String())
	}
	if _, err := New(&buf, "loud", "json"); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := New(&buf, "info", "xml"); err == nil {
		t.Fatalf("expected format error")
	}
}
