package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Journal event types.
const (
	TypeTransition     = "engagement.transition"
	TypeWorkspaceReady = "engagement.workspace_ready"
	TypeReopened       = "engagement.reopened"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one journal row inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, engagementID int, actorID, runID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorID == "" {
		actorID = "system"
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,engagement_id,actor_id,run_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, engagementID, actorID, nullable(runID), string(data))
	if err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
