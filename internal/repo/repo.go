package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"stegops/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// EventFilter narrows journal queries. Zero values match everything.
type EventFilter struct {
	EngagementID int
	Type         string
	// Before returns only events with id < Before when positive.
	Before int64
}

// UpsertEngagement refreshes the index row for an engagement.
func (r Repo) UpsertEngagement(ctx context.Context, tx *sql.Tx, s domain.EngagementSummary) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO engagements(id,state,service,customer,title,private_workspace,updated_utc) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  state=excluded.state,
  service=excluded.service,
  customer=excluded.customer,
  title=excluded.title,
  private_workspace=excluded.private_workspace,
  updated_utc=excluded.updated_utc`,
		s.ID, s.State, s.Service, s.Customer, s.Title, nullableStringPtr(s.PrivateWorkspace), s.UpdatedUTC)
	if err != nil {
		return fmt.Errorf("upsert engagement %d: %w", s.ID, err)
	}
	return nil
}

func (r Repo) GetEngagement(ctx context.Context, id int) (domain.EngagementSummary, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,state,service,customer,title,private_workspace,updated_utc FROM engagements WHERE id=?`, id)
	s, err := scanEngagement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EngagementSummary{}, ErrNotFound
	}
	return s, err
}

// ListEngagements returns index rows, optionally filtered by state, newest first.
func (r Repo) ListEngagements(ctx context.Context, state string, limit int) ([]domain.EngagementSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,state,service,customer,title,private_workspace,updated_utc FROM engagements`
	var args []any
	if state != "" {
		query += ` WHERE state=?`
		args = append(args, state)
	}
	query += ` ORDER BY updated_utc DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EngagementSummary
	for rows.Next() {
		s, err := scanEngagement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEngagement(row scanner) (domain.EngagementSummary, error) {
	var s domain.EngagementSummary
	var ws sql.NullString
	if err := row.Scan(&s.ID, &s.State, &s.Service, &s.Customer, &s.Title, &ws, &s.UpdatedUTC); err != nil {
		return domain.EngagementSummary{}, err
	}
	if ws.Valid {
		v := ws.String
		s.PrivateWorkspace = &v
	}
	return s, nil
}

// LatestEvents returns journal events newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.EngagementID > 0 {
		clauses = append(clauses, "engagement_id=?")
		args = append(args, f.EngagementID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,engagement_id,actor_id,COALESCE(run_id,''),payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id > cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,engagement_id,actor_id,COALESCE(run_id,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EngagementID, &e.ActorID, &e.RunID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent journal id, or 0 for an empty journal.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// WebhookCursor returns the last delivered event id for a webhook.
func (r Repo) WebhookCursor(ctx context.Context, webhookID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE webhook_id=?`, webhookID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, webhookID string, eventID int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO webhook_cursors(webhook_id,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(webhook_id) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`,
		webhookID, eventID, now)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
