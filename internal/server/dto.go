package server

import (
	"encoding/json"

	"stegops/internal/domain"
	"stegops/internal/lattice"
)

// Request payloads

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TTLSeconds  int      `json:"ttl_seconds,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type StatusResponse struct {
	EngagementID int    `json:"engagement_id"`
	Markdown     string `json:"markdown"`
}

type ValidationResponse struct {
	EngagementID int           `json:"engagement_id"`
	Valid        bool          `json:"valid"`
	NoOp         bool          `json:"no_op"`
	State        lattice.State `json:"state,omitempty"`
	Message      string        `json:"message"`
}

type EventResponse struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts" format:"date-time"`
	Type         string         `json:"type"`
	EngagementID int            `json:"engagement_id"`
	ActorID      string         `json:"actor_id"`
	RunID        string         `json:"run_id,omitempty"`
	Payload      map[string]any `json:"payload"`
}

type paginatedEngagements struct {
	Items  []domain.EngagementSummary `json:"items"`
	Source string                     `json:"source" enum:"journal,files"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		EngagementID: e.EngagementID,
		ActorID:      e.ActorID,
		RunID:        e.RunID,
		Payload:      decodeJSONMap(e.PayloadJSON),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
