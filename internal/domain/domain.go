package domain

import (
	"sort"
	"strings"

	"stegops/internal/lattice"
)

// SchemaVersion is the version stamped on every persisted engagement record.
const SchemaVersion = 1

type Service string

const (
	ServiceMonthly Service = "monthly"
	ServiceAudit   Service = "audit"
)

// Valid reports whether s is a known service line.
func (s Service) Valid() bool {
	return s == ServiceMonthly || s == ServiceAudit
}

// TrustLevel is the commenter's relationship to the repository
// (OWNER, MEMBER, COLLABORATOR, CONTRIBUTOR, NONE, ...).
type TrustLevel string

// IssueEvent is the normalized view of one issue or comment webhook delivery.
type IssueEvent struct {
	ID             int        `json:"id"`
	Author         string     `json:"author"`
	Actor          string     `json:"actor,omitempty"`
	Title          string     `json:"title"`
	URL            string     `json:"url"`
	OpenState      string     `json:"open_state" enum:"open,closed"`
	Labels         []string   `json:"labels"`
	Body           string     `json:"body"`
	Comment        *string    `json:"comment,omitempty"`
	CommenterTrust TrustLevel `json:"commenter_trust,omitempty"`
	Kind           string     `json:"kind,omitempty"`
	RunID          string     `json:"run_id,omitempty"`
}

// Closed reports whether the issue was closed at the time of the event.
func (e IssueEvent) Closed() bool {
	return e.OpenState == "closed"
}

func (e IssueEvent) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Intents are the signals recognized in a comment body.
type Intents struct {
	Affirmative     bool `json:"affirmative"`
	Accepted        bool `json:"accepted"`
	PaymentClaimed  bool `json:"payment_claimed"`
	VerifyRequested bool `json:"verify_requested"`
}

// Any reports whether at least one intent was recognized.
func (i Intents) Any() bool {
	return i.Affirmative || i.Accepted || i.PaymentClaimed || i.VerifyRequested
}

type PricingDefaults struct {
	SuggestedAmount string `json:"suggested_amount"`
}

// EngagementState is the durable record stored at leads/issue-<id>/state.json.
type EngagementState struct {
	SchemaVersion    int               `json:"schema_version"`
	EngagementID     int               `json:"engagement_id"`
	Customer         string            `json:"customer"`
	Title            string            `json:"title"`
	URL              string            `json:"url"`
	OpenState        string            `json:"open_state"`
	Service          Service           `json:"service"`
	Labels           []string          `json:"labels"`
	State            lattice.State     `json:"state"`
	Timestamps       map[string]string `json:"timestamps"`
	Reasons          []string          `json:"reasons"`
	PricingDefaults  PricingDefaults   `json:"pricing_defaults"`
	PrivateWorkspace *string           `json:"private_workspace"`
	UpdatedUTC       string            `json:"updated_utc" format:"date-time"`
}

// Summary returns the index row for the engagement.
func (s EngagementState) Summary() EngagementSummary {
	return EngagementSummary{
		ID:               s.EngagementID,
		State:            string(s.State),
		Service:          string(s.Service),
		Customer:         s.Customer,
		Title:            s.Title,
		PrivateWorkspace: s.PrivateWorkspace,
		UpdatedUTC:       s.UpdatedUTC,
	}
}

// EngagementSummary is the queryable projection kept in the journal database.
type EngagementSummary struct {
	ID               int     `json:"id"`
	State            string  `json:"state"`
	Service          string  `json:"service" enum:"monthly,audit"`
	Customer         string  `json:"customer"`
	Title            string  `json:"title"`
	PrivateWorkspace *string `json:"private_workspace,omitempty"`
	UpdatedUTC       string  `json:"updated_utc" format:"date-time"`
}

// Skip reasons reported on an Outcome when no processing happened.
const (
	SkipNoEngagement = "no_engagement_id"
	SkipNotInScope   = "not_in_scope"
	SkipLockTimeout  = "lock_timeout"
)

// Outcome reports what a single event run did.
type Outcome struct {
	EngagementID int           `json:"engagement_id"`
	RunID        string        `json:"run_id,omitempty"`
	Skipped      string        `json:"skipped,omitempty"`
	Written      bool          `json:"written"`
	From         lattice.State `json:"from,omitempty"`
	To           lattice.State `json:"to,omitempty"`
	Reasons      []string      `json:"reasons,omitempty"`
}

// Event is a journal entry recorded after a state write.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	EngagementID int    `json:"engagement_id"`
	ActorID      string `json:"actor_id"`
	RunID        string `json:"run_id,omitempty"`
	PayloadJSON  string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role" enum:"admin,ingest,reader,validator"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// SortedSet trims, drops empties, dedupes and sorts values.
func SortedSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
