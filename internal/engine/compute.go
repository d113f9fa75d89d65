package engine

import (
	"fmt"
	"strings"
	"time"

	"stegops/internal/domain"
	"stegops/internal/intent"
	"stegops/internal/lattice"
)

// Milestone keys stamped outside the lattice states.
const (
	MilestoneReopened = "reopened"
)

// Transition is the outcome of one Compute call.
type Transition struct {
	// Previous is the persisted state before this run, empty for a new record.
	Previous lattice.State
	// Observed is the fold of every state this event alone proves.
	Observed     lattice.State
	Next         domain.EngagementState
	Fired        []string
	VerifyDenied bool
	Reopened     bool
}

// Compute derives the next record from an event and the previous record.
// It is pure: the same inputs always produce the same record.
func Compute(p Policy, evt domain.IssueEvent, prev *domain.EngagementState, now time.Time) Transition {
	ts := now.UTC().Format(time.RFC3339)
	f := observe(p, evt)
	tr := Transition{Observed: lattice.New}
	var reasons []string

	stamps := map[string]string{}
	prevState := lattice.New
	if prev != nil {
		for k, v := range prev.Timestamps {
			stamps[k] = v
		}
		tr.Previous = prev.State
		if lattice.Known(prev.State) {
			prevState = prev.State
		} else {
			reasons = append(reasons, "previous_state_unknown")
		}
	}
	mark := func(key string) {
		if _, ok := stamps[key]; !ok {
			stamps[key] = ts
		}
	}
	if prev == nil {
		mark(string(lattice.New))
	}

	for _, r := range rules {
		tags := r.match(p, f)
		if len(tags) == 0 {
			continue
		}
		tr.Fired = append(tr.Fired, r.reason)
		reasons = append(reasons, r.reason)
		reasons = append(reasons, tags...)
		for _, target := range r.targets {
			tr.Observed = lattice.Combine(tr.Observed, target)
			mark(string(target))
		}
	}

	if f.intents.VerifyRequested && !(f.trusted && f.labels[p.Labels.VerifyPayment]) {
		tr.VerifyDenied = true
		reasons = append(reasons, "security_verify_payment_denied")
		if !f.trusted {
			reasons = append(reasons, "verify_denied_untrusted_actor")
		}
		if !f.labels[p.Labels.VerifyPayment] {
			reasons = append(reasons, "verify_denied_missing_label")
		}
	}

	base := prevState
	if p.AllowReopen && lattice.IsClosing(prevState) && !evt.Closed() && f.intents.Affirmative {
		base = lattice.HighestOperational(milestoneStates(stamps)...)
		tr.Reopened = true
		reasons = append(reasons, "reopened", "reopened_from_"+string(prevState))
		mark(MilestoneReopened)
	}
	current := lattice.Combine(base, tr.Observed)

	if evt.Closed() {
		operational := base
		if lattice.IsClosing(base) {
			operational = lattice.HighestOperational(milestoneStates(stamps)...)
		}
		operational = lattice.Combine(operational, lattice.HighestOperational(tr.Observed))
		target := lattice.Closed
		switch {
		case f.labels[p.Labels.NoResponse]:
			target = lattice.ClosedNoResponse
			reasons = append(reasons, "label_no_response")
		case lattice.Rank(operational) <= lattice.Rank(lattice.Qualified):
			target = lattice.ClosedNoResponse
		}
		reasons = append(reasons, "observed_"+string(target))
		if lattice.Combine(current, target) == target {
			mark(string(target))
		}
		tr.Observed = lattice.Combine(tr.Observed, target)
		current = lattice.Combine(current, target)
	}

	if tr.Observed == lattice.New {
		reasons = append(reasons, "observed_new")
	}
	if prev != nil && !tr.Reopened && current == prevState && lattice.Rank(tr.Observed) < lattice.Rank(prevState) {
		reasons = append(reasons, "state_retained_previous")
	}

	service := resolveService(p, evt, prev)
	next := domain.EngagementState{
		SchemaVersion:   domain.SchemaVersion,
		EngagementID:    evt.ID,
		Customer:        resolveCustomer(evt, prev),
		Title:           latest(evt.Title, prev, func(s *domain.EngagementState) string { return s.Title }),
		URL:             latest(evt.URL, prev, func(s *domain.EngagementState) string { return s.URL }),
		OpenState:       evt.OpenState,
		Service:         service,
		Labels:          domain.SortedSet(evt.Labels),
		State:           current,
		Timestamps:      stamps,
		Reasons:         domain.SortedSet(reasons),
		PricingDefaults: domain.PricingDefaults{SuggestedAmount: p.Pricing.For(service)},
		UpdatedUTC:      ts,
	}
	if next.OpenState == "" {
		next.OpenState = "open"
	}
	if lattice.HasWorkspace(current) {
		ws := WorkspaceURL(p.WorkspaceBaseURL, evt.ID)
		next.PrivateWorkspace = &ws
	}
	tr.Next = next
	return tr
}

// WorkspaceURL is the deterministic private workspace reference for an engagement.
func WorkspaceURL(base string, id int) string {
	return fmt.Sprintf("%s/clients/issue-%d", strings.TrimRight(base, "/"), id)
}

// resolveService applies label > previous > body > audit precedence.
// The audit label wins when both service labels are present.
func resolveService(p Policy, evt domain.IssueEvent, prev *domain.EngagementState) domain.Service {
	switch {
	case evt.HasLabel(p.Labels.Audit):
		return domain.ServiceAudit
	case evt.HasLabel(p.Labels.Monthly):
		return domain.ServiceMonthly
	}
	if prev != nil && prev.Service.Valid() {
		return prev.Service
	}
	if s, ok := intent.ParseService(evt.Body); ok {
		return s
	}
	return domain.ServiceAudit
}

func resolveCustomer(evt domain.IssueEvent, prev *domain.EngagementState) string {
	if prev != nil && prev.Customer != "" && prev.Customer != "unknown" {
		return prev.Customer
	}
	if evt.Author == "" {
		return "unknown"
	}
	return evt.Author
}

func latest(v string, prev *domain.EngagementState, get func(*domain.EngagementState) string) string {
	if v != "" || prev == nil {
		return v
	}
	return get(prev)
}

func milestoneStates(stamps map[string]string) []lattice.State {
	out := make([]lattice.State, 0, len(stamps))
	for k := range stamps {
		out = append(out, lattice.State(k))
	}
	return out
}
