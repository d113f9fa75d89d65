package engine

import (
	"stegops/internal/config"
	"stegops/internal/domain"
	"stegops/internal/engine/auth"
	"stegops/internal/intent"
	"stegops/internal/lattice"
)

// Policy is the configuration the transition rules read.
type Policy struct {
	IntakeLabel      string
	Labels           config.Labels
	Trust            auth.TrustPolicy
	Pricing          config.Pricing
	WorkspaceBaseURL string
	AllowReopen      bool
}

// PolicyFromConfig extracts the rule policy from a loaded config.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		IntakeLabel:      cfg.Intake.Label,
		Labels:           cfg.Labels,
		Trust:            auth.NewTrustPolicy(cfg.Trust.Authorized),
		Pricing:          cfg.Pricing,
		WorkspaceBaseURL: cfg.Workspace.BaseURL,
		AllowReopen:      cfg.Lifecycle.AllowReopen,
	}
}

// facts are the per-event observations the rules match on.
type facts struct {
	labels  map[string]bool
	intents domain.Intents
	comment bool
	trusted bool
}

func observe(p Policy, evt domain.IssueEvent) facts {
	f := facts{labels: make(map[string]bool, len(evt.Labels))}
	for _, l := range evt.Labels {
		f.labels[l] = true
	}
	if evt.Comment != nil {
		f.comment = true
		f.intents = intent.Parse(*evt.Comment)
		f.trusted = p.Trust.Allows(evt.CommenterTrust)
	}
	return f
}

// rule maps a condition on the facts to the states it proves. match returns
// the source tags that made it fire, or nil when it does not.
type rule struct {
	reason  string
	targets []lattice.State
	match   func(p Policy, f facts) []string
}

var rules = []rule{
	{
		reason:  "observed_replied",
		targets: []lattice.State{lattice.Replied},
		match: func(p Policy, f facts) []string {
			return when(f.comment, "comment_present")
		},
	},
	{
		reason:  "observed_qualified",
		targets: []lattice.State{lattice.Qualified},
		match: func(p Policy, f facts) []string {
			return append(when(f.labels[p.Labels.Qualified], "label_qualified"),
				when(f.intents.Affirmative, "intent_affirmative")...)
		},
	},
	{
		reason:  "observed_sow_generated",
		targets: []lattice.State{lattice.SOWGenerated},
		match: func(p Policy, f facts) []string {
			return when(f.labels[p.Labels.SOWGenerated], "label_sow_generated")
		},
	},
	{
		reason:  "observed_accepted",
		targets: []lattice.State{lattice.Accepted},
		match: func(p Policy, f facts) []string {
			return when(f.intents.Accepted, "intent_accepted")
		},
	},
	{
		reason:  "observed_invoice_generated",
		targets: []lattice.State{lattice.InvoiceGenerated},
		match: func(p Policy, f facts) []string {
			return when(f.labels[p.Labels.InvoiceGenerated], "label_invoice_generated")
		},
	},
	{
		reason:  "observed_payment_claimed",
		targets: []lattice.State{lattice.PaymentClaimed, lattice.VerifyPayment},
		match: func(p Policy, f facts) []string {
			return append(when(f.labels[p.Labels.PaymentClaimed], "label_payment_claimed"),
				when(f.intents.PaymentClaimed, "intent_payment_claimed")...)
		},
	},
	{
		// Both factors are required: an authorized commenter asking to
		// verify, and the verify-payment label applied by staff.
		reason:  "observed_payment_verified_two_factor",
		targets: []lattice.State{lattice.PaymentVerified, lattice.DeliverablesReady},
		match: func(p Policy, f facts) []string {
			if f.intents.VerifyRequested && f.trusted && f.labels[p.Labels.VerifyPayment] {
				return []string{"intent_verify_payment", "actor_authorized", "label_verify_payment"}
			}
			return nil
		},
	},
	{
		reason:  "observed_deliverables_pushed",
		targets: []lattice.State{lattice.DeliverablesPushed},
		match: func(p Policy, f facts) []string {
			return when(f.labels[p.Labels.DeliverablesPushed], "label_deliverables_pushed")
		},
	},
}

func when(cond bool, tag string) []string {
	if cond {
		return []string{tag}
	}
	return nil
}
