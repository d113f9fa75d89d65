package store

import (
	"fmt"
	"strings"

	"stegops/internal/domain"
	"stegops/internal/lattice"
)

var timeline = []struct {
	label string
	key   lattice.State
}{
	{"Opened", lattice.New},
	{"Replied", lattice.Replied},
	{"Qualified", lattice.Qualified},
	{"SOW Generated", lattice.SOWGenerated},
	{"Accepted", lattice.Accepted},
	{"Invoice Generated", lattice.InvoiceGenerated},
	{"Payment Claimed", lattice.PaymentClaimed},
	{"Verify Payment (requested)", lattice.VerifyPayment},
	{"Payment Verified", lattice.PaymentVerified},
	{"Deliverables Ready", lattice.DeliverablesReady},
	{"Deliverables Pushed", lattice.DeliverablesPushed},
	{"Closed (no response)", lattice.ClosedNoResponse},
	{"Closed", lattice.Closed},
}

// NextStep is the customer-facing hint shown for a state.
func NextStep(s lattice.State) string {
	switch s {
	case lattice.New, lattice.Replied:
		return "Reply **YES** to proceed and include repo link(s)."
	case lattice.Qualified:
		return "Provide repo link(s) and scope. A draft SOW will follow."
	case lattice.SOWGenerated:
		return "Reply **ACCEPT** to confirm scope and generate the invoice."
	case lattice.Accepted:
		return "The invoice is being generated."
	case lattice.InvoiceGenerated:
		return "When payment is sent, reply **PAID**."
	case lattice.PaymentClaimed, lattice.VerifyPayment:
		return "Internal: comment **VERIFY PAYMENT** once payment is confirmed."
	case lattice.PaymentVerified:
		return "Payment verified. The deliverables workspace is being prepared."
	case lattice.DeliverablesReady:
		return "Deliverables are ready and being pushed to the private workspace."
	case lattice.DeliverablesPushed:
		return "The private deliverables workspace is live. Work continues there."
	default:
		return "Reply **YES** to reopen and continue."
	}
}

// ServiceName is the display name of a service line.
func ServiceName(s domain.Service) string {
	if s == domain.ServiceMonthly {
		return "Monthly Ops Support"
	}
	return "One-time AI Ops Audit"
}

// RenderStatus renders the human readable STATUS.md for a record.
func RenderStatus(st domain.EngagementState) string {
	var b strings.Builder
	b.WriteString("# Engagement Status\n\n")
	fmt.Fprintf(&b, "**Issue:** #%d - %s\n", st.EngagementID, firstLine(st.Title))
	fmt.Fprintf(&b, "**Customer:** @%s\n", st.Customer)
	if st.URL != "" {
		fmt.Fprintf(&b, "**Issue URL:** %s\n", st.URL)
	}
	fmt.Fprintf(&b, "**State:** `%s`\n", st.State)
	fmt.Fprintf(&b, "**Service:** %s\n", ServiceName(st.Service))
	fmt.Fprintf(&b, "**Default Amount:** %s\n", st.PricingDefaults.SuggestedAmount)
	if st.PrivateWorkspace != nil {
		fmt.Fprintf(&b, "**Private Workspace:** %s\n", *st.PrivateWorkspace)
	}

	b.WriteString("\n## Timeline (UTC)\n")
	for _, row := range timeline {
		v, ok := st.Timestamps[string(row.key)]
		if !ok {
			v = "-"
		}
		fmt.Fprintf(&b, "- %s: %s\n", row.label, v)
	}
	if v, ok := st.Timestamps["reopened"]; ok {
		fmt.Fprintf(&b, "- Reopened: %s\n", v)
	}

	if len(st.Reasons) > 0 {
		b.WriteString("\n## Reasons\n")
		for _, r := range st.Reasons {
			fmt.Fprintf(&b, "- `%s`\n", r)
		}
	}

	b.WriteString("\n## Next Step\n")
	b.WriteString(NextStep(st.State))
	b.WriteString("\n")
	fmt.Fprintf(&b, "\n_Last updated: %s_\n", st.UpdatedUTC)
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}
