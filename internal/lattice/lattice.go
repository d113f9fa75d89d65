// Package lattice defines the ordered lifecycle states of an engagement and
// the single fold primitive used to advance them.
package lattice

// State is a lifecycle state token as persisted in state.json.
type State string

const (
	New                State = "new"
	Replied            State = "replied"
	Qualified          State = "qualified"
	SOWGenerated       State = "sow_generated"
	Accepted           State = "accepted"
	InvoiceGenerated   State = "invoice_generated"
	PaymentClaimed     State = "payment_claimed"
	VerifyPayment      State = "verify_payment"
	PaymentVerified    State = "payment_verified"
	DeliverablesReady  State = "deliverables_ready"
	DeliverablesPushed State = "deliverables_pushed"
	ClosedNoResponse   State = "closed_no_response"
	Closed             State = "closed"
)

// order is ascending rank. Closing states rank above every operational state.
var order = []State{
	New,
	Replied,
	Qualified,
	SOWGenerated,
	Accepted,
	InvoiceGenerated,
	PaymentClaimed,
	VerifyPayment,
	PaymentVerified,
	DeliverablesReady,
	DeliverablesPushed,
	ClosedNoResponse,
	Closed,
}

var index = func() map[State]int {
	m := make(map[State]int, len(order))
	for i, s := range order {
		m[s] = i
	}
	return m
}()

// All returns the states in ascending rank.
func All() []State {
	out := make([]State, len(order))
	copy(out, order)
	return out
}

// Index returns the rank of s and whether s is part of the lattice.
func Index(s State) (int, bool) {
	i, ok := index[s]
	return i, ok
}

// Rank returns the rank of s. Unknown states rank as New.
func Rank(s State) int {
	return index[s]
}

// Known reports whether s is a lattice state.
func Known(s State) bool {
	_, ok := index[s]
	return ok
}

// Combine returns the higher ranked of a and b, preferring a on ties.
func Combine(a, b State) State {
	if Rank(a) >= Rank(b) {
		return a
	}
	return b
}

// Fold combines every state into base.
func Fold(base State, states ...State) State {
	for _, s := range states {
		base = Combine(base, s)
	}
	return base
}

// IsClosing reports whether s is one of the terminal closing states.
func IsClosing(s State) bool {
	return s == Closed || s == ClosedNoResponse
}

// HasWorkspace reports whether an engagement in state s exposes its private
// deliverables workspace.
func HasWorkspace(s State) bool {
	return s == DeliverablesReady || s == DeliverablesPushed
}

// IsPaymentVerified reports whether s is only reachable through verified payment.
func IsPaymentVerified(s State) bool {
	return s == PaymentVerified || s == DeliverablesReady || s == DeliverablesPushed
}

// HighestOperational returns the highest ranked non-closing state among
// states, or New when there is none.
func HighestOperational(states ...State) State {
	best := New
	for _, s := range states {
		if !Known(s) || IsClosing(s) {
			continue
		}
		best = Combine(best, s)
	}
	return best
}
