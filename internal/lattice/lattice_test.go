package lattice

import "testing"

func TestRankOrder(t *testing.T) {
	all := All()
	for i := 1; i < len(all); i++ {
		if Rank(all[i-1]) >= Rank(all[i]) {
			t.Fatalf("expected %s below %s", all[i-1], all[i])
		}
	}
	if Rank(Closed) <= Rank(ClosedNoResponse) {
		t.Fatalf("closed must outrank closed_no_response")
	}
	if Rank("bogus") != 0 {
		t.Fatalf("unknown state should rank 0")
	}
	if _, ok := Index("bogus"); ok {
		t.Fatalf("unknown state should not be indexed")
	}
}

func TestCombineLaws(t *testing.T) {
	all := All()
	for _, a := range all {
		if Combine(a, a) != a {
			t.Fatalf("combine not idempotent for %s", a)
		}
		for _, b := range all {
			if Combine(a, b) != Combine(b, a) {
				t.Fatalf("combine not commutative for %s,%s", a, b)
			}
			c := Combine(a, b)
			if Rank(c) < Rank(a) || Rank(c) < Rank(b) {
				t.Fatalf("combine(%s,%s)=%s lowered rank", a, b, c)
			}
			for _, d := range all {
				if Combine(Combine(a, b), d) != Combine(a, Combine(b, d)) {
					t.Fatalf("combine not associative for %s,%s,%s", a, b, d)
				}
			}
		}
	}
}

func TestFoldAndHelpers(t *testing.T) {
	if got := Fold(New, Replied, Qualified, Replied); got != Qualified {
		t.Fatalf("expected qualified, got %s", got)
	}
	if got := Fold(Accepted); got != Accepted {
		t.Fatalf("expected base when nothing folded, got %s", got)
	}
	if !IsClosing(Closed) || !IsClosing(ClosedNoResponse) || IsClosing(DeliverablesPushed) {
		t.Fatalf("unexpected closing classification")
	}
	if !HasWorkspace(DeliverablesReady) || !HasWorkspace(DeliverablesPushed) || HasWorkspace(PaymentVerified) {
		t.Fatalf("unexpected workspace classification")
	}
	if !IsPaymentVerified(PaymentVerified) || IsPaymentVerified(VerifyPayment) {
		t.Fatalf("unexpected payment verified classification")
	}
	if got := HighestOperational(Closed, Qualified, "bogus", Replied); got != Qualified {
		t.Fatalf("expected qualified, got %s", got)
	}
}
