// Package intent recognizes customer intents in free-form comment text.
package intent

import (
	"regexp"
	"strings"

	"stegops/internal/domain"
)

// Kind names a recognized intent.
type Kind string

const (
	Affirmative    Kind = "affirmative"
	Accepted       Kind = "accepted"
	PaymentClaimed Kind = "payment_claimed"
	VerifyPayment  Kind = "verify_payment"
)

// Patterns are anchored at the start of the normalized comment so that
// "not yes" or "i have not paid" never match.
var patterns = []struct {
	kind Kind
	re   *regexp.Regexp
}{
	{Affirmative, regexp.MustCompile(`^(yes|y|yep|yeah|sure|ok|okay|lets do it|let's do it)\b`)},
	{Accepted, regexp.MustCompile(`^(accept|accepted|i accept)\b`)},
	{PaymentClaimed, regexp.MustCompile(`^(paid|payment sent|sent payment)\b`)},
	{VerifyPayment, regexp.MustCompile(`^verify payment\b`)},
}

var servicePatterns = []struct {
	service domain.Service
	re      *regexp.Regexp
}{
	{domain.ServiceMonthly, regexp.MustCompile(`monthly ops support`)},
	{domain.ServiceAudit, regexp.MustCompile(`one-time ai ops audit`)},
}

// Normalize lowercases, trims and folds typographic apostrophes.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "’", "'")
	return strings.ToLower(strings.TrimSpace(text))
}

// Match returns the intents recognized in comment, in table order.
func Match(comment string) []Kind {
	text := Normalize(comment)
	if text == "" {
		return nil
	}
	var out []Kind
	for _, p := range patterns {
		if p.re.MatchString(text) {
			out = append(out, p.kind)
		}
	}
	return out
}

// Parse classifies comment into independent intent flags.
func Parse(comment string) domain.Intents {
	var in domain.Intents
	for _, k := range Match(comment) {
		switch k {
		case Affirmative:
			in.Affirmative = true
		case Accepted:
			in.Accepted = true
		case PaymentClaimed:
			in.PaymentClaimed = true
		case VerifyPayment:
			in.VerifyRequested = true
		}
	}
	return in
}

// ParseService infers the service line from the service name in an issue
// body. The first table entry found wins.
func ParseService(body string) (domain.Service, bool) {
	text := Normalize(body)
	for _, p := range servicePatterns {
		if p.re.MatchString(text) {
			return p.service, true
		}
	}
	return "", false
}
