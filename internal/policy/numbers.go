package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidNumber = errors.New("invalid phone number")

var e164Pattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// NormalizeE164 strips common formatting from a phone number and checks
// that the result is E.164.
func NormalizeE164(number string) (string, error) {
	n := strings.TrimSpace(number)
	n = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(n)
	if strings.HasPrefix(n, "00") {
		n = "+" + n[2:]
	}
	if !e164Pattern.MatchString(n) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	return n, nil
}

type DialDecision struct {
	Allowed bool
	Reason  string
}

var blockedDialPrefixes = []string{
	"+1900", "+1976", // US premium rate
	"+449", // UK premium rate
	"+3389",
}

var emergencyNumbers = map[string]struct{}{
	"911": {}, "112": {}, "999": {}, "000": {}, "110": {}, "119": {},
}

// DecideDial screens an outbound destination. When allowedPrefixes is
// non-empty the normalized number must start with one of them.
func DecideDial(number string, allowedPrefixes []string) DialDecision {
	raw := strings.TrimPrefix(strings.TrimSpace(number), "+")
	if _, ok := emergencyNumbers[raw]; ok {
		return DialDecision{Reason: "emergency numbers cannot be dialed automatically"}
	}
	n, err := NormalizeE164(number)
	if err != nil {
		return DialDecision{Reason: err.Error()}
	}
	for _, p := range blockedDialPrefixes {
		if strings.HasPrefix(n, p) {
			return DialDecision{Reason: "premium-rate destination"}
		}
	}
	if len(allowedPrefixes) == 0 {
		return DialDecision{Allowed: true}
	}
	for _, p := range allowedPrefixes {
		p = strings.TrimSpace(p)
		if p != "" && strings.HasPrefix(n, p) {
			return DialDecision{Allowed: true}
		}
	}
	return DialDecision{Reason: "destination not in dial allowlist"}
}
