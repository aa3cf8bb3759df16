// Package phone normalizes subscriber phone numbers to the digits-only
// international form the gateway expects.
package phone

import (
	"errors"
	"strings"
)

var ErrInvalid = errors.New("invalid phone number")

// Normalize strips formatting (spaces, dashes, parentheses, a leading "+")
// and returns the bare international digits, e.g. "+62 812-0000-0001" ->
// "628120000001". Anything that doesn't reduce to 7..15 digits is rejected.
func Normalize(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// formatting noise
		default:
			return "", ErrInvalid
		}
	}
	digits := b.String()
	// leading "00" international prefix
	digits = strings.TrimPrefix(digits, "00")
	if len(digits) < 7 || len(digits) > 15 {
		return "", ErrInvalid
	}
	return digits, nil
}

// Digits is Normalize without the length check, for identifiers that are
// already known-good (e.g. the configured owner number).
func Digits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
