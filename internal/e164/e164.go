// Package e164 normalizes and validates phone numbers in E.164 form.
package e164

import "strings"

// Normalize strips separators from a loosely formatted phone number and
// prepends "+" when missing. It does not validate the result; pair with Valid.
func Normalize(number string) string {
	var b strings.Builder
	b.Grow(len(number) + 1)
	for _, c := range number {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// Valid reports whether number is a normalized E.164 number:
// "+" followed by a non-zero digit and at most 14 more digits.
func Valid(number string) bool {
	if len(number) < 3 || len(number) > 16 {
		return false
	}
	if number[0] != '+' || number[1] == '0' {
		return false
	}
	for i := 1; i < len(number); i++ {
		if number[i] < '0' || number[i] > '9' {
			return false
		}
	}
	return true
}

// Allowed reports whether number matches an entry of the allowlist after
// normalizing both sides. An empty allowlist permits every number.
func Allowed(number string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	normalized := Normalize(number)
	for _, allowed := range allowlist {
		if Normalize(allowed) == normalized {
			return true
		}
	}
	return false
}
