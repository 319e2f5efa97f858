package e164

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already normalized", "+79001234567", "+79001234567"},
		{"spaces and dashes", "+7 900 123-45-67", "+79001234567"},
		{"parentheses", "+7 (900) 123 45 67", "+79001234567"},
		{"missing plus", "79001234567", "+79001234567"},
		{"dots", "1.415.555.0100", "+14155550100"},
		{"empty", "", ""},
		{"garbage only", "abc", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"russian mobile", "+79001234567", true},
		{"us number", "+14155550100", true},
		{"max length 15 digits", "+123456789012345", true},
		{"too long", "+1234567890123456", false},
		{"too short", "+1", false},
		{"leading zero", "+07900123456", false},
		{"no plus", "79001234567", false},
		{"letters", "+7900abc4567", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Valid(tt.in))
		})
	}
}

func TestAllowed(t *testing.T) {
	allowlist := []string{"+79001234567", "+1 415 555 0100"}

	tests := []struct {
		name      string
		number    string
		allowlist []string
		want      bool
	}{
		{"empty allowlist permits all", "+49151123456", nil, true},
		{"exact match", "+79001234567", allowlist, true},
		{"match after normalization", "7 900 123-45-67", allowlist, true},
		{"allowlist entry is normalized too", "+14155550100", allowlist, true},
		{"not listed", "+49151123456", allowlist, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Allowed(tt.number, tt.allowlist))
		})
	}
}
