package policy

import (
	"errors"
	"testing"
)

func TestNormalizeE164(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"0044 20 7946 0958", "+442079460958", false},
		{"+15551234567", "+15551234567", false},
		{"5551234567", "", true},
		{"+0123456789", "", true},
		{"", "", true},
		{"+1555abc4567", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeE164(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidNumber) {
				t.Fatalf("NormalizeE164(%q) error = %v, want ErrInvalidNumber", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeE164(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeE164(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDecideDial(t *testing.T) {
	cases := []struct {
		number  string
		allow   []string
		allowed bool
	}{
		{"+15551234567", nil, true},
		{"911", nil, false},
		{"+19005551234", nil, false},
		{"+15551234567", []string{"+44"}, false},
		{"+447911123456", []string{"+44"}, true},
		{"not-a-number", nil, false},
	}
	for _, tc := range cases {
		got := DecideDial(tc.number, tc.allow)
		if got.Allowed != tc.allowed {
			t.Fatalf("DecideDial(%q, %v) = %+v, want allowed=%v", tc.number, tc.allow, got, tc.allowed)
		}
		if !got.Allowed && got.Reason == "" {
			t.Fatalf("DecideDial(%q) missing reason", tc.number)
		}
	}
}
