package model

import "testing"

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"user@example.com", "user@example.com"},
		{"  User@Example.COM\t", "user@example.com"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeEmail(tt.in); got != tt.want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSubscriberStatus_Valid(t *testing.T) {
	for _, s := range []SubscriberStatus{StatusPending, StatusConfirmed, StatusUnsubscribed} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if SubscriberStatus("deleted").Valid() {
		t.Error("unknown status should be invalid")
	}
}
