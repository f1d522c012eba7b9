package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestRecoverable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindNetwork, true},
		{KindServer, true},
		{KindBlocked, true},
		{KindValidation, true},
		{KindAuth, false},
		{KindPrivacy, false},
		{KindConflict, false},
	}
	for _, tt := range tests {
		e := New(tt.kind, errors.New("boom"))
		if got := e.Recoverable(); got != tt.want {
			t.Errorf("Recoverable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	inner := New(KindAuth, errors.New("session expired"))
	wrapped := fmt.Errorf("sync pass failed: %w", inner)
	if got := KindOf(wrapped); got != KindAuth {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindAuth)
	}

	// Unclassified errors default to network
	if got := KindOf(errors.New("mystery")); got != KindNetwork {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindNetwork)
	}
}

func TestIsMatchesOnKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", ForRecord(KindValidation, "r1", errors.New("bad date")))
	if !errors.Is(err, &Error{Kind: KindValidation}) {
		t.Error("errors.Is should match on kind")
	}
	if errors.Is(err, &Error{Kind: KindServer}) {
		t.Error("errors.Is should not match a different kind")
	}
}

func TestErrorMessage(t *testing.T) {
	e := ForRecord(KindValidation, "r1", errors.New("date is required"))
	want := "validation error on record r1: date is required"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestNewNil(t *testing.T) {
	if New(KindServer, nil) != nil {
		t.Error("New with nil err should return nil")
	}
}
