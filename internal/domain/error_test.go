//go:build !integration

package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_IsKind(t *testing.T) {
	err := Conflict("already redeemed")
	if !errors.Is(err, ErrConflict) {
		t.Fatal("expected conflict kind")
	}
	wrapped := fmt.Errorf("redeem: %w", err)
	if !errors.Is(wrapped, ErrConflict) {
		t.Fatal("expected kind to survive wrapping")
	}
	if got := UserMessage(wrapped); got != "already redeemed" {
		t.Errorf("unexpected user message %q", got)
	}
}

func TestPersistence_HidesCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := Persistence(cause, "insert code")
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, cause) {
		t.Fatalf("expected persistence error wrapping cause, got %v", err)
	}
	if got := UserMessage(err); got != GenericFailureMessage {
		t.Errorf("internal diagnostics leaked to user: %q", got)
	}
	if Persistence(nil, "noop") != nil {
		t.Error("expected nil cause to stay nil")
	}
	inner := NotFound("payment not found")
	if !errors.Is(Persistence(inner, "load"), ErrNotFound) {
		t.Error("expected typed errors to pass through unchanged")
	}
}

func TestKindName(t *testing.T) {
	cases := map[string]error{
		"ok":            nil,
		"validation":    Validation("bad"),
		"not_found":     NotFound("missing"),
		"invalid_state": InvalidState("nope"),
		"conflict":      Conflict("race"),
		"capacity":      Capacity("full"),
		"external":      External(errors.New("smtp"), "notify"),
		"persistence":   Persistence(errors.New("db"), "write"),
	}
	for want, err := range cases {
		if got := KindName(err); got != want {
			t.Errorf("KindName(%v): expected %s, got %s", err, want, got)
		}
	}
	if IsUserError(Capacity("full")) {
		t.Error("capacity must not be a user error")
	}
}
