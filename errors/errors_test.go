package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		notFound  bool
		conflict  bool
		invalid   bool
		isStorage bool
	}{
		{"nil error", nil, false, false, false, false},
		{"not found", ErrNotFound, true, false, false, false},
		{"wrapped not found", fmt.Errorf("lookup: %w", ErrNotFound), true, false, false, false},
		{"already exists", ErrAlreadyExists, false, true, false, false},
		{"expired", ErrExpired, false, false, true, false},
		{"rejected", ErrRejected, false, false, true, false},
		{"invalid request", InvalidRequest("bad input"), false, false, true, false},
		{"storage fault", Storage("put", errors.New("disk")), false, false, false, true},
		{"plain error", errors.New("boom"), false, false, false, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsNotFound(test.err); got != test.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, test.notFound)
			}
			if got := IsConflict(test.err); got != test.conflict {
				t.Errorf("IsConflict = %v, want %v", got, test.conflict)
			}
			if got := IsInvalid(test.err); got != test.invalid {
				t.Errorf("IsInvalid = %v, want %v", got, test.invalid)
			}
			if got := IsStorage(test.err); got != test.isStorage {
				t.Errorf("IsStorage = %v, want %v", got, test.isStorage)
			}
		})
	}
}

func TestInvalidRequestReason(t *testing.T) {
	err := InvalidRequest("player already in connection")
	if got := Reason(err); got != "player already in connection" {
		t.Errorf("Reason = %q", got)
	}

	wrapped := Wrap(err, "Manager", "JoinByLink", "validate participant")
	if !IsInvalid(wrapped) {
		t.Error("wrapped invalid request lost its classification")
	}
	if got := Reason(wrapped); got != "player already in connection" {
		t.Errorf("Reason through wrap = %q", got)
	}

	if got := Reason(ErrNotFound); got != "" {
		t.Errorf("Reason for sentinel = %q, want empty", got)
	}
}

func TestStorageUnwrap(t *testing.T) {
	cause := errors.New("bucket unavailable")
	err := Storage("get", cause)
	if !errors.Is(err, cause) {
		t.Error("storage error does not unwrap to its cause")
	}
	if err.Error() != "storage error: get: bucket unavailable" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestWrapFormat(t *testing.T) {
	if Wrap(nil, "a", "b", "c") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	err := Wrap(ErrExpired, "Validator", "ValidateRequest", "check expiry")
	want := "Validator.ValidateRequest: check expiry failed: connection expired"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, ErrExpired) {
		t.Error("wrapped error lost sentinel identity")
	}
}
