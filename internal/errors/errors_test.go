// Package errors tests for error code wrapping and inspection.
package errors

import (
	"fmt"
	"testing"
)

func TestNewError(t *testing.T) {
	err := New(ErrSyncFailed, "sync cycle aborted")

	if err.Code != ErrSyncFailed {
		t.Errorf("Code = %s, want %s", err.Code, ErrSyncFailed)
	}

	want := "[SYNC_FAILED] sync cycle aborted"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapError(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	err := Wrap(ErrSyncNetwork, "push failed", inner)

	if err.Unwrap() != inner {
		t.Error("Unwrap() did not return the inner error")
	}

	want := "[SYNC_NETWORK_ERROR] push failed: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsUnwrapsNestedCodes(t *testing.T) {
	inner := New(ErrSyncAuthFailed, "401 from authority")
	outer := fmt.Errorf("push: %w", inner)

	if !Is(outer, ErrSyncAuthFailed) {
		t.Error("Is() should find the code through fmt.Errorf wrapping")
	}

	if Is(outer, ErrSyncTimeout) {
		t.Error("Is() matched a code that is not present")
	}

	if Is(nil, ErrSyncAuthFailed) {
		t.Error("Is(nil) should be false")
	}
}

func TestCodeExtraction(t *testing.T) {
	err := Wrap(ErrNeedsRebootstrap, "credentials rejected twice", nil)

	if Code(err) != ErrNeedsRebootstrap {
		t.Errorf("Code() = %s, want %s", Code(err), ErrNeedsRebootstrap)
	}

	if Code(fmt.Errorf("plain")) != ErrInternal {
		t.Error("Code() on a plain error should fall back to ErrInternal")
	}
}
