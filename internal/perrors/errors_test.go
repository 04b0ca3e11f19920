package perrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessageIncludesInputWhenSet(t *testing.T) {
	err := New(NotFound, "delete", "no such external id").WithInput("42")
	want := "delete: NotFound (42): no such external id"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestErrorMessageOmitsInputWhenUnset(t *testing.T) {
	err := New(DimensionMismatch, "insert", "want dim 4, got 2")
	want := "insert: DimensionMismatch: want dim 4, got 2"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IOFailure, "sync", "flush failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should find the wrapped cause")
	}
	if err.Unwrap() != cause {
		t.Fatalf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	base := New(CapacityExceeded, "insert", "index is at capacity")
	wrapped := fmt.Errorf("proximum: insert: %w", base)
	if !Is(wrapped, CapacityExceeded) {
		t.Fatal("Is should find the tagged kind through a wrapping fmt.Errorf")
	}
	if Is(wrapped, NotFound) {
		t.Fatal("Is should not match an unrelated kind")
	}
}

func TestIsReturnsFalseForPlainError(t *testing.T) {
	if Is(errors.New("plain"), NotFound) {
		t.Fatal("Is should return false for an error with no tagged kind in its chain")
	}
}

func TestKindStringCoversEveryConstant(t *testing.T) {
	kinds := []Kind{
		ConfigInvalid, DimensionMismatch, CapacityExceeded, DuplicateExternalID,
		NotFound, BranchExists, BranchProtected, Unsynced, ChunkUnavailable,
		CryptoMismatch, DeltaOverflow, IOFailure,
	}
	for _, k := range kinds {
		if got := k.String(); got == "" || got == "Unknown" {
			t.Fatalf("Kind(%d).String() = %q, want a named constant", k, got)
		}
	}
	if got := Unknown.String(); got != "Unknown" {
		t.Fatalf("Unknown.String() = %q, want Unknown", got)
	}
}
