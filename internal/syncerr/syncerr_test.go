package syncerr

import (
	"testing"

	"github.com/juju/errors"
)

func TestIsMatchesAnnotatedCause(t *testing.T) {
	wrapped := errors.Wrap(errors.Annotate(errors.New("bad partial"), "receive"), JournalGap)
	if !Is(wrapped, JournalGap) {
		t.Fatalf("expected wrapped error to carry JournalGap")
	}
	if Is(wrapped, StorageError) {
		t.Fatalf("did not expect wrapped error to carry an unrelated cause")
	}
}

func TestIsRejectsPlainErrors(t *testing.T) {
	if Is(errors.New("unrelated"), JournalGap) {
		t.Fatalf("a plain error should not match any sentinel cause")
	}
}

func TestIsDistinguishesDistinctCauses(t *testing.T) {
	causes := []error{JournalGap, JournalDivergence, JournalOutOfRange, MutatorFailure, StorageError, Backpressure, TransportError}
	for _, cause := range causes {
		wrapped := errors.Wrap(errors.New("x"), cause)
		for _, other := range causes {
			if other == cause {
				continue
			}
			if Is(wrapped, other) {
				t.Fatalf("%v should not match %v", cause, other)
			}
		}
		if !Is(wrapped, cause) {
			t.Fatalf("%v should match itself", cause)
		}
	}
}
