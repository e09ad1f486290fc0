// Package syncerr defines the error taxonomy shared by the journal, storage,
// timeline, local, and remote packages. Each cause is a sentinel that callers
// compare against with errors.Cause, the same way juju/errors is used
// elsewhere in this codebase.
package syncerr

import "github.com/juju/errors"

// Cause values identify the error kinds from spec.md §7. They are compared
// with errors.Cause(err) == syncerr.X, the same pattern
// juju-juju/rpc/params/apierror_test.go uses for its ConstError values.
const (
	// JournalGap: a received partial does not contiguously extend the
	// journal. The caller should re-sync starting at journal.tip.
	JournalGap = errors.ConstError("journal gap")

	// JournalDivergence: an overlapping LSN carries a different entry than
	// what's already recorded. Fatal for the affected session.
	JournalDivergence = errors.ConstError("journal divergence")

	// JournalOutOfRange: a truncate target lies beyond the journal's tip.
	JournalOutOfRange = errors.ConstError("journal out of range")

	// MutatorFailure: mutator.Apply returned an error.
	MutatorFailure = errors.ConstError("mutator failure")

	// StorageError: the underlying storage engine failed.
	StorageError = errors.ConstError("storage error")

	// Backpressure: the server rejected a push due to load or quota.
	Backpressure = errors.ConstError("backpressure")

	// TransportError: the network call failed before a response arrived.
	TransportError = errors.ConstError("transport error")
)

// Is reports whether err (or something it wraps via juju/errors) carries the
// given cause.
func Is(err error, cause error) bool {
	return errors.Cause(err) == cause
}
