// Package journal implements the append-only, LSN-addressed log that
// underlies both the client's local mutation journal and the server's
// per-client mutation journals (spec.md §4.1).
package journal

import (
	"github.com/juju/errors"

	"github.com/aggregat4/rowsync/internal/syncerr"
)

// LSN is a 64-bit log sequence number, monotonically increasing within a
// single journal. LSNs from different journals are not comparable.
type LSN uint64

// Entry pairs an LSN with the value recorded at it.
type Entry[T any] struct {
	LSN   LSN
	Value T
}

// Partial is a contiguous slice of a journal, the unit of sync (spec.md
// GLOSSARY). Base is the LSN of the journal the partial was read from; it
// may be greater than the first entry's LSN only when the partial is empty.
type Partial[T any] struct {
	Base    LSN
	Entries []Entry[T]
}

// Len returns the number of entries the partial carries.
func (p Partial[T]) Len() int {
	return len(p.Entries)
}

// End returns the LSN one past the partial's last entry, or Base if empty.
func (p Partial[T]) End() LSN {
	if len(p.Entries) == 0 {
		return p.Base
	}
	return p.Entries[len(p.Entries)-1].LSN + 1
}

// Equaler is implemented by values that can report whether they are the
// same entry as another. SyncReceive does not consult it; its divergence
// check uses only the function supplied via WithEqual.
type Equaler[T any] interface {
	EqualEntry(other T) bool
}

// Fold folds the entries in [base, lsn) of a rollup into at most one
// synthesized entry. Returning (zero, false) discards the prefix entirely.
type Fold[T any] func(entries []Entry[T]) (folded T, keep bool)

// Journal is an in-memory, optionally persisted, append-only log of (LSN,
// T) entries per spec.md §4.1. It is not safe for concurrent use without
// external synchronization; callers that need to share a Journal across
// goroutines (as the server does between the step task and connection
// tasks) should guard it with their own mutex, per spec.md §5.
type Journal[T any] struct {
	base    LSN
	entries []Entry[T]
	equal   func(a, b T) bool
	store   *Store[T]
}

// Option configures a new Journal.
type Option[T any] func(*Journal[T])

// WithEqual supplies the equality function SyncReceive uses to detect
// divergence on overlapping LSNs. Without it, SyncReceive trusts LSN
// identity alone and never reports JournalDivergence.
func WithEqual[T any](eq func(a, b T) bool) Option[T] {
	return func(j *Journal[T]) { j.equal = eq }
}

// WithStore attaches a persistence backend. Append, TruncateTo, and Rollup
// write through it; New replays it to reconstruct initial state.
func WithStore[T any](s *Store[T]) Option[T] {
	return func(j *Journal[T]) { j.store = s }
}

// New constructs an empty journal, or one recovered from a Store if
// WithStore is supplied and the store holds prior state.
func New[T any](opts ...Option[T]) (*Journal[T], error) {
	j := &Journal[T]{}
	for _, opt := range opts {
		opt(j)
	}
	if j.store != nil {
		base, entries, err := j.store.Load()
		if err != nil {
			return nil, errors.Annotate(err, "recovering journal from store")
		}
		j.base = base
		j.entries = entries
	}
	return j, nil
}

// LSN returns the LSN the next Append will assign: one past the last
// assigned LSN, or the base LSN if the journal is empty.
func (j *Journal[T]) LSN() LSN {
	return j.tip()
}

func (j *Journal[T]) tip() LSN {
	if len(j.entries) == 0 {
		return j.base
	}
	return j.entries[len(j.entries)-1].LSN + 1
}

// Base returns the journal's current base LSN; entries below it have been
// truncated, rolled up, or applied.
func (j *Journal[T]) Base() LSN {
	return j.base
}

// Append adds entry at LSN() and returns the assigned LSN. Infallible with
// respect to the in-memory journal; if a Store is attached and the durable
// write fails, the in-memory append is still rolled back so the two never
// diverge.
func (j *Journal[T]) Append(value T) (LSN, error) {
	lsn := j.tip()
	if j.store != nil {
		if err := j.store.AppendRecord(lsn, value); err != nil {
			return 0, errors.Annotate(err, "persisting journal append")
		}
	}
	j.entries = append(j.entries, Entry[T]{LSN: lsn, Value: value})
	return lsn, nil
}

// SyncPrepare returns a contiguous slice beginning at max(cursor, base), of
// length at most maxLen. It is a pure read; the journal is unchanged.
func (j *Journal[T]) SyncPrepare(cursor LSN, maxLen int) Partial[T] {
	start := cursor
	if start < j.base {
		start = j.base
	}
	tip := j.tip()
	if start > tip {
		start = tip
	}
	if start >= tip {
		return Partial[T]{Base: start}
	}

	startIdx := int(start - j.firstEntryLSN())
	if len(j.entries) == 0 || startIdx < 0 {
		return Partial[T]{Base: start}
	}
	end := startIdx + maxLen
	if maxLen <= 0 || end > len(j.entries) {
		end = len(j.entries)
	}
	out := make([]Entry[T], end-startIdx)
	copy(out, j.entries[startIdx:end])
	return Partial[T]{Base: start, Entries: out}
}

func (j *Journal[T]) firstEntryLSN() LSN {
	if len(j.entries) == 0 {
		return j.base
	}
	return j.entries[0].LSN
}

// SyncReceive merges partial into the journal, idempotently. Receiving the
// same partial twice leaves the journal identical. Overlapping ranges are
// verified to match (same LSN must carry an equal entry, when an equality
// function was supplied via WithEqual) or SyncReceive fails with
// JournalDivergence. A partial whose base does not contiguously extend the
// journal's tip fails with JournalGap.
func (j *Journal[T]) SyncReceive(partial Partial[T]) error {
	tip := j.tip()
	if partial.Base > tip {
		return errors.Wrap(
			errors.Errorf("partial base %d is beyond journal tip %d", partial.Base, tip),
			syncerr.JournalGap,
		)
	}
	if partial.End() <= j.base {
		// Entirely subsumed by what's already been truncated away.
		return nil
	}

	for _, e := range partial.Entries {
		switch {
		case e.LSN < j.base:
			// Already rolled up/truncated; nothing to verify against.
			continue
		case e.LSN < tip:
			existing, ok := j.entryAt(e.LSN)
			if ok && j.equal != nil && !j.equal(existing.Value, e.Value) {
				return errors.Wrap(
					errors.Errorf("lsn %d carries a different entry than previously recorded", e.LSN),
					syncerr.JournalDivergence,
				)
			}
		default:
			if j.store != nil {
				if err := j.store.AppendRecord(e.LSN, e.Value); err != nil {
					return errors.Annotate(err, "persisting received journal entry")
				}
			}
			j.entries = append(j.entries, e)
			tip = e.LSN + 1
		}
	}
	return nil
}

func (j *Journal[T]) entryAt(lsn LSN) (Entry[T], bool) {
	if len(j.entries) == 0 {
		return Entry[T]{}, false
	}
	idx := int(lsn - j.entries[0].LSN)
	if idx < 0 || idx >= len(j.entries) {
		return Entry[T]{}, false
	}
	return j.entries[idx], true
}

// EntryAt returns the entry recorded at lsn, if any lies within [base, tip).
func (j *Journal[T]) EntryAt(lsn LSN) (Entry[T], bool) {
	return j.entryAt(lsn)
}

// TruncateTo discards entries with LSN < lsn and raises the base
// accordingly. No-op if lsn <= base. Fails with JournalOutOfRange if lsn is
// beyond the journal's tip.
func (j *Journal[T]) TruncateTo(lsn LSN) error {
	if lsn <= j.base {
		return nil
	}
	tip := j.tip()
	if lsn > tip {
		return errors.Wrap(
			errors.Errorf("truncate target %d is beyond tip %d", lsn, tip),
			syncerr.JournalOutOfRange,
		)
	}
	var surviving []Entry[T]
	if len(j.entries) > 0 {
		startIdx := int(lsn - j.entries[0].LSN)
		if startIdx < 0 {
			startIdx = 0
		}
		if startIdx > len(j.entries) {
			startIdx = len(j.entries)
		}
		surviving = j.entries[startIdx:]
	}
	if j.store != nil {
		if err := j.store.Compact(lsn, surviving); err != nil {
			return errors.Annotate(err, "persisting journal truncate")
		}
	}
	j.entries = surviving
	j.base = lsn
	return nil
}

// Rollup replaces the prefix [base, lsn) with at most one synthesized entry
// produced by fold. If fold reports keep=false the prefix is discarded
// outright. The journal's tip is unchanged by a rollup that keeps a
// synthesized entry; it decreases by exactly one if the prefix is
// discarded and held at least one entry.
func (j *Journal[T]) Rollup(lsn LSN, fold Fold[T]) error {
	if lsn <= j.base {
		return nil
	}
	tip := j.tip()
	if lsn > tip {
		return errors.Wrap(
			errors.Errorf("rollup target %d is beyond tip %d", lsn, tip),
			syncerr.JournalOutOfRange,
		)
	}

	prefix := j.sliceBetween(j.base, lsn)
	folded, keep := fold(prefix)

	var suffix []Entry[T]
	if len(j.entries) > 0 {
		suffixStart := int(lsn - j.entries[0].LSN)
		if suffixStart < 0 {
			suffixStart = 0
		}
		if suffixStart > len(j.entries) {
			suffixStart = len(j.entries)
		}
		suffix = j.entries[suffixStart:]
	}

	var newEntries []Entry[T]
	var newBase LSN
	if keep {
		newEntries = make([]Entry[T], 0, len(suffix)+1)
		newEntries = append(newEntries, Entry[T]{LSN: lsn - 1, Value: folded})
		newEntries = append(newEntries, suffix...)
		newBase = lsn - 1
	} else {
		newEntries = append([]Entry[T]{}, suffix...)
		newBase = lsn
	}

	if j.store != nil {
		if err := j.store.Compact(newBase, newEntries); err != nil {
			return errors.Annotate(err, "persisting journal rollup")
		}
	}

	j.entries = newEntries
	j.base = newBase
	return nil
}

func (j *Journal[T]) sliceBetween(from, to LSN) []Entry[T] {
	if len(j.entries) == 0 {
		return nil
	}
	start := int(from - j.entries[0].LSN)
	end := int(to - j.entries[0].LSN)
	if start < 0 {
		start = 0
	}
	if end > len(j.entries) {
		end = len(j.entries)
	}
	if start >= end {
		return nil
	}
	out := make([]Entry[T], end-start)
	copy(out, j.entries[start:end])
	return out
}

// Iter yields (lsn, value) pairs over [base, tip) in order.
func (j *Journal[T]) Iter(fn func(LSN, T) bool) {
	for _, e := range j.entries {
		if !fn(e.LSN, e.Value) {
			return
		}
	}
}

// ReverseIter yields (lsn, value) pairs over [base, tip) from tip-1 down to
// base.
func (j *Journal[T]) ReverseIter(fn func(LSN, T) bool) {
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		if !fn(e.LSN, e.Value) {
			return
		}
	}
}

// Snapshot returns a copy of the entries in [base, tip), safe for a caller
// to retain past the journal's next mutation.
func (j *Journal[T]) Snapshot() []Entry[T] {
	out := make([]Entry[T], len(j.entries))
	copy(out, j.entries)
	return out
}

// Close releases the journal's persistence backend, if any.
func (j *Journal[T]) Close() error {
	if j.store == nil {
		return nil
	}
	return j.store.Close()
}
