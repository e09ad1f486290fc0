// Package storage implements the transactional page store contract spec.md
// §4.2 requires: transactional begin/commit, a key-value query surface
// sufficient to read back a (client_id -> lsn) table, and a storage-side
// journal that produces/consumes change sets. The real storage engine (a
// page-level database with WAL and checkpointing) is explicitly out of
// scope per spec.md §1; this package implements the contract concretely
// against modernc.org/sqlite, substituting row-level change capture for
// true page-level capture (see DESIGN.md's Open Question resolution).
package storage

import (
	"context"
	"encoding/json"

	"github.com/aggregat4/rowsync/internal/journal"
)

// ClientID identifies a client installation (spec.md §3). It is minted
// once per install and is never reused.
type ClientID string

// Version identifies a storage-journal change set, analogous to a page
// store's LSN but scoped to the storage journal rather than a mutation
// journal.
type Version uint64

// Op names the kind of row-level change a RowChange records.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// RowChange is one row-level mutation captured by a tracked table's
// triggers: the row-level substitute for a page write (SPEC_FULL.md §3.1).
type RowChange struct {
	Table  string
	PK     string
	Op     Op
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

// ChangeSet groups the row changes captured between two checkpoints — the
// row-level equivalent of a page-level change set (spec.md §3).
type ChangeSet struct {
	Version Version
	Changes []RowChange
}

// StoragePartial is a contiguous slice of the storage journal, the unit of
// sync for pull (spec.md §4.2/§6).
type StoragePartial struct {
	Base       Version
	ChangeSets []ChangeSet
}

// Len reports how many change sets the partial carries.
func (p StoragePartial) Len() int { return len(p.ChangeSets) }

// End returns the version of the partial's last change set, or Base if the
// partial is empty.
func (p StoragePartial) End() Version {
	if len(p.ChangeSets) == 0 {
		return p.Base
	}
	return p.ChangeSets[len(p.ChangeSets)-1].Version
}

// StorageJournal is the storage engine's own change-set log (spec.md
// GLOSSARY), read-only to everything above the storage layer.
type StorageJournal interface {
	// Read returns up to maxBatch change sets with version > cursor.
	Read(ctx context.Context, cursor Version, maxBatch int) (StoragePartial, error)
}

// DB is the contract spec.md §4.2 requires of the storage engine: begin/
// commit/revert, an applied-LSN table, poison marks, and a storage
// journal. Both the server's authoritative_db and a client's local_db are
// instances of this same interface — the difference is in how each is
// driven (the server only ever checkpoints; a client also reverts and
// receives).
type DB interface {
	// Begin starts a new transaction.
	Begin(ctx context.Context) (*Tx, error)

	// Checkpoint closes the current change set durably and starts a new
	// one (spec.md §4.2 "storage.commit()"). Called by the server once per
	// step, after the mutator's own transaction has committed.
	Checkpoint(ctx context.Context) error

	// Revert discards every row change recorded by tracked-table triggers
	// since the last Checkpoint/SyncReceive on this DB, restoring the
	// last-known-authoritative state. Client-only; the server never
	// reverts (a failed mutator transaction is simply rolled back).
	Revert(ctx context.Context) error

	// SyncReceive applies an authoritative StoragePartial's change sets in
	// order, without re-triggering local change capture, and returns the
	// version the caller should use as its next storage cursor.
	SyncReceive(ctx context.Context, partial StoragePartial) (Version, error)

	// Journal returns the read-only storage journal.
	Journal() StorageJournal

	// AppliedLSN reads the mutations table for client. ok is false if the
	// client has never had a mutation applied.
	AppliedLSN(ctx context.Context, client ClientID) (lsn journal.LSN, ok bool, err error)

	// ListApplied reads the entire mutations table, for Remote.Recover to
	// reconstruct its in-memory applied[] map (spec.md §4.5 "recover").
	ListApplied(ctx context.Context) (map[ClientID]journal.LSN, error)

	// SetAppliedLSN records that lsn has been durably applied for client,
	// within tx — must be called in the same transaction as the
	// mutation's own effects (spec.md §3, §4.5 step 3).
	SetAppliedLSN(tx *Tx, client ClientID, lsn journal.LSN) error

	// MarkPoison records that (client, lsn) failed deterministically and
	// was skipped, within tx.
	MarkPoison(tx *Tx, client ClientID, lsn journal.LSN) error

	// PoisonSince returns poison marks for client with lsn >= since, so the
	// server can report them back on the next storage sync (spec.md
	// §4.5/§8 scenario 6).
	PoisonSince(ctx context.Context, client ClientID, since journal.LSN) ([]journal.LSN, error)

	// Track registers an application table for row-level change capture.
	// Must be called identically (same table, pk, columns) on every DB
	// instance that will exchange StoragePartials for that table.
	Track(ctx context.Context, table, pk string, columns []string) error

	// Close releases the underlying connection.
	Close() error
}
