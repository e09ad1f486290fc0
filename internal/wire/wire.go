// Package wire defines the transport-agnostic message envelopes spec.md
// §6 names: SyncMutations, SyncStorage, and the unreliable Announce
// notification. Framing (length-prefixing, the transport itself) is left
// to internal/connhandler, which carries these envelopes over HTTP
// (spec.md §1 non-goal: "the network transport... is the transport's
// problem").
package wire

import (
	"encoding/json"

	"github.com/aggregat4/rowsync/internal/journal"
	"github.com/aggregat4/rowsync/internal/storage"
)

// ProtocolVersion is the one-byte versioned header spec.md §6 requires.
// Every envelope below carries it so a future incompatible wire change
// can be detected before a message is decoded.
const ProtocolVersion byte = 1

// SyncMutationsRequest carries a client's local journal partial to the
// server.
type SyncMutationsRequest struct {
	Version  byte            `json:"version"`
	ClientID storage.ClientID `json:"clientId"`
	Base     journal.LSN     `json:"base"`
	Entries  []json.RawMessage `json:"entries"`
}

// SyncMutationsResponse is the server's ack, carrying the next-expected
// LSN (spec.md §9 Open Question resolution).
type SyncMutationsResponse struct {
	Version   byte        `json:"version"`
	NewCursor journal.LSN `json:"newCursor"`
}

// SyncStorageRequest asks the server for storage changes beyond cursor.
type SyncStorageRequest struct {
	Version byte             `json:"version"`
	Cursor  storage.Version  `json:"cursor"`
}

// RowChangeWire is the wire form of a storage.RowChange.
type RowChangeWire struct {
	Table  string          `json:"table"`
	PK     string          `json:"pk"`
	Op     storage.Op      `json:"op"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

// ChangeSetWire is the wire form of a storage.ChangeSet.
type ChangeSetWire struct {
	Version storage.Version `json:"version"`
	Changes []RowChangeWire `json:"changes"`
}

// SyncStorageResponse carries a StoragePartial, or Empty if there is
// nothing new beyond the requested cursor.
type SyncStorageResponse struct {
	Version    byte            `json:"version"`
	Empty      bool            `json:"empty"`
	Base       storage.Version `json:"base"`
	ChangeSets []ChangeSetWire `json:"changeSets,omitempty"`
	Poisoned   []journal.LSN   `json:"poisoned,omitempty"`
}

// Announce is the server's best-effort, unreliable notification that new
// storage changes are available (spec.md §6).
type Announce struct {
	Version        byte            `json:"version"`
	StorageVersion storage.Version `json:"storageVersion"`
}

// ErrorResponse is the wire form of any of the §7 error kinds.
type ErrorResponse struct {
	Version byte   `json:"version"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ToChangeSetWire converts a storage.ChangeSet to its wire form.
func ToChangeSetWire(cs storage.ChangeSet) ChangeSetWire {
	out := ChangeSetWire{Version: cs.Version, Changes: make([]RowChangeWire, len(cs.Changes))}
	for i, rc := range cs.Changes {
		out.Changes[i] = RowChangeWire{Table: rc.Table, PK: rc.PK, Op: rc.Op, Before: rc.Before, After: rc.After}
	}
	return out
}

// FromChangeSetWire converts a wire ChangeSetWire back to storage.ChangeSet.
func FromChangeSetWire(cs ChangeSetWire) storage.ChangeSet {
	out := storage.ChangeSet{Version: cs.Version, Changes: make([]storage.RowChange, len(cs.Changes))}
	for i, rc := range cs.Changes {
		out.Changes[i] = storage.RowChange{Table: rc.Table, PK: rc.PK, Op: rc.Op, Before: rc.Before, After: rc.After}
	}
	return out
}
