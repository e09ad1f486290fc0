// Package kvdemo is a stand-in mutation language for cmd/client and
// integration tests: a single key-value table with Set and Delete
// mutations. Not part of the core — spec.md §1 treats the mutation
// language itself as an embedder concern; this is the embedder.
package kvdemo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aggregat4/rowsync/internal/storage"
)

// Op names a kvdemo mutation's kind.
type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "delete"
)

// Mutation is the opaque mutation value spec.md §3 requires: a
// deterministically applicable, serializable value. It carries no
// identity/equality contract beyond what its journal LSN gives it.
type Mutation struct {
	Op    Op     `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// Table is the reserved application table kvdemo tracks for row-level
// change capture (SPEC_FULL.md §3.1).
const Table = "kv_items"

// Mutator applies kvdemo.Mutation values to the kv_items table.
type Mutator struct{}

// Apply implements mutate.Mutator[Mutation].
func (Mutator) Apply(ctx context.Context, tx *storage.Tx, m Mutation) error {
	switch m.Op {
	case OpSet:
		_, err := tx.Exec(`
			INSERT INTO kv_items (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, m.Key, m.Value)
		if err != nil {
			return fmt.Errorf("set %q: %w", m.Key, err)
		}
	case OpDelete:
		if _, err := tx.Exec("DELETE FROM kv_items WHERE key = ?", m.Key); err != nil {
			return fmt.Errorf("delete %q: %w", m.Key, err)
		}
	default:
		return fmt.Errorf("unknown kvdemo op %q", m.Op)
	}
	return nil
}

// Bootstrap creates the kv_items table and registers it for change
// capture. Callers open a storage.SQLite, then call Bootstrap once
// before constructing a Timeline/Remote over it.
func Bootstrap(ctx context.Context, db *storage.SQLite) error {
	if err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS kv_items (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create kv_items table: %w", err)
	}
	return db.Track(ctx, Table, "key", []string{"key", "value"})
}

// JSONCodec is the wire/journal codec for kvdemo mutations, a separate type
// that encodes exactly like mutate.JSONCodec[Mutation], spelled out here so
// cmd/client doesn't need
// to import internal/mutate just to name the type parameter.
type JSONCodec struct{}

// Encode implements mutate.Codec[Mutation] and journal.Codec[Mutation].
func (JSONCodec) Encode(m Mutation) ([]byte, error) { return json.Marshal(m) }

// Decode implements mutate.Codec[Mutation] and journal.Codec[Mutation].
func (JSONCodec) Decode(data []byte) (Mutation, error) {
	var m Mutation
	err := json.Unmarshal(data, &m)
	return m, err
}
