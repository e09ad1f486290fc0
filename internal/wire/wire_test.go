package wire

import (
	"encoding/json"
	"testing"

	"github.com/aggregat4/rowsync/internal/storage"
)

func TestChangeSetWireRoundTrip(t *testing.T) {
	cs := storage.ChangeSet{
		Version: 7,
		Changes: []storage.RowChange{
			{Table: "kv_items", PK: "a", Op: storage.OpInsert, After: json.RawMessage(`{"key":"a","value":"one"}`)},
			{Table: "kv_items", PK: "a", Op: storage.OpDelete, Before: json.RawMessage(`{"key":"a","value":"one"}`)},
		},
	}

	wireForm := ToChangeSetWire(cs)
	if wireForm.Version != cs.Version {
		t.Fatalf("version: got %d want %d", wireForm.Version, cs.Version)
	}
	if len(wireForm.Changes) != len(cs.Changes) {
		t.Fatalf("changes: got %d want %d", len(wireForm.Changes), len(cs.Changes))
	}

	back := FromChangeSetWire(wireForm)
	if back.Version != cs.Version || len(back.Changes) != len(cs.Changes) {
		t.Fatalf("round trip mismatch: got %+v want %+v", back, cs)
	}
	for i := range cs.Changes {
		want := cs.Changes[i]
		got := back.Changes[i]
		if got.Table != want.Table || got.PK != want.PK || got.Op != want.Op {
			t.Fatalf("change %d mismatch: got %+v want %+v", i, got, want)
		}
		if string(got.Before) != string(want.Before) || string(got.After) != string(want.After) {
			t.Fatalf("change %d payload mismatch: got %+v want %+v", i, got, want)
		}
	}
}

func TestChangeSetWireMarshalsToJSON(t *testing.T) {
	wireForm := ToChangeSetWire(storage.ChangeSet{
		Version: 1,
		Changes: []storage.RowChange{{Table: "kv_items", PK: "a", Op: storage.OpUpdate}},
	})
	data, err := json.Marshal(wireForm)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ChangeSetWire
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Version != 1 || len(decoded.Changes) != 1 || decoded.Changes[0].Table != "kv_items" {
		t.Fatalf("unexpected decoded form: %+v", decoded)
	}
}

func TestSyncStorageResponseOmitsEmptyFieldsWhenEmpty(t *testing.T) {
	resp := SyncStorageResponse{Version: ProtocolVersion, Empty: true}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &asMap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := asMap["changeSets"]; ok {
		t.Fatalf("expected changeSets to be omitted when empty, got %s", data)
	}
	if _, ok := asMap["poisoned"]; ok {
		t.Fatalf("expected poisoned to be omitted when empty, got %s", data)
	}
}
