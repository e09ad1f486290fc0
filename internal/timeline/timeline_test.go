package timeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aggregat4/rowsync/internal/journal"
	"github.com/aggregat4/rowsync/internal/kvdemo"
	"github.com/aggregat4/rowsync/internal/storage"
)

func newTestTimeline(t *testing.T) (*Timeline[kvdemo.Mutation], storage.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := kvdemo.Bootstrap(ctx, db); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	j, err := journal.New[kvdemo.Mutation]()
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	return New[kvdemo.Mutation]("client-1", j, db, kvdemo.Mutator{}), db
}

func TestRunAppendsThenAppliesLocally(t *testing.T) {
	ctx := context.Background()
	tl, db := newTestTimeline(t)

	lsn, err := tl.Run(ctx, kvdemo.Mutation{Op: kvdemo.OpSet, Key: "a", Value: "one"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if lsn != 0 {
		t.Fatalf("lsn: got %d want 0", lsn)
	}
	if tl.LSN() != 1 {
		t.Fatalf("journal lsn: got %d want 1", tl.LSN())
	}

	if got := readValue(t, db, "a"); got != "one" {
		t.Fatalf("value: got %q want %q", got, "one")
	}
}

func TestSyncPrepareReturnsPendingTail(t *testing.T) {
	ctx := context.Background()
	tl, _ := newTestTimeline(t)

	if _, err := tl.Run(ctx, kvdemo.Mutation{Op: kvdemo.OpSet, Key: "a", Value: "one"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := tl.Run(ctx, kvdemo.Mutation{Op: kvdemo.OpSet, Key: "b", Value: "two"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	partial := tl.SyncPrepare(0)
	if partial.Len() != 2 {
		t.Fatalf("expected 2 pending entries, got %d", partial.Len())
	}

	partial = tl.SyncPrepare(1)
	if partial.Len() != 1 || partial.Entries[0].LSN != 1 {
		t.Fatalf("expected one entry at lsn 1, got %+v", partial.Entries)
	}
}

func TestRebaseTruncatesAppliedPrefixAndReappliesRest(t *testing.T) {
	ctx := context.Background()
	tl, db := newTestTimeline(t)

	if _, err := tl.Run(ctx, kvdemo.Mutation{Op: kvdemo.OpSet, Key: "a", Value: "one"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := tl.Run(ctx, kvdemo.Mutation{Op: kvdemo.OpSet, Key: "b", Value: "two"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := db.SetAppliedLSN(tx, "client-1", journal.LSN(0)); err != nil {
		t.Fatalf("set applied lsn: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := tl.Rebase(ctx); err != nil {
		t.Fatalf("rebase: %v", err)
	}

	if tl.LSN() != 2 {
		t.Fatalf("journal lsn after rebase: got %d want 2", tl.LSN())
	}
	partial := tl.SyncPrepare(0)
	if partial.Len() != 1 || partial.Entries[0].LSN != 1 {
		t.Fatalf("expected only lsn 1 to remain pending, got %+v", partial.Entries)
	}

	if got := readValue(t, db, "b"); got != "two" {
		t.Fatalf("value: got %q want %q", got, "two")
	}
}

func TestRebaseWithNoAppliedCursorReappliesEverything(t *testing.T) {
	ctx := context.Background()
	tl, _ := newTestTimeline(t)

	if _, err := tl.Run(ctx, kvdemo.Mutation{Op: kvdemo.OpSet, Key: "a", Value: "one"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if err := tl.Rebase(ctx); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if tl.LSN() != 1 {
		t.Fatalf("journal lsn after rebase: got %d want 1", tl.LSN())
	}
}

func readValue(t *testing.T, db storage.DB, key string) string {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	var value string
	if err := tx.QueryRow("SELECT value FROM kv_items WHERE key = ?", key).Scan(&value); err != nil {
		t.Fatalf("select %q: %v", key, err)
	}
	return value
}
