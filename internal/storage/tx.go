package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// Tx wraps a single *sql.Tx with the context it was begun under, so
// mutators (internal/mutate) never need to thread a context parameter
// through every statement. Timing is logged at debug level, grounded in
// original_source/lib/sqlsync/src/reducer.rs's per-query timing logs.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// Exec runs a statement against the transaction.
func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	slog.Debug("storage exec", "query", query, "elapsed", time.Since(start), "error", err)
	return res, err
}

// Query runs a row-returning statement against the transaction.
func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	slog.Debug("storage query", "query", query, "elapsed", time.Since(start), "error", err)
	return rows, err
}

// QueryRow runs a single-row statement against the transaction.
func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction. Safe to call after a successful
// Commit; it is then a no-op that returns sql.ErrTxDone.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
