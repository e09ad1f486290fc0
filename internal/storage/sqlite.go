package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	_ "modernc.org/sqlite"

	"github.com/aggregat4/rowsync/internal/journal"
	"github.com/aggregat4/rowsync/internal/syncerr"
)

// wrapStorageErr annotates err with msg and tags it as a syncerr.StorageError,
// the cause every other package (journal, timeline, remote) checks for via
// syncerr.Is to decide whether a failure is transient and retryable (spec.md
// §7).
func wrapStorageErr(err error, msg string) error {
	return errors.Wrap(errors.Annotate(err, msg), syncerr.StorageError)
}

// wrapStorageErrf is wrapStorageErr with a formatted message.
func wrapStorageErrf(err error, format string, args ...any) error {
	return errors.Wrap(errors.Annotatef(err, format, args...), syncerr.StorageError)
}

const schema = `
CREATE TABLE IF NOT EXISTS _rowsync_applied (
	client_id TEXT PRIMARY KEY,
	lsn INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS _rowsync_poison (
	client_id TEXT NOT NULL,
	lsn INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (client_id, lsn)
);

CREATE TABLE IF NOT EXISTS _rowsync_changelog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	pk TEXT NOT NULL,
	op TEXT NOT NULL,
	before TEXT,
	after TEXT
);

CREATE TABLE IF NOT EXISTS _rowsync_changesets (
	version INTEGER PRIMARY KEY,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _rowsync_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _rowsync_tables (
	table_name TEXT PRIMARY KEY,
	pk_column TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _rowsync_ctx (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

INSERT OR IGNORE INTO _rowsync_ctx (key, value) VALUES ('capturing', '1');
INSERT OR IGNORE INTO _rowsync_meta (key, value) VALUES ('checkpoint_boundary', '0');
`

// SQLite is the modernc.org/sqlite-backed implementation of DB. It
// substitutes row-level SQL triggers for the page-level write capture
// the original storage engine performs in a custom VFS (see
// DESIGN.md's Open Question resolution).
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the database at path and applies
// the bootstrap schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.Wrap(errors.New("sqlite path is required"), syncerr.StorageError)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapStorageErr(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, wrapStorageErr(err, "enable foreign keys")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return nil, wrapStorageErr(err, "enable wal")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, wrapStorageErr(err, "init schema")
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Exec runs a schema-bootstrap statement directly against the
// connection, outside any mutation transaction. Intended for an
// embedder's one-time CREATE TABLE calls before Track is registered.
func (s *SQLite) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return wrapStorageErr(err, "exec")
	}
	return nil
}

// Begin starts a new transaction.
func (s *SQLite) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStorageErr(err, "begin tx")
	}
	return &Tx{ctx: ctx, tx: tx}, nil
}

func (s *SQLite) setCapturing(ctx context.Context, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _rowsync_ctx (key, value) VALUES ('capturing', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, v)
	if err != nil {
		return wrapStorageErr(err, "set capturing flag")
	}
	return nil
}

// Track registers table for row-level change capture, keyed by pk, with
// before/after JSON images of columns recorded on every insert, update,
// and delete. This is the row-level substitute for the original storage
// engine's page-level WAL capture (SPEC_FULL.md §3.1).
func (s *SQLite) Track(ctx context.Context, table, pk string, columns []string) error {
	jsonObj := func(alias string) string {
		parts := make([]string, 0, len(columns)*2)
		for _, c := range columns {
			parts = append(parts, fmt.Sprintf("'%s', %s.%s", c, alias, c))
		}
		return "json_object(" + strings.Join(parts, ", ") + ")"
	}

	stmts := []string{
		fmt.Sprintf(`
			CREATE TRIGGER IF NOT EXISTS _rowsync_%[1]s_ai AFTER INSERT ON %[1]s
			WHEN (SELECT value FROM _rowsync_ctx WHERE key = 'capturing') = '1'
			BEGIN
				INSERT INTO _rowsync_changelog (table_name, pk, op, before, after)
				VALUES ('%[1]s', NEW.%[2]s, 'insert', NULL, %[3]s);
			END;`, table, pk, jsonObj("NEW")),
		fmt.Sprintf(`
			CREATE TRIGGER IF NOT EXISTS _rowsync_%[1]s_au AFTER UPDATE ON %[1]s
			WHEN (SELECT value FROM _rowsync_ctx WHERE key = 'capturing') = '1'
			BEGIN
				INSERT INTO _rowsync_changelog (table_name, pk, op, before, after)
				VALUES ('%[1]s', NEW.%[2]s, 'update', %[3]s, %[4]s);
			END;`, table, pk, jsonObj("OLD"), jsonObj("NEW")),
		fmt.Sprintf(`
			CREATE TRIGGER IF NOT EXISTS _rowsync_%[1]s_ad AFTER DELETE ON %[1]s
			WHEN (SELECT value FROM _rowsync_ctx WHERE key = 'capturing') = '1'
			BEGIN
				INSERT INTO _rowsync_changelog (table_name, pk, op, before, after)
				VALUES ('%[1]s', OLD.%[2]s, 'delete', %[3]s, NULL);
			END;`, table, pk, jsonObj("OLD")),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrapStorageErrf(err, "install change-capture trigger on %s", table)
		}
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO _rowsync_tables (table_name, pk_column) VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE SET pk_column = excluded.pk_column
	`, table, pk); err != nil {
		return wrapStorageErrf(err, "record pk column for %s", table)
	}
	return nil
}

// Checkpoint closes the current change set, materializing every
// changelog row recorded since the last checkpoint into one durable
// ChangeSet in _rowsync_changesets (spec.md §4.2 "storage.commit()").
func (s *SQLite) Checkpoint(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr(err, "begin checkpoint tx")
	}
	defer tx.Rollback()

	boundary, err := readCheckpointBoundary(ctx, tx)
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, table_name, pk, op, before, after FROM _rowsync_changelog
		WHERE id > ? ORDER BY id ASC
	`, boundary)
	if err != nil {
		return wrapStorageErr(err, "read pending changelog")
	}
	var changes []RowChange
	var maxID int64 = boundary
	for rows.Next() {
		var id int64
		var rc RowChange
		var before, after sql.NullString
		if err := rows.Scan(&id, &rc.Table, &rc.PK, &rc.Op, &before, &after); err != nil {
			rows.Close()
			return wrapStorageErr(err, "scan changelog row")
		}
		if before.Valid {
			rc.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			rc.After = json.RawMessage(after.String)
		}
		changes = append(changes, rc)
		maxID = id
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return wrapStorageErr(err, "iterate changelog")
	}
	rows.Close()

	if len(changes) == 0 {
		return tx.Commit()
	}

	payload, err := json.Marshal(changes)
	if err != nil {
		return wrapStorageErr(err, "encode change set")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _rowsync_changesets (version, payload) VALUES (?, ?)
	`, maxID, string(payload)); err != nil {
		return wrapStorageErr(err, "write change set")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _rowsync_meta SET value = ? WHERE key = 'checkpoint_boundary'
	`, fmt.Sprintf("%d", maxID)); err != nil {
		return wrapStorageErr(err, "advance checkpoint boundary")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM _rowsync_changelog WHERE id <= ?", maxID); err != nil {
		return wrapStorageErr(err, "trim materialized changelog")
	}
	return tx.Commit()
}

// Revert replays the pending changelog (everything recorded since the
// last checkpoint) backwards, restoring each row's Before image (or
// deleting it, for an insert), then discards the changelog. Client-only.
func (s *SQLite) Revert(ctx context.Context) error {
	if err := s.setCapturing(ctx, false); err != nil {
		return err
	}
	defer s.setCapturing(ctx, true)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr(err, "begin revert tx")
	}
	defer tx.Rollback()

	boundary, err := readCheckpointBoundary(ctx, tx)
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT table_name, pk, op, before FROM _rowsync_changelog
		WHERE id > ? ORDER BY id DESC
	`, boundary)
	if err != nil {
		return wrapStorageErr(err, "read pending changelog for revert")
	}
	type undo struct {
		table, pk, op string
		before        sql.NullString
	}
	var undos []undo
	for rows.Next() {
		var u undo
		if err := rows.Scan(&u.table, &u.pk, &u.op, &u.before); err != nil {
			rows.Close()
			return wrapStorageErr(err, "scan revert row")
		}
		undos = append(undos, u)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return wrapStorageErr(err, "iterate revert rows")
	}
	rows.Close()

	for _, u := range undos {
		switch Op(u.op) {
		case OpInsert:
			col, err := pkColumn(ctx, tx, u.table)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE rowid = (SELECT rowid FROM %s WHERE %s LIMIT 1)", u.table, u.table, pkFilter(col, u.pk))); err != nil {
				return wrapStorageErrf(err, "revert insert on %s", u.table)
			}
		case OpUpdate, OpDelete:
			if !u.before.Valid {
				continue
			}
			var before map[string]any
			if err := json.Unmarshal([]byte(u.before.String), &before); err != nil {
				return wrapStorageErrf(err, "decode before image for %s", u.table)
			}
			if err := replaceRow(ctx, tx, u.table, before); err != nil {
				return wrapStorageErrf(err, "revert %s on %s", u.op, u.table)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM _rowsync_changelog WHERE id > ?", boundary); err != nil {
		return wrapStorageErr(err, "clear reverted changelog")
	}
	return tx.Commit()
}

func readCheckpointBoundary(ctx context.Context, tx *sql.Tx) (int64, error) {
	var raw string
	if err := tx.QueryRowContext(ctx, "SELECT value FROM _rowsync_meta WHERE key = 'checkpoint_boundary'").Scan(&raw); err != nil {
		return 0, wrapStorageErr(err, "read checkpoint boundary")
	}
	boundary, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, wrapStorageErr(err, "parse checkpoint boundary")
	}
	return boundary, nil
}

func pkColumn(ctx context.Context, tx *sql.Tx, table string) (string, error) {
	var col string
	if err := tx.QueryRowContext(ctx, "SELECT pk_column FROM _rowsync_tables WHERE table_name = ?", table).Scan(&col); err != nil {
		return "", wrapStorageErrf(err, "look up pk column for %s", table)
	}
	return col, nil
}

func pkFilter(col, pk string) string {
	return fmt.Sprintf("%s = '%s'", col, strings.ReplaceAll(pk, "'", "''"))
}

func replaceRow(ctx context.Context, tx *sql.Tx, table string, row map[string]any) error {
	cols := make([]string, 0, len(row))
	placeholders := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for col, val := range row {
		cols = append(cols, col)
		placeholders = append(placeholders, "?")
		args = append(args, val)
	}
	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// SyncReceive applies partial's change sets authoritatively: each row
// change's After image is written with INSERT OR REPLACE, or the row is
// deleted, with local change capture disabled so the receiving side never
// re-records what it was just told about.
func (s *SQLite) SyncReceive(ctx context.Context, partial StoragePartial) (Version, error) {
	if err := s.setCapturing(ctx, false); err != nil {
		return 0, err
	}
	defer s.setCapturing(ctx, true)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapStorageErr(err, "begin sync-receive tx")
	}
	defer tx.Rollback()

	applied := partial.Base
	for _, cs := range partial.ChangeSets {
		for _, rc := range cs.Changes {
			switch rc.Op {
			case OpDelete:
				col, err := pkColumn(ctx, tx, rc.Table)
				if err != nil {
					return 0, err
				}
				if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE rowid = (SELECT rowid FROM %s WHERE %s LIMIT 1)", rc.Table, rc.Table, pkFilter(col, rc.PK))); err != nil {
					return 0, wrapStorageErrf(err, "apply delete on %s", rc.Table)
				}
			default:
				var after map[string]any
				if err := json.Unmarshal(rc.After, &after); err != nil {
					return 0, wrapStorageErrf(err, "decode after image for %s", rc.Table)
				}
				if err := replaceRow(ctx, tx, rc.Table, after); err != nil {
					return 0, wrapStorageErrf(err, "apply %s on %s", rc.Op, rc.Table)
				}
			}
		}
		applied = cs.Version
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapStorageErr(err, "commit sync-receive")
	}
	return applied, nil
}

// Journal returns the read-only storage journal view over
// _rowsync_changesets.
func (s *SQLite) Journal() StorageJournal {
	return &sqliteJournal{db: s.db}
}

type sqliteJournal struct {
	db *sql.DB
}

func (j *sqliteJournal) Read(ctx context.Context, cursor Version, maxBatch int) (StoragePartial, error) {
	query := "SELECT version, payload FROM _rowsync_changesets WHERE version > ? ORDER BY version ASC"
	args := []any{cursor}
	if maxBatch > 0 {
		query += " LIMIT ?"
		args = append(args, maxBatch)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return StoragePartial{}, wrapStorageErr(err, "query change sets")
	}
	defer rows.Close()

	partial := StoragePartial{Base: cursor}
	for rows.Next() {
		var v int64
		var payload string
		if err := rows.Scan(&v, &payload); err != nil {
			return StoragePartial{}, wrapStorageErr(err, "scan change set")
		}
		var changes []RowChange
		if err := json.Unmarshal([]byte(payload), &changes); err != nil {
			return StoragePartial{}, wrapStorageErrf(err, "decode change set %d", v)
		}
		partial.ChangeSets = append(partial.ChangeSets, ChangeSet{Version: Version(v), Changes: changes})
	}
	if err := rows.Err(); err != nil {
		return StoragePartial{}, wrapStorageErr(err, "iterate change sets")
	}
	return partial, nil
}

// AppliedLSN reads the highest mutation LSN durably applied for client.
func (s *SQLite) AppliedLSN(ctx context.Context, client ClientID) (journal.LSN, bool, error) {
	var lsn int64
	err := s.db.QueryRowContext(ctx, "SELECT lsn FROM _rowsync_applied WHERE client_id = ?", string(client)).Scan(&lsn)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapStorageErr(err, "read applied lsn")
	}
	return journal.LSN(lsn), true, nil
}

// ListApplied reads the entire mutations table.
func (s *SQLite) ListApplied(ctx context.Context) (map[ClientID]journal.LSN, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT client_id, lsn FROM _rowsync_applied")
	if err != nil {
		return nil, wrapStorageErr(err, "query applied clients")
	}
	defer rows.Close()
	out := make(map[ClientID]journal.LSN)
	for rows.Next() {
		var client string
		var lsn int64
		if err := rows.Scan(&client, &lsn); err != nil {
			return nil, wrapStorageErr(err, "scan applied client")
		}
		out[ClientID(client)] = journal.LSN(lsn)
	}
	return out, rows.Err()
}

// SetAppliedLSN records lsn as applied for client within tx.
func (s *SQLite) SetAppliedLSN(tx *Tx, client ClientID, lsn journal.LSN) error {
	_, err := tx.Exec(`
		INSERT INTO _rowsync_applied (client_id, lsn) VALUES (?, ?)
		ON CONFLICT(client_id) DO UPDATE SET lsn = excluded.lsn
	`, string(client), uint64(lsn))
	if err != nil {
		return wrapStorageErr(err, "set applied lsn")
	}
	return nil
}

// MarkPoison records (client, lsn) as permanently skipped within tx.
func (s *SQLite) MarkPoison(tx *Tx, client ClientID, lsn journal.LSN) error {
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO _rowsync_poison (client_id, lsn, reason, created_at)
		VALUES (?, ?, ?, ?)
	`, string(client), uint64(lsn), "mutator returned a non-retryable error", time.Now().Unix())
	if err != nil {
		return wrapStorageErr(err, "mark poison")
	}
	return nil
}

// PoisonSince returns poison marks recorded for client with lsn >= since.
func (s *SQLite) PoisonSince(ctx context.Context, client ClientID, since journal.LSN) ([]journal.LSN, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lsn FROM _rowsync_poison WHERE client_id = ? AND lsn >= ? ORDER BY lsn ASC
	`, string(client), uint64(since))
	if err != nil {
		return nil, wrapStorageErr(err, "query poison marks")
	}
	defer rows.Close()
	var out []journal.LSN
	for rows.Next() {
		var lsn int64
		if err := rows.Scan(&lsn); err != nil {
			return nil, wrapStorageErr(err, "scan poison mark")
		}
		out = append(out, journal.LSN(lsn))
	}
	return out, rows.Err()
}
