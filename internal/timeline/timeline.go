// Package timeline implements the client-side mediator between a local
// mutation journal and a local database (spec.md §4.3).
package timeline

import (
	"context"

	"github.com/juju/errors"

	"github.com/aggregat4/rowsync/internal/journal"
	"github.com/aggregat4/rowsync/internal/mutate"
	"github.com/aggregat4/rowsync/internal/storage"
	"github.com/aggregat4/rowsync/internal/syncerr"
)

// MaxSyncLen bounds how many entries a single SyncPrepare call returns, so
// a push never ships an unbounded batch.
const MaxSyncLen = 256

// Timeline owns a client's local mutation journal and mediates every
// apply against the local database, per spec.md §4.3.
type Timeline[M any] struct {
	clientID storage.ClientID
	journal  *journal.Journal[M]
	db       storage.DB
	mutator  mutate.Mutator[M]
}

// New constructs a Timeline over an already-opened local journal and
// database.
func New[M any](clientID storage.ClientID, j *journal.Journal[M], db storage.DB, mutator mutate.Mutator[M]) *Timeline[M] {
	return &Timeline[M]{clientID: clientID, journal: j, db: db, mutator: mutator}
}

// Run appends m to the local journal, then applies it to the local
// database. Per spec.md §4.3 this is "append first, then apply": a failed
// local apply is tolerated because rebase rebuilds optimistic state from
// the journal; only the append is infallible-with-respect-to-the-journal.
func (t *Timeline[M]) Run(ctx context.Context, m M) (journal.LSN, error) {
	lsn, err := t.journal.Append(m)
	if err != nil {
		return 0, errors.Annotate(err, "appending mutation to local journal")
	}

	tx, err := t.db.Begin(ctx)
	if err != nil {
		return lsn, errors.Annotate(err, "beginning local apply transaction")
	}
	if err := t.mutator.Apply(ctx, tx, m); err != nil {
		_ = tx.Rollback()
		return lsn, errors.Wrap(errors.Annotatef(err, "applying mutation at lsn %d locally", lsn), syncerr.MutatorFailure)
	}
	if err := tx.Commit(); err != nil {
		return lsn, errors.Annotate(err, "committing local apply transaction")
	}
	return lsn, nil
}

// SyncPrepare delegates to the local journal's sync_prepare, for Local to
// push towards the server.
func (t *Timeline[M]) SyncPrepare(cursor journal.LSN) journal.Partial[M] {
	return t.journal.SyncPrepare(cursor, MaxSyncLen)
}

// Rebase re-establishes optimistic state on top of a freshly received
// authoritative snapshot, per spec.md §4.3 step 4:
//  1. read the applied cursor for this client from the authoritative
//     mirror now reflected in db (the `mutations` table);
//  2. truncate the local journal to applied_cursor+1, dropping entries
//     the server has durably applied;
//  3. re-apply every remaining journal entry, in order, on top of the
//     just-received snapshot.
func (t *Timeline[M]) Rebase(ctx context.Context) error {
	appliedLSN, ok, err := t.db.AppliedLSN(ctx, t.clientID)
	if err != nil {
		return errors.Annotate(err, "reading applied cursor for rebase")
	}
	truncateTo := journal.LSN(0)
	if ok {
		truncateTo = appliedLSN + 1
	}
	if err := t.journal.TruncateTo(truncateTo); err != nil {
		return errors.Annotate(err, "truncating local journal during rebase")
	}

	var reapplyErr error
	t.journal.Iter(func(lsn journal.LSN, m M) bool {
		tx, err := t.db.Begin(ctx)
		if err != nil {
			reapplyErr = errors.Annotatef(err, "beginning rebase re-apply at lsn %d", lsn)
			return false
		}
		if err := t.mutator.Apply(ctx, tx, m); err != nil {
			_ = tx.Rollback()
			// Per spec.md §4.3 step 4: a failed re-application is reported
			// but the journal entry is retained; dropping it is the
			// application layer's decision, not this package's.
			reapplyErr = errors.Annotatef(err, "re-applying mutation at lsn %d during rebase", lsn)
			return false
		}
		if err := tx.Commit(); err != nil {
			reapplyErr = errors.Annotatef(err, "committing rebase re-apply at lsn %d", lsn)
			return false
		}
		return true
	})
	return reapplyErr
}

// LSN reports the next LSN the local journal will assign.
func (t *Timeline[M]) LSN() journal.LSN { return t.journal.LSN() }
