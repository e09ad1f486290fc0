// Package local implements the client-side façade spec.md §4.4 names:
// run a mutation, push the local journal's pending tail to the server,
// and pull storage updates back down.
package local

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/retry.v1"

	"github.com/aggregat4/rowsync/internal/journal"
	"github.com/aggregat4/rowsync/internal/storage"
	"github.com/aggregat4/rowsync/internal/syncerr"
	"github.com/aggregat4/rowsync/internal/timeline"
)

const (
	initialRetryDelay  = 200 * time.Millisecond
	retryBackoffFactor = 2.0
	maxRetries         = 5
)

// Network is the transport-agnostic surface Local drives; the HTTP
// implementation is cmd/client's httpNetwork, which calls the routes
// internal/connhandler serves.
// Framing and authentication are out of scope (spec.md §1); this
// interface only names the two message exchanges.
type Network[M any] interface {
	SyncMutations(ctx context.Context, clientID storage.ClientID, partial journal.Partial[M]) (newCursor journal.LSN, err error)
	SyncStorage(ctx context.Context, clientID storage.ClientID, cursor storage.Version) (partial storage.StoragePartial, empty bool, err error)
}

// Local is the client façade over a Timeline and a Network.
type Local[M any] struct {
	clientID      storage.ClientID
	timeline      *timeline.Timeline[M]
	db            storage.DB
	network       Network[M]
	clock         clock.Clock
	serverCursor  journal.LSN
	storageCursor storage.Version
}

// New constructs a Local façade.
func New[M any](clientID storage.ClientID, tl *timeline.Timeline[M], db storage.DB, network Network[M], clk clock.Clock) *Local[M] {
	return &Local[M]{clientID: clientID, timeline: tl, db: db, network: network, clock: clk}
}

// Run applies a mutation through the timeline.
func (l *Local[M]) Run(ctx context.Context, m M) (journal.LSN, error) {
	return l.timeline.Run(ctx, m)
}

// startRetry returns a retry.Attempt with exponential backoff, matching
// juju-juju/worker/lease/manager.go's bounded-retry shape, used for
// Backpressure and TransportError per spec.md §5/§7.
func (l *Local[M]) startRetry(ctx context.Context) *retry.Attempt {
	return retry.StartWithCancel(
		retry.LimitCount(maxRetries, retry.Exponential{
			Initial: initialRetryDelay,
			Factor:  retryBackoffFactor,
			Jitter:  true,
		}),
		l.clock,
		ctx.Done(),
	)
}

// PushMutations sends the local journal's pending tail to the server,
// retrying on Backpressure/TransportError, and advances server_cursor to
// the server-returned next-expected LSN (spec.md §4.4, §9 Open Question).
func (l *Local[M]) PushMutations(ctx context.Context) error {
	partial := l.timeline.SyncPrepare(l.serverCursor)

	var newCursor journal.LSN
	var err error
	for a := l.startRetry(ctx); a.Next(); {
		newCursor, err = l.network.SyncMutations(ctx, l.clientID, partial)
		if err == nil || !retryable(err) {
			break
		}
		if !a.More() {
			break
		}
	}
	if err != nil {
		return errors.Annotate(err, "pushing mutations")
	}
	l.serverCursor = newCursor
	return nil
}

// Pull fetches storage updates and, if any arrived, reverts optimistic
// state, applies them, advances storage_cursor, then rebases the
// remaining local journal tail. The ordering revert → receive → rebase is
// mandatory per spec.md §4.4.
func (l *Local[M]) Pull(ctx context.Context) error {
	var partial storage.StoragePartial
	var empty bool
	var err error
	for a := l.startRetry(ctx); a.Next(); {
		partial, empty, err = l.network.SyncStorage(ctx, l.clientID, l.storageCursor)
		if err == nil || !retryable(err) {
			break
		}
		if !a.More() {
			break
		}
	}
	if err != nil {
		return errors.Annotate(err, "pulling storage updates")
	}
	if empty {
		return nil
	}

	if err := l.db.Revert(ctx); err != nil {
		return errors.Wrap(errors.Annotate(err, "reverting optimistic state before storage sync"), syncerr.StorageError)
	}
	newCursor, err := l.db.SyncReceive(ctx, partial)
	if err != nil {
		return errors.Wrap(errors.Annotate(err, "receiving storage partial"), syncerr.StorageError)
	}
	l.storageCursor = newCursor

	if err := l.timeline.Rebase(ctx); err != nil {
		return errors.Annotate(err, "rebasing local journal after storage sync")
	}
	return nil
}

// ServerCursor reports the next local-journal LSN the server expects, i.e.
// one past the highest LSN it has confirmed ingestion of.
func (l *Local[M]) ServerCursor() journal.LSN { return l.serverCursor }

// StorageCursor reports the highest storage-journal position pulled.
func (l *Local[M]) StorageCursor() storage.Version { return l.storageCursor }

func retryable(err error) bool {
	return syncerr.Is(err, syncerr.Backpressure) || syncerr.Is(err, syncerr.TransportError)
}
