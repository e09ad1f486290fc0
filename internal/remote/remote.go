// Package remote implements the server side of the sync protocol: per-
// client mutation journals, the authoritative database, and the
// single-writer step loop that applies mutations in a deterministic
// order (spec.md §4.5).
package remote

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/aggregat4/rowsync/internal/journal"
	"github.com/aggregat4/rowsync/internal/mutate"
	"github.com/aggregat4/rowsync/internal/storage"
	"github.com/aggregat4/rowsync/internal/syncerr"
)

// MaxBatchSize bounds a single SyncStorage response.
const MaxBatchSize = 256

// Announcer is notified when the step loop closes a change set, so it
// can fan out a best-effort Announce message (spec.md §4.5 step 5,
// implemented by internal/broadcast.Hub).
type Announcer interface {
	Announce(version storage.Version)
}

// StepResult reports what one Step call did.
type StepResult int

const (
	// StepIdle means no client journal had unapplied work.
	StepIdle StepResult = iota
	// StepApplied means a mutation was applied and committed.
	StepApplied
	// StepPoisoned means the chosen mutation failed deterministically and
	// was rolled back and skipped.
	StepPoisoned
)

// Remote owns per-client journals and the authoritative database, and
// drives the step loop.
type Remote[M any] struct {
	db         storage.DB
	mutator    mutate.Mutator[M]
	codec      mutate.Codec[M]
	journalDir string
	announcer  Announcer
	clk        clock.Clock
	metrics    *Metrics

	mu       sync.Mutex
	journals map[storage.ClientID]*journal.Journal[M]
	applied  map[storage.ClientID]journal.LSN

	tomb tomb.Tomb
}

// New constructs a Remote. journalDir is where per-client journal files
// (journals/<client_id>.journal, spec.md §6) are persisted.
func New[M any](db storage.DB, mutator mutate.Mutator[M], codec mutate.Codec[M], journalDir string, announcer Announcer, clk clock.Clock, metrics *Metrics) *Remote[M] {
	return &Remote[M]{
		db:         db,
		mutator:    mutator,
		codec:      codec,
		journalDir: journalDir,
		announcer:  announcer,
		clk:        clk,
		metrics:    metrics,
		journals:   make(map[storage.ClientID]*journal.Journal[M]),
		applied:    make(map[storage.ClientID]journal.LSN),
	}
}

// Recover loads the mutations table into the in-memory applied[] map and
// reopens every persisted client journal found in journalDir (spec.md §4.5
// "recover"). Journals are not truncated here: entries at or below a
// client's applied LSN stay in the journal and are skipped by the scheduler.
func (r *Remote[M]) Recover(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied, err := r.db.ListApplied(ctx)
	if err != nil {
		return errors.Annotate(err, "loading applied cursors")
	}
	r.applied = applied

	files, err := os.ReadDir(r.journalDir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Annotate(err, "listing client journals")
	}
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".journal") {
			continue
		}
		if _, err := r.openJournalLocked(storage.ClientID(strings.TrimSuffix(name, ".journal"))); err != nil {
			return errors.Annotatef(err, "reopening journal %s", name)
		}
	}

	for clientID, lsn := range applied {
		j, err := r.openJournalLocked(clientID)
		if err != nil {
			return errors.Annotatef(err, "reopening journal for client %s", clientID)
		}
		if j.Base() <= lsn+1 {
			continue
		}
		// The persisted journal's base is ahead of what's recorded as
		// applied; this can only happen if a prior rollup over-truncated.
		// Nothing to reconcile here other than trusting the durable base.
	}
	return nil
}

func (r *Remote[M]) openJournalLocked(clientID storage.ClientID) (*journal.Journal[M], error) {
	if j, ok := r.journals[clientID]; ok {
		return j, nil
	}
	path := filepath.Join(r.journalDir, string(clientID)+".journal")
	store, err := journal.OpenStore[M](path, r.codec)
	if err != nil {
		return nil, errors.Annotate(err, "opening client journal store")
	}
	j, err := journal.New[M](journal.WithStore(store), journal.WithEqual(mutate.CodecEqual(r.codec)))
	if err != nil {
		return nil, errors.Annotate(err, "constructing client journal")
	}
	r.journals[clientID] = j
	return j, nil
}

// ClientJournal returns the journal for clientID, lazily creating it on
// first contact (spec.md §4.5 "client_journal").
func (r *Remote[M]) ClientJournal(clientID storage.ClientID) (*journal.Journal[M], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openJournalLocked(clientID)
}

// Receive merges partial into clientID's journal, idempotently, and
// returns the journal's new tip as the next-expected LSN (spec.md §4.5
// "receive", §9 Open Question resolution).
func (r *Remote[M]) Receive(clientID storage.ClientID, partial journal.Partial[M]) (journal.LSN, error) {
	j, err := r.ClientJournal(clientID)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := j.SyncReceive(partial); err != nil {
		return 0, errors.Trace(err)
	}
	return j.LSN(), nil
}

// UpdateClient returns the storage partial beyond cursor (spec.md §4.5
// "update_client").
func (r *Remote[M]) UpdateClient(ctx context.Context, cursor storage.Version) (storage.StoragePartial, error) {
	partial, err := r.db.Journal().Read(ctx, cursor, MaxBatchSize)
	if err != nil {
		return storage.StoragePartial{}, errors.Wrap(errors.Annotate(err, "reading storage journal"), syncerr.StorageError)
	}
	return partial, nil
}

// nextJournal picks the client journal with the earliest unapplied
// entry, tie-breaking lexicographically by client_id (spec.md §4.5 step
// 1). Must be called with r.mu held.
func (r *Remote[M]) nextJournalLocked() (storage.ClientID, journal.LSN, M, bool) {
	clientIDs := make([]string, 0, len(r.journals))
	for id := range r.journals {
		clientIDs = append(clientIDs, string(id))
	}
	sort.Strings(clientIDs)

	var best storage.ClientID
	var bestLSN journal.LSN
	var bestValue M
	found := false
	for _, id := range clientIDs {
		clientID := storage.ClientID(id)
		j := r.journals[clientID]
		want := r.unappliedWatermarkLocked(clientID)
		entry, ok := j.EntryAt(want)
		if !ok {
			continue
		}
		if !found || entry.LSN < bestLSN {
			best, bestLSN, bestValue, found = clientID, entry.LSN, entry.Value, true
		}
	}
	return best, bestLSN, bestValue, found
}

// unappliedWatermarkLocked returns applied[client_id]+1, or 0 if the
// client has never had a mutation applied (no row in mutations_table).
// Must be called with r.mu held.
func (r *Remote[M]) unappliedWatermarkLocked(clientID storage.ClientID) journal.LSN {
	lsn, ok := r.applied[clientID]
	if !ok {
		return 0
	}
	return lsn + 1
}

// Step runs one iteration of the server's mutation-application loop
// (spec.md §4.5 "step"): choose the earliest unapplied entry across all
// client journals, apply it in a transaction that also records the
// applied marker, checkpoint storage, and announce.
func (r *Remote[M]) Step(ctx context.Context) (StepResult, error) {
	r.mu.Lock()
	clientID, lsn, value, ok := r.nextJournalLocked()
	r.mu.Unlock()
	if !ok {
		return StepIdle, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return StepIdle, errors.Wrap(errors.Annotate(err, "beginning step transaction"), syncerr.StorageError)
	}

	applyErr := r.mutator.Apply(ctx, tx, value)
	result := StepApplied
	if applyErr != nil {
		_ = tx.Rollback()
		// Deterministic mutator failure: roll back, poison-mark, advance
		// past it anyway so one bad mutation never stalls a client
		// (spec.md §4.5, §8 scenario 6).
		poisonTx, err := r.db.Begin(ctx)
		if err != nil {
			return StepIdle, errors.Wrap(errors.Annotate(err, "beginning poison-mark transaction"), syncerr.StorageError)
		}
		if err := r.db.MarkPoison(poisonTx, clientID, lsn); err != nil {
			_ = poisonTx.Rollback()
			return StepIdle, errors.Wrap(errors.Annotate(err, "marking poison"), syncerr.StorageError)
		}
		if err := r.db.SetAppliedLSN(poisonTx, clientID, lsn); err != nil {
			_ = poisonTx.Rollback()
			return StepIdle, errors.Wrap(errors.Annotate(err, "advancing applied cursor past poisoned mutation"), syncerr.StorageError)
		}
		if err := poisonTx.Commit(); err != nil {
			return StepIdle, errors.Wrap(errors.Annotate(err, "committing poison mark"), syncerr.StorageError)
		}
		result = StepPoisoned
		if r.metrics != nil {
			r.metrics.PoisonMarks.Inc()
		}
	} else {
		if err := r.db.SetAppliedLSN(tx, clientID, lsn); err != nil {
			_ = tx.Rollback()
			return StepIdle, errors.Wrap(errors.Annotate(err, "recording applied cursor"), syncerr.StorageError)
		}
		if err := tx.Commit(); err != nil {
			return StepIdle, errors.Wrap(errors.Annotate(err, "committing step transaction"), syncerr.StorageError)
		}
		if r.metrics != nil {
			r.metrics.StepsApplied.Inc()
		}
	}

	if err := r.db.Checkpoint(ctx); err != nil {
		return StepIdle, errors.Wrap(errors.Annotate(err, "checkpointing storage"), syncerr.StorageError)
	}

	r.mu.Lock()
	r.applied[clientID] = lsn
	if r.metrics != nil {
		if j, ok := r.journals[clientID]; ok {
			r.metrics.UnappliedDepth.WithLabelValues(string(clientID)).Set(float64(j.LSN() - lsn - 1))
		}
	}
	r.mu.Unlock()

	if r.announcer != nil {
		version, _, err := r.latestStorageVersion(ctx)
		if err == nil {
			r.announcer.Announce(version)
		}
	}

	return result, nil
}

// PoisonedLSNs returns clientID's poison marks, so the connection handler
// can report them back on the next storage sync (spec.md §4.5, §8
// scenario 6).
func (r *Remote[M]) PoisonedLSNs(ctx context.Context, clientID storage.ClientID) ([]journal.LSN, error) {
	return r.db.PoisonSince(ctx, clientID, 0)
}

func (r *Remote[M]) latestStorageVersion(ctx context.Context) (storage.Version, bool, error) {
	partial, err := r.db.Journal().Read(ctx, 0, 0)
	if err != nil {
		return 0, false, err
	}
	return partial.End(), partial.Len() > 0, nil
}

// idleBackoff is how long the step loop waits between idle iterations,
// via the injected clock, so tests can use a fake clock instead of
// sleeping for real.
const idleBackoff = 50 * time.Millisecond

// RunStepLoop drives Step in a loop under tomb supervision, checking for
// shutdown between iterations, never mid-transaction (spec.md §5). Idle
// iterations back off using the injected clock so tests don't sleep.
//
// A StorageError from Step is transient by spec.md §5's contract ("tx.commit
// failures roll back and are retried from the same mutation at the next
// step"): the failed step already rolled back, so the loop logs and retries
// after idleBackoff instead of dying. Any other error is treated as fatal
// and kills the tomb.
func (r *Remote[M]) RunStepLoop() {
	r.tomb.Go(func() error {
		for {
			select {
			case <-r.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			result, err := r.Step(context.Background())
			if err != nil {
				if !syncerr.Is(err, syncerr.StorageError) {
					return errors.Trace(err)
				}
				slog.Warn("step failed on a transient storage error, retrying", "error", err)
				result = StepIdle
			}
			if result == StepIdle {
				select {
				case <-r.tomb.Dying():
					return tomb.ErrDying
				case <-r.clk.After(idleBackoff):
				}
			}
		}
	})
}

// Kill signals the step task to stop.
func (r *Remote[M]) Kill() { r.tomb.Kill(nil) }

// Wait blocks until the step task has stopped.
func (r *Remote[M]) Wait() error { return r.tomb.Wait() }
