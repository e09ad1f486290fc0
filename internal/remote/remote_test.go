package remote

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/tomb.v2"

	"github.com/aggregat4/rowsync/internal/journal"
	"github.com/aggregat4/rowsync/internal/mutate"
	"github.com/aggregat4/rowsync/internal/storage"
	"github.com/aggregat4/rowsync/internal/syncerr"
)

func newTestRemote(t *testing.T, mutator mutate.Mutator[string]) *Remote[string] {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	metrics := NewMetrics(prometheus.NewRegistry())
	r := New[string](db, mutator, mutate.JSONCodec[string]{}, t.TempDir(), nil, clock.WallClock, metrics)
	if err := r.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	return r
}

func appendEntry(t *testing.T, r *Remote[string], clientID storage.ClientID, base journal.LSN, values ...string) {
	t.Helper()
	entries := make([]journal.Entry[string], len(values))
	for i, v := range values {
		entries[i] = journal.Entry[string]{LSN: base + journal.LSN(i), Value: v}
	}
	if _, err := r.Receive(clientID, journal.Partial[string]{Base: base, Entries: entries}); err != nil {
		t.Fatalf("receive for %s: %v", clientID, err)
	}
}

func TestStepAppliesMutationsInOrderForOneClient(t *testing.T) {
	ctx := context.Background()
	var applied []string
	mutator := mutate.MutatorFunc[string](func(ctx context.Context, tx *storage.Tx, m string) error {
		applied = append(applied, m)
		return nil
	})
	r := newTestRemote(t, mutator)

	appendEntry(t, r, "client-a", 0, "one", "two")

	for i := 0; i < 2; i++ {
		result, err := r.Step(ctx)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if result != StepApplied {
			t.Fatalf("step %d: expected StepApplied, got %v", i, result)
		}
	}
	if result, err := r.Step(ctx); err != nil || result != StepIdle {
		t.Fatalf("expected idle after draining, got %v / %v", result, err)
	}
	if len(applied) != 2 || applied[0] != "one" || applied[1] != "two" {
		t.Fatalf("applied in wrong order: %+v", applied)
	}

	lsn, ok, err := r.db.AppliedLSN(ctx, "client-a")
	if err != nil || !ok || lsn != 1 {
		t.Fatalf("applied lsn: got %d ok=%v err=%v, want 1", lsn, ok, err)
	}
}

func TestStepTieBreaksLexicographicallyAcrossClients(t *testing.T) {
	ctx := context.Background()
	var order []string
	mutator := mutate.MutatorFunc[string](func(ctx context.Context, tx *storage.Tx, m string) error {
		order = append(order, m)
		return nil
	})
	r := newTestRemote(t, mutator)

	appendEntry(t, r, "client-b", 0, "from-b")
	appendEntry(t, r, "client-a", 0, "from-a")

	if _, err := r.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(order) != 1 || order[0] != "from-a" {
		t.Fatalf("expected client-a's entry first (lexicographic tie-break), got %+v", order)
	}
}

func TestStepPoisonsFailingMutationAndAdvancesPastIt(t *testing.T) {
	ctx := context.Background()
	mutator := mutate.MutatorFunc[string](func(ctx context.Context, tx *storage.Tx, m string) error {
		if m == "bad" {
			return errors.New("deterministic failure")
		}
		return nil
	})
	r := newTestRemote(t, mutator)

	appendEntry(t, r, "client-a", 0, "bad", "good")

	result, err := r.Step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if result != StepPoisoned {
		t.Fatalf("expected StepPoisoned, got %v", result)
	}

	poisoned, err := r.PoisonedLSNs(ctx, "client-a")
	if err != nil {
		t.Fatalf("poisoned lsns: %v", err)
	}
	if len(poisoned) != 1 || poisoned[0] != 0 {
		t.Fatalf("expected lsn 0 poisoned, got %+v", poisoned)
	}

	result, err = r.Step(ctx)
	if err != nil {
		t.Fatalf("step after poison: %v", err)
	}
	if result != StepApplied {
		t.Fatalf("expected the next entry to apply normally, got %v", result)
	}
}

func TestReceiveIsIdempotentOnDuplicatePush(t *testing.T) {
	mutator := mutate.MutatorFunc[string](func(ctx context.Context, tx *storage.Tx, m string) error { return nil })
	r := newTestRemote(t, mutator)

	partial := journal.Partial[string]{Base: 0, Entries: []journal.Entry[string]{{LSN: 0, Value: "one"}}}
	cursor1, err := r.Receive("client-a", partial)
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	cursor2, err := r.Receive("client-a", partial)
	if err != nil {
		t.Fatalf("duplicate receive: %v", err)
	}
	if cursor1 != cursor2 {
		t.Fatalf("cursor changed on duplicate receive: %d -> %d", cursor1, cursor2)
	}

	j, err := r.ClientJournal("client-a")
	if err != nil {
		t.Fatalf("client journal: %v", err)
	}
	if j.LSN() != 1 {
		t.Fatalf("journal should hold exactly one entry, tip=%d", j.LSN())
	}
}

func TestUpdateClientReturnsStoragePartialBeyondCursor(t *testing.T) {
	ctx := context.Background()
	mutator := mutate.MutatorFunc[string](func(ctx context.Context, tx *storage.Tx, m string) error { return nil })
	r := newTestRemote(t, mutator)

	appendEntry(t, r, "client-a", 0, "one")
	if _, err := r.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}

	partial, err := r.UpdateClient(ctx, 0)
	if err != nil {
		t.Fatalf("update client: %v", err)
	}
	// The string mutator never touches any tracked table, so checkpoint
	// produces no change sets; this only exercises the read path.
	if partial.Len() != 0 {
		t.Fatalf("expected no change sets from an untracked mutator, got %d", partial.Len())
	}
}

func TestReceiveRejectsEntryThatDivergesFromWhatWasAlreadyAccepted(t *testing.T) {
	mutator := mutate.MutatorFunc[string](func(ctx context.Context, tx *storage.Tx, m string) error { return nil })
	r := newTestRemote(t, mutator)

	first := journal.Partial[string]{Base: 0, Entries: []journal.Entry[string]{{LSN: 0, Value: "one"}}}
	if _, err := r.Receive("client-a", first); err != nil {
		t.Fatalf("first receive: %v", err)
	}

	resubmit := journal.Partial[string]{Base: 0, Entries: []journal.Entry[string]{{LSN: 0, Value: "something-else"}}}
	_, err := r.Receive("client-a", resubmit)
	if err == nil {
		t.Fatal("expected a divergence error")
	}
	if !syncerr.Is(err, syncerr.JournalDivergence) {
		t.Fatalf("expected JournalDivergence, got %v", err)
	}
}

// TestRunStepLoopSurvivesTransientStorageErrorsButStopsOnKill verifies
// spec.md §5's "tx.commit failures roll back and are retried from the same
// mutation at the next step" contract: a StorageError from Step must not
// kill the tomb, only an explicit Kill should.
func TestRunStepLoopSurvivesTransientStorageErrorsButStopsOnKill(t *testing.T) {
	ctx := context.Background()
	mutator := mutate.MutatorFunc[string](func(ctx context.Context, tx *storage.Tx, m string) error { return nil })

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	clk := testclock.NewClock(time.Unix(0, 0))
	metrics := NewMetrics(prometheus.NewRegistry())
	r := New[string](db, mutator, mutate.JSONCodec[string]{}, t.TempDir(), nil, clk, metrics)
	if err := r.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	appendEntry(t, r, "client-a", 0, "one")

	// Close the database out from under the step loop so every Begin call
	// fails with a StorageError, simulating a transient outage.
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	r.RunStepLoop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.tomb.Err() != tomb.ErrStillAlive {
			t.Fatalf("step loop died on a transient storage error: %v", r.tomb.Err())
		}
		clk.Advance(idleBackoff)
		time.Sleep(time.Millisecond)
	}

	r.Kill()
	if err := r.Wait(); err != nil {
		t.Fatalf("expected clean shutdown after Kill, got %v", err)
	}
}
