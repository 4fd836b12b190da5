package batch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-habitflow/pkg/batch"
	"github.com/illmade-knight/go-habitflow/pkg/connpool"
	"github.com/illmade-knight/go-habitflow/pkg/habitstore"
)

func newTestProcessor(t *testing.T, cfg batch.Config, store habitstore.Store[habitstore.HabitRecord]) *batch.Processor[habitstore.HabitRecord] {
	t.Helper()
	pool := connpool.New(connpool.Config{MaxConnections: 4, AcquireTimeout: time.Second}, zerolog.Nop())
	proc, err := batch.NewProcessor[habitstore.HabitRecord](cfg, store, pool, zerolog.Nop())
	require.NoError(t, err)
	return proc
}

func TestProcessor_LastWriteWinsPerIdentity(t *testing.T) {
	ctx := context.Background()
	store := habitstore.NewInMemoryStore[habitstore.HabitRecord](nil)
	proc := newTestProcessor(t, batch.Config{MaxWait: time.Minute}, store)

	require.NoError(t, proc.Enqueue("h1", habitstore.HabitRecord{ID: "h1", Name: "v1"}, habitstore.KindUpdate))
	require.NoError(t, proc.Enqueue("h1", habitstore.HabitRecord{ID: "h1", Name: "v2"}, habitstore.KindUpdate))
	assert.Equal(t, 1, proc.Pending(), "two enqueues for one identity keep one pending op")

	require.NoError(t, proc.FlushNow(ctx))

	assert.Equal(t, 1, store.BulkWriteCalls())
	rec, ok := store.Get("h1")
	require.True(t, ok)
	assert.Equal(t, "v2", rec.Name, "the last enqueued payload wins")
}

func TestProcessor_SizeCeilingTriggersFlush(t *testing.T) {
	store := habitstore.NewInMemoryStore[habitstore.HabitRecord](nil)
	proc := newTestProcessor(t, batch.Config{MaxPending: 3, MaxWait: time.Minute}, store)

	require.NoError(t, proc.Enqueue("a", habitstore.HabitRecord{ID: "a"}, habitstore.KindInsert))
	require.NoError(t, proc.Enqueue("b", habitstore.HabitRecord{ID: "b"}, habitstore.KindInsert))
	assert.Equal(t, 0, store.BulkWriteCalls(), "flush must not run below the ceiling")

	require.NoError(t, proc.Enqueue("c", habitstore.HabitRecord{ID: "c"}, habitstore.KindInsert))

	require.Eventually(t, func() bool {
		return store.BulkWriteCalls() == 1 && store.Len() == 3
	}, time.Second, 10*time.Millisecond, "reaching the ceiling should flush immediately")
}

func TestProcessor_TimedFlush(t *testing.T) {
	store := habitstore.NewInMemoryStore[habitstore.HabitRecord](nil)
	proc := newTestProcessor(t, batch.Config{MaxWait: 50 * time.Millisecond}, store)

	require.NoError(t, proc.Enqueue("a", habitstore.HabitRecord{ID: "a"}, habitstore.KindInsert))

	require.Eventually(t, func() bool {
		return store.BulkWriteCalls() == 1
	}, time.Second, 10*time.Millisecond, "the max-wait timer should flush the partial batch")
	assert.Equal(t, 0, proc.Pending())
}

func TestProcessor_RetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	store := habitstore.NewInMemoryStore[habitstore.HabitRecord](nil)
	store.FailNext(2, false)
	proc := newTestProcessor(t, batch.Config{MaxWait: time.Minute, BackoffBase: 10 * time.Millisecond}, store)

	require.NoError(t, proc.Enqueue("h1", habitstore.HabitRecord{ID: "h1"}, habitstore.KindInsert))

	start := time.Now()
	require.NoError(t, proc.FlushNow(ctx))
	elapsed := time.Since(start)

	assert.Equal(t, 3, store.BulkWriteCalls(), "attempts 1 and 2 fail, attempt 3 succeeds")
	assert.Equal(t, 1, store.Len(), "no operation may be lost across retries")
	// Backoff schedule: base*2 after attempt 1, base*4 after attempt 2.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestProcessor_ExhaustedBudgetRequeuesAtFront(t *testing.T) {
	ctx := context.Background()
	store := habitstore.NewInMemoryStore[habitstore.HabitRecord](nil)
	store.FailNext(10, false)
	proc := newTestProcessor(t, batch.Config{MaxWait: time.Minute, BackoffBase: time.Millisecond}, store)

	var mu sync.Mutex
	var reported []error
	proc.SetErrorCallback(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	require.NoError(t, proc.Enqueue("h1", habitstore.HabitRecord{ID: "h1", Name: "keep"}, habitstore.KindInsert))

	err := proc.FlushNow(ctx)
	require.Error(t, err)
	var flushErr *batch.FlushError
	require.ErrorAs(t, err, &flushErr)
	assert.Equal(t, 3, flushErr.Attempts)
	assert.Equal(t, 1, flushErr.OpCount)

	mu.Lock()
	assert.Len(t, reported, 1, "exhaustion must be surfaced via the error callback")
	mu.Unlock()

	assert.Equal(t, 1, proc.Pending(), "failed operations stay queued for the next flush")

	// A healthy store on the next flush drains the re-queued operation.
	store.FailNext(0, false)
	require.NoError(t, proc.FlushNow(ctx))
	rec, ok := store.Get("h1")
	require.True(t, ok)
	assert.Equal(t, "keep", rec.Name)
}

func TestProcessor_PermanentErrorAbandonsRetriesEarly(t *testing.T) {
	ctx := context.Background()
	store := habitstore.NewInMemoryStore[habitstore.HabitRecord](nil)
	store.FailNext(1, true)
	proc := newTestProcessor(t, batch.Config{MaxWait: time.Minute, BackoffBase: time.Millisecond}, store)

	require.NoError(t, proc.Enqueue("h1", habitstore.HabitRecord{ID: "h1"}, habitstore.KindInsert))

	err := proc.FlushNow(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, store.BulkWriteCalls(), "a permanent store error must not be retried")
	assert.Equal(t, 1, proc.Pending())
}

func TestProcessor_RequeueKeepsNewerEnqueues(t *testing.T) {
	ctx := context.Background()
	store := habitstore.NewInMemoryStore[habitstore.HabitRecord](nil)
	store.FailNext(10, false)
	proc := newTestProcessor(t, batch.Config{MaxWait: time.Minute, BackoffBase: time.Millisecond}, store)

	require.NoError(t, proc.Enqueue("h1", habitstore.HabitRecord{ID: "h1", Name: "old"}, habitstore.KindUpdate))
	require.Error(t, proc.FlushNow(ctx))

	// The identity is re-queued; a newer enqueue must still win over the
	// requeued payload.
	require.NoError(t, proc.Enqueue("h1", habitstore.HabitRecord{ID: "h1", Name: "new"}, habitstore.KindUpdate))
	assert.Equal(t, 1, proc.Pending())

	store.FailNext(0, false)
	require.NoError(t, proc.FlushNow(ctx))
	rec, ok := store.Get("h1")
	require.True(t, ok)
	assert.Equal(t, "new", rec.Name)
}

func TestProcessor_Shutdown(t *testing.T) {
	ctx := context.Background()
	store := habitstore.NewInMemoryStore[habitstore.HabitRecord](nil)
	proc := newTestProcessor(t, batch.Config{MaxWait: time.Minute}, store)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, proc.Enqueue(id, habitstore.HabitRecord{ID: id}, habitstore.KindInsert))
	}

	require.NoError(t, proc.Shutdown(ctx))

	assert.Equal(t, 1, store.BulkWriteCalls(), "shutdown performs exactly one final flush")
	assert.Equal(t, 5, store.Len(), "all pending operations are covered by the final flush")

	err := proc.Enqueue("f", habitstore.HabitRecord{ID: "f"}, habitstore.KindInsert)
	assert.ErrorIs(t, err, batch.ErrProcessorClosed)
}

func TestProcessor_ObserverSeesAttemptLifecycle(t *testing.T) {
	ctx := context.Background()
	store := habitstore.NewInMemoryStore[habitstore.HabitRecord](nil)
	store.FailNext(1, false)
	proc := newTestProcessor(t, batch.Config{MaxWait: time.Minute, BackoffBase: time.Millisecond}, store)

	obs := &recordingObserver{}
	proc.SetAttemptObserver(obs)

	require.NoError(t, proc.Enqueue("h1", habitstore.HabitRecord{ID: "h1"}, habitstore.KindInsert))
	require.NoError(t, proc.FlushNow(ctx))

	states := obs.states()
	assert.Equal(t, []string{"pending", "flushing", "retrying", "flushing", "succeeded"}, states)
}

type recordingObserver struct {
	mu   sync.Mutex
	recs []batch.AttemptRecord
}

func (o *recordingObserver) ObserveAttempt(_ context.Context, rec batch.AttemptRecord) {
	o.mu.Lock()
	o.recs = append(o.recs, rec)
	o.mu.Unlock()
}

func (o *recordingObserver) states() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.recs))
	for i, r := range o.recs {
		out[i] = r.State
	}
	return out
}
