// Package batch accumulates logical write operations keyed by entity identity
// and flushes them as single bulk calls through the connection pool. Enqueueing
// never blocks on I/O; flushes run on their own goroutine with a bounded retry
// budget and exponential backoff.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-habitflow/pkg/connpool"
	"github.com/illmade-knight/go-habitflow/pkg/habitstore"
)

// ErrProcessorClosed is returned by Enqueue after Shutdown has begun.
var ErrProcessorClosed = errors.New("batch: processor is shut down")

// Operation is one pending logical write. At most one operation is pending per
// identity at any instant; a newer enqueue for the same identity replaces the
// older one.
type Operation[T any] struct {
	Identity   string               `json:"identity"`
	Payload    T                    `json:"payload"`
	Kind       habitstore.WriteKind `json:"kind"`
	EnqueuedAt time.Time            `json:"enqueuedAt"`
}

// FlushError reports a snapshot whose retry budget was exhausted. The affected
// operations have already been pushed back to the front of the live queue.
type FlushError struct {
	BatchID  string
	Attempts int
	OpCount  int
	Err      error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("batch: flush %s failed after %d attempts (%d ops re-queued): %v", e.BatchID, e.Attempts, e.OpCount, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

// Config holds configuration for the Processor.
type Config struct {
	// MaxPending is the queue-size ceiling that triggers an immediate flush.
	// Defaults to 50.
	MaxPending int
	// MaxWait bounds how long an enqueued operation waits for a timed flush.
	// Defaults to 500ms.
	MaxWait time.Duration
	// MaxAttempts is the per-snapshot delivery budget. Defaults to 3.
	MaxAttempts int
	// BackoffBase scales the retry delay: base * 2^attempt between attempts.
	// Defaults to 1s, giving 2s then 4s for the default budget.
	BackoffBase time.Duration
	// OpTimeout bounds a single BulkWrite call. Defaults to 15s.
	OpTimeout time.Duration
}

// Processor coalesces writes per identity and delivers them in bulk.
type Processor[T any] struct {
	cfg      Config
	store    habitstore.Store[T]
	pool     *connpool.Pool
	observer AttemptObserver
	journal  Journal[T]
	logger   zerolog.Logger

	onError   func(error)
	onFlushed func(ops []Operation[T])

	mu      sync.Mutex
	pending map[string]Operation[T]
	order   []string
	timer   *time.Timer
	closed  bool

	// flushMu serializes snapshot delivery so a later flush never overtakes an
	// earlier snapshot's retry loop.
	flushMu sync.Mutex
	wg      sync.WaitGroup
}

// NewProcessor creates a new Processor, applying defaults for zero-valued
// config fields.
func NewProcessor[T any](
	cfg Config,
	store habitstore.Store[T],
	pool *connpool.Pool,
	logger zerolog.Logger,
) (*Processor[T], error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if pool == nil {
		return nil, errors.New("connection pool cannot be nil")
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 50
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 15 * time.Second
	}

	return &Processor[T]{
		cfg:     cfg,
		store:   store,
		pool:    pool,
		logger:  logger.With().Str("component", "BatchProcessor").Logger(),
		pending: make(map[string]Operation[T]),
	}, nil
}

// SetErrorCallback registers the sink for exhausted-flush errors. Must be
// called before the first Enqueue.
func (p *Processor[T]) SetErrorCallback(fn func(error)) {
	p.onError = fn
}

// SetFlushedCallback registers a callback invoked with every successfully
// delivered snapshot. Must be called before the first Enqueue.
func (p *Processor[T]) SetFlushedCallback(fn func(ops []Operation[T])) {
	p.onFlushed = fn
}

// SetAttemptObserver registers an observer for flush attempt transitions.
// Must be called before the first Enqueue.
func (p *Processor[T]) SetAttemptObserver(obs AttemptObserver) {
	p.observer = obs
}

// SetJournal registers a journal for exhausted snapshots. Must be called
// before the first Enqueue.
func (p *Processor[T]) SetJournal(j Journal[T]) {
	p.journal = j
}

// Enqueue upserts a pending operation under identity and returns immediately.
// Reaching the queue ceiling triggers an asynchronous flush; otherwise a flush
// timer is armed if none is already scheduled.
func (p *Processor[T]) Enqueue(identity string, payload T, kind habitstore.WriteKind) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProcessorClosed
	}

	if _, exists := p.pending[identity]; !exists {
		p.order = append(p.order, identity)
	}
	p.pending[identity] = Operation[T]{
		Identity:   identity,
		Payload:    payload,
		Kind:       kind,
		EnqueuedAt: time.Now(),
	}

	if len(p.pending) >= p.cfg.MaxPending {
		p.stopTimerLocked()
		// Add under the lock so a concurrent Shutdown cannot start waiting
		// before this flush is counted.
		p.wg.Add(1)
		p.mu.Unlock()
		go func() {
			defer p.wg.Done()
			_ = p.flush(context.Background())
		}()
		return nil
	}

	if p.timer == nil {
		p.timer = time.AfterFunc(p.cfg.MaxWait, func() {
			// Flushes serialize on flushMu, so a timer racing Shutdown's
			// final flush is harmless.
			_ = p.flush(context.Background())
		})
	}
	p.mu.Unlock()
	return nil
}

// FlushNow forces immediate processing of everything currently queued and
// waits for the delivery to finish.
func (p *Processor[T]) FlushNow(ctx context.Context) error {
	return p.flush(ctx)
}

// Pending returns the number of operations currently queued.
func (p *Processor[T]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Shutdown stops accepting new work, cancels any armed timer, and performs one
// final synchronous flush. No operation enqueued before Shutdown is lost
// absent a persistent store failure.
func (p *Processor[T]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.stopTimerLocked()
	p.mu.Unlock()

	p.logger.Info().Msg("Shutting down batch processor, performing final flush...")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for in-flight flushes during shutdown.")
		return ctx.Err()
	}

	return p.flush(ctx)
}

// flush takes an atomic snapshot of the queue, clears it, and delivers the
// snapshot under the retry budget. Operations enqueued during delivery start a
// fresh batch. This snapshot-then-clear is the layer's one critical section.
func (p *Processor[T]) flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	p.stopTimerLocked()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return nil
	}
	snapshot := make([]Operation[T], 0, len(p.order))
	for _, identity := range p.order {
		snapshot = append(snapshot, p.pending[identity])
	}
	p.pending = make(map[string]Operation[T])
	p.order = nil
	p.mu.Unlock()

	batchID := uuid.New().String()
	err := p.deliver(ctx, batchID, snapshot)
	if err == nil {
		if p.onFlushed != nil {
			p.onFlushed(snapshot)
		}
		return nil
	}

	p.requeueFront(snapshot)
	if p.journal != nil {
		if jErr := p.journal.JournalExhausted(ctx, batchID, snapshot); jErr != nil {
			p.logger.Error().Err(jErr).Str("batch_id", batchID).Msg("Failed to journal exhausted snapshot.")
		}
	}

	flushErr := &FlushError{BatchID: batchID, Attempts: p.cfg.MaxAttempts, OpCount: len(snapshot), Err: err}
	p.logger.Error().Err(flushErr).Msg("Flush exhausted its retry budget; operations re-queued.")
	if p.onError != nil {
		p.onError(flushErr)
	}
	return flushErr
}

// deliver runs the per-snapshot attempt state machine: the snapshot is
// partitioned by kind, written as one bulk call under a pool token, and
// retried with exponential backoff until it succeeds, the budget is spent, or
// a permanent store error makes further attempts pointless.
func (p *Processor[T]) deliver(ctx context.Context, batchID string, snapshot []Operation[T]) error {
	bulk := partition(snapshot)
	logger := p.logger.With().Str("batch_id", batchID).Int("op_count", len(snapshot)).Logger()

	p.observe(ctx, batchID, 0, statePending, len(snapshot), nil)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		p.observe(ctx, batchID, attempt, stateFlushing, len(snapshot), nil)

		lastErr = p.writeOnce(ctx, bulk)
		if lastErr == nil {
			p.observe(ctx, batchID, attempt, stateSucceeded, len(snapshot), nil)
			logger.Info().Int("attempt", attempt).Msg("Batch delivered.")
			return nil
		}

		logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("Bulk write attempt failed.")

		if !habitstore.IsRetryable(lastErr) {
			logger.Error().Msg("Store error is permanent, abandoning retries early.")
			break
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}

		p.observe(ctx, batchID, attempt, stateRetrying, len(snapshot), lastErr)
		backoff := p.cfg.BackoffBase * (1 << attempt)
		logger.Debug().Dur("backoff", backoff).Msg("Backing off before retry.")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			p.observe(ctx, batchID, attempt, stateExhausted, len(snapshot), ctx.Err())
			return ctx.Err()
		}
	}

	p.observe(ctx, batchID, p.cfg.MaxAttempts, stateExhausted, len(snapshot), lastErr)
	return lastErr
}

// writeOnce performs a single bulk call: acquire a token, write, release. The
// token is held only for the duration of the store call.
func (p *Processor[T]) writeOnce(ctx context.Context, bulk habitstore.BulkBatch[T]) error {
	tok, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pool admission failed: %w", err)
	}
	defer p.pool.Release(tok)

	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	defer cancel()
	return p.store.BulkWrite(opCtx, bulk)
}

// requeueFront pushes a failed snapshot back to the front of the live queue.
// Identities re-enqueued while the flush was in flight keep their newer
// payloads; the failed operation is dropped for those identities.
func (p *Processor[T]) requeueFront(snapshot []Operation[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	requeued := make([]string, 0, len(snapshot))
	for _, op := range snapshot {
		if _, exists := p.pending[op.Identity]; exists {
			continue
		}
		p.pending[op.Identity] = op
		requeued = append(requeued, op.Identity)
	}
	p.order = append(requeued, p.order...)

	if !p.closed && p.timer == nil && len(p.pending) > 0 {
		p.timer = time.AfterFunc(p.cfg.MaxWait, func() {
			// Flushes serialize on flushMu, so a timer racing Shutdown's
			// final flush is harmless.
			_ = p.flush(context.Background())
		})
	}
}

func (p *Processor[T]) observe(ctx context.Context, batchID string, attempt int, state flushState, opCount int, err error) {
	if p.observer == nil {
		return
	}
	rec := AttemptRecord{
		BatchID: batchID,
		Attempt: attempt,
		State:   state.String(),
		OpCount: opCount,
		At:      time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	p.observer.ObserveAttempt(ctx, rec)
}

func (p *Processor[T]) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// partition splits a snapshot into insert, update and delete groups for the
// store's bulk call. The store treats the batch as a set, so only membership
// matters, not order.
func partition[T any](snapshot []Operation[T]) habitstore.BulkBatch[T] {
	var bulk habitstore.BulkBatch[T]
	for _, op := range snapshot {
		switch op.Kind {
		case habitstore.KindInsert:
			bulk.Inserts = append(bulk.Inserts, habitstore.Document[T]{ID: op.Identity, Data: op.Payload})
		case habitstore.KindUpdate:
			bulk.Updates = append(bulk.Updates, habitstore.Document[T]{ID: op.Identity, Data: op.Payload})
		case habitstore.KindDelete:
			bulk.Deletes = append(bulk.Deletes, op.Identity)
		}
	}
	return bulk
}
