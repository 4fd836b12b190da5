// Package debounce coalesces rapid-fire "save this whole collection" calls
// into single delayed dispatches, one pending entry per operation category.
// Each category carries its own delay tuned to its staleness tolerance: whole
// habit collections can wait around a second, the active session needs to land
// fast to keep the dashboard responsive.
package debounce

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrDispatcherClosed is returned by Queue after Close has begun.
var ErrDispatcherClosed = errors.New("debounce: dispatcher is closed")

// Category names a class of persistence operation with its own delay policy.
type Category string

const (
	// CategoryRecords covers whole-collection habit record saves.
	CategoryRecords Category = "records"
	// CategorySession covers active session state saves.
	CategorySession Category = "session"
)

// DispatchFunc persists a coalesced payload for a category. Failures are
// logged and the payload discarded; retry responsibility belongs to the batch
// layer beneath this one.
type DispatchFunc func(ctx context.Context, category Category, data any) error

// Config holds configuration for the Dispatcher.
type Config struct {
	// Delays maps each category to its debounce delay. Categories without an
	// entry use DefaultDelay.
	Delays map[Category]time.Duration
	// DefaultDelay applies to categories missing from Delays. Defaults to 500ms.
	DefaultDelay time.Duration
	// DispatchTimeout bounds a single timer-driven dispatch call. Defaults to 10s.
	DispatchTimeout time.Duration
}

type entry struct {
	data     any
	queuedAt time.Time
	timer    *time.Timer
	// gen distinguishes a restarted timer from a stale one that was already
	// firing when its category got overwritten.
	gen uint64
}

// Dispatcher holds at most one pending payload per category and dispatches it
// once the category's quiet period elapses.
type Dispatcher struct {
	cfg      Config
	dispatch DispatchFunc
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[Category]*entry
	closed  bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a new Dispatcher, applying defaults for zero-valued
// config fields.
func NewDispatcher(cfg Config, dispatch DispatchFunc, logger zerolog.Logger) (*Dispatcher, error) {
	if dispatch == nil {
		return nil, errors.New("dispatch function cannot be nil")
	}
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = 500 * time.Millisecond
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		dispatch: dispatch,
		logger:   logger.With().Str("component", "DebouncedDispatcher").Logger(),
		pending:  make(map[Category]*entry),
	}, nil
}

// Queue overwrites the pending payload for category and restarts its delay
// timer. It never blocks on I/O and never produces two pending executions for
// the same category.
func (d *Dispatcher) Queue(category Category, data any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	if e, ok := d.pending[category]; ok {
		e.timer.Stop()
		e.data = data
		e.queuedAt = time.Now()
		e.gen++
		e.timer = d.armTimerLocked(category, e.gen)
		return nil
	}

	e := &entry{data: data, queuedAt: time.Now()}
	e.timer = d.armTimerLocked(category, e.gen)
	d.pending[category] = e
	return nil
}

// Flush immediately dispatches all pending categories and waits for
// completion. Dispatch failures are logged and discarded, matching the
// timer-driven path.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	drained := make(map[Category]any, len(d.pending))
	for category, e := range d.pending {
		e.timer.Stop()
		drained[category] = e.data
		delete(d.pending, category)
	}
	d.mu.Unlock()

	for category, data := range drained {
		d.run(ctx, category, data)
	}
	return ctx.Err()
}

// Close stops accepting new payloads and flushes whatever is pending.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.Flush(ctx)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for in-flight dispatches during close.")
		return ctx.Err()
	}
	return err
}

// PendingCategories returns the categories with a queued payload.
func (d *Dispatcher) PendingCategories() []Category {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Category, 0, len(d.pending))
	for category := range d.pending {
		out = append(out, category)
	}
	return out
}

// armTimerLocked schedules the category's dispatch after its delay. Callers
// must hold the mutex.
func (d *Dispatcher) armTimerLocked(category Category, gen uint64) *time.Timer {
	return time.AfterFunc(d.delayFor(category), func() {
		d.fire(category, gen)
	})
}

// fire dispatches a category's payload when its timer elapses. A category
// drained by Flush, or restarted by a newer Queue call, is a no-op.
func (d *Dispatcher) fire(category Category, gen uint64) {
	d.mu.Lock()
	e, ok := d.pending[category]
	if !ok || e.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, category)
	data := e.data
	waited := time.Since(e.queuedAt)
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	d.logger.Debug().Str("category", string(category)).Dur("waited", waited).Msg("Debounce timer fired.")

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DispatchTimeout)
	defer cancel()
	d.run(ctx, category, data)
}

func (d *Dispatcher) run(ctx context.Context, category Category, data any) {
	if err := d.dispatch(ctx, category, data); err != nil {
		// No retry at this layer; the batch processor beneath owns that.
		d.logger.Error().Err(err).Str("category", string(category)).Msg("Dispatch failed, payload discarded.")
	}
}

func (d *Dispatcher) delayFor(category Category) time.Duration {
	if delay, ok := d.cfg.Delays[category]; ok {
		return delay
	}
	return d.cfg.DefaultDelay
}
