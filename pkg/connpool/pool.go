// Package connpool bounds the number of concurrently in-flight operations
// against the remote store. A single process-lifetime Pool is constructed at
// startup and injected into every component that talks to the store, so all
// callers contend on the same ceiling.
package connpool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrAcquireTimeout is returned when no slot becomes available within the
// configured wait bound. The timed-out waiter loses its place in the queue and
// is never granted a slot afterward.
var ErrAcquireTimeout = errors.New("connpool: timed out waiting for a connection slot")

// Config holds configuration for the Pool.
type Config struct {
	// MaxConnections is the admission ceiling. Defaults to 10.
	MaxConnections int
	// AcquireTimeout bounds how long Acquire may wait for a slot. Defaults to 5s.
	AcquireTimeout time.Duration
}

// Token is an opaque capability representing one admitted unit of concurrency.
// It must be released exactly once, on every exit path.
type Token struct {
	id       string
	released atomic.Bool
}

// ID returns the token's unique identifier, for logging.
func (t *Token) ID() string {
	return t.id
}

// Pool grants at most MaxConnections concurrent tokens and queues excess
// demand first-come-first-served.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	active  int
	waiters *list.List // of chan *Token, buffered size 1
}

// New creates a new Pool, applying defaults for zero-valued config fields.
func New(cfg Config, logger zerolog.Logger) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger.With().Str("component", "ConnectionPool").Logger(),
		waiters: list.New(),
	}
}

// Acquire returns a token immediately when a slot is free, otherwise it joins
// the FIFO waiter queue. It fails with ErrAcquireTimeout when no slot becomes
// available within the wait bound, or with the context error when ctx ends
// first.
func (p *Pool) Acquire(ctx context.Context) (*Token, error) {
	p.mu.Lock()
	if p.active < p.cfg.MaxConnections {
		p.active++
		p.mu.Unlock()
		return p.newToken(), nil
	}

	grant := make(chan *Token, 1)
	elem := p.waiters.PushBack(grant)
	waiting := p.waiters.Len()
	p.mu.Unlock()

	p.logger.Debug().Int("queue_depth", waiting).Msg("Pool saturated, queueing acquirer.")

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case tok := <-grant:
		return tok, nil
	case <-timer.C:
		p.abandon(elem, grant)
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		p.abandon(elem, grant)
		return nil, ctx.Err()
	}
}

// Release returns a token's slot to the pool. If waiters are queued, the slot
// transfers directly to the oldest one; otherwise the active count drops.
// Releasing the same token twice is a caller bug; the second call is ignored
// and logged rather than corrupting the active count.
func (p *Pool) Release(tok *Token) {
	if tok == nil {
		return
	}
	if !tok.released.CompareAndSwap(false, true) {
		p.logger.Warn().Str("token_id", tok.id).Msg("Token released more than once, ignoring.")
		return
	}

	p.mu.Lock()
	if front := p.waiters.Front(); front != nil {
		grant := p.waiters.Remove(front).(chan *Token)
		// Buffered handover under the lock; the slot count is unchanged
		// because the slot moves straight to the waiter.
		grant <- p.newToken()
		p.mu.Unlock()
		return
	}
	p.active--
	p.mu.Unlock()
}

// Stats returns the current number of active tokens and queued waiters.
func (p *Pool) Stats() (active int, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.waiters.Len()
}

// abandon removes a timed-out or cancelled waiter from the queue. When a token
// was handed over concurrently with the timeout, the token goes back to the
// pool so the slot is not leaked, and the abandoning waiter still fails.
func (p *Pool) abandon(elem *list.Element, grant chan *Token) {
	p.mu.Lock()
	select {
	case tok := <-grant:
		p.mu.Unlock()
		p.Release(tok)
		return
	default:
	}
	p.waiters.Remove(elem)
	p.mu.Unlock()
}

func (p *Pool) newToken() *Token {
	return &Token{id: uuid.New().String()}
}
