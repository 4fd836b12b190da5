// Package syncer is the surface the application layer talks to: typed reads
// through the TTL cache, coalesced writes through the batch processor, and
// debounced whole-collection saves. One Syncer is constructed per collection
// at process startup and injected into callers; it is never a hidden global,
// so tests can build isolated instances per case.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-habitflow/pkg/batch"
	"github.com/illmade-knight/go-habitflow/pkg/cache"
	"github.com/illmade-knight/go-habitflow/pkg/connpool"
	"github.com/illmade-knight/go-habitflow/pkg/debounce"
	"github.com/illmade-knight/go-habitflow/pkg/habitstore"
	"github.com/illmade-knight/go-habitflow/pkg/notify"
)

// Config holds configuration for a Syncer.
type Config struct {
	// Collection names the backing collection and prefixes every cache key.
	Collection string
	// CacheTTL bounds how long query results may be served from cache.
	// Defaults to 1 minute.
	CacheTTL time.Duration
	// Batch configures the underlying batch processor.
	Batch batch.Config
	// DebounceDelays overrides the per-category debounce policies. Defaults:
	// whole-collection record saves wait 1s, session saves wait 200ms.
	DebounceDelays map[debounce.Category]time.Duration
}

// Syncer coordinates the cache, pool, batch and debounce layers for one
// collection of entities.
type Syncer[T any] struct {
	cfg        Config
	store      habitstore.Store[T]
	readCache  cache.ReadCache[[]habitstore.Document[T]]
	pool       *connpool.Pool
	processor  *batch.Processor[T]
	dispatcher *debounce.Dispatcher
	publisher  notify.Publisher
	logger     zerolog.Logger

	// revision versions every cache key so a write immediately makes older
	// cached pages unreachable, independent of TTL. This replaces coarser
	// signals like history length, which under-invalidate when record content
	// changes without changing length.
	revision atomic.Uint64
}

// New creates a Syncer and wires its internal batch processor and debounced
// dispatcher. The store, cache and pool are injected so one pool can cap
// concurrent store pressure across every syncer in the process.
func New[T any](
	cfg Config,
	store habitstore.Store[T],
	readCache cache.ReadCache[[]habitstore.Document[T]],
	pool *connpool.Pool,
	logger zerolog.Logger,
) (*Syncer[T], error) {
	if cfg.Collection == "" {
		return nil, errors.New("collection name is required")
	}
	if readCache == nil {
		return nil, errors.New("read cache cannot be nil")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.DebounceDelays == nil {
		cfg.DebounceDelays = map[debounce.Category]time.Duration{
			debounce.CategoryRecords: time.Second,
			debounce.CategorySession: 200 * time.Millisecond,
		}
	}

	logger = logger.With().Str("component", "Syncer").Str("collection", cfg.Collection).Logger()

	processor, err := batch.NewProcessor[T](cfg.Batch, store, pool, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch processor: %w", err)
	}

	s := &Syncer[T]{
		cfg:       cfg,
		store:     store,
		readCache: readCache,
		pool:      pool,
		processor: processor,
		logger:    logger,
	}

	processor.SetFlushedCallback(s.onFlushed)

	dispatcher, err := debounce.NewDispatcher(
		debounce.Config{Delays: cfg.DebounceDelays},
		s.dispatchSave,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create debounced dispatcher: %w", err)
	}
	s.dispatcher = dispatcher

	return s, nil
}

// SetPublisher registers an invalidation event publisher for multi-instance
// deployments. Must be called before the first write.
func (s *Syncer[T]) SetPublisher(p notify.Publisher) {
	s.publisher = p
}

// SetErrorCallback registers the sink for exhausted-flush errors.
func (s *Syncer[T]) SetErrorCallback(fn func(error)) {
	s.processor.SetErrorCallback(fn)
}

// SetAttemptObserver registers an observer for flush attempt transitions,
// typically an audit sink.
func (s *Syncer[T]) SetAttemptObserver(obs batch.AttemptObserver) {
	s.processor.SetAttemptObserver(obs)
}

// SetJournal registers a dead-letter journal for exhausted snapshots.
func (s *Syncer[T]) SetJournal(j batch.Journal[T]) {
	s.processor.SetJournal(j)
}

// EnqueueWrite queues one entity mutation for the next coalesced flush. It
// returns immediately and bumps the cache revision so stale pages stop being
// served before the write even lands.
func (s *Syncer[T]) EnqueueWrite(identity string, payload T, kind habitstore.WriteKind) error {
	s.revision.Add(1)
	return s.processor.Enqueue(identity, payload, kind)
}

// Read serves a filtered, paginated query through the TTL cache. Misses go to
// the store under a pool token and populate the cache on the way back.
func (s *Syncer[T]) Read(ctx context.Context, q habitstore.Query) ([]habitstore.Document[T], error) {
	key := s.readKey(q)

	docs, err := s.readCache.Get(ctx, key)
	if err == nil {
		s.logger.Debug().Str("key", key).Msg("Read served from cache.")
		return docs, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn().Err(err).Str("key", key).Msg("Cache error on read, falling through to store.")
	}

	tok, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("read admission failed: %w", err)
	}
	defer s.pool.Release(tok)

	docs, err = s.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	if cacheErr := s.readCache.Set(ctx, key, docs, s.cfg.CacheTTL); cacheErr != nil {
		s.logger.Warn().Err(cacheErr).Str("key", key).Msg("Failed to populate read cache.")
	}
	return docs, nil
}

// QueueDebouncedSave coalesces a whole-collection save under the category's
// delay policy.
func (s *Syncer[T]) QueueDebouncedSave(category debounce.Category, docs []habitstore.Document[T]) error {
	return s.dispatcher.Queue(category, docs)
}

// FlushAll synchronously drains the debounced dispatcher and then the batch
// processor.
func (s *Syncer[T]) FlushAll(ctx context.Context) error {
	if err := s.dispatcher.Flush(ctx); err != nil {
		return err
	}
	return s.processor.FlushNow(ctx)
}

// Shutdown drains both layers with one final flush each and stops the
// invalidation publisher. In-flight work completes rather than being aborted.
func (s *Syncer[T]) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.processor.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.publisher != nil {
		if err := s.publisher.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dispatchSave is the debounced dispatcher's target: record collections feed
// the batch processor for coalescing, session saves skip it and go straight to
// the store because their freshness matters more than round-trip savings.
func (s *Syncer[T]) dispatchSave(ctx context.Context, category debounce.Category, data any) error {
	docs, ok := data.([]habitstore.Document[T])
	if !ok {
		return fmt.Errorf("unexpected payload type %T for category %s", data, category)
	}

	switch category {
	case debounce.CategorySession:
		return s.writeDirect(ctx, docs)
	default:
		for _, doc := range docs {
			if err := s.EnqueueWrite(doc.ID, doc.Data, habitstore.KindUpdate); err != nil {
				return err
			}
		}
		return nil
	}
}

// writeDirect performs an immediate bulk update under a pool token.
func (s *Syncer[T]) writeDirect(ctx context.Context, docs []habitstore.Document[T]) error {
	tok, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("direct write admission failed: %w", err)
	}
	defer s.pool.Release(tok)

	s.revision.Add(1)
	return s.store.BulkWrite(ctx, habitstore.BulkBatch[T]{Updates: docs})
}

// onFlushed runs after every successful batch delivery: cached pages for the
// collection are dropped and, when configured, siblings are notified.
func (s *Syncer[T]) onFlushed(ops []batch.Operation[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := s.cfg.Collection + "_"
	if err := s.readCache.InvalidatePrefix(ctx, prefix); err != nil {
		s.logger.Warn().Err(err).Str("prefix", prefix).Msg("Failed to invalidate cache after flush.")
	}

	if s.publisher != nil {
		event := notify.InvalidationEvent{
			Collection: s.cfg.Collection,
			Prefix:     prefix,
			Revision:   s.revision.Load(),
			FlushedOps: len(ops),
			OccurredAt: time.Now(),
		}
		if err := s.publisher.PublishInvalidation(ctx, event); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish invalidation event.")
		}
	}
}

// readKey builds a versioned cache key for a query. The revision component
// means any enqueued write immediately retires every older page.
func (s *Syncer[T]) readKey(q habitstore.Query) string {
	return fmt.Sprintf("%s_v%d_%s_%v_%d_%d", s.cfg.Collection, s.revision.Load(), q.Field, q.Value, q.Limit, q.Offset)
}
