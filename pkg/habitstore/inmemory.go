package habitstore

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MatchFunc decides whether a stored document matches a query filter. It lets
// the in-memory store filter opaque payload types without reflection.
type MatchFunc[T any] func(q Query, doc Document[T]) bool

// InMemoryStore is a thread-safe, in-memory Store implementation for local
// development and tests. It supports fault injection so callers can exercise
// retry and re-queue paths.
type InMemoryStore[T any] struct {
	matcher MatchFunc[T]

	mu   sync.Mutex
	data map[string]T

	failRemaining  int
	failPermanent  bool
	bulkWriteCalls int
	queryCalls     int
}

// NewInMemoryStore creates a new in-memory store. The matcher is optional; a
// nil matcher makes every document match every filter.
func NewInMemoryStore[T any](matcher MatchFunc[T]) *InMemoryStore[T] {
	return &InMemoryStore[T]{
		matcher: matcher,
		data:    make(map[string]T),
	}
}

// FailNext makes the next n BulkWrite calls fail. When permanent is true the
// injected errors are classified as non-retryable.
func (s *InMemoryStore[T]) FailNext(n int, permanent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRemaining = n
	s.failPermanent = permanent
}

// BulkWrite applies the batch to the in-memory map, honoring injected faults.
func (s *InMemoryStore[T]) BulkWrite(_ context.Context, batch BulkBatch[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bulkWriteCalls++
	if s.failRemaining > 0 {
		s.failRemaining--
		return &StoreError{Op: "bulk write", Retryable: !s.failPermanent, Err: errors.New("injected store failure")}
	}

	for _, doc := range batch.Inserts {
		s.data[doc.ID] = doc.Data
	}
	for _, doc := range batch.Updates {
		s.data[doc.ID] = doc.Data
	}
	for _, id := range batch.Deletes {
		delete(s.data, id)
	}
	return nil
}

// Query returns matching documents in ascending ID order, honoring pagination.
func (s *InMemoryStore[T]) Query(_ context.Context, q Query) ([]Document[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queryCalls++

	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var matched []Document[T]
	for _, id := range ids {
		doc := Document[T]{ID: id, Data: s.data[id]}
		if s.matcher == nil || s.matcher(q, doc) {
			matched = append(matched, doc)
		}
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// Get returns a single stored payload by ID. Test helper.
func (s *InMemoryStore[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[id]
	return v, ok
}

// Len returns the number of stored documents. Test helper.
func (s *InMemoryStore[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// BulkWriteCalls returns how many times BulkWrite has been invoked.
func (s *InMemoryStore[T]) BulkWriteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkWriteCalls
}

// QueryCalls returns how many times Query has been invoked.
func (s *InMemoryStore[T]) QueryCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCalls
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore[T]) Close() error {
	return nil
}
