package habitstore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Store is the persistence collaborator consumed by the coalescing layer.
// Implementations must treat BulkWrite batches as sets, not sequences.
type Store[T any] interface {
	// BulkWrite applies all operations in the batch in one round-trip.
	BulkWrite(ctx context.Context, batch BulkBatch[T]) error
	// Query returns documents matching the filter, honoring pagination.
	Query(ctx context.Context, q Query) ([]Document[T], error)
	Close() error
}

// StoreError wraps a failure from a Store implementation and records whether
// the operation is worth retrying.
type StoreError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *StoreError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("habitstore: %s failed (retryable): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("habitstore: %s failed (permanent): %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries a retryable StoreError classification.
// Unclassified errors are treated as retryable so transient network failures
// from unknown sources still get the benefit of the retry budget.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// classify wraps a raw backend error as a StoreError, using the gRPC status
// code to decide retryability for errors originating from Google Cloud clients.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	retryable := true
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
			retryable = true
		default:
			retryable = false
		}
	}
	return &StoreError{Op: op, Retryable: retryable, Err: err}
}
