package batch

import (
	"context"
	"time"
)

// flushState tracks a snapshot's progress through its delivery attempts. The
// failure policy lives here so it stays auditable apart from timer wiring.
type flushState int

const (
	statePending flushState = iota
	stateFlushing
	stateRetrying
	stateSucceeded
	stateExhausted
)

func (s flushState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateFlushing:
		return "flushing"
	case stateRetrying:
		return "retrying"
	case stateSucceeded:
		return "succeeded"
	case stateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// AttemptRecord describes one state transition of a flush attempt. Records are
// handed to an optional AttemptObserver, typically an audit sink.
type AttemptRecord struct {
	BatchID string    `bigquery:"batch_id" json:"batchId"`
	Attempt int       `bigquery:"attempt" json:"attempt"`
	State   string    `bigquery:"state" json:"state"`
	OpCount int       `bigquery:"op_count" json:"opCount"`
	Error   string    `bigquery:"error" json:"error"`
	At      time.Time `bigquery:"at" json:"at"`
}

// AttemptObserver receives a record for every flush attempt transition.
// Implementations must not block; slow sinks should buffer internally.
type AttemptObserver interface {
	ObserveAttempt(ctx context.Context, rec AttemptRecord)
}

// Journal records snapshots that exhausted their retry budget. The operations
// themselves are re-queued regardless; the journal is record-keeping only.
type Journal[T any] interface {
	JournalExhausted(ctx context.Context, batchID string, ops []Operation[T]) error
}
