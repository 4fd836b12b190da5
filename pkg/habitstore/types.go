// Package habitstore defines the domain records for the habit dashboard and the
// Store collaborator that persists them. The Store is treated as an opaque
// transactional service: the coalescing layers above it only need bulk writes
// and filtered, paginated queries.
package habitstore

import (
	"time"
)

// WriteKind identifies the type of a pending write operation.
type WriteKind string

const (
	KindInsert WriteKind = "insert"
	KindUpdate WriteKind = "update"
	KindDelete WriteKind = "delete"
)

// HabitRecord is the primary entity tracked by the dashboard.
type HabitRecord struct {
	ID             string    `firestore:"id" json:"id"`
	UserID         string    `firestore:"user_id" json:"userId"`
	Name           string    `firestore:"name" json:"name"`
	CompletedDates []string  `firestore:"completed_dates" json:"completedDates"`
	Streak         int       `firestore:"streak" json:"streak"`
	Revision       int64     `firestore:"revision" json:"revision"`
	UpdatedAt      time.Time `firestore:"updated_at" json:"updatedAt"`
}

// SessionState captures the user's in-progress tracking session. It changes far
// more often than habit records and tolerates much less staleness.
type SessionState struct {
	UserID        string    `firestore:"user_id" json:"userId"`
	ActiveHabitID string    `firestore:"active_habit_id" json:"activeHabitId"`
	StartedAt     time.Time `firestore:"started_at" json:"startedAt"`
	Notes         string    `firestore:"notes" json:"notes"`
}

// Document pairs an entity payload with its identity in the store.
type Document[T any] struct {
	ID   string `json:"id"`
	Data T      `json:"data"`
}

// BulkBatch groups write operations by kind for a single round-trip. The store
// treats the batch as a set; no ordering is implied between documents.
type BulkBatch[T any] struct {
	Inserts []Document[T]
	Updates []Document[T]
	Deletes []string
}

// Size returns the total number of operations in the batch.
func (b BulkBatch[T]) Size() int {
	return len(b.Inserts) + len(b.Updates) + len(b.Deletes)
}

// Query describes a filtered, paginated read against a collection.
type Query struct {
	// Field and Value form an equality filter. An empty Field matches everything.
	Field string
	Value any
	// Limit caps the number of returned documents; zero means no cap.
	Limit int
	// Offset skips that many documents from the start of the result set.
	Offset int
}
