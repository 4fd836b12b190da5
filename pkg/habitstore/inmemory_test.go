package habitstore_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-habitflow/pkg/habitstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_BulkWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("applies inserts, updates and deletes as one batch", func(t *testing.T) {
		store := habitstore.NewInMemoryStore[habitstore.HabitRecord](nil)

		err := store.BulkWrite(ctx, habitstore.BulkBatch[habitstore.HabitRecord]{
			Inserts: []habitstore.Document[habitstore.HabitRecord]{
				{ID: "h1", Data: habitstore.HabitRecord{ID: "h1", Name: "read"}},
				{ID: "h2", Data: habitstore.HabitRecord{ID: "h2", Name: "run"}},
			},
		})
		require.NoError(t, err)

		err = store.BulkWrite(ctx, habitstore.BulkBatch[habitstore.HabitRecord]{
			Updates: []habitstore.Document[habitstore.HabitRecord]{
				{ID: "h1", Data: habitstore.HabitRecord{ID: "h1", Name: "read more"}},
			},
			Deletes: []string{"h2"},
		})
		require.NoError(t, err)

		rec, ok := store.Get("h1")
		require.True(t, ok)
		assert.Equal(t, "read more", rec.Name)
		_, ok = store.Get("h2")
		assert.False(t, ok)
		assert.Equal(t, 1, store.Len())
	})

	t.Run("injected failures are classified", func(t *testing.T) {
		store := habitstore.NewInMemoryStore[habitstore.HabitRecord](nil)
		store.FailNext(1, false)

		err := store.BulkWrite(ctx, habitstore.BulkBatch[habitstore.HabitRecord]{
			Inserts: []habitstore.Document[habitstore.HabitRecord]{{ID: "h1"}},
		})
		require.Error(t, err)
		assert.True(t, habitstore.IsRetryable(err))

		store.FailNext(1, true)
		err = store.BulkWrite(ctx, habitstore.BulkBatch[habitstore.HabitRecord]{
			Inserts: []habitstore.Document[habitstore.HabitRecord]{{ID: "h1"}},
		})
		require.Error(t, err)
		assert.False(t, habitstore.IsRetryable(err))
	})
}

func TestInMemoryStore_Query(t *testing.T) {
	ctx := context.Background()

	matcher := func(q habitstore.Query, doc habitstore.Document[habitstore.HabitRecord]) bool {
		if q.Field != "user_id" {
			return true
		}
		return doc.Data.UserID == q.Value
	}
	store := habitstore.NewInMemoryStore[habitstore.HabitRecord](matcher)

	batch := habitstore.BulkBatch[habitstore.HabitRecord]{}
	for _, id := range []string{"a", "b", "c", "d"} {
		batch.Inserts = append(batch.Inserts, habitstore.Document[habitstore.HabitRecord]{
			ID: id, Data: habitstore.HabitRecord{ID: id, UserID: "u1"},
		})
	}
	batch.Inserts = append(batch.Inserts, habitstore.Document[habitstore.HabitRecord]{
		ID: "e", Data: habitstore.HabitRecord{ID: "e", UserID: "u2"},
	})
	require.NoError(t, store.BulkWrite(ctx, batch))

	t.Run("equality filter", func(t *testing.T) {
		docs, err := store.Query(ctx, habitstore.Query{Field: "user_id", Value: "u2"})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "e", docs[0].ID)
	})

	t.Run("pagination", func(t *testing.T) {
		docs, err := store.Query(ctx, habitstore.Query{Field: "user_id", Value: "u1", Offset: 1, Limit: 2})
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "b", docs[0].ID)
		assert.Equal(t, "c", docs[1].ID)
	})

	t.Run("offset past the end returns nothing", func(t *testing.T) {
		docs, err := store.Query(ctx, habitstore.Query{Offset: 50})
		require.NoError(t, err)
		assert.Empty(t, docs)
	})
}
