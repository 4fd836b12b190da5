package deadletter_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-habitflow/pkg/batch"
	"github.com/illmade-knight/go-habitflow/pkg/deadletter"
	"github.com/illmade-knight/go-habitflow/pkg/habitstore"
)

// In-memory GCS fakes.

type fakeGCSClient struct {
	mu      sync.Mutex
	objects map[string]*bytes.Buffer
}

func newFakeGCSClient() *fakeGCSClient {
	return &fakeGCSClient{objects: make(map[string]*bytes.Buffer)}
}

func (c *fakeGCSClient) Bucket(name string) deadletter.GCSBucketHandle {
	return &fakeBucket{client: c, bucket: name}
}

func (c *fakeGCSClient) object(bucket, name string) *bytes.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := bucket + "/" + name
	if c.objects[key] == nil {
		c.objects[key] = &bytes.Buffer{}
	}
	return c.objects[key]
}

type fakeBucket struct {
	client *fakeGCSClient
	bucket string
}

func (b *fakeBucket) Object(name string) deadletter.GCSObjectHandle {
	return &fakeObject{buf: b.client.object(b.bucket, name)}
}

type fakeObject struct {
	buf *bytes.Buffer
}

func (o *fakeObject) NewWriter(_ context.Context) deadletter.GCSWriter {
	return nopWriteCloser{o.buf}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func TestGCSJournal_JournalExhausted(t *testing.T) {
	ctx := context.Background()
	client := newFakeGCSClient()

	journal, err := deadletter.NewGCSJournal[habitstore.HabitRecord](
		client,
		deadletter.GCSJournalConfig{BucketName: "habit-deadletter", ObjectPrefix: "exhausted"},
		zerolog.Nop(),
	)
	require.NoError(t, err)

	ops := []batch.Operation[habitstore.HabitRecord]{
		{Identity: "h1", Kind: habitstore.KindUpdate, Payload: habitstore.HabitRecord{ID: "h1", Name: "read"}, EnqueuedAt: time.Now()},
		{Identity: "h2", Kind: habitstore.KindDelete, EnqueuedAt: time.Now()},
	}
	require.NoError(t, journal.JournalExhausted(ctx, "batch-123", ops))

	buf := client.object("habit-deadletter", "exhausted/batch-123.jsonl.gz")
	gz, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	dec := json.NewDecoder(gz)
	var decoded []batch.Operation[habitstore.HabitRecord]
	for dec.More() {
		var op batch.Operation[habitstore.HabitRecord]
		require.NoError(t, dec.Decode(&op))
		decoded = append(decoded, op)
	}

	require.Len(t, decoded, 2)
	assert.Equal(t, "h1", decoded[0].Identity)
	assert.Equal(t, habitstore.KindUpdate, decoded[0].Kind)
	assert.Equal(t, "read", decoded[0].Payload.Name)
	assert.Equal(t, habitstore.KindDelete, decoded[1].Kind)
}

func TestGCSJournal_Validation(t *testing.T) {
	_, err := deadletter.NewGCSJournal[habitstore.HabitRecord](nil, deadletter.GCSJournalConfig{BucketName: "b"}, zerolog.Nop())
	require.Error(t, err)

	_, err = deadletter.NewGCSJournal[habitstore.HabitRecord](newFakeGCSClient(), deadletter.GCSJournalConfig{}, zerolog.Nop())
	require.Error(t, err)

	journal, err := deadletter.NewGCSJournal[habitstore.HabitRecord](newFakeGCSClient(), deadletter.GCSJournalConfig{BucketName: "b"}, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, journal.JournalExhausted(context.Background(), "empty", nil), "an empty snapshot writes nothing")
}
