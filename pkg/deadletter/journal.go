// Package deadletter journals batch snapshots that exhausted their retry
// budget to Google Cloud Storage. The operations themselves remain re-queued
// in the processor; the journal exists so persistent store failures leave an
// inspectable record rather than only a log line.
package deadletter

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-habitflow/pkg/batch"
)

// GCSJournalConfig holds configuration for the journal.
type GCSJournalConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSJournal implements batch.Journal by writing each exhausted snapshot as a
// compressed JSONL object.
type GCSJournal[T any] struct {
	client GCSClient
	config GCSJournalConfig
	logger zerolog.Logger
}

// NewGCSJournal creates a journal configured for Google Cloud Storage.
func NewGCSJournal[T any](
	gcsClient GCSClient,
	config GCSJournalConfig,
	logger zerolog.Logger,
) (*GCSJournal[T], error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSJournal[T]{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "DeadLetterJournal").Logger(),
	}, nil
}

// JournalExhausted writes the snapshot to one object named after the batch ID.
func (j *GCSJournal[T]) JournalExhausted(ctx context.Context, batchID string, ops []batch.Operation[T]) error {
	if len(ops) == 0 {
		return nil
	}

	objectName := path.Join(j.config.ObjectPrefix, fmt.Sprintf("%s.jsonl.gz", batchID))
	j.logger.Warn().Str("object_name", objectName).Int("op_count", len(ops)).Msg("Journaling exhausted batch snapshot.")

	writer := j.client.Bucket(j.config.BucketName).Object(objectName).NewWriter(ctx)
	gz := gzip.NewWriter(writer)
	enc := json.NewEncoder(gz)

	for _, op := range ops {
		if err := enc.Encode(op); err != nil {
			_ = gz.Close()
			_ = writer.Close()
			return fmt.Errorf("json encoding failed for %s: %w", objectName, err)
		}
	}

	if err := gz.Close(); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to finalize gzip stream for %s: %w", objectName, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, err)
	}

	j.logger.Info().Str("object_name", objectName).Msg("Exhausted snapshot journaled.")
	return nil
}
