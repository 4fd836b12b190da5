package habitstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// FirestoreConfig holds configuration for the Firestore-backed store.
type FirestoreConfig struct {
	ProjectID       string
	CollectionName  string
	CredentialsFile string // Optional: Path to a service account JSON file.
}

// LoadFirestoreConfigFromEnv loads Firestore configuration from environment variables.
func LoadFirestoreConfigFromEnv() (*FirestoreConfig, error) {
	cfg := &FirestoreConfig{
		ProjectID:       os.Getenv("GCP_PROJECT_ID"),
		CollectionName:  os.Getenv("FS_COLLECTION_NAME"),
		CredentialsFile: os.Getenv("GCP_FS_CREDENTIALS_FILE"),
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT_ID environment variable not set")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("FS_COLLECTION_NAME environment variable not set")
	}
	return cfg, nil
}

// NewProductionFirestoreClient creates a Firestore client suitable for production
// environments. It uses Application Default Credentials unless a specific
// credentials file is provided.
func NewProductionFirestoreClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*firestore.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for Firestore client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for Firestore client.")
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		logger.Error().Err(err).Str("project_id", projectID).Msg("Failed to create Firestore client.")
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	logger.Info().Str("project_id", projectID).Msg("Firestore client created successfully.")
	return client, nil
}

// FirestoreStore implements the Store interface against a single Firestore
// collection. Bulk writes go through a BulkWriter so a whole batch is one
// client-side round-trip regardless of its size.
type FirestoreStore[T any] struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreStore creates a new generic FirestoreStore.
func NewFirestoreStore[T any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreStore[T], error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if cfg == nil || cfg.CollectionName == "" {
		return nil, errors.New("firestore collection name is required")
	}

	return &FirestoreStore[T]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreStore").Str("collection", cfg.CollectionName).Logger(),
	}, nil
}

// BulkWrite applies the batch through a Firestore BulkWriter. Inserts and
// updates both map to Set; the distinction matters to the coalescing layer,
// not to the document store.
func (s *FirestoreStore[T]) BulkWrite(ctx context.Context, batch BulkBatch[T]) error {
	if batch.Size() == 0 {
		s.logger.Debug().Msg("BulkWrite called with an empty batch, nothing to do.")
		return nil
	}

	coll := s.client.Collection(s.collectionName)
	bw := s.client.BulkWriter(ctx)

	jobs := make([]*firestore.BulkWriterJob, 0, batch.Size())
	for _, doc := range batch.Inserts {
		job, err := bw.Set(coll.Doc(doc.ID), doc.Data)
		if err != nil {
			bw.End()
			return classify("bulk set", err)
		}
		jobs = append(jobs, job)
	}
	for _, doc := range batch.Updates {
		job, err := bw.Set(coll.Doc(doc.ID), doc.Data)
		if err != nil {
			bw.End()
			return classify("bulk set", err)
		}
		jobs = append(jobs, job)
	}
	for _, id := range batch.Deletes {
		job, err := bw.Delete(coll.Doc(id))
		if err != nil {
			bw.End()
			return classify("bulk delete", err)
		}
		jobs = append(jobs, job)
	}

	// End flushes all enqueued writes and blocks until they complete.
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			s.logger.Error().Err(err).Int("batch_size", batch.Size()).Msg("Bulk write job failed.")
			return classify("bulk write", err)
		}
	}

	s.logger.Debug().
		Int("inserts", len(batch.Inserts)).
		Int("updates", len(batch.Updates)).
		Int("deletes", len(batch.Deletes)).
		Msg("Successfully applied bulk write.")
	return nil
}

// Query returns documents matching the filter, honoring Offset and Limit.
func (s *FirestoreStore[T]) Query(ctx context.Context, q Query) ([]Document[T], error) {
	fsQuery := s.client.Collection(s.collectionName).Query
	if q.Field != "" {
		fsQuery = fsQuery.Where(q.Field, "==", q.Value)
	}
	if q.Offset > 0 {
		fsQuery = fsQuery.Offset(q.Offset)
	}
	if q.Limit > 0 {
		fsQuery = fsQuery.Limit(q.Limit)
	}

	iter := fsQuery.Documents(ctx)
	defer iter.Stop()

	var results []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Firestore query iteration failed.")
			return nil, classify("query", err)
		}
		var data T
		if err := snap.DataTo(&data); err != nil {
			return nil, classify("query decode", err)
		}
		results = append(results, Document[T]{ID: snap.Ref.ID, Data: data})
	}

	s.logger.Debug().Int("result_count", len(results)).Msg("Query completed.")
	return results, nil
}

// Close is a no-op; the Firestore client's lifecycle is managed externally so a
// single client can back multiple stores.
func (s *FirestoreStore[T]) Close() error {
	s.logger.Info().Msg("FirestoreStore does not close the injected Firestore client.")
	return nil
}
