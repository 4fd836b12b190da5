// Package auditlog streams batch flush-attempt transitions to BigQuery so
// failure policy stays auditable after the fact: every attempt of every
// snapshot lands as one row.
package auditlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/illmade-knight/go-habitflow/pkg/batch"
)

// BigQueryConfig holds configuration for the audit dataset and table.
type BigQueryConfig struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: Path to a service account JSON file.
}

// LoadBigQueryConfigFromEnv loads audit sink configuration from environment variables.
func LoadBigQueryConfigFromEnv() (*BigQueryConfig, error) {
	cfg := &BigQueryConfig{
		ProjectID:       os.Getenv("GCP_PROJECT_ID"),
		DatasetID:       os.Getenv("BQ_AUDIT_DATASET_ID"),
		TableID:         os.Getenv("BQ_AUDIT_TABLE_ID"),
		CredentialsFile: os.Getenv("GCP_BQ_CREDENTIALS_FILE"),
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT_ID environment variable not set")
	}
	if cfg.DatasetID == "" {
		return nil, fmt.Errorf("BQ_AUDIT_DATASET_ID environment variable not set")
	}
	if cfg.TableID == "" {
		return nil, fmt.Errorf("BQ_AUDIT_TABLE_ID environment variable not set")
	}
	return cfg, nil
}

// NewProductionBigQueryClient creates a BigQuery client suitable for production
// environments. It uses Application Default Credentials unless a specific
// credentials file is provided.
func NewProductionBigQueryClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQueryAuditSink implements batch.AttemptObserver by streaming attempt
// records into a BigQuery table. Observations never block the flush path; rows
// are inserted on background goroutines.
type BigQueryAuditSink struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewBigQueryAuditSink creates a new audit sink. If the target table does not
// exist, it attempts to create it by inferring the schema from
// batch.AttemptRecord.
func NewBigQueryAuditSink(
	ctx context.Context,
	client *bigquery.Client,
	cfg *BigQueryConfig,
	logger zerolog.Logger,
) (*BigQueryAuditSink, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQueryConfig cannot be nil")
	}

	logger = logger.With().Str("component", "BigQueryAuditSink").Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	_, err := tableRef.Metadata(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "notFound") {
			logger.Warn().Msg("Audit table not found. Attempting to create with inferred schema.")

			inferredSchema, inferErr := bigquery.InferSchema(batch.AttemptRecord{})
			if inferErr != nil {
				return nil, fmt.Errorf("failed to infer audit schema: %w", inferErr)
			}
			if createErr := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: inferredSchema}); createErr != nil {
				return nil, fmt.Errorf("failed to create audit table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
			}
			logger.Info().Msg("Audit table created successfully.")
		} else {
			return nil, fmt.Errorf("failed to get audit table metadata: %w", err)
		}
	}

	return &BigQueryAuditSink{
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// ObserveAttempt streams one attempt record to BigQuery without blocking the
// caller. Insert failures are logged; the audit trail is best-effort and must
// never degrade the write path it is observing.
func (s *BigQueryAuditSink) ObserveAttempt(_ context.Context, rec batch.AttemptRecord) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		insertCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.inserter.Put(insertCtx, rec); err != nil {
			s.logger.Error().Err(err).Str("batch_id", rec.BatchID).Msg("Failed to insert audit row.")
		}
	}()
}

// Close waits for any in-flight audit inserts to complete.
func (s *BigQueryAuditSink) Close() error {
	s.logger.Info().Msg("Waiting for pending audit inserts to complete...")
	s.wg.Wait()
	return nil
}
