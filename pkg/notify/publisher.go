// Package notify publishes cache-invalidation events after successful flushes
// so sibling dashboard instances can drop stale read-cache prefixes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// InvalidationEvent describes a flush that made a family of cached reads stale.
type InvalidationEvent struct {
	Collection string    `json:"collection"`
	Prefix     string    `json:"prefix"`
	Revision   uint64    `json:"revision"`
	FlushedOps int       `json:"flushedOps"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher is the invalidation event sink consumed by the syncer.
type Publisher interface {
	PublishInvalidation(ctx context.Context, event InvalidationEvent) error
	// Stop flushes any pending messages and accepts a context for timeout control.
	Stop(ctx context.Context) error
}

// GooglePublisher implements Publisher on top of Google Pub/Sub.
type GooglePublisher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewGooglePublisher creates a new invalidation publisher. It accepts a
// context to verify that the target topic exists before returning.
func NewGooglePublisher(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*GooglePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &GooglePublisher{
		topic:  topic,
		logger: logger.With().Str("component", "InvalidationPublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// PublishInvalidation sends the event to Pub/Sub. It returns immediately after
// queueing the message and logs the final result asynchronously; a lost
// invalidation event only delays sibling caches until their TTLs expire, so it
// is not worth blocking the flush path over.
func (p *GooglePublisher) PublishInvalidation(ctx context.Context, event InvalidationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"collection": event.Collection,
			"prefix":     event.Prefix,
		},
	})

	go func() {
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgID, err := result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Str("prefix", event.Prefix).Msg("Failed to publish invalidation event.")
			return
		}
		p.logger.Debug().Str("published_msg_id", msgID).Str("prefix", event.Prefix).Msg("Invalidation event published.")
	}()

	return nil
}

// Stop flushes any pending messages for the topic, respecting the context's
// timeout.
func (p *GooglePublisher) Stop(ctx context.Context) error {
	if p.topic == nil {
		return nil
	}

	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
