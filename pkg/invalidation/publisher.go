package invalidation

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/rs/zerolog"
)

// PublisherConfig holds configuration for the notice publisher.
type PublisherConfig struct {
	TopicID string `yaml:"topic_id"`
	// Source identifies this instance in published notices.
	Source string `yaml:"source"`
}

// Publisher announces invalidations on a Pub/Sub topic.
type Publisher struct {
	topic  *pubsub.Topic
	source string
	logger zerolog.Logger
	now    func() time.Time
}

// NewPublisher verifies that the topic exists before returning.
func NewPublisher(ctx context.Context, cfg PublisherConfig, client *pubsub.Client, logger zerolog.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("notice source is required")
	}
	topic := client.Topic(cfg.TopicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	return &Publisher{
		topic:  topic,
		source: cfg.Source,
		logger: logger.With().Str("component", "InvalidationPublisher").Str("topic_id", cfg.TopicID).Logger(),
		now:    time.Now,
	}, nil
}

// Publish sends a notice for key and waits for the server to accept it.
func (p *Publisher) Publish(ctx context.Context, key refdata.Key) error {
	payload, err := EncodeNotice(p.source, key, p.now().UTC())
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-type": EventType,
			"key":     key.String(),
		},
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		p.logger.Error().Err(err).Str("key", key.String()).Msg("Failed to publish invalidation notice.")
		return fmt.Errorf("publishing notice for %s: %w", key, err)
	}
	p.logger.Info().Str("key", key.String()).Str("published_msg_id", msgID).Msg("Invalidation notice published.")
	return nil
}

// Stop flushes pending messages, respecting the context's deadline.
func (p *Publisher) Stop(ctx context.Context) error {
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
