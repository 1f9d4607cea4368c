package invalidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/rs/zerolog"
)

// Target applies a received invalidation. refdata.Sessions implements it.
type Target interface {
	InvalidateAll(key refdata.Key) int
}

// SubscriberConfig holds configuration for the notice subscriber.
type SubscriberConfig struct {
	SubscriptionID         string `yaml:"subscription_id"`
	MaxOutstandingMessages int    `yaml:"max_outstanding_messages"`
	NumGoroutines          int    `yaml:"num_goroutines"`
	// IgnoreSource skips notices this instance published itself.
	IgnoreSource string `yaml:"-"`
}

// NewSubscriberConfigDefaults returns a config for subID.
func NewSubscriberConfigDefaults(subID string) SubscriberConfig {
	return SubscriberConfig{
		SubscriptionID:         subID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          2,
	}
}

// Subscriber receives notices and forwards them to a Target. Malformed notices
// are acked so they are not redelivered.
type Subscriber struct {
	subscription *pubsub.Subscription
	target       Target
	ignoreSource string
	logger       zerolog.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	doneChan chan struct{}
}

// NewSubscriber verifies that the subscription exists before returning.
func NewSubscriber(ctx context.Context, cfg SubscriberConfig, client *pubsub.Client, target Target, logger zerolog.Logger) (*Subscriber, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if target == nil {
		return nil, fmt.Errorf("invalidation target cannot be nil")
	}
	sub := client.Subscription(cfg.SubscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}
	if cfg.MaxOutstandingMessages > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	}
	if cfg.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
	}

	return &Subscriber{
		subscription: sub,
		target:       target,
		ignoreSource: cfg.IgnoreSource,
		logger:       logger.With().Str("component", "InvalidationSubscriber").Str("subscription_id", cfg.SubscriptionID).Logger(),
		doneChan:     make(chan struct{}),
	}, nil
}

// Start begins receiving in the background until ctx is done or Stop is called.
func (s *Subscriber) Start(ctx context.Context) error {
	receiveCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.logger.Info().Msg("Starting invalidation notice consumption...")

	go func() {
		defer close(s.doneChan)
		err := s.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			s.handle(msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
		s.logger.Info().Msg("Invalidation subscriber stopped.")
	}()
	return nil
}

func (s *Subscriber) handle(msg *pubsub.Message) {
	defer msg.Ack()

	notice, err := DecodeNotice(msg.Data)
	if err != nil {
		s.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Dropping malformed invalidation notice.")
		return
	}
	if s.ignoreSource != "" && notice.Source == s.ignoreSource {
		s.logger.Debug().Str("key", notice.Key.String()).Msg("Ignoring own invalidation notice.")
		return
	}
	n := s.target.InvalidateAll(notice.Key)
	s.logger.Debug().
		Str("key", notice.Key.String()).
		Str("source", notice.Source).
		Int("registries", n).
		Msg("Applied invalidation notice.")
}

// Stop cancels receiving and waits for the receive loop to exit.
func (s *Subscriber) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			close(s.doneChan)
			return
		}
		s.cancel()
		select {
		case <-s.doneChan:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// Done is closed once the receive loop has exited.
func (s *Subscriber) Done() <-chan struct{} { return s.doneChan }

// stopTimeout bounds Stop when the caller has no deadline of its own.
const stopTimeout = 30 * time.Second

// Close stops the subscriber with a default timeout.
func (s *Subscriber) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return s.Stop(ctx)
}
