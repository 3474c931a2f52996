package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"github.com/abdelmounim-dev/gamesync/metrics"
	"github.com/abdelmounim-dev/gamesync/store"
)

const (
	redisPublishRetries = 2
	redisInitialBackoff = 50 * time.Millisecond
	redisMaxBackoff     = 1 * time.Second
)

// RedisBroker implements MessageBroker over Redis pub/sub. It can share the
// client used by the session/store layer.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a Redis-backed message broker.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish sends the payload with a short retry window. A payload that still
// cannot be published maps to store.ErrUnavailable; there is no buffering or
// replay beyond the retries.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	operation := func() error {
		return b.client.Publish(ctx, channel, payload).Err()
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(redisInitialBackoff),
				backoff.WithMaxInterval(redisMaxBackoff),
			),
			redisPublishRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(b.Type()).Inc()
		log.Printf("Retrying Redis publish on %s: %v (next attempt in %s)", channel, err, d)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w: %v", channel, store.ErrUnavailable, err)
	}
	metrics.BrokerMessagesPublished.WithLabelValues(b.Type()).Inc()
	return nil
}

// Subscribe opens a dedicated pub/sub connection for the channel and forwards
// payloads until ctx is cancelled.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Receive forces the SUBSCRIBE round-trip so a dead server surfaces
	// here instead of as a silently empty channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w: %v", channel, store.ErrUnavailable, err)
	}

	out := make(chan []byte, 100)
	go func() {
		defer close(out)
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) Type() string {
	return "redis"
}

// Close is a no-op: the Redis client is owned by whoever constructed it and
// is typically shared with the store.
func (b *RedisBroker) Close() error {
	return nil
}
