package broker

import "context"

// MessageBroker carries opaque payloads between instances on named channels.
// Delivery is best-effort, at-most-once per subscriber; payloads published by
// one instance on one channel arrive at a given subscriber in publish order.
type MessageBroker interface {
	// Publish sends a payload on a channel. It does not wait for
	// subscriber acknowledgment.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts listening on a channel. The returned channel is
	// closed when ctx is cancelled or the broker shuts down.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	// Type identifies the backing implementation for logs and metrics.
	Type() string
	Close() error
}
