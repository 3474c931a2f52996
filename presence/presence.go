// Package presence derives online/offline status from the connection
// registry's online-users set and relays presence transitions published on a
// shared channel. It holds no state of its own beyond the local handler
// table.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/abdelmounim-dev/gamesync/broker"
	"github.com/abdelmounim-dev/gamesync/registry"
)

// UpdatesChannel is the broker channel carrying presence transitions.
const UpdatesChannel = "presence:updates"

// Update is one presence transition.
type Update struct {
	UserID           string    `json:"user_id"`
	Online           bool      `json:"online"`
	Timestamp        time.Time `json:"timestamp"`
	OriginInstanceID string    `json:"origin_instance_id"`
}

// Handler consumes presence updates.
type Handler func(Update)

// Subscription detaches a handler when cancelled. Cancel is idempotent.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Cancel detaches the handler.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Tracker is one instance's presence view.
type Tracker struct {
	registry   *registry.Registry
	broker     broker.MessageBroker
	instanceID string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
}

// New creates a tracker. Call Start before registering handlers you expect to
// fire.
func New(reg *registry.Registry, b broker.MessageBroker, instanceID string) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		registry:   reg,
		broker:     b,
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
		handlers:   make(map[int]Handler),
	}
}

// Start subscribes to the presence channel and begins dispatching updates.
func (t *Tracker) Start() error {
	payloads, err := t.broker.Subscribe(t.ctx, UpdatesChannel)
	if err != nil {
		return err
	}
	go t.dispatch(payloads)
	return nil
}

// IsOnline reports whether the user has at least one live connection,
// straight from the registry's online set.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	return t.registry.IsOnline(ctx, userID)
}

// OnChange registers a handler for presence transitions from any instance.
func (t *Tracker) OnChange(handler Handler) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.handlers[id] = handler
	return &Subscription{cancel: func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, id)
	}}
}

// Publish announces a presence transition to every instance, this one
// included.
func (t *Tracker) Publish(ctx context.Context, userID string, online bool) error {
	update := Update{
		UserID:           userID,
		Online:           online,
		Timestamp:        time.Now(),
		OriginInstanceID: t.instanceID,
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal presence update: %w", err)
	}
	return t.broker.Publish(ctx, UpdatesChannel, payload)
}

// Close stops the dispatch loop.
func (t *Tracker) Close() {
	t.cancel()
}

func (t *Tracker) dispatch(payloads <-chan []byte) {
	for payload := range payloads {
		var update Update
		if err := json.Unmarshal(payload, &update); err != nil {
			log.Printf("Dropping malformed presence update: %v", err)
			continue
		}

		t.mu.Lock()
		handlers := make([]Handler, 0, len(t.handlers))
		for _, h := range t.handlers {
			handlers = append(handlers, h)
		}
		t.mu.Unlock()

		for _, handler := range handlers {
			handler(update)
		}
	}
}
