// Package bus fans game events out across instances. Each room has a
// dedicated broker channel; an instance holds at most one subscription per
// room and dispatches incoming events to its locally-registered handlers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/abdelmounim-dev/gamesync/broker"
	"github.com/abdelmounim-dev/gamesync/metrics"
)

// GameEvent is an immutable message carried on a room's channel. Timestamp
// and OriginInstanceID are stamped at publish time; receivers can use the
// origin to filter self-originated echoes.
type GameEvent struct {
	Type             string          `json:"type"`
	UserID           string          `json:"user_id,omitempty"`
	GameID           string          `json:"game_id,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	OriginInstanceID string          `json:"origin_instance_id"`
}

// Handler consumes events delivered on a room's channel. Handlers run on the
// room's dispatch goroutine and should hand off anything slow.
type Handler func(GameEvent)

// ChannelFor returns the broker channel name for a room.
func ChannelFor(gameID string) string {
	return fmt.Sprintf("game:%s:events", gameID)
}

// Subscription is the cancellation token returned by On. Cancel is idempotent
// and detaches the handler; the room's broker subscription is torn down once
// no handlers and no pins remain.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Cancel detaches the handler.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

type roomSub struct {
	cancel   context.CancelFunc
	handlers map[int]Handler
	pins     int
}

// Bus is one instance's view of the event bus.
type Bus struct {
	broker     broker.MessageBroker
	instanceID string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*roomSub
	nextID int
}

// New creates an event bus publishing as instanceID.
func New(b broker.MessageBroker, instanceID string) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		broker:     b,
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
		rooms:      make(map[string]*roomSub),
	}
}

// Broadcast stamps and publishes an event on the room's channel. Fire and
// forget: it returns once the broker accepted the payload, without waiting
// for any subscriber.
func (b *Bus) Broadcast(ctx context.Context, gameID string, event GameEvent) error {
	event.GameID = gameID
	event.Timestamp = time.Now()
	event.OriginInstanceID = b.instanceID

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.broker.Publish(ctx, ChannelFor(gameID), payload); err != nil {
		return err
	}
	metrics.EventsPublished.Inc()
	return nil
}

// On registers a handler for every event published on the room's channel,
// including events this instance originated.
func (b *Bus) On(gameID string, handler Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, err := b.ensureRoomLocked(gameID)
	if err != nil {
		return nil, err
	}

	id := b.nextID
	b.nextID++
	sub.handlers[id] = handler

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.rooms[gameID]; ok && cur == sub {
			delete(cur.handlers, id)
			b.maybeTeardownLocked(gameID)
		}
	}}, nil
}

// Pin keeps the room's channel subscribed while local sockets reference it,
// even with no handlers attached yet.
func (b *Bus) Pin(gameID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, err := b.ensureRoomLocked(gameID)
	if err != nil {
		return err
	}
	sub.pins++
	return nil
}

// Unpin releases one Pin. The subscription survives until handlers and pins
// both reach zero.
func (b *Bus) Unpin(gameID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.rooms[gameID]
	if !ok {
		return
	}
	if sub.pins > 0 {
		sub.pins--
	}
	b.maybeTeardownLocked(gameID)
}

// Subscribed reports whether this instance currently listens on the room's
// channel.
func (b *Bus) Subscribed(gameID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.rooms[gameID]
	return ok
}

// Close tears down every room subscription.
func (b *Bus) Close() {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	for gameID := range b.rooms {
		delete(b.rooms, gameID)
		metrics.ActiveRooms.Dec()
	}
}

func (b *Bus) ensureRoomLocked(gameID string) (*roomSub, error) {
	if sub, ok := b.rooms[gameID]; ok {
		return sub, nil
	}

	ctx, cancel := context.WithCancel(b.ctx)
	payloads, err := b.broker.Subscribe(ctx, ChannelFor(gameID))
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &roomSub{cancel: cancel, handlers: make(map[int]Handler)}
	b.rooms[gameID] = sub
	metrics.ActiveRooms.Inc()
	go b.dispatch(gameID, payloads)
	return sub, nil
}

func (b *Bus) maybeTeardownLocked(gameID string) {
	sub, ok := b.rooms[gameID]
	if !ok || sub.pins > 0 || len(sub.handlers) > 0 {
		return
	}
	sub.cancel()
	delete(b.rooms, gameID)
	metrics.ActiveRooms.Dec()
}

// dispatch decodes payloads and invokes the room's current handlers in
// arrival order. A malformed payload is logged and dropped; the loop keeps
// running.
func (b *Bus) dispatch(gameID string, payloads <-chan []byte) {
	for payload := range payloads {
		var event GameEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			metrics.EventsDropped.Inc()
			log.Printf("Dropping malformed event on %s: %v", ChannelFor(gameID), err)
			continue
		}

		b.mu.Lock()
		sub, ok := b.rooms[gameID]
		var handlers []Handler
		if ok {
			handlers = make([]Handler, 0, len(sub.handlers))
			for _, h := range sub.handlers {
				handlers = append(handlers, h)
			}
		}
		b.mu.Unlock()

		for _, handler := range handlers {
			handler(event)
			metrics.EventsDelivered.Inc()
		}
	}
}
