// Package manager exposes the connection and presence facade the transport
// layer talks to. One Manager is constructed at process start and injected
// into every collaborator; it owns the orchestration between the connection
// registry, room manager, event bus, presence tracker, and background jobs.
package manager

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/abdelmounim-dev/gamesync/broker"
	"github.com/abdelmounim-dev/gamesync/bus"
	"github.com/abdelmounim-dev/gamesync/health"
	"github.com/abdelmounim-dev/gamesync/metrics"
	"github.com/abdelmounim-dev/gamesync/presence"
	"github.com/abdelmounim-dev/gamesync/registry"
	"github.com/abdelmounim-dev/gamesync/rooms"
	"github.com/abdelmounim-dev/gamesync/store"
)

// Config carries the facade's timing knobs. All durations must be positive;
// config validation checks the cross-field constraints.
type Config struct {
	ConnectionTTL     time.Duration
	SessionTTL        time.Duration
	Staleness         time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	SweepInterval     time.Duration
}

// Stats is a point-in-time snapshot across every instance.
type Stats struct {
	OnlineUsers      int64 `json:"online_users"`
	ActiveGames      int64 `json:"active_games"`
	TotalConnections int64 `json:"total_connections"`
}

// Manager is the facade. Safe for concurrent use.
type Manager struct {
	instanceID string
	store      store.Store
	registry   *registry.Registry
	rooms      *rooms.Rooms
	bus        *bus.Bus
	presence   *presence.Tracker
	heartbeat  *health.Heartbeat
	reaper     *health.Reaper

	// Local bookkeeping only: which sockets this instance terminates and
	// which rooms they reference. Drives bus channel pinning and shutdown
	// cleanup; never consulted for cross-instance answers.
	mu           sync.Mutex
	localSockets map[string]string              // socketID -> userID
	localRooms   map[string]map[string]struct{} // gameID -> local socketIDs
}

// New wires a manager on top of a store and broker. instanceID must be
// unique per process (main generates a uuid).
func New(s store.Store, b broker.MessageBroker, instanceID string, cfg Config) *Manager {
	reg := registry.New(s, cfg.ConnectionTTL)
	rm := rooms.New(s, cfg.SessionTTL, instanceID)

	m := &Manager{
		instanceID:   instanceID,
		store:        s,
		registry:     reg,
		rooms:        rm,
		bus:          bus.New(b, instanceID),
		presence:     presence.New(reg, b, instanceID),
		heartbeat:    health.NewHeartbeat(s, instanceID, cfg.HeartbeatInterval, cfg.HeartbeatTTL),
		localSockets: make(map[string]string),
		localRooms:   make(map[string]map[string]struct{}),
	}
	m.reaper = health.NewReaper(s, reg, rm, m, cfg.Staleness, cfg.SessionTTL, cfg.SweepInterval)
	return m
}

// InstanceID returns this process's identity as stamped on events.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// Start launches the presence listener, heartbeat, and reaper.
func (m *Manager) Start() error {
	if err := m.presence.Start(); err != nil {
		return err
	}
	m.heartbeat.Start()
	m.reaper.Start()
	return nil
}

// Close stops background jobs and deregisters every socket this instance
// still holds, so a graceful shutdown leaves nothing for other reapers.
func (m *Manager) Close() {
	m.reaper.Stop()

	m.mu.Lock()
	sockets := make(map[string]string, len(m.localSockets))
	for socketID, userID := range m.localSockets {
		sockets[socketID] = userID
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for socketID, userID := range sockets {
		if err := m.Disconnect(ctx, userID, socketID); err != nil {
			log.Printf("Shutdown disconnect failed for %s/%s: %v", userID, socketID, err)
		}
	}

	m.heartbeat.Stop()
	m.presence.Close()
	m.bus.Close()
}

// Connect registers a socket for a user. Idempotent for the same socket. On
// store failure the caller must treat the user as not registered.
func (m *Manager) Connect(ctx context.Context, userID, socketID string) error {
	wentOnline, err := m.registry.Connect(ctx, userID, socketID, m.instanceID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	_, known := m.localSockets[socketID]
	m.localSockets[socketID] = userID
	m.mu.Unlock()
	if !known {
		metrics.ActiveConnections.Inc()
		metrics.TotalConnections.Inc()
	}

	if wentOnline {
		if err := m.presence.Publish(ctx, userID, true); err != nil {
			log.Printf("Failed to publish presence-online for %s: %v", userID, err)
		}
	}
	return nil
}

// Disconnect removes a socket and leaves every room no other socket of the
// same user still references. Unknown sockets are a no-op.
func (m *Manager) Disconnect(ctx context.Context, userID, socketID string) error {
	gameIDs, wentOffline, err := m.registry.Disconnect(ctx, userID, socketID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, known := m.localSockets[socketID]; known {
		delete(m.localSockets, socketID)
		metrics.ActiveConnections.Dec()
	}
	var unpin []string
	for _, gameID := range gameIDs {
		if set, ok := m.localRooms[gameID]; ok {
			delete(set, socketID)
			if len(set) == 0 {
				delete(m.localRooms, gameID)
				unpin = append(unpin, gameID)
			}
		}
	}
	m.mu.Unlock()
	for _, gameID := range unpin {
		m.bus.Unpin(gameID)
	}

	// The socket record is already gone, so any remaining reference to a
	// room belongs to another socket of the same user.
	for _, gameID := range gameIDs {
		still, err := m.registry.OtherSocketsInGame(ctx, userID, gameID, socketID)
		if err != nil {
			return err
		}
		if still {
			continue
		}
		if _, err := m.rooms.Leave(ctx, userID, gameID); err != nil {
			return err
		}
	}

	if wentOffline {
		if err := m.presence.Publish(ctx, userID, false); err != nil {
			log.Printf("Failed to publish presence-offline for %s: %v", userID, err)
		}
	}
	return nil
}

// JoinGame adds a user to a room through one of their sockets, creating the
// room lazily and subscribing this instance to the room's channel. Joining
// twice is a no-op beyond refreshed timestamps.
func (m *Manager) JoinGame(ctx context.Context, userID, socketID, gameID string, role rooms.Role) error {
	if role == "" {
		role = rooms.RolePlayer
	}

	// Fail closed: an unregistered socket cannot join.
	if err := m.registry.AddGame(ctx, userID, socketID, gameID); err != nil {
		return err
	}
	if _, err := m.rooms.Join(ctx, userID, gameID, role); err != nil {
		return err
	}

	m.mu.Lock()
	set, ok := m.localRooms[gameID]
	if !ok {
		set = make(map[string]struct{})
		m.localRooms[gameID] = set
	}
	first := len(set) == 0
	set[socketID] = struct{}{}
	m.mu.Unlock()

	if first {
		if err := m.bus.Pin(gameID); err != nil {
			log.Printf("Failed to subscribe to room %s: %v", gameID, err)
		}
	}
	metrics.RoomJoins.Inc()
	return nil
}

// LeaveGame removes a user from a room entirely, across all their sockets.
// Leaving an unknown room or a room the user is not in is a no-op.
func (m *Manager) LeaveGame(ctx context.Context, userID, gameID string) error {
	if err := m.registry.RemoveGame(ctx, userID, gameID); err != nil {
		return err
	}
	if _, err := m.rooms.Leave(ctx, userID, gameID); err != nil {
		return err
	}

	m.mu.Lock()
	var unpin bool
	if set, ok := m.localRooms[gameID]; ok {
		for socketID := range set {
			if m.localSockets[socketID] == userID {
				delete(set, socketID)
			}
		}
		if len(set) == 0 {
			delete(m.localRooms, gameID)
			unpin = true
		}
	}
	m.mu.Unlock()
	if unpin {
		m.bus.Unpin(gameID)
	}
	return nil
}

// GetOnlinePlayers returns the deduplicated set of room players who are
// currently online.
func (m *Manager) GetOnlinePlayers(ctx context.Context, gameID string) ([]string, error) {
	players, err := m.rooms.Players(ctx, gameID)
	if err != nil {
		return nil, err
	}
	onlineUsers, err := m.registry.OnlineUsers(ctx)
	if err != nil {
		return nil, err
	}
	online := make(map[string]struct{}, len(onlineUsers))
	for _, userID := range onlineUsers {
		online[userID] = struct{}{}
	}

	result := make([]string, 0, len(players))
	for _, userID := range players {
		if _, ok := online[userID]; ok {
			result = append(result, userID)
		}
	}
	return result, nil
}

// Broadcast publishes an event on the room's channel and refreshes the
// room's activity. Delivery is best-effort, at most once per subscriber.
func (m *Manager) Broadcast(ctx context.Context, gameID string, event bus.GameEvent) error {
	if err := m.bus.Broadcast(ctx, gameID, event); err != nil {
		return err
	}
	if err := m.rooms.TouchActivity(ctx, gameID); err != nil {
		log.Printf("Failed to touch activity for room %s: %v", gameID, err)
	}
	return nil
}

// OnGameEvent registers a handler for a room's events, including events this
// instance published itself. Cancel the subscription to detach.
func (m *Manager) OnGameEvent(gameID string, handler bus.Handler) (*bus.Subscription, error) {
	return m.bus.On(gameID, handler)
}

// OnPresenceChange registers a handler for presence transitions.
func (m *Manager) OnPresenceChange(handler presence.Handler) *presence.Subscription {
	return m.presence.OnChange(handler)
}

// IsOnline reports whether a user has at least one live connection anywhere.
func (m *Manager) IsOnline(ctx context.Context, userID string) (bool, error) {
	return m.presence.IsOnline(ctx, userID)
}

// UpdateGameState writes a room's state on behalf of the game rule engine.
// The manager never interprets it.
func (m *Manager) UpdateGameState(ctx context.Context, gameID string, state rooms.State) error {
	return m.rooms.UpdateState(ctx, gameID, state)
}

// Touch refreshes a socket's liveness after client activity.
func (m *Manager) Touch(ctx context.Context, userID, socketID string) error {
	return m.registry.Touch(ctx, userID, socketID)
}

// GetStats returns cross-instance totals and refreshes the gauges.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats

	online, err := m.registry.OnlineCount(ctx)
	if err != nil {
		return stats, err
	}
	stats.OnlineUsers = online

	gameIDs, err := m.rooms.GameIDs(ctx)
	if err != nil {
		return stats, err
	}
	stats.ActiveGames = int64(len(gameIDs))

	keys, err := m.store.Scan(ctx, "connections:*")
	if err != nil {
		return stats, err
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, "connections:") {
			continue
		}
		n, err := m.store.HLen(ctx, key)
		if err != nil {
			return stats, err
		}
		stats.TotalConnections += n
	}

	metrics.OnlineUsers.Set(float64(stats.OnlineUsers))
	return stats, nil
}

// SweepOnce runs one reaper pass immediately. Same code path as the periodic
// sweep; safe to call at any time.
func (m *Manager) SweepOnce(ctx context.Context) error {
	return m.reaper.SweepOnce(ctx)
}
