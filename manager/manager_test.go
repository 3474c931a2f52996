package manager_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/gamesync/broker"
	"github.com/abdelmounim-dev/gamesync/bus"
	"github.com/abdelmounim-dev/gamesync/manager"
	"github.com/abdelmounim-dev/gamesync/presence"
	"github.com/abdelmounim-dev/gamesync/registry"
	"github.com/abdelmounim-dev/gamesync/rooms"
	"github.com/abdelmounim-dev/gamesync/store"
)

func testConfig() manager.Config {
	return manager.Config{
		ConnectionTTL:     10 * time.Minute,
		SessionTTL:        time.Hour,
		Staleness:         time.Minute,
		HeartbeatInterval: time.Hour, // background loops stay quiet in tests
		HeartbeatTTL:      2 * time.Hour,
		SweepInterval:     time.Hour,
	}
}

// newInstance builds a manager as one process of a cluster sharing mem and mb.
func newInstance(t *testing.T, mem *store.Memory, mb *broker.MemoryBroker, instanceID string) *manager.Manager {
	t.Helper()
	m := manager.New(mem, mb, instanceID, testConfig())
	require.NoError(t, m.Start())
	t.Cleanup(m.Close)
	return m
}

func newCluster(t *testing.T) (*manager.Manager, *manager.Manager, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	mb := broker.NewMemoryBroker()
	t.Cleanup(func() { mb.Close() })
	return newInstance(t, mem, mb, "inst-a"), newInstance(t, mem, mb, "inst-b"), mem
}

func TestConnectDisconnectPresence(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newCluster(t)

	require.NoError(t, a.Connect(ctx, "u1", "s1"))
	online, err := a.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, a.Disconnect(ctx, "u1", "s1"))
	online, err = a.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresenceTransitionsNotifyOtherInstances(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newCluster(t)

	updates := make(chan presence.Update, 4)
	sub := b.OnPresenceChange(func(update presence.Update) { updates <- update })
	defer sub.Cancel()

	require.NoError(t, a.Connect(ctx, "u1", "s1"))
	select {
	case update := <-updates:
		assert.Equal(t, "u1", update.UserID)
		assert.True(t, update.Online)
		assert.Equal(t, "inst-a", update.OriginInstanceID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence-online")
	}

	// A second socket must not re-announce the user.
	require.NoError(t, a.Connect(ctx, "u1", "s2"))
	require.NoError(t, a.Disconnect(ctx, "u1", "s2"))
	require.NoError(t, a.Disconnect(ctx, "u1", "s1"))

	select {
	case update := <-updates:
		assert.False(t, update.Online, "next update is the final offline transition")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence-offline")
	}
}

func TestCrossInstanceBroadcast(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newCluster(t)

	require.NoError(t, a.Connect(ctx, "u1", "s1"))
	require.NoError(t, a.JoinGame(ctx, "u1", "s1", "g1", rooms.RolePlayer))

	received := make(chan bus.GameEvent, 1)
	sub, err := b.OnGameEvent("g1", func(event bus.GameEvent) { received <- event })
	require.NoError(t, err)
	defer sub.Cancel()

	payload, _ := json.Marshal(map[string]string{"square": "e4"})
	require.NoError(t, a.Broadcast(ctx, "g1", bus.GameEvent{Type: "move", UserID: "u1", Data: payload}))

	select {
	case event := <-received:
		assert.Equal(t, "g1", event.GameID)
		assert.Equal(t, "move", event.Type)
		assert.Equal(t, "inst-a", event.OriginInstanceID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestJoinGameIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newCluster(t)

	require.NoError(t, a.Connect(ctx, "u1", "s1"))
	require.NoError(t, a.JoinGame(ctx, "u1", "s1", "g1", rooms.RolePlayer))
	require.NoError(t, a.JoinGame(ctx, "u1", "s1", "g1", rooms.RolePlayer))

	players, err := a.GetOnlinePlayers(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, players)
}

func TestJoinGameRequiresConnection(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newCluster(t)

	err := a.JoinGame(ctx, "u1", "never-connected", "g1", rooms.RolePlayer)
	assert.ErrorIs(t, err, registry.ErrNotConnected)
}

func TestLeaveGameIsNoopWhenAbsent(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newCluster(t)

	require.NoError(t, a.LeaveGame(ctx, "u1", "no-such-room"))

	require.NoError(t, a.Connect(ctx, "u1", "s1"))
	require.NoError(t, a.JoinGame(ctx, "u1", "s1", "g1", rooms.RolePlayer))
	require.NoError(t, a.LeaveGame(ctx, "u2", "g1"), "leaving a room you are not in is fine")
}

func TestTwoSocketsSameRoom(t *testing.T) {
	ctx := context.Background()
	a, b, mem := newCluster(t)

	// Same user on two instances, both sockets in the same room.
	require.NoError(t, a.Connect(ctx, "u1", "s1"))
	require.NoError(t, b.Connect(ctx, "u1", "s2"))
	require.NoError(t, a.JoinGame(ctx, "u1", "s1", "g1", rooms.RolePlayer))
	require.NoError(t, b.JoinGame(ctx, "u1", "s2", "g1", rooms.RolePlayer))

	// Dropping one socket keeps the user in the room.
	require.NoError(t, a.Disconnect(ctx, "u1", "s1"))
	players, err := b.GetOnlinePlayers(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, players)

	// Dropping the last socket removes the membership and the empty room.
	require.NoError(t, b.Disconnect(ctx, "u1", "s2"))
	players, err = b.GetOnlinePlayers(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, players)

	exists, err := mem.Exists(ctx, "game:g1:session")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExplicitLeaveCoversAllSockets(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newCluster(t)

	require.NoError(t, a.Connect(ctx, "u1", "s1"))
	require.NoError(t, a.Connect(ctx, "u1", "s2"))
	require.NoError(t, a.JoinGame(ctx, "u1", "s1", "g1", rooms.RolePlayer))
	require.NoError(t, a.JoinGame(ctx, "u1", "s2", "g1", rooms.RolePlayer))

	// Explicit leave is user-level, unlike a socket disconnect.
	require.NoError(t, a.LeaveGame(ctx, "u1", "g1"))

	players, err := a.GetOnlinePlayers(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, players)
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newCluster(t)

	// Three sockets for two distinct users, two rooms.
	require.NoError(t, a.Connect(ctx, "u1", "s1"))
	require.NoError(t, a.Connect(ctx, "u1", "s2"))
	require.NoError(t, b.Connect(ctx, "u2", "s3"))
	require.NoError(t, a.JoinGame(ctx, "u1", "s1", "g1", rooms.RolePlayer))
	require.NoError(t, b.JoinGame(ctx, "u2", "s3", "g2", rooms.RoleSpectator))

	stats, err := a.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.OnlineUsers)
	assert.Equal(t, int64(2), stats.ActiveGames)
	assert.Equal(t, int64(3), stats.TotalConnections)
}

func TestSweepReapsArtificiallyStaleConnection(t *testing.T) {
	ctx := context.Background()
	a, _, mem := newCluster(t)

	require.NoError(t, a.Connect(ctx, "u1", "s1"))
	require.NoError(t, a.JoinGame(ctx, "u1", "s1", "g1", rooms.RolePlayer))

	// Backdate the record beyond the staleness threshold, as if the
	// owning instance stopped refreshing it.
	conn := registry.Connection{
		GameIDs:         []string{"g1"},
		LastSeen:        time.Now().Add(-5 * time.Minute),
		OwnerInstanceID: a.InstanceID(),
	}
	raw, err := json.Marshal(conn)
	require.NoError(t, err)
	require.NoError(t, mem.HSet(ctx, registry.ConnectionsKey("u1"), "s1", string(raw)))

	require.NoError(t, a.SweepOnce(ctx))

	online, err := a.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online, "stale connection removed by the sweep")

	exists, err := mem.Exists(ctx, "game:g1:session")
	require.NoError(t, err)
	assert.False(t, exists, "room whose sole member went stale is removed too")
}

func TestUpdateGameState(t *testing.T) {
	ctx := context.Background()
	a, _, mem := newCluster(t)

	require.NoError(t, a.Connect(ctx, "u1", "s1"))
	require.NoError(t, a.JoinGame(ctx, "u1", "s1", "g1", rooms.RolePlayer))
	require.NoError(t, a.UpdateGameState(ctx, "g1", rooms.StateActive))

	raw, ok, err := mem.Get(ctx, "game:g1:session")
	require.NoError(t, err)
	require.True(t, ok)
	var session rooms.Session
	require.NoError(t, json.Unmarshal([]byte(raw), &session))
	assert.Equal(t, rooms.StateActive, session.State)
}

func TestGetOnlinePlayersExcludesOfflineMembers(t *testing.T) {
	ctx := context.Background()
	a, _, mem := newCluster(t)

	require.NoError(t, a.Connect(ctx, "u1", "s1"))
	require.NoError(t, a.JoinGame(ctx, "u1", "s1", "g1", rooms.RolePlayer))

	// A membership entry without a live connection, e.g. the connection
	// hash TTL lapsed before any sweep ran.
	_, err := mem.SAdd(ctx, "game:g1:players", "ghost")
	require.NoError(t, err)

	players, err := a.GetOnlinePlayers(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, players)
}
