package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/gamesync/registry"
	"github.com/abdelmounim-dev/gamesync/rooms"
	"github.com/abdelmounim-dev/gamesync/store"
)

// fakeCleaner mirrors what the facade does on disconnect: drop the socket and
// leave any room no longer referenced.
type fakeCleaner struct {
	registry *registry.Registry
	rooms    *rooms.Rooms
	mu       sync.Mutex
	calls    [][2]string
}

func (c *fakeCleaner) Disconnect(ctx context.Context, userID, socketID string) error {
	c.mu.Lock()
	c.calls = append(c.calls, [2]string{userID, socketID})
	c.mu.Unlock()

	gameIDs, _, err := c.registry.Disconnect(ctx, userID, socketID)
	if err != nil {
		return err
	}
	for _, gameID := range gameIDs {
		still, err := c.registry.OtherSocketsInGame(ctx, userID, gameID, socketID)
		if err != nil {
			return err
		}
		if !still {
			if _, err := c.rooms.Leave(ctx, userID, gameID); err != nil {
				return err
			}
		}
	}
	return nil
}

type fixture struct {
	store    *store.Memory
	registry *registry.Registry
	rooms    *rooms.Rooms
	cleaner  *fakeCleaner
	reaper   *Reaper
	now      time.Time
}

func newFixture() *fixture {
	f := &fixture{store: store.NewMemory(), now: time.Now()}
	f.registry = registry.New(f.store, 10*time.Minute)
	f.rooms = rooms.New(f.store, time.Hour, "inst-a")
	f.cleaner = &fakeCleaner{registry: f.registry, rooms: f.rooms}
	f.reaper = NewReaper(f.store, f.registry, f.rooms, f.cleaner, time.Minute, time.Hour, 30*time.Second)

	clock := func() time.Time { return f.now }
	f.registry.SetClock(clock)
	f.rooms.SetClock(clock)
	f.reaper.SetClock(clock)
	return f
}

func (f *fixture) beatFor(instanceID string) {
	hb := NewHeartbeat(f.store, instanceID, 10*time.Second, 30*time.Second)
	_ = hb.Beat(context.Background())
}

func TestHeartbeatBeatWritesLivenessKey(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	hb := NewHeartbeat(mem, "inst-a", 10*time.Second, 30*time.Second)
	require.NoError(t, hb.Beat(ctx))

	exists, err := mem.Exists(ctx, HeartbeatKey("inst-a"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHeartbeatStopRemovesKey(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	hb := NewHeartbeat(mem, "inst-a", time.Hour, 2*time.Hour)
	hb.Start()
	hb.Stop()

	exists, err := mem.Exists(ctx, HeartbeatKey("inst-a"))
	require.NoError(t, err)
	assert.False(t, exists, "graceful stop removes the liveness key")
}

func TestSweepRemovesStaleConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.beatFor("inst-a")

	_, err := f.registry.Connect(ctx, "u1", "s1", "inst-a")
	require.NoError(t, err)

	// Fresh connection survives a sweep.
	require.NoError(t, f.reaper.SweepOnce(ctx))
	online, err := f.registry.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	// Age it past the staleness threshold.
	f.now = f.now.Add(2 * time.Minute)
	f.beatFor("inst-a")
	require.NoError(t, f.reaper.SweepOnce(ctx))

	online, err = f.registry.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online, "stale connection reaped despite live owner")
	assert.Equal(t, [][2]string{{"u1", "s1"}}, f.cleaner.calls)
}

func TestSweepRemovesOrphanedConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	// inst-b registered the socket but never heartbeats: crashed.
	_, err := f.registry.Connect(ctx, "u1", "s1", "inst-b")
	require.NoError(t, err)

	require.NoError(t, f.reaper.SweepOnce(ctx))

	online, err := f.registry.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online, "connection owned by a dead instance is orphaned")
}

func TestSweepRemovesRoomOfSoleStaleMember(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.beatFor("inst-a")

	_, err := f.registry.Connect(ctx, "u1", "s1", "inst-a")
	require.NoError(t, err)
	require.NoError(t, f.registry.AddGame(ctx, "u1", "s1", "g1"))
	_, err = f.rooms.Join(ctx, "u1", "g1", rooms.RolePlayer)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)
	f.beatFor("inst-a")
	require.NoError(t, f.reaper.SweepOnce(ctx))

	_, ok, err := f.rooms.Session(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok, "room emptied by the reaped connection is removed")
}

func TestSweepRemovesEmptyRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	// A session record with no membership, as left by a crash between
	// session creation and set-add.
	_, err := f.rooms.Join(ctx, "u1", "g1", rooms.RolePlayer)
	require.NoError(t, err)
	require.NoError(t, f.store.SRem(ctx, "game:g1:players", "u1"))

	require.NoError(t, f.reaper.SweepOnce(ctx))

	_, ok, err := f.rooms.Session(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepSparesActiveRoomWithOnlineMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.beatFor("inst-a")

	_, err := f.registry.Connect(ctx, "u1", "s1", "inst-a")
	require.NoError(t, err)
	require.NoError(t, f.registry.AddGame(ctx, "u1", "s1", "g1"))
	_, err = f.rooms.Join(ctx, "u1", "g1", rooms.RolePlayer)
	require.NoError(t, err)

	// Room is old but its member keeps touching their connection.
	f.now = f.now.Add(2 * time.Hour)
	f.beatFor("inst-a")
	require.NoError(t, f.registry.Touch(ctx, "u1", "s1"))

	require.NoError(t, f.reaper.SweepOnce(ctx))

	_, ok, err := f.rooms.Session(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, ok, "rooms with online members are never reaped")
}

func TestSweepRemovesInactiveRoomWithOfflineMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	// Membership without any live connection: the user was added, then
	// every socket disappeared (e.g. connection hash TTL lapsed).
	_, err := f.rooms.Join(ctx, "u1", "g1", rooms.RolePlayer)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, f.reaper.SweepOnce(ctx))

	_, ok, err := f.rooms.Session(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok, "inactive room with only offline members is reaped")
}
