package rooms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/gamesync/store"
)

func newTestRooms() (*Rooms, *store.Memory) {
	mem := store.NewMemory()
	return New(mem, time.Hour, "inst-a"), mem
}

func TestJoinCreatesRoomLazily(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestRooms()

	created, err := rm.Join(ctx, "u1", "g1", RolePlayer)
	require.NoError(t, err)
	assert.True(t, created)

	session, ok, err := rm.Session(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateWaiting, session.State)
	assert.Equal(t, "g1", session.ID)
	assert.Equal(t, "inst-a", session.OwnerInstanceID)

	players, err := rm.Players(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, players)
}

func TestJoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestRooms()

	_, err := rm.Join(ctx, "u1", "g1", RolePlayer)
	require.NoError(t, err)
	created, err := rm.Join(ctx, "u1", "g1", RolePlayer)
	require.NoError(t, err)
	assert.False(t, created)

	players, err := rm.Players(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, players, "joining twice yields the same membership")
}

func TestPlayersAndSpectatorsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestRooms()

	_, err := rm.Join(ctx, "u1", "g1", RoleSpectator)
	require.NoError(t, err)
	_, err = rm.Join(ctx, "u1", "g1", RolePlayer)
	require.NoError(t, err)

	players, err := rm.Players(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, players)

	spectators, err := rm.Spectators(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, spectators, "promoting to player removes the spectator entry")
}

func TestLeaveUnknownRoomIsNoop(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestRooms()

	emptied, err := rm.Leave(ctx, "u1", "no-such-room")
	require.NoError(t, err)
	assert.True(t, emptied, "a room with no members counts as emptied")
}

func TestLeaveLastMemberDeletesRoom(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestRooms()

	_, err := rm.Join(ctx, "u1", "g1", RolePlayer)
	require.NoError(t, err)
	_, err = rm.Join(ctx, "u2", "g1", RoleSpectator)
	require.NoError(t, err)

	emptied, err := rm.Leave(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.False(t, emptied)

	emptied, err = rm.Leave(ctx, "u2", "g1")
	require.NoError(t, err)
	assert.True(t, emptied)

	_, ok, err := rm.Session(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok, "session record removed with the last member")
}

func TestConcurrentCreateConverges(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	// Two instances joining the same brand-new room.
	a := New(mem, time.Hour, "inst-a")
	b := New(mem, time.Hour, "inst-b")

	_, err := a.Join(ctx, "u1", "g1", RolePlayer)
	require.NoError(t, err)
	_, err = b.Join(ctx, "u2", "g1", RolePlayer)
	require.NoError(t, err)

	players, err := a.Players(ctx, "g1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, players)

	session, ok, err := b.Session(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "inst-a", session.OwnerInstanceID, "first creator wins the session record")
}

func TestUpdateStateIsOpaque(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestRooms()

	_, err := rm.Join(ctx, "u1", "g1", RolePlayer)
	require.NoError(t, err)

	require.NoError(t, rm.UpdateState(ctx, "g1", StateActive))
	session, _, err := rm.Session(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, session.State)

	// Joining a completed room still succeeds; policy is the rule engine's.
	require.NoError(t, rm.UpdateState(ctx, "g1", StateCompleted))
	_, err = rm.Join(ctx, "u2", "g1", RolePlayer)
	require.NoError(t, err)

	// Missing room: no-op, no error.
	require.NoError(t, rm.UpdateState(ctx, "gone", StateActive))
}

func TestTouchActivityRefreshesTimestamp(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestRooms()

	base := time.Now()
	rm.SetClock(func() time.Time { return base })
	_, err := rm.Join(ctx, "u1", "g1", RolePlayer)
	require.NoError(t, err)

	later := base.Add(time.Minute)
	rm.SetClock(func() time.Time { return later })
	require.NoError(t, rm.TouchActivity(ctx, "g1"))

	session, _, err := rm.Session(ctx, "g1")
	require.NoError(t, err)
	assert.WithinDuration(t, later, session.LastActivity, time.Second)
	assert.WithinDuration(t, base, session.CreatedAt, time.Second)
}

func TestGameIDs(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestRooms()

	_, err := rm.Join(ctx, "u1", "g1", RolePlayer)
	require.NoError(t, err)
	_, err = rm.Join(ctx, "u2", "g2", RolePlayer)
	require.NoError(t, err)

	ids, err := rm.GameIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g2"}, ids)
}
