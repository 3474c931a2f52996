// Package rooms maintains game room membership and lifecycle metadata in the
// coordination store. Membership lives in plain sets, so concurrent joins
// from different instances converge without read-modify-write races; the
// session record is advisory metadata created once via SetNX.
package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/abdelmounim-dev/gamesync/store"
)

// State is the room lifecycle state. The manager stores it opaquely; whether
// a given transition (or a join into a completed room) is legal is the game
// rule engine's call, not ours.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
)

// Role says how a user participates in a room.
type Role string

const (
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

// Session is the room metadata record stored at game:{id}:session.
type Session struct {
	ID              string    `json:"id"`
	State           State     `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	OwnerInstanceID string    `json:"owner_instance_id"`
}

// Rooms is the game room manager.
type Rooms struct {
	store      store.Store
	sessionTTL time.Duration
	instanceID string
	now        func() time.Time
}

// New creates a room manager. sessionTTL bounds how long an untouched room
// record survives in the store.
func New(s store.Store, sessionTTL time.Duration, instanceID string) *Rooms {
	return &Rooms{store: s, sessionTTL: sessionTTL, instanceID: instanceID, now: time.Now}
}

// SetClock replaces the manager's time source. Test helper.
func (r *Rooms) SetClock(now func() time.Time) {
	r.now = now
}

// PlayersKey returns the store key for a room's player set.
func PlayersKey(gameID string) string {
	return fmt.Sprintf("game:%s:players", gameID)
}

// SpectatorsKey returns the store key for a room's spectator set.
func SpectatorsKey(gameID string) string {
	return fmt.Sprintf("game:%s:spectators", gameID)
}

// SessionKey returns the store key for a room's metadata record.
func SessionKey(gameID string) string {
	return fmt.Sprintf("game:%s:session", gameID)
}

// gameIDFromSessionKey inverts SessionKey.
func gameIDFromSessionKey(key string) string {
	return strings.TrimSuffix(strings.TrimPrefix(key, "game:"), ":session")
}

// Join adds a user to the room under the given role, creating the room lazily
// on first join. Joining twice is a no-op beyond refreshing activity. It
// reports whether this call created the room.
func (r *Rooms) Join(ctx context.Context, userID, gameID string, role Role) (created bool, err error) {
	created, err = r.ensureSession(ctx, gameID)
	if err != nil {
		return false, err
	}

	addKey, remKey := PlayersKey(gameID), SpectatorsKey(gameID)
	if role == RoleSpectator {
		addKey, remKey = remKey, addKey
	}
	if _, err := r.store.SAdd(ctx, addKey, userID); err != nil {
		return created, err
	}
	// A user is a player or a spectator, never both.
	if err := r.store.SRem(ctx, remKey, userID); err != nil {
		return created, err
	}
	if err := r.TouchActivity(ctx, gameID); err != nil {
		return created, err
	}
	return created, nil
}

// Leave removes a user from both membership sets and reports whether the room
// emptied (in which case its record has been deleted). Leaving a room the
// user never joined, or one already deleted, is a successful no-op.
func (r *Rooms) Leave(ctx context.Context, userID, gameID string) (emptied bool, err error) {
	if err := r.store.SRem(ctx, PlayersKey(gameID), userID); err != nil {
		return false, err
	}
	if err := r.store.SRem(ctx, SpectatorsKey(gameID), userID); err != nil {
		return false, err
	}

	empty, err := r.Empty(ctx, gameID)
	if err != nil {
		return false, err
	}
	if !empty {
		return false, r.TouchActivity(ctx, gameID)
	}
	if err := r.Delete(ctx, gameID); err != nil {
		return false, err
	}
	return true, nil
}

// Players returns the room's player set.
func (r *Rooms) Players(ctx context.Context, gameID string) ([]string, error) {
	return r.store.SMembers(ctx, PlayersKey(gameID))
}

// Spectators returns the room's spectator set.
func (r *Rooms) Spectators(ctx context.Context, gameID string) ([]string, error) {
	return r.store.SMembers(ctx, SpectatorsKey(gameID))
}

// Members returns players and spectators combined.
func (r *Rooms) Members(ctx context.Context, gameID string) ([]string, error) {
	players, err := r.Players(ctx, gameID)
	if err != nil {
		return nil, err
	}
	spectators, err := r.Spectators(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return append(players, spectators...), nil
}

// Empty reports whether the room has neither players nor spectators.
func (r *Rooms) Empty(ctx context.Context, gameID string) (bool, error) {
	players, err := r.store.SCard(ctx, PlayersKey(gameID))
	if err != nil {
		return false, err
	}
	if players > 0 {
		return false, nil
	}
	spectators, err := r.store.SCard(ctx, SpectatorsKey(gameID))
	if err != nil {
		return false, err
	}
	return spectators == 0, nil
}

// Session returns the room's metadata record, or ok=false if the room does
// not exist.
func (r *Rooms) Session(ctx context.Context, gameID string) (*Session, bool, error) {
	raw, ok, err := r.store.Get(ctx, SessionKey(gameID))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var session Session
	if jerr := json.Unmarshal([]byte(raw), &session); jerr != nil {
		return nil, false, fmt.Errorf("malformed session record for %s: %v", gameID, jerr)
	}
	return &session, true, nil
}

// UpdateState writes the room's state verbatim. Called by the game rule
// collaborator; membership changes never touch state. Updating a room that no
// longer exists is a no-op.
func (r *Rooms) UpdateState(ctx context.Context, gameID string, state State) error {
	session, ok, err := r.Session(ctx, gameID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	session.State = state
	session.LastActivity = r.now()
	return r.writeSession(ctx, session)
}

// TouchActivity refreshes the room's last-activity timestamp and TTL. A
// missing room is a no-op.
func (r *Rooms) TouchActivity(ctx context.Context, gameID string) error {
	session, ok, err := r.Session(ctx, gameID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	session.LastActivity = r.now()
	return r.writeSession(ctx, session)
}

// Delete removes every key belonging to the room. Idempotent.
func (r *Rooms) Delete(ctx context.Context, gameID string) error {
	return r.store.Delete(ctx, PlayersKey(gameID), SpectatorsKey(gameID), SessionKey(gameID))
}

// GameIDs lists every room with a session record in the store.
func (r *Rooms) GameIDs(ctx context.Context) ([]string, error) {
	keys, err := r.store.Scan(ctx, "game:*:session")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, gameIDFromSessionKey(key))
	}
	return ids, nil
}

// ensureSession creates the session record if absent. SetNX keeps concurrent
// first joins from clobbering each other: the loser just refreshes activity.
func (r *Rooms) ensureSession(ctx context.Context, gameID string) (created bool, err error) {
	now := r.now()
	session := Session{
		ID:              gameID,
		State:           StateWaiting,
		CreatedAt:       now,
		LastActivity:    now,
		OwnerInstanceID: r.instanceID,
	}
	data, err := json.Marshal(session)
	if err != nil {
		return false, fmt.Errorf("failed to marshal session: %w", err)
	}
	created, err = r.store.SetNX(ctx, SessionKey(gameID), string(data), r.sessionTTL)
	if err != nil {
		return false, err
	}
	if created {
		log.Printf("Room %s created by instance %s", gameID, r.instanceID)
	}
	return created, nil
}

func (r *Rooms) writeSession(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return r.store.Set(ctx, SessionKey(session.ID), string(data), r.sessionTTL)
}
