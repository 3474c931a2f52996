// Package registry tracks which sockets each user currently holds and which
// instance owns each one. All state lives in the coordination store so every
// instance sees the same picture: one hash per user plus a global set of
// online user IDs.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/abdelmounim-dev/gamesync/store"
)

// OnlineUsersKey is the store set holding every currently-connected user ID.
const OnlineUsersKey = "online:users"

// ErrNotConnected is returned when an operation references a socket that was
// never registered (or has already expired). Callers must treat the user as
// not yet connected rather than assume success.
var ErrNotConnected = errors.New("socket not registered")

// Connection is the per-socket record stored as one hash field under
// connections:{userId}.
type Connection struct {
	GameIDs         []string  `json:"game_ids"`
	LastSeen        time.Time `json:"last_seen"`
	OwnerInstanceID string    `json:"owner_instance_id"`
}

// Registry is the connection registry. Safe for concurrent use; every method
// is a store round-trip.
type Registry struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a registry whose connection records expire after ttl unless
// refreshed by Touch or another mutation.
func New(s store.Store, ttl time.Duration) *Registry {
	return &Registry{store: s, ttl: ttl, now: time.Now}
}

// SetClock replaces the registry's time source. Test helper.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// ConnectionsKey returns the store key holding a user's socket hash.
func ConnectionsKey(userID string) string {
	return fmt.Sprintf("connections:%s", userID)
}

// Connect registers a socket for a user and marks the user online. Calling it
// again for the same socket just refreshes timestamps and ownership. It
// reports whether this was the user's first live socket.
func (r *Registry) Connect(ctx context.Context, userID, socketID, instanceID string) (wentOnline bool, err error) {
	key := ConnectionsKey(userID)

	conn := Connection{LastSeen: r.now(), OwnerInstanceID: instanceID}
	if raw, ok, err := r.store.HGet(ctx, key, socketID); err != nil {
		return false, err
	} else if ok {
		// Duplicate connect: keep the rooms the socket already joined.
		var existing Connection
		if jerr := json.Unmarshal([]byte(raw), &existing); jerr == nil {
			conn.GameIDs = existing.GameIDs
		}
	}

	if err := r.writeConnection(ctx, userID, socketID, conn); err != nil {
		return false, err
	}

	// SAdd's added count decides the online transition atomically: with a
	// separate membership check first, two instances registering the user's
	// first sockets could both see the user as offline.
	added, err := r.store.SAdd(ctx, OnlineUsersKey, userID)
	if err != nil {
		return false, err
	}
	return added > 0, nil
}

// Disconnect removes a socket record. It returns the rooms that socket had
// joined and whether the user is now fully offline. Disconnecting an unknown
// socket is a successful no-op.
func (r *Registry) Disconnect(ctx context.Context, userID, socketID string) (gameIDs []string, wentOffline bool, err error) {
	key := ConnectionsKey(userID)

	raw, ok, err := r.store.HGet(ctx, key, socketID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var conn Connection
	if jerr := json.Unmarshal([]byte(raw), &conn); jerr != nil {
		log.Printf("Dropping malformed connection record for %s/%s: %v", userID, socketID, jerr)
	}

	if err := r.store.HDel(ctx, key, socketID); err != nil {
		return nil, false, err
	}

	remaining, err := r.store.HLen(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if remaining > 0 {
		return conn.GameIDs, false, nil
	}

	if err := r.store.Delete(ctx, key); err != nil {
		return nil, false, err
	}
	if err := r.store.SRem(ctx, OnlineUsersKey, userID); err != nil {
		return nil, false, err
	}
	return conn.GameIDs, true, nil
}

// Touch refreshes a socket's last-seen timestamp and the hash TTL.
func (r *Registry) Touch(ctx context.Context, userID, socketID string) error {
	conn, err := r.get(ctx, userID, socketID)
	if err != nil {
		return err
	}
	conn.LastSeen = r.now()
	return r.writeConnection(ctx, userID, socketID, *conn)
}

// AddGame records that a socket joined a room. Fails with ErrNotConnected if
// the socket is not registered.
func (r *Registry) AddGame(ctx context.Context, userID, socketID, gameID string) error {
	conn, err := r.get(ctx, userID, socketID)
	if err != nil {
		return err
	}
	for _, id := range conn.GameIDs {
		if id == gameID {
			conn.LastSeen = r.now()
			return r.writeConnection(ctx, userID, socketID, *conn)
		}
	}
	conn.GameIDs = append(conn.GameIDs, gameID)
	conn.LastSeen = r.now()
	return r.writeConnection(ctx, userID, socketID, *conn)
}

// RemoveGame clears a room from every socket the user holds. Used by explicit
// leaves, which are user-level rather than socket-level.
func (r *Registry) RemoveGame(ctx context.Context, userID, gameID string) error {
	conns, err := r.UserConnections(ctx, userID)
	if err != nil {
		return err
	}
	for socketID, conn := range conns {
		kept := conn.GameIDs[:0]
		for _, id := range conn.GameIDs {
			if id != gameID {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(conn.GameIDs) {
			continue
		}
		conn.GameIDs = kept
		if err := r.writeConnection(ctx, userID, socketID, conn); err != nil {
			return err
		}
	}
	return nil
}

// OtherSocketsInGame reports whether any socket of the user besides
// excludeSocketID still references the room. Disconnect uses this to decide
// if the user should actually leave the room.
func (r *Registry) OtherSocketsInGame(ctx context.Context, userID, gameID, excludeSocketID string) (bool, error) {
	conns, err := r.UserConnections(ctx, userID)
	if err != nil {
		return false, err
	}
	for socketID, conn := range conns {
		if socketID == excludeSocketID {
			continue
		}
		for _, id := range conn.GameIDs {
			if id == gameID {
				return true, nil
			}
		}
	}
	return false, nil
}

// UserConnections returns every live socket record for a user. Malformed
// records are logged and skipped.
func (r *Registry) UserConnections(ctx context.Context, userID string) (map[string]Connection, error) {
	fields, err := r.store.HGetAll(ctx, ConnectionsKey(userID))
	if err != nil {
		return nil, err
	}
	conns := make(map[string]Connection, len(fields))
	for socketID, raw := range fields {
		var conn Connection
		if jerr := json.Unmarshal([]byte(raw), &conn); jerr != nil {
			log.Printf("Skipping malformed connection record for %s/%s: %v", userID, socketID, jerr)
			continue
		}
		conns[socketID] = conn
	}
	return conns, nil
}

// IsOnline reports whether the user has at least one registered socket.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	return r.store.SIsMember(ctx, OnlineUsersKey, userID)
}

// OnlineUsers returns every user ID in the online set.
func (r *Registry) OnlineUsers(ctx context.Context) ([]string, error) {
	return r.store.SMembers(ctx, OnlineUsersKey)
}

// OnlineCount returns the size of the online set.
func (r *Registry) OnlineCount(ctx context.Context) (int64, error) {
	return r.store.SCard(ctx, OnlineUsersKey)
}

func (r *Registry) get(ctx context.Context, userID, socketID string) (*Connection, error) {
	raw, ok, err := r.store.HGet(ctx, ConnectionsKey(userID), socketID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: user %s socket %s", ErrNotConnected, userID, socketID)
	}
	var conn Connection
	if jerr := json.Unmarshal([]byte(raw), &conn); jerr != nil {
		return nil, fmt.Errorf("malformed connection record for %s/%s: %v", userID, socketID, jerr)
	}
	return &conn, nil
}

func (r *Registry) writeConnection(ctx context.Context, userID, socketID string, conn Connection) error {
	key := ConnectionsKey(userID)
	data, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("failed to marshal connection: %w", err)
	}
	if err := r.store.HSet(ctx, key, socketID, string(data)); err != nil {
		return err
	}
	return r.store.Expire(ctx, key, r.ttl)
}
