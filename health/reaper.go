package health

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/abdelmounim-dev/gamesync/metrics"
	"github.com/abdelmounim-dev/gamesync/registry"
	"github.com/abdelmounim-dev/gamesync/rooms"
	"github.com/abdelmounim-dev/gamesync/store"
)

// Cleaner is the facade surface the reaper removes state through. Using the
// same idempotent path as an explicit disconnect means a sweep racing a live
// client removes nothing beyond the staleness window.
type Cleaner interface {
	Disconnect(ctx context.Context, userID, socketID string) error
}

// Reaper compensates for instances that crashed without disconnecting their
// sockets. Every instance runs one; redundant sweeps are harmless because all
// removal paths are idempotent.
type Reaper struct {
	store     store.Store
	registry  *registry.Registry
	rooms     *rooms.Rooms
	cleaner   Cleaner
	staleness time.Duration
	roomTTL   time.Duration
	interval  time.Duration
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a reaper. staleness bounds how long a connection may go
// untouched; roomTTL bounds how long an inactive room with no online members
// survives.
func NewReaper(s store.Store, reg *registry.Registry, rm *rooms.Rooms, cleaner Cleaner, staleness, roomTTL, interval time.Duration) *Reaper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		store:     s,
		registry:  reg,
		rooms:     rm,
		cleaner:   cleaner,
		staleness: staleness,
		roomTTL:   roomTTL,
		interval:  interval,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetClock replaces the reaper's time source. Test helper.
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Start runs SweepOnce on every interval until Stop. Sweep failures are
// logged and retried on the next cycle.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(r.ctx, r.interval)
				if err := r.SweepOnce(ctx); err != nil {
					log.Printf("Sweep failed: %v", err)
				}
				cancel()
			}
		}
	}()
}

// Stop halts the periodic sweep.
func (r *Reaper) Stop() {
	r.cancel()
	r.wg.Wait()
}

// SweepOnce removes stale and orphaned connections, then stale and empty
// rooms. It is the exact code path the periodic timer runs and is safe to
// call directly (tests do). Per-entry failures are collected, not fatal.
func (r *Reaper) SweepOnce(ctx context.Context) error {
	var errs []error

	if err := r.sweepConnections(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.sweepRooms(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("sweep errors: %v", errs)
	}
	return nil
}

// sweepConnections disconnects every socket whose last-seen timestamp is past
// the staleness threshold or whose owning instance no longer heartbeats.
func (r *Reaper) sweepConnections(ctx context.Context) error {
	keys, err := r.store.Scan(ctx, "connections:*")
	if err != nil {
		return err
	}

	var errs []error
	alive := make(map[string]bool) // heartbeat lookups, cached per sweep
	cutoff := r.now().Add(-r.staleness)

	for _, key := range keys {
		userID := strings.TrimPrefix(key, "connections:")
		conns, err := r.registry.UserConnections(ctx, userID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for socketID, conn := range conns {
			stale := conn.LastSeen.Before(cutoff)
			orphaned, err := r.instanceDead(ctx, alive, conn.OwnerInstanceID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !stale && !orphaned {
				continue
			}
			log.Printf("Reaping connection %s/%s (stale=%t orphaned=%t owner=%s)",
				userID, socketID, stale, orphaned, conn.OwnerInstanceID)
			if err := r.cleaner.Disconnect(ctx, userID, socketID); err != nil {
				errs = append(errs, err)
				continue
			}
			metrics.SweepRemovedConnections.Inc()
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("connection sweep: %v", errs)
	}
	return nil
}

// sweepRooms deletes rooms with no members, and rooms past their activity
// TTL whose remaining members are all offline.
func (r *Reaper) sweepRooms(ctx context.Context) error {
	gameIDs, err := r.rooms.GameIDs(ctx)
	if err != nil {
		return err
	}

	var errs []error
	cutoff := r.now().Add(-r.roomTTL)

	for _, gameID := range gameIDs {
		remove, err := r.roomReapable(ctx, gameID, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !remove {
			continue
		}
		log.Printf("Reaping room %s", gameID)
		if err := r.rooms.Delete(ctx, gameID); err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.SweepRemovedRooms.Inc()
	}

	if len(errs) > 0 {
		return fmt.Errorf("room sweep: %v", errs)
	}
	return nil
}

func (r *Reaper) roomReapable(ctx context.Context, gameID string, cutoff time.Time) (bool, error) {
	empty, err := r.rooms.Empty(ctx, gameID)
	if err != nil {
		return false, err
	}
	if empty {
		return true, nil
	}

	session, ok, err := r.rooms.Session(ctx, gameID)
	if err != nil {
		return false, err
	}
	if !ok || !session.LastActivity.Before(cutoff) {
		return false, nil
	}

	// Inactive past the TTL: reap only if nobody in it is still online.
	members, err := r.rooms.Members(ctx, gameID)
	if err != nil {
		return false, err
	}
	for _, userID := range members {
		online, err := r.registry.IsOnline(ctx, userID)
		if err != nil {
			return false, err
		}
		if online {
			return false, nil
		}
	}
	return true, nil
}

func (r *Reaper) instanceDead(ctx context.Context, cache map[string]bool, instanceID string) (bool, error) {
	if instanceID == "" {
		return false, nil
	}
	if alive, ok := cache[instanceID]; ok {
		return !alive, nil
	}
	alive, err := r.store.Exists(ctx, HeartbeatKey(instanceID))
	if err != nil {
		return false, err
	}
	cache[instanceID] = alive
	return !alive, nil
}
