// Package health keeps each instance's liveness record fresh and sweeps up
// state left behind by instances that died without cleaning up.
package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/abdelmounim-dev/gamesync/store"
)

// HeartbeatKey returns the store key holding an instance's liveness record.
func HeartbeatKey(instanceID string) string {
	return fmt.Sprintf("server:%s:heartbeat", instanceID)
}

// Heartbeat periodically renews this instance's liveness key. If the process
// stops, the key's TTL lapses and the reaper treats the instance's
// connections as orphaned.
type Heartbeat struct {
	store      store.Store
	instanceID string
	interval   time.Duration
	ttl        time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeat creates a heartbeat writer. The TTL must exceed the interval
// or the key will flap; config validation enforces that.
func NewHeartbeat(s store.Store, instanceID string, interval, ttl time.Duration) *Heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	return &Heartbeat{
		store:      s,
		instanceID: instanceID,
		interval:   interval,
		ttl:        ttl,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start writes one beat immediately and then renews on every interval until
// Stop is called. Write failures are logged and retried on the next tick.
func (h *Heartbeat) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		if err := h.Beat(h.ctx); err != nil {
			log.Printf("Heartbeat write failed for %s: %v", h.instanceID, err)
		}

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				if err := h.Beat(h.ctx); err != nil {
					log.Printf("Heartbeat write failed for %s: %v", h.instanceID, err)
				}
			}
		}
	}()
}

// Beat writes the liveness record once.
func (h *Heartbeat) Beat(ctx context.Context) error {
	return h.store.Set(ctx, HeartbeatKey(h.instanceID), time.Now().UTC().Format(time.RFC3339), h.ttl)
}

// Stop halts renewal and removes the liveness key so other instances reap
// this one's leftovers promptly instead of waiting out the TTL.
func (h *Heartbeat) Stop() {
	h.cancel()
	h.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.Delete(ctx, HeartbeatKey(h.instanceID)); err != nil {
		log.Printf("Failed to remove heartbeat for %s: %v", h.instanceID, err)
	}
}
