// File: metrics/metrics.go
package metrics

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Presence Metrics
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_online_users",
		Help: "The current number of users with at least one live connection.",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_connections_active",
		Help: "The current number of sockets registered by this instance.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_connections_total",
		Help: "The total number of sockets registered by this instance.",
	})

	// Room Metrics
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rooms_active",
		Help: "The current number of rooms with a local subscription.",
	})
	RoomJoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rooms_joins_total",
		Help: "The total number of room joins processed by this instance.",
	})

	// Event Bus Metrics
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "The total number of game events broadcast by this instance.",
	})
	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_delivered_total",
		Help: "The total number of game events delivered to local handlers.",
	})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_dropped_total",
		Help: "The total number of malformed event payloads dropped on receive.",
	})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})

	// Reaper Metrics
	SweepRemovedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweep_removed_connections_total",
		Help: "The total number of stale connections removed by the reaper.",
	})
	SweepRemovedRooms = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweep_removed_rooms_total",
		Help: "The total number of stale or empty rooms removed by the reaper.",
	})

	// Auth Metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_success_total",
		Help: "The total number of successful authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) {
	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Printf("Starting metrics server on %s%s", addr, path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Fatalf("Failed to start metrics server: %v", err)
		}
	}()
}
