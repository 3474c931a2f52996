package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/abdelmounim-dev/gamesync/broker"
	"github.com/abdelmounim-dev/gamesync/config"
	"github.com/abdelmounim-dev/gamesync/manager"
	"github.com/abdelmounim-dev/gamesync/metrics"
	"github.com/abdelmounim-dev/gamesync/server"
	"github.com/abdelmounim-dev/gamesync/store"
	"github.com/abdelmounim-dev/gamesync/websocket"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize config
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	// Generate a unique ID for this server instance
	instanceID := uuid.New().String()
	log.Printf("Starting instance with ID: %s", instanceID)

	// The coordination store always lives in Redis in this architecture.
	redisClient, err := store.NewClient(cfg.Store)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	coordStore := store.NewRedis(redisClient, time.Duration(cfg.Store.OpTimeout)*time.Second)

	// --- Dynamic Broker Initialization ---
	var messageBroker broker.MessageBroker

	log.Printf("Initializing message broker of type: %s", cfg.Broker.Type)
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		// The Redis broker re-uses the same client as the store.
		messageBroker = broker.NewRedisBroker(redisClient)
	case "kafka":
		messageBroker, err = broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.GroupID)
		if err != nil {
			log.Fatalf("Failed to create Kafka broker: %v", err)
		}
	default:
		// This should be caught by config validation, but we check again as a safeguard.
		log.Fatalf("Invalid broker type specified: %s", cfg.Broker.Type)
	}
	defer messageBroker.Close()
	// --- End of Broker Initialization ---

	// Auth Initialization
	var jwtValidator *websocket.JWTValidator
	if cfg.Auth.Enabled {
		jwtValidator = websocket.NewJWTValidator(&cfg.Auth, coordStore)
		log.Println("JWT Authentication is ENABLED.")
	} else {
		log.Println("JWT Authentication is DISABLED.")
	}
	// --- End of Auth Initialization ---

	// Create the presence manager and start its background jobs
	mgr := manager.New(coordStore, messageBroker, instanceID, manager.Config{
		ConnectionTTL:     time.Duration(cfg.Presence.ConnectionTTL) * time.Second,
		SessionTTL:        time.Duration(cfg.Presence.SessionTTL) * time.Second,
		Staleness:         time.Duration(cfg.Presence.StalenessThreshold) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Presence.HeartbeatInterval) * time.Second,
		HeartbeatTTL:      time.Duration(cfg.Presence.HeartbeatTTL) * time.Second,
		SweepInterval:     time.Duration(cfg.Presence.SweepInterval) * time.Second,
	})
	if err := mgr.Start(); err != nil {
		log.Fatalf("Failed to start presence manager: %v", err)
	}

	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	// Initialize handlers
	handler := websocket.NewHandler(mgr, jwtValidator, &cfg.Auth)

	// Create and configure server
	port := ":" + strconv.Itoa(cfg.Server.Port)
	srv := server.NewServer(port, handler.HandleWebSocket,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second)

	go srv.Start()
	log.Println("Presence gateway started on " + port)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received")

	// Graceful shutdown: stop accepting sockets, then deregister local state.
	srv.Shutdown(ctx)
	mgr.Close()
}
