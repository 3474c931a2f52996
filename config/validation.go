package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	// Validate store config
	if c.Store.Address == "" {
		return errors.New("store address must be specified")
	}
	if c.Store.OpTimeout < 1 {
		return errors.New("store opTimeout must be at least 1 second")
	}

	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	// Validate broker configuration
	switch strings.ToLower(c.Broker.Type) {
	case "redis":
		// The Redis broker shares the store's client; the store address
		// check above covers it.
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis' or 'kafka'", c.Broker.Type)
	}

	// Validate presence bookkeeping intervals
	if c.Presence.HeartbeatInterval < 1 || c.Presence.SweepInterval < 1 {
		return errors.New("heartbeat and sweep intervals must be at least 1 second")
	}
	if c.Presence.HeartbeatTTL <= c.Presence.HeartbeatInterval {
		return errors.New("heartbeat TTL must be greater than the heartbeat interval")
	}
	if c.Presence.ConnectionTTL <= c.Presence.StalenessThreshold {
		return errors.New("connection TTL must be greater than the staleness threshold")
	}
	if c.Presence.StalenessThreshold <= c.WebSocket.PingInterval {
		return errors.New("staleness threshold should be greater than the websocket ping interval")
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}

	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "GAMESYNC_PORT")

	// Coordination store
	viper.BindEnv("store.address", "GAMESYNC_STORE_ADDRESS")
	viper.BindEnv("store.password", "GAMESYNC_STORE_PASSWORD")
	viper.BindEnv("store.db", "GAMESYNC_STORE_DB")
	viper.BindEnv("store.opTimeout", "GAMESYNC_STORE_OP_TIMEOUT")

	// Broker
	viper.BindEnv("broker.type", "GAMESYNC_BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "GAMESYNC_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.groupID", "GAMESYNC_KAFKA_GROUPID")

	// Presence bookkeeping
	viper.BindEnv("presence.connectionTTL", "GAMESYNC_CONNECTION_TTL")
	viper.BindEnv("presence.sessionTTL", "GAMESYNC_SESSION_TTL")
	viper.BindEnv("presence.stalenessThreshold", "GAMESYNC_STALENESS_THRESHOLD")
	viper.BindEnv("presence.heartbeatInterval", "GAMESYNC_HEARTBEAT_INTERVAL")
	viper.BindEnv("presence.heartbeatTTL", "GAMESYNC_HEARTBEAT_TTL")
	viper.BindEnv("presence.sweepInterval", "GAMESYNC_SWEEP_INTERVAL")

	// Auth
	viper.BindEnv("auth.enabled", "GAMESYNC_AUTH_ENABLED")
	viper.BindEnv("auth.jwtSecret", "GAMESYNC_AUTH_JWT_SECRET")
	viper.BindEnv("auth.tokenQueryParam", "GAMESYNC_AUTH_TOKEN_PARAM")
	viper.BindEnv("auth.revocationListKey", "GAMESYNC_AUTH_REVOCATION_KEY")

	// WebSocket
	viper.BindEnv("websocket.maxConnections", "GAMESYNC_MAX_CONNECTIONS")
	viper.BindEnv("websocket.handshakeTimeout", "GAMESYNC_HANDSHAKE_TIMEOUT")
	viper.BindEnv("websocket.pingInterval", "GAMESYNC_PING_INTERVAL")
	viper.BindEnv("websocket.pongTimeout", "GAMESYNC_PONG_TIMEOUT")
	viper.BindEnv("websocket.activityTimeout", "GAMESYNC_ACTIVITY_TIMEOUT")
	viper.BindEnv("websocket.writeTimeout", "GAMESYNC_WRITE_TIMEOUT")
}
