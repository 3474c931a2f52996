package config

import "github.com/spf13/viper"

func setDefaults() {
	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 15)
	viper.SetDefault("server.writeTimeout", 15)

	// Coordination store
	viper.SetDefault("store.address", "localhost:6379")
	viper.SetDefault("store.db", 0)
	viper.SetDefault("store.poolSize", 100)
	viper.SetDefault("store.poolTimeout", 5)
	viper.SetDefault("store.opTimeout", 5)

	// Broker
	viper.SetDefault("broker.type", "redis")
	viper.SetDefault("broker.kafka.groupID", "gamesync")

	// Presence bookkeeping
	viper.SetDefault("presence.connectionTTL", 90)
	viper.SetDefault("presence.sessionTTL", 3600)
	viper.SetDefault("presence.stalenessThreshold", 60)
	viper.SetDefault("presence.heartbeatInterval", 10)
	viper.SetDefault("presence.heartbeatTTL", 30)
	viper.SetDefault("presence.sweepInterval", 30)

	// Auth
	viper.SetDefault("auth.enabled", false) // Default to off for security
	viper.SetDefault("auth.jwtSecret", "default-secret")
	viper.SetDefault("auth.tokenQueryParam", "token")
	viper.SetDefault("auth.revocationListKey", "jwt:revoked")

	// WebSocket
	viper.SetDefault("websocket.maxConnections", 10000)
	viper.SetDefault("websocket.messageSizeLimit", 2048)
	viper.SetDefault("websocket.handshakeTimeout", 10)
	viper.SetDefault("websocket.pingInterval", 25)
	viper.SetDefault("websocket.pongTimeout", 30)
	viper.SetDefault("websocket.activityTimeout", 60)
	viper.SetDefault("websocket.writeTimeout", 10)
	viper.SetDefault("websocket.keepAlive", true)

	// Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")
}
