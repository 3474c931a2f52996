package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Store     StoreConfig
	Broker    BrokerConfig
	Presence  PresenceConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

type StoreConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int
	OpTimeout   int // Seconds, per-command bound
}

type BrokerConfig struct {
	Type  string // "redis" or "kafka"
	Kafka KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// PresenceConfig holds the cross-instance bookkeeping knobs, all in seconds.
type PresenceConfig struct {
	ConnectionTTL      int // connection hash expiry unless touched
	SessionTTL         int // room record expiry unless touched
	StalenessThreshold int // last-seen age before the reaper removes a socket
	HeartbeatInterval  int
	HeartbeatTTL       int
	SweepInterval      int
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	KeepAlive        bool
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("GAMESYNC")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			initErr = fmt.Errorf("config file error: %w", err)
			return
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
