// Package config loads Erebus runtime configuration from environment
// variables and an optional config file using viper.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration for an Erebus broker process.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Redis   RedisConfig   `mapstructure:"redis"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Grant   GrantConfig   `mapstructure:"grant"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains network level settings for the gateway's HTTP/WS listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	DefaultRegion string       `mapstructure:"default_region"`
}

// BrokerConfig controls per-(project,channel) broker behaviour and the
// numeric bounds named in spec §3/§4.
type BrokerConfig struct {
	Region                 string        `mapstructure:"region"`
	MessageTTL             time.Duration `mapstructure:"message_ttl"`
	PruneLimit             int           `mapstructure:"prune_limit"`
	GetAfterLimit          int           `mapstructure:"get_after_limit"`
	MaxSubscribersPerTopic int           `mapstructure:"max_subscribers_per_topic"`
	BroadcastBatchSize     int           `mapstructure:"broadcast_batch_size"`
	BackpressureHighBytes  int           `mapstructure:"backpressure_high_bytes"`
	BackpressureLowBytes   int           `mapstructure:"backpressure_low_bytes"`
	CommandQueueSize       int           `mapstructure:"command_queue_size"`
	PeerRPCTimeout         time.Duration `mapstructure:"peer_rpc_timeout"`
}

// RedisConfig points at the single Redis instance that holds both the
// broker-local state and the global registry.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig controls the peer-broker RPC transport (§4.H step 4).
type NATSConfig struct {
	URL             string        `mapstructure:"url"`
	MaxReconnects   int           `mapstructure:"max_reconnects"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait"`
	ReconnectJitter time.Duration `mapstructure:"reconnect_jitter"`
}

// GrantConfig configures grant JWT verification (§4.F).
type GrantConfig struct {
	PublicKeyPEM string `mapstructure:"public_key_pem"`
	RootAPIKey   string `mapstructure:"root_api_key"`
}

// WebhookConfig configures the usage-event sink (§4.G′ Queue drain).
type WebhookConfig struct {
	URL            string        `mapstructure:"url"`
	HMACSecret     string        `mapstructure:"hmac_secret"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads an optional local `.env` file, then environment variables
// prefixed EREBUS_, then an optional erebus.{yaml,json} config file, the
// way ws/config.go loads .env before its own env-var parsing and
// go-server-3/internal/config.Load structures the viper defaults.
func Load() (Config, error) {
	_ = godotenv.Load() // no .env file is the expected case in production

	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.default_region", "us-east")

	v.SetDefault("broker.region", "us-east")
	v.SetDefault("broker.message_ttl", 72*time.Hour)
	v.SetDefault("broker.prune_limit", 128)
	v.SetDefault("broker.get_after_limit", 1000)
	v.SetDefault("broker.max_subscribers_per_topic", 5120)
	v.SetDefault("broker.broadcast_batch_size", 10)
	v.SetDefault("broker.backpressure_high_bytes", 100*1024)
	v.SetDefault("broker.backpressure_low_bytes", 10*1024)
	v.SetDefault("broker.command_queue_size", 1024)
	v.SetDefault("broker.peer_rpc_timeout", 2*time.Second)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.reconnect_jitter", 500*time.Millisecond)

	v.SetDefault("webhook.flush_interval", 5*time.Second)
	v.SetDefault("webhook.batch_size", 100)
	v.SetDefault("webhook.rate_per_second", 50.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("erebus")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("EREBUS")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Broker.MaxSubscribersPerTopic <= 0 {
		cfg.Broker.MaxSubscribersPerTopic = 5120
	}
	if cfg.Broker.BroadcastBatchSize <= 0 {
		cfg.Broker.BroadcastBatchSize = 10
	}
	if cfg.Broker.PruneLimit <= 0 {
		cfg.Broker.PruneLimit = 128
	}
	if cfg.Broker.GetAfterLimit <= 0 || cfg.Broker.GetAfterLimit > 1000 {
		cfg.Broker.GetAfterLimit = 1000
	}

	return cfg, nil
}
