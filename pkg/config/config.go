// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	JWTTTLHrs int    `envconfig:"JWT_TTL_HOURS" default:"24"`

	// Empty hosts select the in-memory store (development mode).
	ScyllaHosts    []string `envconfig:"SCYLLA_HOSTS"`
	ScyllaKeyspace string   `envconfig:"SCYLLA_KEYSPACE" default:"vartalap"`

	// Empty addr disables the Redis presence tracker.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	// Empty brokers disable the multi-gateway Kafka bridge.
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"vartalap-events"`

	UploadDir     string `envconfig:"UPLOAD_DIR" default:"uploads"`
	MaxUploadSize int64  `envconfig:"MAX_UPLOAD_SIZE" default:"10485760"`
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
