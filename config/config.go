package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	Environment    string   `env:"ENVIRONMENT" envDefault:"development"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5173"`
	JWTSecret      string   `env:"JWT_SECRET" envDefault:"change-me-in-production"`

	// PresenceTTL bounds staleness when a disconnect event is missed.
	PresenceTTL time.Duration `env:"PRESENCE_TTL" envDefault:"1h"`

	// DocumentGrace is how long an empty document room survives before
	// teardown; a reconnect within the window keeps the document alive.
	DocumentGrace time.Duration `env:"DOCUMENT_GRACE" envDefault:"30s"`

	// SnapshotDebounce is the quiet period after the last edit before a
	// document snapshot is written to the store.
	SnapshotDebounce time.Duration `env:"SNAPSHOT_DEBOUNCE" envDefault:"10s"`

	Redis RedisConfig `envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB" envDefault:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
