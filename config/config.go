// Package config loads client configuration from HEADTAG_* environment
// variables. Flags in cmd override individual fields.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ServerURL string `env:"HEADTAG_SERVER_URL" envDefault:"http://localhost:8080"`
	StatePath string `env:"HEADTAG_STATE_PATH" envDefault:"headtag.db"`
	LogLevel  string `env:"HEADTAG_LOG_LEVEL" envDefault:"info"`

	HeartbeatInterval time.Duration `env:"HEADTAG_HEARTBEAT_INTERVAL" envDefault:"30s"`
	ReconnectBase     time.Duration `env:"HEADTAG_RECONNECT_BASE" envDefault:"1s"`
	ReconnectCap      time.Duration `env:"HEADTAG_RECONNECT_CAP" envDefault:"10s"`
	MaxReconnects     int           `env:"HEADTAG_MAX_RECONNECTS" envDefault:"5"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("cannot parse environment: %w", err)
	}
	return cfg, nil
}
