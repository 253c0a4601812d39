package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type ServerConfig struct {
	StoreBackend  string `env:"STORE_BACKEND" envDefault:"postgres"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisURL      string `env:"REDIS_URL"`
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"true"`
	AdminAPIKey   string `env:"ADMIN_API_KEY"`

	ShutdownTimeoutMS int `env:"SHUTDOWN_TIMEOUT_MS" envDefault:"10000"`
}

type SweeperConfig struct {
	Enabled           bool `env:"SWEEPER_ENABLED" envDefault:"true"`
	IntervalMS        int  `env:"SWEEP_INTERVAL_MS" envDefault:"5000"`
	DisconnectAfterMS int  `env:"DISCONNECT_AFTER_MS" envDefault:"30000"`
	TurnTimeoutMS     int  `env:"TURN_TIMEOUT_MS" envDefault:"120000"`
	BatchSize         int  `env:"SWEEP_BATCH_SIZE" envDefault:"200"`
}

func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	switch cfg.StoreBackend {
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return cfg, fmt.Errorf("POSTGRES_DSN is required for store backend %q", cfg.StoreBackend)
		}
	case BackendRedis:
		if cfg.RedisURL == "" {
			return cfg, fmt.Errorf("REDIS_URL is required for store backend %q", cfg.StoreBackend)
		}
	case BackendMemory:
	default:
		return cfg, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	return cfg, nil
}

func LoadSweeper() (SweeperConfig, error) {
	var cfg SweeperConfig
	err := env.Parse(&cfg)
	return cfg, err
}
