package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// RedisURL selects the cluster broker; empty runs the in-process broker.
	RedisURL           string `env:"REDIS_URL"`
	RedisChannelPrefix string `env:"REDIS_CHANNEL_PREFIX" default:"moodchat"`

	MaxWebSocketConnections int `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRatePerIP     int `env:"CONNECTION_RATE_PER_IP" default:"10"`
	ConnectionRateBurst     int `env:"CONNECTION_RATE_BURST" default:"20"`
	MaxClientsPerRoom       int `env:"MAX_CLIENTS_PER_ROOM" default:"500"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.IsProduction() {
		required := []struct{ name, value string }{
			{"APP_URL", cfg.AppURL},
			{"REDIS_URL", cfg.RedisURL},
		}
		for _, r := range required {
			if r.value == "" {
				return fmt.Errorf("%s is required in production", r.name)
			}
		}
	}

	if cfg.AppURL != "" {
		u, err := url.Parse(cfg.AppURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("APP_URL must be an absolute URL, got %q", cfg.AppURL)
		}
	}

	if cfg.RedisChannelPrefix == "" {
		return errors.New("REDIS_CHANNEL_PREFIX must not be empty")
	}

	positive := []struct {
		name  string
		value int
	}{
		{"MAX_WEBSOCKET_CONNECTIONS", cfg.MaxWebSocketConnections},
		{"MAX_CONNECTIONS_PER_IP", cfg.MaxConnectionsPerIP},
		{"CONNECTION_RATE_PER_IP", cfg.ConnectionRatePerIP},
		{"CONNECTION_RATE_BURST", cfg.ConnectionRateBurst},
		{"MAX_CLIENTS_PER_ROOM", cfg.MaxClientsPerRoom},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", cfg.ShutdownTimeout)
	}

	return nil
}
