package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	RedisURL  string `env:"REDIS_URL"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Namespace prefixes the room adapter channel and every presence/auth key.
	// Defaults to AppEnv so staging and production can share one Redis.
	Namespace string `env:"GATEWAY_NAMESPACE"`

	InternalAPIKey string `env:"INTERNAL_API_KEY"`

	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" default:"5s"`
	PresenceCacheTTL    time.Duration `env:"PRESENCE_CACHE_TTL" default:"2s"`
	PresenceTTL         time.Duration `env:"PRESENCE_TTL" default:"24h"`

	MaxWebSocketConnections int      `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	AllowedOrigins          []string `env:"WEBSOCKET_ALLOWED_ORIGINS"`
	ClientEventRate         float64  `env:"CLIENT_EVENT_RATE" default:"20"`

	// Per-IP limit on websocket handshakes.
	HandshakeRate  float64 `env:"WEBSOCKET_HANDSHAKE_RATE" default:"5"`
	HandshakeBurst int     `env:"WEBSOCKET_HANDSHAKE_BURST" default:"20"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = cfg.AppEnv
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}

	u, err := url.Parse(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("REDIS_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return fmt.Errorf("REDIS_URL must use redis:// or rediss://, got %q", u.Scheme)
	}

	if cfg.AppEnv == "production" && cfg.InternalAPIKey == "" {
		return errors.New("INTERNAL_API_KEY is required in production")
	}

	if strings.ContainsAny(cfg.Namespace, " :") {
		return fmt.Errorf("GATEWAY_NAMESPACE must not contain spaces or colons, got %q", cfg.Namespace)
	}

	if cfg.HealthCheckInterval < time.Second {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL must be at least 1s, got %s", cfg.HealthCheckInterval)
	}
	if cfg.PresenceCacheTTL < 0 {
		return errors.New("PRESENCE_CACHE_TTL must not be negative")
	}
	if cfg.PresenceTTL <= 0 {
		return errors.New("PRESENCE_TTL must be positive")
	}
	if cfg.MaxWebSocketConnections <= 0 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be positive")
	}
	if cfg.ClientEventRate <= 0 {
		return errors.New("CLIENT_EVENT_RATE must be positive")
	}
	if cfg.HandshakeRate <= 0 || cfg.HandshakeBurst <= 0 {
		return errors.New("WEBSOCKET_HANDSHAKE_RATE and WEBSOCKET_HANDSHAKE_BURST must be positive")
	}

	return nil
}
