// Package config loads the service configuration from the environment,
// after merging an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/ggoodman/quizrace/internal/logctx"
	"github.com/ggoodman/quizrace/orchestrator"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the complete service configuration. Defaults are provided via
// struct tags.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`

	// LiveBackend selects where the bus and the live session state live.
	LiveBackend    string `env:"LIVE_BACKEND,default=redis"`
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB,default=0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX"`

	// RecordsBackend selects the durable session store.
	RecordsBackend string `env:"RECORDS_BACKEND,default=memory"`
	DatabaseURL    string `env:"DATABASE_URL"`

	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER,default=quizrace"`

	WSReadLimit int64 `env:"WS_READ_LIMIT,default=65536"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	Orchestrator orchestrator.Config
}

// Load reads .env when present and decodes the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the selected backends are configured.
func (c *Config) Validate() error {
	switch c.LiveBackend {
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR is required for the redis live backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown LIVE_BACKEND %q", c.LiveBackend)
	}
	switch c.RecordsBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres records backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown RECORDS_BACKEND %q", c.RecordsBackend)
	}
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// Level maps LOG_LEVEL onto a slog level. Unknown values mean info.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// NewLogger builds the service logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level()}
	var h slog.Handler
	if strings.EqualFold(c.LogFormat, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}
