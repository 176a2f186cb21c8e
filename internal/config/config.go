package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"piccollab/internal/hub"
	"piccollab/internal/logging"
	dbconfig "piccollab/pkg/database"
)

// EnvPrefix namespaces every environment variable read by LoadFromEnv.
const EnvPrefix = "PICCOLLAB_"

// Config is the full server configuration.
type Config struct {
	Database  DatabaseConfig  `json:"database" envPrefix:"DATABASE_"`
	HTTP      HTTPConfig      `json:"http" envPrefix:"HTTP_"`
	WebSocket WebSocketConfig `json:"websocket" envPrefix:"WEBSOCKET_"`
	Queue     QueueConfig     `json:"queue" envPrefix:"QUEUE_"`
	RateLimit RateLimitConfig `json:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Auth      AuthConfig      `json:"auth" envPrefix:"AUTH_"`
	Log       logging.Config  `json:"log" envPrefix:"LOG_"`
}

type DatabaseConfig struct {
	Path            string   `json:"path" env:"PATH" validate:"required"`
	MaxConnections  int      `json:"max_connections" env:"MAX_CONNECTIONS" validate:"min=1"`
	WriteBuffer     int      `json:"write_buffer" env:"WRITE_BUFFER" validate:"min=1"`
	WriteRetryDelay Duration `json:"write_retry_delay" env:"WRITE_RETRY_DELAY" validate:"min=0"`
}

type HTTPConfig struct {
	Host            string   `json:"host" env:"HOST" validate:"required"`
	Port            int      `json:"port" env:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     Duration `json:"read_timeout" env:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    Duration `json:"write_timeout" env:"WRITE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	// AllowedOrigins limits WebSocket upgrades by Origin header; empty allows all.
	AllowedOrigins []string `json:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

type WebSocketConfig struct {
	PingInterval   Duration `json:"ping_interval" env:"PING_INTERVAL" validate:"gt=0,ltfield=ReadTimeout"`
	ReadTimeout    Duration `json:"read_timeout" env:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout   Duration `json:"write_timeout" env:"WRITE_TIMEOUT" validate:"gt=0"`
	SendBuffer     int      `json:"send_buffer" env:"SEND_BUFFER" validate:"min=1"`
	MaxMessageSize int64    `json:"max_message_size" env:"MAX_MESSAGE_SIZE" validate:"min=64"`
}

type QueueConfig struct {
	Workers  int    `json:"workers" env:"WORKERS" validate:"min=1"`
	Capacity int    `json:"capacity" env:"CAPACITY" validate:"min=1"`
	Dispatch string `json:"dispatch" env:"DISPATCH" validate:"oneof=affinity shared"`
}

type RateLimitConfig struct {
	// MessagesPerWindow of zero disables inbound rate limiting.
	MessagesPerWindow int      `json:"messages_per_window" env:"MESSAGES_PER_WINDOW" validate:"min=0"`
	Window            Duration `json:"window" env:"WINDOW" validate:"gt=0"`
}

type AuthConfig struct {
	CookieName string `json:"cookie_name" env:"COOKIE_NAME" validate:"required"`
	// TokenTTL applies to tokens issued from the CLI; zero never expires.
	TokenTTL Duration `json:"token_ttl" env:"TOKEN_TTL" validate:"min=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:            "./data/piccollab.db",
			MaxConnections:  10,
			WriteBuffer:     100,
			WriteRetryDelay: Duration(500 * time.Millisecond),
		},
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		WebSocket: WebSocketConfig{
			PingInterval:   Duration(30 * time.Second),
			ReadTimeout:    Duration(60 * time.Second),
			WriteTimeout:   Duration(10 * time.Second),
			SendBuffer:     256,
			MaxMessageSize: 4096,
		},
		Queue: QueueConfig{
			Workers:  8,
			Capacity: 4096,
			Dispatch: hub.DispatchAffinity,
		},
		RateLimit: RateLimitConfig{
			MessagesPerWindow: 100,
			Window:            Duration(time.Minute),
		},
		Auth: AuthConfig{
			CookieName: "piccollab_token",
			TokenTTL:   Duration(30 * 24 * time.Hour),
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalidConfig, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return c.HTTP.Host + ":" + strconv.Itoa(c.HTTP.Port)
}

// Store converts the database section into the store configuration.
func (c *Config) Store() *dbconfig.Config {
	store := dbconfig.DefaultConfig()
	store.DatabasePath = c.Database.Path
	store.MaxConnections = c.Database.MaxConnections
	store.WriteBuffer = c.Database.WriteBuffer
	store.WriteRetryDelay = c.Database.WriteRetryDelay.Std()
	return store
}

// LoadFromEnv overlays PICCOLLAB_* variables onto the defaults.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile overlays a JSON file onto the defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigWithPrecedence resolves configuration as file > environment >
// defaults. An empty path skips the file layer.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}
