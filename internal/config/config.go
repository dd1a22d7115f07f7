// Package config provides the runtime settings of the lifesync server: their
// defaults, validation, and loading from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" env:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `yaml:"refill_interval" env:"RATE_LIMIT_REFILL_INTERVAL"`
}

// Config holds the server configuration settings.
type Config struct {
	Port           string          `yaml:"port" env:"SERVER_PORT"`
	AllowedOrigins []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize int64           `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`

	// SendQueueSize bounds the outbound frames buffered per connection.
	SendQueueSize    int           `yaml:"send_queue_size" env:"SEND_QUEUE_SIZE"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	TypingExpiry     time.Duration `yaml:"typing_expiry" env:"TYPING_EXPIRY"`
	PingInterval     time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	PongWait         time.Duration `yaml:"pong_wait" env:"PONG_WAIT"`
	WriteWait        time.Duration `yaml:"write_wait" env:"WRITE_WAIT"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	JWTSecret      string `yaml:"jwt_secret" env:"JWT_SECRET"`
	DatabasePath   string `yaml:"database_path" env:"DATABASE_PATH"`
	LogLevel       string `yaml:"log_level" env:"LOG_LEVEL"`
	MetricsEnabled bool   `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: 200 * time.Millisecond,
		},
		SendQueueSize:    256,
		HandshakeTimeout: 5 * time.Second,
		TypingExpiry:     3 * time.Second,
		PingInterval:     54 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		DatabasePath:     "lifesync.db",
		LogLevel:         "info",
		MetricsEnabled:   true,
	}
}

// Sanitize replaces invalid values with their defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = def.TypingExpiry
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	// Pings must go out before the peer's read deadline passes.
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = def.LogLevel
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.AllowedOrigins = origins
	return cfg
}

// Validate reports settings that have no usable default.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: jwt_secret (JWT_SECRET) is required")
	}
	return nil
}

// Load builds the configuration from defaults, then the YAML file at path
// when path is not empty, then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return Sanitize(cfg), nil
}
