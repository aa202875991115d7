// Package config loads runtime configuration from an optional YAML file
// with ALERTCORE_* environment overrides. Every field has a sensible
// default; a missing config file is not an error.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Bridge   BridgeConfig   `koanf:"bridge"`
	Backend  BackendConfig  `koanf:"backend"`
	Delivery DeliveryConfig `koanf:"delivery"`
	Session  SessionConfig  `koanf:"session"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig covers the local admin/diagnostics HTTP surface.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

type BridgeConfig struct {
	SocketPath string `koanf:"socket_path"`
}

type BackendConfig struct {
	BaseURL            string        `koanf:"base_url"`
	Timeout            time.Duration `koanf:"timeout"`
	AnalyticsRateLimit int           `koanf:"analytics_rate_limit"`
}

type DeliveryConfig struct {
	BaseDelay              time.Duration `koanf:"base_delay"`
	MaxDelay               time.Duration `koanf:"max_delay"`
	MaxRetries             int           `koanf:"max_retries"`
	AckTimeout             time.Duration `koanf:"ack_timeout"`
	YieldDelay             time.Duration `koanf:"yield_delay"`
	RetrySweepInterval     time.Duration `koanf:"retry_sweep_interval"`
	RetentionSweepInterval time.Duration `koanf:"retention_sweep_interval"`
	FailedRetention        time.Duration `koanf:"failed_retention"`
}

type SessionConfig struct {
	UserID             string        `koanf:"user_id"`
	DeviceID           string        `koanf:"device_id"`
	SyncInterval       time.Duration `koanf:"sync_interval"`
	BroadcastDir       string        `koanf:"broadcast_dir"`
	BroadcastTTL       time.Duration `koanf:"broadcast_ttl"`
	LongPauseThreshold time.Duration `koanf:"long_pause_threshold"`
}

type LoggingConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8090",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path:        "data/alertcore.db",
			BusyTimeout: 5 * time.Second,
		},
		Bridge: BridgeConfig{
			SocketPath: "/tmp/alertcore-agent.sock",
		},
		Backend: BackendConfig{
			BaseURL:            "http://localhost:8080/api/v1",
			Timeout:            10 * time.Second,
			AnalyticsRateLimit: 5,
		},
		Delivery: DeliveryConfig{
			BaseDelay:              time.Second,
			MaxDelay:               30 * time.Second,
			MaxRetries:             3,
			AckTimeout:             10 * time.Second,
			YieldDelay:             25 * time.Millisecond,
			RetrySweepInterval:     30 * time.Second,
			RetentionSweepInterval: time.Hour,
			FailedRetention:        7 * 24 * time.Hour,
		},
		Session: SessionConfig{
			SyncInterval:       30 * time.Second,
			BroadcastDir:       "data/broadcast",
			BroadcastTTL:       time.Second,
			LongPauseThreshold: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (YAML, optional) and then ALERTCORE_* environment
// variables, where a double underscore separates nesting levels, e.g.
// ALERTCORE_DELIVERY__MAX_RETRIES=5 sets delivery.max_retries.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("ALERTCORE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "ALERTCORE_")
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Delivery.MaxRetries < 1 {
		return fmt.Errorf("delivery.max_retries must be at least 1, got %d", c.Delivery.MaxRetries)
	}
	if c.Delivery.BaseDelay > c.Delivery.MaxDelay {
		return fmt.Errorf("delivery.base_delay %s exceeds delivery.max_delay %s",
			c.Delivery.BaseDelay, c.Delivery.MaxDelay)
	}
	if c.Session.DeviceID == "" {
		return fmt.Errorf("session.device_id is required")
	}
	if c.Session.UserID == "" {
		return fmt.Errorf("session.user_id is required")
	}
	return nil
}
