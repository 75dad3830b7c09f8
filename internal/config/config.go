// Package config loads lancachectl configuration.
//
// Sources, later ones overriding earlier ones:
//  1. built-in defaults
//  2. an optional YAML file (explicit path, or ./lancache.yaml, /etc/lancache/lancache.yaml)
//  3. environment variables prefixed with LANCACHE_ (LANCACHE_BACKEND_URL,
//     LANCACHE_STORE_DRIVER, LANCACHE_TRACKING_MAX_POLL_FAILURES, ...)
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Store    StoreConfig    `mapstructure:"store"`
	History  HistoryConfig  `mapstructure:"history"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Log      LogConfig      `mapstructure:"log"`
	Tracking TrackingConfig `mapstructure:"tracking"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type BackendConfig struct {
	// URL is the LANCache Manager API base, e.g. http://lancache-manager:8080
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	AuthHeader string        `mapstructure:"auth_header"`
	HubPath    string        `mapstructure:"hub_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// DisablePush forces polling for every kind.
	DisablePush bool `mapstructure:"disable_push"`
}

type StoreConfig struct {
	// Driver is one of redis, http, bolt.
	Driver         string `mapstructure:"driver"`
	RedisURL       string `mapstructure:"redis_url"`
	BoltPath       string `mapstructure:"bolt_path"`
	LegacyBoltPath string `mapstructure:"legacy_bolt_path"`
	KeyPrefix      string `mapstructure:"key_prefix"`
}

type HistoryConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type NotifyConfig struct {
	SendGridAPIKey string `mapstructure:"sendgrid_api_key"`
	FromName       string `mapstructure:"from_name"`
	FromAddress    string `mapstructure:"from_address"`
	To             string `mapstructure:"to"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TrackingConfig struct {
	MaxPollFailures int           `mapstructure:"max_poll_failures"`
	LingerSuccess   time.Duration `mapstructure:"linger_success"`
	LingerFailure   time.Duration `mapstructure:"linger_failure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("backend.url", "http://localhost:8080")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.auth_header", "Authorization")
	v.SetDefault("backend.hub_path", "/hubs/downloads")
	v.SetDefault("backend.timeout", 15*time.Second)
	v.SetDefault("backend.disable_push", false)

	v.SetDefault("store.driver", "http")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.bolt_path", "lancache-state.db")
	v.SetDefault("store.key_prefix", "lancache:")
	v.SetDefault("store.legacy_bolt_path", "")

	// Keys without a default are invisible to AutomaticEnv, so every key
	// gets one.
	v.SetDefault("history.postgres_dsn", "")

	v.SetDefault("notify.sendgrid_api_key", "")
	v.SetDefault("notify.from_name", "lancachectl")
	v.SetDefault("notify.from_address", "")
	v.SetDefault("notify.to", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("tracking.max_poll_failures", 10)
	v.SetDefault("tracking.linger_success", 2*time.Second)
	v.SetDefault("tracking.linger_failure", 5*time.Second)
}

// Load reads configuration. An empty path searches the default locations and
// tolerates a missing file; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LANCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("lancache")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/lancache")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "redis", "http", "bolt":
	default:
		return fmt.Errorf("invalid store driver %q (want redis, http or bolt)", c.Store.Driver)
	}

	if c.Backend.URL == "" {
		return errors.New("backend.url is required")
	}
	if c.Tracking.MaxPollFailures < 0 {
		return errors.New("tracking.max_poll_failures must not be negative")
	}

	return nil
}

// AuthValue is the value sent in Backend.AuthHeader, or "" without a token.
func (c *Config) AuthValue() string {
	if c.Backend.Token == "" {
		return ""
	}
	if strings.EqualFold(c.Backend.AuthHeader, "Authorization") {
		return "Bearer " + c.Backend.Token
	}

	return c.Backend.Token
}
