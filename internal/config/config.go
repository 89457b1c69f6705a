// Package config loads gateway settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	ListenAddr string `mapstructure:"LISTEN_ADDR"`

	JWTSecret string `mapstructure:"JWT_SECRET"`
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	StoreDriver   string `mapstructure:"STORE_DRIVER"`
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`

	RedisAddr string `mapstructure:"REDIS_ADDR"`
	NATSURL   string `mapstructure:"NATS_URL"`

	MaxConnections    int           `mapstructure:"MAX_CONNECTIONS"`
	SendBuffer        int           `mapstructure:"SEND_BUFFER"`
	MaxMessageBytes   int64         `mapstructure:"MAX_MESSAGE_BYTES"`
	WriteTimeout      time.Duration `mapstructure:"WRITE_TIMEOUT"`
	HeartbeatInterval time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `mapstructure:"HEARTBEAT_TIMEOUT"`
	PersistTimeout    time.Duration `mapstructure:"PERSIST_TIMEOUT"`
	ShutdownTimeout   time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	ReminderInterval time.Duration `mapstructure:"REMINDER_INTERVAL"`
	ReminderLead     time.Duration `mapstructure:"REMINDER_LEAD"`

	IdentityCacheTTL time.Duration `mapstructure:"IDENTITY_CACHE_TTL"`
	ConnectRateLimit int           `mapstructure:"CONNECT_RATE_LIMIT"` // attempts per IP per minute, 0 disables
}

var keys = []string{
	"ENV", "LOG_LEVEL", "LISTEN_ADDR",
	"JWT_SECRET", "JWT_ISSUER",
	"STORE_DRIVER", "MONGO_URI", "MONGO_DATABASE", "DATABASE_URL",
	"REDIS_ADDR", "NATS_URL",
	"MAX_CONNECTIONS", "SEND_BUFFER", "MAX_MESSAGE_BYTES", "WRITE_TIMEOUT",
	"HEARTBEAT_INTERVAL", "HEARTBEAT_TIMEOUT", "PERSIST_TIMEOUT", "SHUTDOWN_TIMEOUT",
	"REMINDER_INTERVAL", "REMINDER_LEAD",
	"IDENTITY_CACHE_TTL", "CONNECT_RATE_LIMIT",
}

// Load reads the configuration without validating it. Commands that need
// only part of it (migrate, token) validate what they use.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("STORE_DRIVER", "mongo")
	v.SetDefault("MONGO_DATABASE", "carebridge")
	v.SetDefault("MAX_CONNECTIONS", 10000)
	v.SetDefault("SEND_BUFFER", 256)
	v.SetDefault("MAX_MESSAGE_BYTES", 65536)
	v.SetDefault("WRITE_TIMEOUT", "10s")
	v.SetDefault("HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("HEARTBEAT_TIMEOUT", "10s")
	v.SetDefault("PERSIST_TIMEOUT", "5s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("REMINDER_INTERVAL", "1m")
	v.SetDefault("REMINDER_LEAD", "1h")
	v.SetDefault("IDENTITY_CACHE_TTL", "5m")
	v.SetDefault("CONNECT_RATE_LIMIT", 30)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings needed to serve.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if err := c.ValidateStore(); err != nil {
		errs = append(errs, err)
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR is required"))
	}

	positive := []struct {
		name string
		ok   bool
	}{
		{"MAX_CONNECTIONS", c.MaxConnections > 0},
		{"SEND_BUFFER", c.SendBuffer > 0},
		{"MAX_MESSAGE_BYTES", c.MaxMessageBytes > 0},
		{"WRITE_TIMEOUT", c.WriteTimeout > 0},
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval > 0},
		{"HEARTBEAT_TIMEOUT", c.HeartbeatTimeout > 0},
		{"PERSIST_TIMEOUT", c.PersistTimeout > 0},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout > 0},
		{"REMINDER_INTERVAL", c.ReminderInterval > 0},
		{"REMINDER_LEAD", c.ReminderLead > 0},
		{"IDENTITY_CACHE_TTL", c.IdentityCacheTTL > 0},
		{"CONNECT_RATE_LIMIT", c.ConnectRateLimit >= 0},
	}
	for _, p := range positive {
		if !p.ok {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateStore checks the settings of the selected store driver.
func (c *Config) ValidateStore() error {
	switch c.StoreDriver {
	case "mongo":
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required when STORE_DRIVER=mongo")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be mongo, postgres or memory, got %q", c.StoreDriver)
	}
	return nil
}
