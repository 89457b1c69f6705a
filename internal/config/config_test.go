package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "mongo", cfg.StoreDriver)
	assert.Equal(t, "carebridge", cfg.MongoDatabase)
	assert.Equal(t, 10000, cfg.MaxConnections)
	assert.Equal(t, 256, cfg.SendBuffer)
	assert.Equal(t, int64(65536), cfg.MaxMessageBytes)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.PersistTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, time.Minute, cfg.ReminderInterval)
	assert.Equal(t, time.Hour, cfg.ReminderLead)
	assert.Equal(t, 5*time.Minute, cfg.IdentityCacheTTL)
	assert.Equal(t, 30, cfg.ConnectRateLimit)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.NATSURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ENV", "production")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://gw:gw@localhost:5432/gw?sslmode=disable")
	t.Setenv("HEARTBEAT_INTERVAL", "5s")
	t.Setenv("MAX_CONNECTIONS", "12")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.False(t, cfg.IsDev())
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 12, cfg.MaxConnections)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ListenAddr:        ":8080",
			JWTSecret:         "s3cret",
			StoreDriver:       "memory",
			MaxConnections:    1,
			SendBuffer:        1,
			MaxMessageBytes:   1,
			WriteTimeout:      time.Second,
			HeartbeatInterval: time.Second,
			HeartbeatTimeout:  time.Second,
			PersistTimeout:    time.Second,
			ShutdownTimeout:   time.Second,
			ReminderInterval:  time.Second,
			ReminderLead:      time.Second,
			IdentityCacheTTL:  time.Second,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing secret", func(c *Config) { c.JWTSecret = "" }, "JWT_SECRET"},
		{"mongo without uri", func(c *Config) { c.StoreDriver = "mongo" }, "MONGO_URI"},
		{"postgres without dsn", func(c *Config) { c.StoreDriver = "postgres" }, "DATABASE_URL"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "sqlite" }, "STORE_DRIVER"},
		{"zero buffer", func(c *Config) { c.SendBuffer = 0 }, "SEND_BUFFER"},
		{"negative persist timeout", func(c *Config) { c.PersistTimeout = -time.Second }, "PERSIST_TIMEOUT"},
		{"negative rate limit", func(c *Config) { c.ConnectRateLimit = -1 }, "CONNECT_RATE_LIMIT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
