// Package store selects and opens the external document store the gateway
// reads identities and appointments from and persists chat messages to.
package store

import (
	"context"
	"fmt"

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/scheduler"
	"github.com/carebridge/gateway/internal/store/memory"
	"github.com/carebridge/gateway/internal/store/mongo"
	"github.com/carebridge/gateway/internal/store/postgres"
)

// ErrNotFound is what every backend's identity lookup wraps when a record
// is missing.
var ErrNotFound = identity.ErrNotFound

// Supported drivers.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Backend is everything the gateway needs from the external store.
type Backend interface {
	identity.Store
	chat.MessageStore
	scheduler.AppointmentStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config picks a driver and its connection settings.
type Config struct {
	Driver        string
	MongoURI      string
	MongoDatabase string
	DatabaseURL   string
}

// Open connects to the configured backend. An unreachable store is an
// error; callers treat it as fatal at startup.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Driver {
	case DriverMongo, "":
		return mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case DriverPostgres:
		return postgres.Open(ctx, cfg.DatabaseURL)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

var (
	_ Backend = (*memory.Store)(nil)
	_ Backend = (*mongo.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
)
