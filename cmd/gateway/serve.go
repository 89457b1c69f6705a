package main

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carebridge/gateway/internal/config"
	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/lifecycle"
	"github.com/carebridge/gateway/internal/messaging"
	"github.com/carebridge/gateway/internal/ratelimit"
	"github.com/carebridge/gateway/internal/registry"
	"github.com/carebridge/gateway/internal/relay"
	"github.com/carebridge/gateway/internal/scheduler"
	"github.com/carebridge/gateway/internal/store"
	"github.com/carebridge/gateway/internal/ws"
)

const dialTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, newLogger(cfg, os.Stdout))
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	gw, err := newGateway(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("gateway failed to start")
		return err
	}
	if err := gw.coordinator.Run(ctx); err != nil {
		log.Error().Err(err).Msg("gateway stopped with error")
		return err
	}
	return nil
}

// gateway is the fully wired process.
type gateway struct {
	coordinator *lifecycle.Coordinator
	server      *ws.Server
	backend     store.Backend
	registry    *registry.Registry
	scheduler   *scheduler.Scheduler
}

// newGateway opens external resources and wires every component. Only the
// store is mandatory; Redis and NATS are used when configured and
// reachable.
func newGateway(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*gateway, error) {
	openCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	backend, err := store.Open(openCtx, store.Config{
		Driver:        cfg.StoreDriver,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		DatabaseURL:   cfg.DatabaseURL,
	})
	if err != nil {
		return nil, &lifecycle.StartupError{Op: "open store", Err: err}
	}
	log.Info().Str("driver", cfg.StoreDriver).Msg("store connected")

	rdb := openRedis(openCtx, cfg.RedisAddr, log)
	publisher := openNATS(cfg.NATSURL, log)

	var identities identity.Store = backend
	if rdb != nil {
		identities = identity.NewCachedStore(backend, rdb, cfg.IdentityCacheTTL, log)
	}
	resolver := identity.NewResolver(
		identity.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer),
		identities,
		log,
	)

	reg := registry.New(log)

	var relayOpts []relay.Option
	if publisher != nil {
		relayOpts = append(relayOpts, relay.WithObserver(publisher))
	}
	rl := relay.New(relay.Config{PersistTimeout: cfg.PersistTimeout}, reg, resolver, backend, log, relayOpts...)

	wsCfg := ws.DefaultServerConfig()
	wsCfg.MaxConnections = cfg.MaxConnections
	wsCfg.SendBuffer = cfg.SendBuffer
	wsCfg.MaxMessageBytes = cfg.MaxMessageBytes
	wsCfg.WriteTimeout = cfg.WriteTimeout
	wsCfg.Heartbeat = ws.HeartbeatConfig{Interval: cfg.HeartbeatInterval, Timeout: cfg.HeartbeatTimeout}

	var wsOpts []ws.Option
	if rdb != nil && cfg.ConnectRateLimit > 0 {
		limiter := ratelimit.NewLimiter(rdb, log)
		wsOpts = append(wsOpts, ws.WithConnectGate(ratelimit.NewConnectGate(limiter, ratelimit.ConnectRule(cfg.ConnectRateLimit))))
	}
	server := ws.NewServer(wsCfg, rl, log, wsOpts...)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Interval = cfg.ReminderInterval
	schedCfg.Lead = cfg.ReminderLead
	schedCfg.DedupeTTL = max(schedCfg.DedupeTTL, 2*cfg.ReminderLead)

	var dedupe scheduler.Deduper
	if rdb != nil {
		dedupe = scheduler.NewRedisDeduper(rdb)
	}
	notifiers := []scheduler.Notifier{scheduler.NewRegistryNotifier(reg)}
	if publisher != nil {
		notifiers = append(notifiers, publisher)
	}
	sched := scheduler.New(schedCfg, backend, dedupe, log, notifiers...)

	var closers []lifecycle.Closer
	if publisher != nil {
		closers = append(closers, lifecycle.Closer{Name: "nats", Close: func(context.Context) error {
			publisher.Close()
			return nil
		}})
	}
	if rdb != nil {
		closers = append(closers, lifecycle.Closer{Name: "redis", Close: func(context.Context) error {
			return rdb.Close()
		}})
	}
	closers = append(closers, lifecycle.Closer{Name: "store", Close: backend.Close})

	lcCfg := lifecycle.DefaultConfig()
	lcCfg.ListenAddr = cfg.ListenAddr
	lcCfg.ShutdownTimeout = cfg.ShutdownTimeout

	return &gateway{
		coordinator: lifecycle.New(lcCfg, server, sched, log, closers...),
		server:      server,
		backend:     backend,
		registry:    reg,
		scheduler:   sched,
	}, nil
}

// openRedis returns nil when Redis is not configured or not reachable, in
// which case in-process fallbacks are used.
func openRedis(ctx context.Context, addr string, log zerolog.Logger) *redis.Client {
	if addr == "" {
		log.Info().Msg("REDIS_ADDR not set, running without redis")
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis unreachable, running without redis")
		_ = client.Close()
		return nil
	}
	log.Info().Str("addr", addr).Msg("redis connected")
	return client
}

// openNATS returns nil when NATS is not configured or not reachable;
// publishing is then skipped.
func openNATS(url string, log zerolog.Logger) *messaging.Publisher {
	if url == "" {
		log.Info().Msg("NATS_URL not set, events will not be published")
		return nil
	}
	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = url
	p, err := messaging.NewPublisher(natsCfg, log)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("nats unreachable, events will not be published")
		return nil
	}
	return p
}
