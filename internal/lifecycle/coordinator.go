// Package lifecycle sequences gateway startup and shutdown. It binds the
// listener, starts the reminder scheduler once the bind succeeded, and on a
// termination signal stops the scheduler, drains the transport and closes
// external resources, in that order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Transport serves connections on a bound listener.
type Transport interface {
	Serve(ln net.Listener) error
	Shutdown(ctx context.Context) error
}

// Scheduler is a background job with start/stop hooks.
type Scheduler interface {
	Init(ctx context.Context) error
	Stop()
}

// Closer is an external resource released at the end of shutdown.
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

// StartupError is fatal to the process.
type StartupError struct {
	Op  string
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("lifecycle: startup: %s: %v", e.Op, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// IsStartupError reports whether err is, or wraps, a *StartupError.
func IsStartupError(err error) bool {
	var se *StartupError
	return errors.As(err, &se)
}

// Config tunes the coordinator.
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration // bound on draining connections and on each closer
	Signals         []os.Signal
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ShutdownTimeout: 10 * time.Second,
		Signals:         []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Coordinator owns process-wide startup and shutdown ordering.
type Coordinator struct {
	cfg       Config
	transport Transport
	scheduler Scheduler
	closers   []Closer
	log       zerolog.Logger

	listen func(network, addr string) (net.Listener, error)
	notify func(c chan<- os.Signal, sig ...os.Signal)

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// New creates a Coordinator. Closers run in the order given.
func New(cfg Config, transport Transport, scheduler Scheduler, log zerolog.Logger, closers ...Closer) *Coordinator {
	// An empty list would make signal.Notify relay every signal.
	if len(cfg.Signals) == 0 {
		cfg.Signals = DefaultConfig().Signals
	}
	return &Coordinator{
		cfg:       cfg,
		transport: transport,
		scheduler: scheduler,
		closers:   closers,
		log:       log.With().Str("component", "lifecycle").Logger(),
		listen:    net.Listen,
		notify:    signal.Notify,
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

// Addr returns the bound address, or nil before Ready.
func (c *Coordinator) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Run binds, serves and blocks until a termination signal, ctx
// cancellation or a transport failure, then runs the shutdown sequence to
// completion. It returns nil after a signal-driven shutdown, a
// *StartupError if the bind fails (after running the closers), and the
// transport error if serving stopped on its own.
func (c *Coordinator) Run(ctx context.Context) error {
	ln, err := c.listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		// Nothing was started, but the resources handed to New are open.
		c.closeResources()
		return &StartupError{Op: "listen " + c.cfg.ListenAddr, Err: err}
	}
	c.mu.Lock()
	c.addr = ln.Addr()
	c.mu.Unlock()
	close(c.ready)

	sigCh := make(chan os.Signal, 1)
	c.notify(sigCh, c.cfg.Signals...)
	defer signal.Stop(sigCh)

	serveErr := make(chan error, 1)
	go func() { serveErr <- c.transport.Serve(ln) }()

	if err := c.scheduler.Init(context.WithoutCancel(ctx)); err != nil {
		c.log.Error().Err(err).Msg("reminder scheduler failed to start, serving without reminders")
	}

	c.log.Info().Str("addr", ln.Addr().String()).Msg("gateway started")

	var cause error
	select {
	case sig := <-sigCh:
		c.log.Info().Str("signal", sig.String()).Msg("termination signal received")
	case <-ctx.Done():
		c.log.Info().Msg("context cancelled")
	case err := <-serveErr:
		if err != nil {
			c.log.Error().Err(err).Msg("transport stopped")
			cause = err
		}
	}

	c.shutdown()
	return cause
}

// shutdown runs every step regardless of earlier failures and is not tied
// to any caller context.
func (c *Coordinator) shutdown() {
	c.log.Info().Msg("shutting down")

	c.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	if err := c.transport.Shutdown(ctx); err != nil {
		c.log.Warn().Err(err).Msg("transport shutdown incomplete")
	}
	cancel()

	c.closeResources()
	c.log.Info().Msg("shutdown complete")
}

// closeResources runs every closer in order, each bounded by the shutdown
// timeout.
func (c *Coordinator) closeResources() {
	for _, cl := range c.closers {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		if err := cl.Close(ctx); err != nil {
			c.log.Warn().Err(err).Str("resource", cl.Name).Msg("close failed")
		}
		cancel()
	}
}
