// Package relay implements the per-connection message relay. It gates every
// event behind authentication, persists chat messages through the message
// store and only then broadcasts them to the receiver's address and to the
// sender's own address.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/metrics"
	"github.com/carebridge/gateway/internal/protocol"
	"github.com/carebridge/gateway/internal/registry"
)

// SaveFailedMessage is the error text sent to a sender whose message could
// not be persisted.
const SaveFailedMessage = "Failed to save message."

var (
	// ErrNotActive is returned when an event arrives before authentication
	// completed or after the connection closed.
	ErrNotActive = errors.New("relay: session not active")

	// ErrBadTransition is returned for an illegal state change.
	ErrBadTransition = errors.New("relay: illegal state transition")

	// ErrPersist wraps message store failures.
	ErrPersist = errors.New("relay: persist message")
)

// Resolver authenticates credentials.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (identity.Identity, error)
}

// Observer is told about every message that was persisted and broadcast.
// It must not block for long; failures are its own concern.
type Observer interface {
	MessageSaved(ctx context.Context, msg chat.ChatMessage)
}

// Config tunes the relay.
type Config struct {
	PersistTimeout time.Duration // bound on a single store write
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{PersistTimeout: 5 * time.Second}
}

// Relay is shared by all connections; per-connection state lives in Session.
type Relay struct {
	cfg      Config
	registry *registry.Registry
	resolver Resolver
	store    chat.MessageStore
	observer Observer
	now      func() time.Time
	log      zerolog.Logger
}

// Option customises a Relay.
type Option func(*Relay)

// WithObserver registers an observer for saved messages.
func WithObserver(o Observer) Option {
	return func(r *Relay) { r.observer = o }
}

// WithClock overrides the message timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// New creates a Relay.
func New(cfg Config, reg *registry.Registry, resolver Resolver, store chat.MessageStore, log zerolog.Logger, opts ...Option) *Relay {
	r := &Relay{
		cfg:      cfg,
		registry: reg,
		resolver: resolver,
		store:    store,
		now:      time.Now,
		log:      log.With().Str("component", "relay").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authenticate resolves credential for s. On success the session becomes
// Active and joins its own address; on failure it is Closed, never reaches
// the registry, and the returned error is an *identity.AuthError.
func (r *Relay) Authenticate(ctx context.Context, s *Session, credential string) (identity.Identity, error) {
	if err := s.transition(StateConnecting, StateAuthenticating); err != nil {
		return identity.Identity{}, err
	}

	id, err := r.resolver.Resolve(ctx, credential)
	if err != nil {
		s.close()
		code := "unknown"
		if ae, ok := identity.AsAuthError(err); ok {
			code = ae.Code.String()
		}
		metrics.AuthFailuresTotal.WithLabelValues(code).Inc()
		return identity.Identity{}, err
	}

	if err := s.activate(id); err != nil {
		// Closed while the lookup was in flight.
		return identity.Identity{}, err
	}
	r.registry.Join(id.Address(), s.conn)
	metrics.Connections.Inc()

	r.log.Info().
		Str("conn_id", s.conn.ID()).
		Str("address", id.Address().String()).
		Msg("connected")
	return id, nil
}

// Disconnect closes s and removes its registry membership. It is safe to
// call more than once and from any state.
func (r *Relay) Disconnect(s *Session) {
	s.mu.Lock()
	id := s.identity
	s.mu.Unlock()

	if prev := s.close(); prev != StateActive {
		return
	}
	r.registry.Leave(id.Address(), s.conn)
	metrics.Connections.Dec()

	r.log.Info().
		Str("conn_id", s.conn.ID()).
		Str("address", id.Address().String()).
		Msg("disconnected")
}

// HandleSend processes one send request from s. Invalid requests are
// dropped with chat.ErrInvalidRequest and nothing else happens. A store
// failure is reported to the originating connection only. On success the
// message is broadcast to the receiver, then to the sender's own address.
//
// The store write is detached from ctx cancellation so that a send already
// in flight completes even if the connection goes away.
func (r *Relay) HandleSend(ctx context.Context, s *Session, req chat.SendRequest) error {
	sender, ok := s.Identity()
	if !ok {
		return ErrNotActive
	}

	if err := req.Validate(); err != nil {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		r.log.Debug().Err(err).Str("conn_id", s.conn.ID()).Msg("send request dropped")
		return err
	}

	msg := chat.New(sender.Address(), req.Receiver(), req.Message, r.now())

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	defer cancel()

	start := time.Now()
	saved, err := r.store.SaveMessage(saveCtx, msg)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		r.log.Error().Err(err).
			Str("conn_id", s.conn.ID()).
			Str("sender", msg.Sender.String()).
			Str("receiver", msg.Receiver.String()).
			Msg("failed to save message")
		r.replyError(s, SaveFailedMessage)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	metrics.MessagesTotal.WithLabelValues("persisted").Inc()

	frame, err := protocol.NewServerEvent(protocol.EventReceiveMessage, saved)
	if err != nil {
		return fmt.Errorf("relay: encode message %s: %w", saved.ID, err)
	}

	r.registry.BroadcastTo(saved.Receiver, frame)
	if saved.Sender != saved.Receiver {
		r.registry.BroadcastTo(saved.Sender, frame)
	}

	if r.observer != nil {
		r.observer.MessageSaved(saveCtx, saved)
	}
	return nil
}

func (r *Relay) replyError(s *Session, message string) {
	frame, err := protocol.NewServerEvent(protocol.EventError, protocol.ErrorMsg{Message: message})
	if err != nil {
		r.log.Error().Err(err).Msg("failed to build error event")
		return
	}
	if err := s.conn.Deliver(frame); err != nil {
		r.log.Debug().Err(err).Str("conn_id", s.conn.ID()).Msg("failed to deliver error event")
	}
}
