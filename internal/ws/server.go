// Package ws is the gateway's WebSocket transport. It upgrades HTTP
// requests with gobwas/ws, runs one reader goroutine and one writer
// goroutine per connection, and hands frames to the message relay. The
// relay decides what a frame means; this package only moves bytes and
// enforces admission, heartbeat and shutdown policy.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/metrics"
	"github.com/carebridge/gateway/internal/protocol"
	"github.com/carebridge/gateway/internal/relay"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	MaxConnections  int           // hard cap on open connections
	SendBuffer      int           // per-connection outbound queue length
	MaxMessageBytes int64         // largest inbound message accepted
	WriteTimeout    time.Duration // timeout for a single frame write
	AuthTimeout     time.Duration // bound on credential resolution
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections:  10000,
		SendBuffer:      256,
		MaxMessageBytes: 64 << 10,
		WriteTimeout:    10 * time.Second,
		AuthTimeout:     5 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// ConnectGate decides whether a remote address may open a new connection.
type ConnectGate interface {
	AllowConnect(ctx context.Context, remoteIP string) bool
}

// Server accepts WebSocket connections and serves /health and /metrics on
// the same listener.
type Server struct {
	config     ServerConfig
	relay      *relay.Relay
	dispatcher *relay.Dispatcher
	conns      *ConnectionManager
	gate       ConnectGate
	httpServer *http.Server
	log        zerolog.Logger
	startedAt  time.Time

	mu       sync.Mutex
	closing  bool
	wg       sync.WaitGroup // one per connection goroutine
	done     chan struct{}
	doneOnce sync.Once
	hbOnce   sync.Once
}

// Option customises a Server.
type Option func(*Server)

// WithConnectGate installs a per-IP admission check.
func WithConnectGate(g ConnectGate) Option {
	return func(s *Server) { s.gate = g }
}

// NewServer creates a Server that relays frames through r.
func NewServer(config ServerConfig, r *relay.Relay, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		config:     config,
		relay:      r,
		dispatcher: relay.NewDispatcher(r),
		conns:      NewConnectionManager(),
		log:        log.With().Str("component", "ws").Logger(),
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// Forwarding headers are client-controlled; key the connect gate on
	// the socket address.
	e.IPExtractor = echo.ExtractIPDirect()
	e.Use(echomw.Recover())
	e.Use(requestLogger(s.log))
	e.GET("/ws", s.handleUpgrade)
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	s.httpServer = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Connections returns the number of open connections.
func (s *Server) Connections() int { return s.conns.Count() }

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.hbOnce.Do(func() { startHeartbeat(s, s.config.Heartbeat) })

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// credential extracts the bearer credential from the handshake: the token
// query parameter first, then an Authorization header.
func credential(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	const prefix = "bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// handleUpgrade applies admission checks, upgrades the request and starts
// the connection goroutine. Authentication happens on the upgraded socket
// so that the rejection reason can be sent as an event.
func (s *Server) handleUpgrade(c echo.Context) error {
	if s.isClosing() {
		return c.String(http.StatusServiceUnavailable, "shutting down")
	}
	if s.conns.Count() >= s.config.MaxConnections {
		return c.String(http.StatusServiceUnavailable, "too many connections")
	}
	remoteIP := c.RealIP()
	if s.gate != nil && !s.gate.AllowConnect(c.Request().Context(), remoteIP) {
		return c.String(http.StatusTooManyRequests, "too many connection attempts")
	}

	token := credential(c.Request())

	netConn, _, _, err := ws.UpgradeHTTP(c.Request(), c.Response())
	if err != nil {
		s.log.Debug().Err(err).Str("remote_ip", remoteIP).Msg("upgrade failed")
		return nil
	}
	// The 101 went out on the hijacked conn; record it for the request log.
	c.Response().Status = http.StatusSwitchingProtocols

	conn := newConnection(uuid.NewString(), netConn, remoteIP, s.config.SendBuffer, s.config.WriteTimeout)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.CloseWith(ws.StatusGoingAway, "server shutting down")
		return nil
	}
	s.conns.Add(conn)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.serveConn(conn, token)
	return nil
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// serveConn runs a connection from authentication to close.
func (s *Server) serveConn(c *Connection, token string) {
	defer s.wg.Done()
	defer s.conns.Remove(c.ID())

	sess := relay.NewSession(c)

	authCtx, cancel := context.WithTimeout(context.Background(), s.config.AuthTimeout)
	id, err := s.relay.Authenticate(authCtx, sess, token)
	cancel()
	if err != nil {
		s.reject(c, err)
		return
	}
	defer s.relay.Disconnect(sess)

	// Written before the writer goroutine starts so it precedes any
	// broadcast queued since the registry join.
	hello, err := protocol.NewServerEvent(protocol.EventConnected, protocol.ConnectedMsg{
		ID:   id.ID,
		Role: string(id.Kind),
		Name: id.DisplayName,
	})
	if err != nil {
		s.log.Error().Err(err).Str("conn_id", c.ID()).Msg("failed to build connected event")
		c.Close()
		return
	}
	if err := c.writeText(hello); err != nil {
		c.Close()
		return
	}

	go c.writeLoop()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	s.readLoop(ctx, sess, c)
	c.Close()
}

// reject sends the rejection reason and closes with 1008. The connection
// never joined the registry.
func (s *Server) reject(c *Connection, err error) {
	reason := "Invalid token"
	if ae, ok := identity.AsAuthError(err); ok {
		reason = ae.Reason()
	}
	s.log.Info().Err(err).
		Str("conn_id", c.ID()).
		Str("remote_ip", c.RemoteIP()).
		Str("reason", reason).
		Msg("connection rejected")

	if frame, ferr := protocol.NewServerEvent(protocol.EventConnectError, protocol.ConnectErrorMsg{Message: reason}); ferr == nil {
		_ = c.writeText(frame)
	}
	c.CloseWith(ws.StatusPolicyViolation, reason)
}

// readLoop reads frames until the peer goes away. Frames are dispatched
// one at a time, so a connection's sends are handled in the order issued.
func (s *Server) readLoop(ctx context.Context, sess *relay.Session, c *Connection) {
	for {
		header, reader, err := wsutil.NextReader(c.conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch()

		if header.OpCode.IsControl() {
			payload, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
					return
				}
			}
			continue
		}

		if header.Length > s.config.MaxMessageBytes {
			c.CloseWith(ws.StatusMessageTooBig, "message too big")
			return
		}
		data, err := io.ReadAll(io.LimitReader(reader, s.config.MaxMessageBytes+1))
		if err != nil {
			return
		}
		if int64(len(data)) > s.config.MaxMessageBytes {
			c.CloseWith(ws.StatusMessageTooBig, "message too big")
			return
		}
		if len(data) == 0 {
			continue
		}

		err = s.dispatcher.Dispatch(ctx, sess, data)
		switch {
		case err == nil:
		case relay.Dropped(err), errors.Is(err, relay.ErrPersist):
			// Already handled: dropped silently or reported to the sender.
		case errors.Is(err, relay.ErrNotActive):
			return
		default:
			s.log.Warn().Err(err).Str("conn_id", c.ID()).Msg("dispatch failed")
		}
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

// handleHealth reports the connection count and uptime for load balancer
// health checks.
func (s *Server) handleHealth(c echo.Context) error {
	status, code := "ok", http.StatusOK
	if s.isClosing() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	return c.JSON(code, healthResponse{
		Status:      status,
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// Shutdown stops the listener, closes every connection with 1001 and waits
// for connection goroutines to finish, including sends whose persistence
// is still in flight. If ctx expires first the sockets are already closed
// and Shutdown returns the context error.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })

	s.log.Info().Int("connections", s.conns.Count()).Msg("shutting down server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown error")
	}

	for _, c := range s.conns.All() {
		c.CloseWith(ws.StatusGoingAway, "server shutting down")
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.log.Info().Msg("server stopped, all connections closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws: %d connections still draining: %w", s.conns.Count(), ctx.Err())
	}
}
