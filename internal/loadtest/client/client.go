// Package client is a WebSocket client for load testing the gateway. It
// connects with gobwas/ws, authenticates with a bearer token in the
// handshake, waits for the connected event and tracks per-connection
// counters.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/protocol"
)

// ErrRejected is returned by WaitConnected when the gateway refused the
// credential.
var ErrRejected = errors.New("client: connection rejected")

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until the connected event
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated participant.
type Client struct {
	conn net.Conn
	rw   io.ReadWriter // conn, reading through the handshake buffer if any

	writeMu sync.Mutex

	mu         sync.Mutex
	metrics    Metrics
	handlers   map[string]func(json.RawMessage)
	self       protocol.ConnectedMsg
	rejectedBy string

	start     time.Time
	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	readyOnce sync.Once
}

// WithToken appends the credential to a gateway URL as the token query
// parameter.
func WithToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// New dials the gateway and starts reading. Handlers must be registered
// through opts so they are in place before the first frame arrives.
func New(ctx context.Context, rawURL, token string, opts ...Option) (*Client, error) {
	target, err := WithToken(rawURL, token)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	var rw io.ReadWriter = conn
	if br != nil {
		// Frames sent right after the handshake may already be buffered.
		rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}

	c := &Client{
		conn:      conn,
		rw:        rw,
		handlers:  make(map[string]func(json.RawMessage)),
		start:     start,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	return c, nil
}

// Option configures a Client before its read loop starts.
type Option func(*Client)

// On registers a handler for a server event. The handler receives the
// event's data object and runs on the read goroutine.
func On(event string, handler func(json.RawMessage)) Option {
	return func(c *Client) { c.handlers[event] = handler }
}

// Send writes one event. It is goroutine-safe.
func (c *Client) Send(event string, payload interface{}) error {
	data, err := protocol.NewClientEvent(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("client: write: %w", err)
	}

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// SendMessage sends a chat message to the given address.
func (c *Client) SendMessage(to identity.Address, text string) error {
	return c.Send(protocol.EventSendMessage, protocol.SendMessageMsg{
		ReceiverID:   to.ID,
		ReceiverRole: string(to.Kind),
		Message:      text,
	})
}

// WaitConnected blocks until the gateway accepted the connection.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		c.mu.Lock()
		reason := c.rejectedBy
		c.mu.Unlock()
		if reason != "" {
			return fmt.Errorf("%w: %s", ErrRejected, reason)
		}
		return errors.New("client: connection closed before connected")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Self returns the identity the gateway resolved for this connection.
func (c *Client) Self() protocol.ConnectedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Alive reports whether the connection is still open.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Metrics returns a copy of the client's counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				var closed wsutil.ClosedError
				if !errors.As(err, &closed) {
					c.mu.Lock()
					c.metrics.Errors++
					c.mu.Unlock()
				}
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		switch env.Event {
		case protocol.EventConnected:
			_ = json.Unmarshal(env.Data, &c.self)
			c.metrics.ConnectLatency = time.Since(c.start)
			c.readyOnce.Do(func() { close(c.connected) })
		case protocol.EventConnectError:
			var msg protocol.ConnectErrorMsg
			_ = json.Unmarshal(env.Data, &msg)
			c.rejectedBy = msg.Message
		}
		handler := c.handlers[env.Event]
		c.mu.Unlock()

		if handler != nil {
			handler(env.Data)
		}
	}
}
