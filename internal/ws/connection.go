package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	// ErrConnClosed is returned when delivering to a closed connection.
	ErrConnClosed = errors.New("ws: connection closed")

	// ErrSlowConsumer is returned when a connection's send buffer is full.
	// The connection is closed when this happens.
	ErrSlowConsumer = errors.New("ws: send buffer full")
)

// Connection represents a single WebSocket client connection with its
// associated metadata, a bounded outbound queue drained by its own writer
// goroutine, and a write mutex for serializing frames.
type Connection struct {
	id           string
	conn         net.Conn
	remoteIP     string
	createdAt    time.Time
	writeTimeout time.Duration

	lastSeen atomic.Int64 // unix nanos of the last frame read
	send     chan []byte
	writeMu  sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(id string, conn net.Conn, remoteIP string, sendBuffer int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           id,
		conn:         conn,
		remoteIP:     remoteIP,
		createdAt:    time.Now(),
		writeTimeout: writeTimeout,
		send:         make(chan []byte, sendBuffer),
		closed:       make(chan struct{}),
	}
	c.touch()
	return c
}

// ID returns the connection id (UUID).
func (c *Connection) ID() string { return c.id }

// RemoteIP returns the client address the connection was accepted from.
func (c *Connection) RemoteIP() string { return c.remoteIP }

// Deliver queues a text frame for the writer goroutine. It never blocks: a
// full queue closes the connection and reports ErrSlowConsumer.
func (c *Connection) Deliver(p []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- p:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		c.Close()
		return ErrSlowConsumer
	}
}

// writeLoop drains the send queue until the connection closes. A failed
// write closes the connection, which in turn ends the read loop.
func (c *Connection) writeLoop() {
	for {
		select {
		case p := <-c.send:
			if err := c.writeText(p); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// writeText writes a WebSocket text frame directly, bypassing the queue.
func (c *Connection) writeText(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.conn.SetWriteDeadline(time.Time{})
	return wsutil.WriteServerMessage(c.conn, ws.OpText, p)
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.conn.SetWriteDeadline(time.Time{})
	return ws.WriteFrame(c.conn, f)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Close tears the socket down without a close frame.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// CloseWith sends a close frame carrying code and reason, then closes the
// socket. Only the first Close or CloseWith has any effect.
func (c *Connection) CloseWith(code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
		_ = c.conn.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// ConnectionManager is a thread-safe index of every open connection,
// authenticated or not, by id. Address membership lives in the registry;
// this only backs admission limits, heartbeats and shutdown.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.mu.Unlock()
}

// Remove forgets a connection. Returns true if it was present.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.byID[id]; !ok {
		return false
	}
	delete(cm.byID, id)
	return true
}

// Count returns the current number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
