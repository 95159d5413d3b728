package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errConnectionClosed = errors.New("realtime: connection closed")

// Transport is the write side of a websocket. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one authenticated live channel. Writes are serialized because
// the ticker, relays and keepalive pings all push concurrently.
type Connection struct {
	id           string
	userID       string
	username     string
	sessionToken string
	transport    Transport
	writeTimeout time.Duration
	connectedAt  time.Time

	lastSeen atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewConnection wraps an upgraded transport for the given user.
func NewConnection(userID, username string, transport Transport, writeTimeout time.Duration) *Connection {
	return &Connection{
		id:           uuid.New().String(),
		userID:       userID,
		username:     username,
		transport:    transport,
		writeTimeout: writeTimeout,
		connectedAt:  time.Now(),
	}
}

// ID returns the connection identifier used in logs.
func (c *Connection) ID() string {
	return c.id
}

// UserID returns the owning user's identifier.
func (c *Connection) UserID() string {
	return c.userID
}

// Username returns the owning user's name as resolved at connect time.
func (c *Connection) Username() string {
	return c.username
}

// SessionToken returns the login session the connection was opened under.
func (c *Connection) SessionToken() string {
	return c.sessionToken
}

func (c *Connection) touch(at time.Time) {
	c.lastSeen.Store(at.UnixNano())
}

func (c *Connection) lastSeenAt() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) send(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

func (c *Connection) ping() error {
	return c.write(websocket.PingMessage, nil)
}

func (c *Connection) write(messageType int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnectionClosed
	}
	if c.writeTimeout > 0 {
		if err := c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.transport.WriteMessage(messageType, payload)
}

// close sends a close frame and releases the transport. Repeated calls are no-ops.
func (c *Connection) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.writeTimeout > 0 {
		_ = c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_ = c.transport.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = c.transport.Close()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
