// Package clients tracks the live connections held by the websocket worker and
// pushes events and replies to them.
package clients

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is the write side of a live connection. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

const defaultWriteTimeout = 10 * time.Second

// Client is one live connection of one user. A user may hold several.
type Client struct {
	ID     string
	UserID string

	conn         Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewClient(userID string, conn Conn) *Client {
	return &Client{
		ID:           "conn_" + uuid.NewString(),
		UserID:       userID,
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
	}
}

// Send writes v as one JSON frame. Writes to the same connection never
// interleave.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if d, ok := c.conn.(writeDeadliner); ok && c.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(v)
}

// Close closes the underlying connection once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
