// Package ws implements the WebSocket delivery plane: per-socket connection
// wrappers, the per-user connection registry, the per-run sequencer, and the
// event emitter that runs use to report lifecycle progress.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentrelay/agentrelay/logging"
)

var (
	// ErrSendBufferFull is returned by Send when the connection's outbound
	// buffer is saturated. The caller decides whether to retry or drop.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrConnectionClosed is returned by Send after Close.
	ErrConnectionClosed = errors.New("connection closed")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBufferSize = 256
)

// Conn is the minimal surface the registry and emitter need from a live
// connection. Production traffic uses *Connection; tests substitute stubs.
type Conn interface {
	ID() string
	UserID() string
	Send(payload []byte) error
	Close() error
}

// Connection wraps a gorilla WebSocket connection with a buffered outbound
// queue and a single writer goroutine. All frames go through Send; nothing
// else may write to the underlying socket.
type Connection struct {
	id     string
	userID string
	ws     *websocket.Conn
	logger logging.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ Conn = (*Connection)(nil)

// NewConnection wraps an upgraded socket for the given user. Callers must
// start WritePump in its own goroutine before sending.
func NewConnection(userID string, wsConn *websocket.Conn, logger logging.Logger) *Connection {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Connection{
		id:     uuid.NewString(),
		userID: userID,
		ws:     wsConn,
		logger: logger,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated owner of this connection.
func (c *Connection) UserID() string { return c.userID }

// Send enqueues one frame for delivery. It never blocks: a saturated buffer
// fails fast with ErrSendBufferFull so a slow consumer cannot stall the run
// that is emitting.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the connection down exactly once. Safe to call from any
// goroutine and from concurrent paths (read loop, write pump, registry).
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// WritePump drains the outbound queue onto the socket and keeps the
// connection alive with periodic pings. It owns all writes; it returns when
// the connection closes or a write fails.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("write failed, closing connection",
					"connection_id", c.id, "error", err.Error())
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ConfigureRead applies the read deadline and pong handler. The server's read
// loop calls this once before consuming inbound frames.
func (c *Connection) ConfigureRead(maxMessageSize int64) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// ReadMessage blocks for the next inbound frame.
func (c *Connection) ReadMessage() ([]byte, error) {
	_, payload, err := c.ws.ReadMessage()
	return payload, err
}
