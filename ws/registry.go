package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentrelay/agentrelay/core"
	"github.com/agentrelay/agentrelay/logging"
	"github.com/agentrelay/agentrelay/telemetry"
)

// ErrNoLiveConnections is returned by BroadcastToUser when not a single
// connection accepted the frame. Partial delivery is success: events reach
// whichever of the user's sockets are still healthy.
var ErrNoLiveConnections = errors.New("no live connections for user")

// ConnectionRegistry tracks every live connection grouped by owning user.
// Events for a user fan out to all of that user's connections in registration
// order and never to anyone else's.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	byUser map[string][]Conn
	byID   map[string]Conn

	logger  logging.Logger
	metrics *telemetry.Metrics
}

// ConnectionRegistryOptions configures a ConnectionRegistry.
type ConnectionRegistryOptions struct {
	Logger  logging.Logger
	Metrics *telemetry.Metrics
}

// NewConnectionRegistry constructs an empty registry.
func NewConnectionRegistry(optFns ...func(o *ConnectionRegistryOptions)) *ConnectionRegistry {
	opts := ConnectionRegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ConnectionRegistry{
		byUser:  make(map[string][]Conn),
		byID:    make(map[string]Conn),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Add registers a connection under its owning user.
func (r *ConnectionRegistry) Add(c Conn) {
	r.mu.Lock()
	r.byUser[c.UserID()] = append(r.byUser[c.UserID()], c)
	r.byID[c.ID()] = c
	total := len(r.byID)
	r.mu.Unlock()

	r.metrics.ConnectionOpened(context.Background())
	r.logger.Debug("connection registered",
		"connection_id", c.ID(), "user_id", c.UserID(), "total", total)
}

// Remove unregisters a connection by ID. Removing an unknown ID is a no-op.
// The connection itself is not closed; callers own that.
func (r *ConnectionRegistry) Remove(connID string) {
	r.mu.Lock()
	c, ok := r.byID[connID]
	if ok {
		delete(r.byID, connID)
		r.byUser[c.UserID()] = removeConn(r.byUser[c.UserID()], connID)
		if len(r.byUser[c.UserID()]) == 0 {
			delete(r.byUser, c.UserID())
		}
	}
	r.mu.Unlock()

	if ok {
		r.metrics.ConnectionClosed(context.Background())
		r.logger.Debug("connection unregistered", "connection_id", connID, "user_id", c.UserID())
	}
}

func removeConn(conns []Conn, connID string) []Conn {
	for i, c := range conns {
		if c.ID() == connID {
			return append(conns[:i:i], conns[i+1:]...)
		}
	}
	return conns
}

// Connections returns a snapshot of the user's connections in registration
// order.
func (r *ConnectionRegistry) Connections(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Conn(nil), r.byUser[userID]...)
}

// Count returns the number of live connections for userID.
func (r *ConnectionRegistry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Total returns the number of live connections across all users.
func (r *ConnectionRegistry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// BroadcastToUser serializes the event once and delivers it to every
// connection the user currently owns, in registration order. Connections
// whose Send fails with a closed error are evicted on the spot. The call
// succeeds when at least one connection accepted the frame and fails with
// ErrNoLiveConnections (or the marshal error) otherwise.
func (r *ConnectionRegistry) BroadcastToUser(userID string, ev core.LifecycleEvent) error {
	payload, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", ev.Type, err)
	}

	conns := r.Connections(userID)
	delivered := 0
	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				r.Remove(c.ID())
			}
			r.logger.Debug("frame not accepted",
				"connection_id", c.ID(), "user_id", userID,
				"event", string(ev.Type), "error", err.Error())
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return fmt.Errorf("broadcast %s to %s: %w", ev.Type, userID, ErrNoLiveConnections)
	}
	return nil
}

// CloseAll closes and unregisters every connection. Used during shutdown.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.byUser = make(map[string][]Conn)
	r.byID = make(map[string]Conn)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
		r.metrics.ConnectionClosed(context.Background())
	}
}
