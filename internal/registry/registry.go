// Package registry tracks the websocket connections accepted by this process.
// It is never consulted across instances; the presence store carries the
// cluster-wide view.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prakhar0085/chatapp/internal/event"
)

var (
	ErrInvalidConnection = errors.New("connection requires user id and connection id")
	ErrDuplicate         = errors.New("connection already registered")
	ErrAtCapacity        = errors.New("connection registry at capacity")
)

// Sink receives events for one connection. Deliver must not block; an
// implementation that cannot accept more work returns an error instead.
type Sink interface {
	Deliver(ev event.Event) error
}

// Connection is one live socket owned by this instance.
type Connection struct {
	UserID      string
	ID          string
	InstanceID  string
	ConnectedAt time.Time
	Sink        Sink
}

// ConnectionRegistry keeps track of connections hosted on the instance.
type ConnectionRegistry interface {
	Register(conn Connection) error
	Unregister(connectionID string) (conn Connection, remaining int, ok bool)
	ConnectionIDs(userID string) []string
	Connections(userID string) []Connection
	All() []Connection
	Count() int
}

// InMemoryRegistry is a mutex-guarded map of connections indexed by id and user.
type InMemoryRegistry struct {
	mu     sync.RWMutex
	conns  map[string]Connection
	byUser map[string]map[string]struct{}
	limit  int
	nowFn  func() time.Time
}

// NewInMemory creates a registry with an optional limit; zero means unbounded.
func NewInMemory(limit int) *InMemoryRegistry {
	return &InMemoryRegistry{
		conns:  make(map[string]Connection),
		byUser: make(map[string]map[string]struct{}),
		limit:  limit,
		nowFn:  time.Now,
	}
}

// Register stores a connection if capacity allows.
func (r *InMemoryRegistry) Register(conn Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn.UserID == "" || conn.ID == "" {
		return ErrInvalidConnection
	}
	if _, exists := r.conns[conn.ID]; exists {
		return ErrDuplicate
	}
	if r.limit > 0 && len(r.conns) >= r.limit {
		return ErrAtCapacity
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = r.nowFn()
	}
	r.conns[conn.ID] = conn
	ids, ok := r.byUser[conn.UserID]
	if !ok {
		ids = make(map[string]struct{})
		r.byUser[conn.UserID] = ids
	}
	ids[conn.ID] = struct{}{}
	return nil
}

// Unregister removes a connection and reports how many connections the same
// user still holds on this instance.
func (r *InMemoryRegistry) Unregister(connectionID string) (Connection, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return Connection{}, 0, false
	}
	delete(r.conns, connectionID)
	ids := r.byUser[conn.UserID]
	delete(ids, connectionID)
	remaining := len(ids)
	if remaining == 0 {
		delete(r.byUser, conn.UserID)
	}
	return conn, remaining, true
}

// ConnectionIDs lists the local connection ids of a user, sorted.
func (r *InMemoryRegistry) ConnectionIDs(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connections returns the local connections of a user in connection order.
func (r *InMemoryRegistry) Connections(userID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Connection, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		out = append(out, r.conns[id])
	}
	sortConnections(out)
	return out
}

// All enumerates every local connection.
func (r *InMemoryRegistry) All() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	sortConnections(out)
	return out
}

// Count returns the number of local connections.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users returns the number of distinct users with at least one local connection.
func (r *InMemoryRegistry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func sortConnections(conns []Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
}
