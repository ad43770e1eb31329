package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aixgo-dev/chatengine/pkg/chat"
)

// Deliver hands an event to a connection's outbound queue. It must not block.
type Deliver func(chat.Event)

// Binding is a snapshot of a connection's state.
type Binding struct {
	ConnID    string
	User      chat.AuthenticatedUser
	SessionID string
}

type connection struct {
	id      string
	user    chat.AuthenticatedUser
	deliver Deliver

	// op serializes join, switch and unbind on this connection.
	op sync.Mutex

	// session is read by relay handlers without taking op.
	session   atomic.Value
	handlerID string
}

func (c *connection) current() string {
	s, _ := c.session.Load().(string)
	return s
}

// ConnectionRegistry tracks the live connections of this process and the
// session each one is bound to. A connection is bound to at most one session.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[string]*connection)}
}

func (r *ConnectionRegistry) add(id string, user chat.AuthenticatedUser, deliver Deliver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		return fmt.Errorf("connection %s already registered", id)
	}
	c := &connection{id: id, user: user, deliver: deliver}
	c.session.Store("")
	r.conns[id] = c
	return nil
}

func (r *ConnectionRegistry) get(id string) (*connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *ConnectionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Get returns the binding of a connection.
func (r *ConnectionRegistry) Get(id string) (Binding, bool) {
	c, ok := r.get(id)
	if !ok {
		return Binding{}, false
	}
	return Binding{ConnID: c.id, User: c.user, SessionID: c.current()}, true
}

// BoundTo returns the ids of connections bound to the session, sorted.
func (r *ConnectionRegistry) BoundTo(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, c := range r.conns {
		if c.current() == sessionID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
