// Package registry binds live connections to sessions. It enforces session
// ownership, loads the session's agent and keeps each connection subscribed
// to the relay topic of the session it is bound to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/observability"
	"github.com/aixgo-dev/chatengine/pkg/relay"
)

// Options configures a SessionRegistry.
type Options struct {
	// DefaultAgentID is resolved for sessions that have no agent of their own.
	DefaultAgentID string
}

// SessionRegistry resolves join, create and switch requests. It is safe for
// concurrent use.
type SessionRegistry struct {
	store  chat.ChatStore
	agents chat.AgentResolver
	relay  *relay.Relay
	conns  *ConnectionRegistry
	opts   Options

	mu       sync.RWMutex
	sessions map[string]*chat.Session
}

// New creates a session registry.
func New(store chat.ChatStore, agents chat.AgentResolver, r *relay.Relay, conns *ConnectionRegistry, opts Options) *SessionRegistry {
	if conns == nil {
		conns = NewConnectionRegistry()
	}
	return &SessionRegistry{
		store:    store,
		agents:   agents,
		relay:    r,
		conns:    conns,
		opts:     opts,
		sessions: make(map[string]*chat.Session),
	}
}

// Connections returns the connection arena.
func (s *SessionRegistry) Connections() *ConnectionRegistry {
	return s.conns
}

// Connect registers a connection for an authenticated user.
func (s *SessionRegistry) Connect(connID string, user chat.AuthenticatedUser, deliver Deliver) error {
	if connID == "" || user.ID == "" {
		return chat.NewValidationError("connection id and user id are required")
	}
	if deliver == nil {
		return chat.NewValidationError("deliver function is required")
	}
	if err := s.conns.add(connID, user, deliver); err != nil {
		return err
	}
	observability.ConnectionOpened()
	return nil
}

// ResolveJoin binds the connection to an existing session owned by its user.
// Joining the session the connection is already bound to is a no-op.
func (s *SessionRegistry) ResolveJoin(ctx context.Context, connID, sessionID string) (*chat.Session, error) {
	sess, _, err := s.bind(ctx, connID, sessionID)
	return sess, err
}

// SwitchSession moves the connection to another session and returns the id
// of the session it left. On failure the previous binding is kept.
func (s *SessionRegistry) SwitchSession(ctx context.Context, connID, sessionID string) (*chat.Session, string, error) {
	return s.bind(ctx, connID, sessionID)
}

// ResolveCreate allocates a new session for the connection's user and binds
// the connection to it. The agent is resolved before anything is allocated.
func (s *SessionRegistry) ResolveCreate(ctx context.Context, connID, agentID, title string) (*chat.Session, error) {
	c, err := s.connection(connID)
	if err != nil {
		return nil, err
	}
	c.op.Lock()
	defer c.op.Unlock()

	agent, err := s.resolveAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.CreateSession(ctx, c.user.ID, title, agentID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	sess := sessionFromRecord(rec, agent)
	if err := s.attach(ctx, c, sess.ID); err != nil {
		if derr := s.store.DeleteSession(context.WithoutCancel(ctx), rec.ID); derr != nil {
			log.Printf("[REGISTRY] Failed to release session %s after bind failure: %v", rec.ID, derr)
		}
		return nil, err
	}
	s.remember(sess)

	log.Printf("[REGISTRY] Created session %s for user %s (agent %q)", sess.ID, c.user.ID, agentID)
	return copySession(sess), nil
}

// SwitchAgent changes the agent of the session the connection is bound to.
func (s *SessionRegistry) SwitchAgent(ctx context.Context, connID, agentID string) (*chat.Session, error) {
	c, err := s.connection(connID)
	if err != nil {
		return nil, err
	}
	c.op.Lock()
	defer c.op.Unlock()

	sessionID := c.current()
	if sessionID == "" {
		return nil, chat.NewValidationError("connection is not bound to a session")
	}
	if err := s.authorize(ctx, c.user, sessionID); err != nil {
		return nil, err
	}
	agent, err := s.resolveAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetSessionAgent(ctx, sessionID, agentID); err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			return nil, chat.NewNotFoundError("session not found", err)
		}
		return nil, fmt.Errorf("set session agent: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, chat.NewNotFoundError("session not found", chat.ErrSessionNotFound)
	}
	sess.AgentID = agentID
	sess.Agent = agent
	sess.LastActivity = time.Now()
	return copySession(sess), nil
}

// Unbind detaches the connection from its session and returns the session id
// it was bound to.
func (s *SessionRegistry) Unbind(connID string) string {
	c, ok := s.conns.get(connID)
	if !ok {
		return ""
	}
	c.op.Lock()
	defer c.op.Unlock()
	return s.detach(c)
}

// Disconnect unbinds and forgets the connection. Generation already running
// for its session is not affected.
func (s *SessionRegistry) Disconnect(connID string) {
	c, ok := s.conns.get(connID)
	if !ok {
		return
	}
	c.op.Lock()
	s.detach(c)
	s.conns.remove(connID)
	c.op.Unlock()
	observability.ConnectionClosed()
}

// DropSession handles deletion of a session elsewhere: every local
// connection bound to it is unbound and its cached state is forgotten. It
// returns the ids of the connections that were unbound.
func (s *SessionRegistry) DropSession(sessionID string) []string {
	var dropped []string
	for _, id := range s.conns.BoundTo(sessionID) {
		c, ok := s.conns.get(id)
		if !ok {
			continue
		}
		c.op.Lock()
		if c.current() == sessionID {
			s.detach(c)
			dropped = append(dropped, id)
		}
		c.op.Unlock()
	}
	s.forget(sessionID)
	return dropped
}

// Session returns a copy of the cached session state.
func (s *SessionRegistry) Session(sessionID string) (*chat.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return copySession(sess), true
}

// Touch records activity on the session.
func (s *SessionRegistry) Touch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.LastActivity = time.Now()
	}
}

// SweepIdle forgets cached sessions that have had no activity for maxIdle
// and no bound connection. It returns the number of sessions forgotten.
func (s *SessionRegistry) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.RLock()
	var candidates []string
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	swept := 0
	for _, id := range candidates {
		if len(s.conns.BoundTo(id)) > 0 {
			continue
		}
		s.mu.Lock()
		if sess, ok := s.sessions[id]; ok && sess.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			swept++
		}
		s.mu.Unlock()
	}
	if swept > 0 {
		log.Printf("[REGISTRY] Swept %d idle sessions", swept)
	}
	s.reportActive()
	return swept
}

// ActiveSessions returns the number of cached sessions.
func (s *SessionRegistry) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *SessionRegistry) bind(ctx context.Context, connID, sessionID string) (*chat.Session, string, error) {
	if sessionID == "" {
		return nil, "", chat.NewValidationError("session id is required")
	}
	c, err := s.connection(connID)
	if err != nil {
		return nil, "", err
	}
	c.op.Lock()
	defer c.op.Unlock()

	previous := c.current()
	sess, err := s.load(ctx, c.user, sessionID)
	if err != nil {
		return nil, previous, err
	}
	if previous == sessionID {
		return sess, previous, nil
	}
	if err := s.attach(ctx, c, sessionID); err != nil {
		return nil, previous, err
	}
	s.Touch(sessionID)
	return sess, previous, nil
}

// load checks ownership and returns the session, reading it from the chat
// store and resolving its agent when it is not cached.
func (s *SessionRegistry) load(ctx context.Context, user chat.AuthenticatedUser, sessionID string) (*chat.Session, error) {
	if err := s.authorize(ctx, user, sessionID); err != nil {
		return nil, err
	}
	if sess, ok := s.Session(sessionID); ok {
		return sess, nil
	}

	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			return nil, chat.NewNotFoundError("session not found", err)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	agent, err := s.resolveAgent(ctx, rec.AgentID)
	if err != nil {
		return nil, err
	}
	sess := sessionFromRecord(rec, agent)
	s.remember(sess)
	return copySession(sess), nil
}

func (s *SessionRegistry) authorize(ctx context.Context, user chat.AuthenticatedUser, sessionID string) error {
	owner, err := s.store.GetOwner(ctx, sessionID)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			return chat.NewNotFoundError("session not found", err)
		}
		return fmt.Errorf("get session owner: %w", err)
	}
	if owner != user.ID {
		return chat.NewAuthorizationError("session belongs to another user")
	}
	return nil
}

// resolveAgent resolves agentID, falling back to the default agent. With
// neither set it returns an empty configuration.
func (s *SessionRegistry) resolveAgent(ctx context.Context, agentID string) (*chat.AgentConfig, error) {
	if agentID == "" {
		agentID = s.opts.DefaultAgentID
	}
	if agentID == "" || s.agents == nil {
		return &chat.AgentConfig{ID: agentID}, nil
	}
	agent, err := s.agents.ResolveAgent(ctx, agentID)
	if err != nil {
		return nil, chat.NewAgentResolutionError(agentID, err)
	}
	return agent, nil
}

// attach subscribes the connection to sessionID and then drops its previous
// subscription, so a failed subscribe leaves the old binding in place.
func (s *SessionRegistry) attach(ctx context.Context, c *connection, sessionID string) error {
	handlerID, err := s.relay.Subscribe(ctx, sessionID, func(ev chat.Event) {
		if c.current() != ev.SessionID {
			return
		}
		c.deliver(ev)
		if ev.Kind == chat.EventSessionDeleted {
			// Unsubscribing from inside a delivery would block it.
			go s.DropSession(ev.SessionID)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to session: %w", err)
	}

	s.detach(c)
	c.handlerID = handlerID
	c.session.Store(sessionID)
	return nil
}

// detach unsubscribes the connection; c.op must be held.
func (s *SessionRegistry) detach(c *connection) string {
	previous := c.current()
	if previous == "" {
		return ""
	}
	c.session.Store("")
	s.relay.Unsubscribe(previous, c.handlerID)
	c.handlerID = ""
	return previous
}

func (s *SessionRegistry) connection(connID string) (*connection, error) {
	c, ok := s.conns.get(connID)
	if !ok {
		return nil, chat.NewValidationError("unknown connection")
	}
	return c, nil
}

func (s *SessionRegistry) remember(sess *chat.Session) {
	s.mu.Lock()
	if existing, ok := s.sessions[sess.ID]; ok {
		existing.LastActivity = time.Now()
	} else {
		s.sessions[sess.ID] = sess
	}
	s.mu.Unlock()
	s.reportActive()
}

func (s *SessionRegistry) forget(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	s.reportActive()
}

func (s *SessionRegistry) reportActive() {
	observability.SetActiveSessions(s.ActiveSessions())
}

func sessionFromRecord(rec *chat.SessionRecord, agent *chat.AgentConfig) *chat.Session {
	return &chat.Session{
		ID:           rec.ID,
		OwnerID:      rec.OwnerID,
		Title:        rec.Title,
		AgentID:      rec.AgentID,
		Agent:        agent,
		CreatedAt:    rec.CreatedAt,
		LastActivity: time.Now(),
	}
}

func copySession(sess *chat.Session) *chat.Session {
	cp := *sess
	if sess.Agent != nil {
		agent := *sess.Agent
		agent.Collections = append([]string(nil), sess.Agent.Collections...)
		agent.Tools = append([]string(nil), sess.Agent.Tools...)
		cp.Agent = &agent
	}
	return &cp
}
