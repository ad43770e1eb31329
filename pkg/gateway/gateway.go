// Package gateway exposes the chat engine over WebSocket. Each connection is
// authenticated before the upgrade, bound to sessions through the registry
// and fed relay events through a single ordered writer.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/aixgo-dev/chatengine/internal/observability"
	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/pipeline"
	"github.com/aixgo-dev/chatengine/pkg/registry"
)

// Generator accepts generation tasks.
type Generator interface {
	Accept(ctx context.Context, gt chat.GenerationTask, opts ...pipeline.AcceptOption) (*pipeline.Task, error)
	Stop(sessionID string) bool
}

// MemoryClearer drops the memory of a session.
type MemoryClearer interface {
	Clear(ctx context.Context, sessionID string) error
}

// Publisher publishes events to a session topic.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, ev chat.Event) error
}

// Config configures the gateway.
type Config struct {
	Path            string        `yaml:"path" env:"PATH"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
	SendQueue       int           `yaml:"send_queue" env:"SEND_QUEUE"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	RatePerSecond   float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	RateBurst       int           `yaml:"rate_burst" env:"RATE_BURST"`
	GlobalRate      float64       `yaml:"global_rate" env:"GLOBAL_RATE"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "/ws",
		MaxMessageBytes: 1 << 20,
		SendQueue:       256,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		RatePerSecond:   5,
		RateBurst:       10,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
}

// Gateway is an http.Handler serving the chat protocol.
type Gateway struct {
	cfg      Config
	sessions *registry.SessionRegistry
	gen      Generator
	mem      MemoryClearer
	pub      Publisher
	auth     Authenticator
	limiter  *RateLimiter

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id     string
	user   chat.AuthenticatedUser
	conn   *websocket.Conn
	out    chan Outbound
	ctx    context.Context
	cancel context.CancelFunc
}

// send queues o for the writer. A full queue closes the connection.
func (c *client) send(o Outbound) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.out <- o:
		return true
	default:
		log.Printf("[GATEWAY] Outbound queue full for connection %s, closing", c.id)
		c.cancel()
		return false
	}
}

// New creates a gateway.
func New(cfg Config, sessions *registry.SessionRegistry, gen Generator, mem MemoryClearer, pub Publisher, auth Authenticator) *Gateway {
	cfg.applyDefaults()
	return &Gateway{
		cfg:      cfg,
		sessions: sessions,
		gen:      gen,
		mem:      mem,
		pub:      pub,
		auth:     auth,
		limiter:  NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst, cfg.GlobalRate),
		clients:  make(map[string]*client),
	}
}

// Path returns the path the gateway is meant to be mounted on.
func (g *Gateway) Path() string {
	return g.cfg.Path
}

// Limiter returns the inbound rate limiter.
func (g *Gateway) Limiter() *RateLimiter {
	return g.limiter
}

// Clients returns the number of open connections.
func (g *Gateway) Clients() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Notify sends o to a local connection. It reports whether the connection
// exists.
func (g *Gateway) Notify(connID string, o Outbound) bool {
	g.mu.RLock()
	c, ok := g.clients[connID]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	return c.send(o)
}

// Close closes every connection and rejects new ones.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.cancel()
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := g.auth.Authenticate(r)
	if err != nil {
		log.Printf("[GATEWAY] Rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.AllowedOrigins,
	})
	if err != nil {
		log.Printf("[GATEWAY] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(g.cfg.MaxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		id:     uuid.New().String(),
		user:   user,
		conn:   conn,
		out:    make(chan Outbound, g.cfg.SendQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	if !g.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer g.remove(c.id)

	if err := g.sessions.Connect(c.id, user, g.deliverTo(c)); err != nil {
		log.Printf("[GATEWAY] Failed to register connection %s: %v", c.id, err)
		conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	defer g.sessions.Disconnect(c.id)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(c)
	}()

	log.Printf("[GATEWAY] Connection %s opened for user %s", c.id, user.ID)
	c.send(Outbound{Type: TypeConnected, ConnectionID: c.id, UserID: user.ID})

	g.readLoop(c)
	cancel()
	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("[GATEWAY] Connection %s closed", c.id)
}

func (g *Gateway) add(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.clients[c.id] = c
	return true
}

func (g *Gateway) remove(id string) {
	g.mu.Lock()
	delete(g.clients, id)
	g.mu.Unlock()
}

// deliverTo forwards relay events to the connection. A connection does not
// see its own typing notifications.
func (g *Gateway) deliverTo(c *client) registry.Deliver {
	return func(ev chat.Event) {
		if ev.Kind == chat.EventTyping && ev.Origin == c.id {
			return
		}
		if o, ok := outboundFromEvent(ev); ok {
			c.send(o)
		}
	}
}

func (g *Gateway) writeLoop(c *client) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case o := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, g.cfg.WriteTimeout)
			err := wsjson.Write(ctx, c.conn, o)
			cancel()
			if err != nil {
				log.Printf("[GATEWAY] Write to connection %s failed: %v", c.id, err)
				c.cancel()
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, g.cfg.WriteTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (g *Gateway) readLoop(c *client) {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if c.ctx.Err() == nil {
					log.Printf("[GATEWAY] Read from connection %s failed: %v", c.id, err)
				}
			}
			return
		}

		var req Inbound
		if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
			c.send(errorOutbound(req, chat.NewValidationError("malformed event")))
			continue
		}
		req.sanitize()
		if !g.limiter.Allow(c.user.ID) {
			c.send(errorOutbound(req, chat.NewError(chat.CodeRateLimited, "too many events, slow down", nil)))
			continue
		}
		g.handle(c, req)
	}
}

func (g *Gateway) handle(c *client, req Inbound) {
	var err error
	switch req.Type {
	case TypeJoin:
		err = g.handleJoin(c, req)
	case TypeCreate:
		err = g.handleCreate(c, req)
	case TypeMessage:
		err = g.handleMessage(c, req)
	case TypeTypingStart, TypeTypingStop:
		err = g.handleTyping(c, req)
	case TypeStop:
		err = g.handleStop(c, req)
	case TypeClearMemory:
		err = g.handleClearMemory(c, req)
	case TypeLeave:
		prev := g.sessions.Unbind(c.id)
		c.send(Outbound{Type: TypeLeft, RequestID: req.RequestID, SessionID: prev})
	default:
		err = chat.NewValidationError("unknown event type " + req.Type)
	}
	if err != nil {
		c.send(errorOutbound(req, err))
	}
}

func (g *Gateway) handleJoin(c *client, req Inbound) error {
	if req.SessionID == "" {
		return chat.NewValidationError("session id is required")
	}
	sess, err := g.sessions.ResolveJoin(c.ctx, c.id, req.SessionID)
	if err != nil {
		return err
	}
	c.send(roomOutbound(TypeRoomJoined, req, sess))
	return nil
}

func (g *Gateway) handleCreate(c *client, req Inbound) error {
	sess, err := g.sessions.ResolveCreate(c.ctx, c.id, req.AgentID, req.Title)
	if err != nil {
		return err
	}
	c.send(roomOutbound(TypeRoomCreated, req, sess))
	return nil
}

// handleMessage binds the connection as needed and hands the message to the
// pipeline. An unbound connection gets a new session titled after the
// message.
func (g *Gateway) handleMessage(c *client, req Inbound) error {
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return chat.NewValidationError("message cannot be empty")
	}

	ctx, span := observability.StartSpan(c.ctx, "chatengine.gateway.message", map[string]any{
		"connection.id": c.id,
		"user.id":       c.user.ID,
	})
	defer span.End()

	sess, err := g.bindForMessage(ctx, c, req)
	if err != nil {
		span.SetError(err)
		return err
	}
	span.SetAttribute("session.id", sess.ID)

	var agent chat.AgentConfig
	if sess.Agent != nil {
		agent = *sess.Agent
	}
	ack := pipeline.WithAcknowledge(func(task *pipeline.Task) {
		c.send(Outbound{Type: TypeAccepted, RequestID: req.RequestID, SessionID: sess.ID, TaskID: task.ID})
	})
	_, err = g.gen.Accept(ctx, chat.GenerationTask{
		SessionID:   sess.ID,
		UserID:      c.user.ID,
		Message:     req.Text,
		Agent:       agent,
		Attachments: req.Attachments,
	}, ack)
	if err != nil {
		span.SetError(err)
		return err
	}
	g.sessions.Touch(sess.ID)
	return nil
}

func (g *Gateway) bindForMessage(ctx context.Context, c *client, req Inbound) (*chat.Session, error) {
	b, _ := g.sessions.Connections().Get(c.id)

	var sess *chat.Session
	var err error
	switch {
	case req.SessionID != "" && req.SessionID != b.SessionID:
		sess, _, err = g.sessions.SwitchSession(ctx, c.id, req.SessionID)
		if err != nil {
			return nil, err
		}
		c.send(roomOutbound(TypeRoomJoined, req, sess))
	case b.SessionID == "":
		title := req.Title
		if title == "" {
			title = titleFrom(req.Text)
		}
		sess, err = g.sessions.ResolveCreate(ctx, c.id, req.AgentID, title)
		if err != nil {
			return nil, err
		}
		c.send(roomOutbound(TypeRoomCreated, req, sess))
		return sess, nil
	default:
		var ok bool
		if sess, ok = g.sessions.Session(b.SessionID); !ok {
			return nil, chat.NewNotFoundError("session not found", chat.ErrSessionNotFound)
		}
	}

	if req.AgentID != "" && req.AgentID != sess.AgentID {
		return g.sessions.SwitchAgent(ctx, c.id, req.AgentID)
	}
	return sess, nil
}

func (g *Gateway) handleTyping(c *client, req Inbound) error {
	sessionID, err := g.boundSession(c, req)
	if err != nil {
		return err
	}
	return g.pub.Publish(c.ctx, sessionID, chat.Event{
		Kind:   chat.EventTyping,
		Origin: c.id,
		UserID: c.user.ID,
		Typing: req.Type == TypeTypingStart,
	})
}

func (g *Gateway) handleStop(c *client, req Inbound) error {
	sessionID, err := g.boundSession(c, req)
	if err != nil {
		return err
	}
	if !g.gen.Stop(sessionID) {
		return chat.NewValidationError("no generation is running")
	}
	return nil
}

func (g *Gateway) handleClearMemory(c *client, req Inbound) error {
	sessionID, err := g.boundSession(c, req)
	if err != nil {
		return err
	}
	if err := g.mem.Clear(c.ctx, sessionID); err != nil {
		log.Printf("[GATEWAY] Failed to clear memory of session %s: %v", sessionID, err)
		return chat.NewError(chat.CodeInternal, "failed to clear memory", err)
	}
	c.send(Outbound{Type: TypeMemoryCleared, RequestID: req.RequestID, SessionID: sessionID})
	return nil
}

// boundSession returns the session the connection is bound to. A request
// naming another session is rejected.
func (g *Gateway) boundSession(c *client, req Inbound) (string, error) {
	b, _ := g.sessions.Connections().Get(c.id)
	if b.SessionID == "" {
		return "", chat.NewValidationError("connection is not bound to a session")
	}
	if req.SessionID != "" && req.SessionID != b.SessionID {
		return "", chat.NewValidationError("connection is bound to another session")
	}
	return b.SessionID, nil
}

func roomOutbound(typ string, req Inbound, sess *chat.Session) Outbound {
	return Outbound{
		Type:      typ,
		RequestID: req.RequestID,
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		Title:     sess.Title,
	}
}

const maxTitleRunes = 60

func titleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxTitleRunes {
		return text
	}
	return string([]rune(text)[:maxTitleRunes]) + "..."
}
