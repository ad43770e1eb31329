// Package chatengine wires the session registry, relay, memory, generation
// pipeline and WebSocket gateway into a running chat engine.
package chatengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/config"
	"github.com/aixgo-dev/chatengine/pkg/embeddings"
	"github.com/aixgo-dev/chatengine/pkg/gateway"
	"github.com/aixgo-dev/chatengine/pkg/llm/provider"
	"github.com/aixgo-dev/chatengine/pkg/memory"
	"github.com/aixgo-dev/chatengine/pkg/observability"
	"github.com/aixgo-dev/chatengine/pkg/pipeline"
	"github.com/aixgo-dev/chatengine/pkg/registry"
	"github.com/aixgo-dev/chatengine/pkg/relay"
	"github.com/aixgo-dev/chatengine/pkg/store"
	"github.com/aixgo-dev/chatengine/pkg/vectorstore"

	// Register vector store providers
	_ "github.com/aixgo-dev/chatengine/pkg/vectorstore/chromem"
	_ "github.com/aixgo-dev/chatengine/pkg/vectorstore/firestore"
	_ "github.com/aixgo-dev/chatengine/pkg/vectorstore/memory"
)

// Version is reported by health checks and the version command.
var Version = "dev"

// Option customizes engine construction.
type Option func(*options)

type options struct {
	redis    redis.UniversalClient
	provider provider.Provider
	tools    *provider.ToolRegistry
}

// WithRedisClient uses client instead of dialing the configured address.
// The engine does not close a client it was given.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

// WithProvider overrides the configured model provider.
func WithProvider(p provider.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithTools registers the tools agents may call.
func WithTools(tools *provider.ToolRegistry) Option {
	return func(o *options) { o.tools = tools }
}

// Engine owns every component of a chat server process.
type Engine struct {
	cfg *config.Config

	redis     redis.UniversalClient
	ownsRedis bool

	store    chat.ChatStore
	agents   *registry.CachedResolver
	vectors  vectorstore.VectorStore
	memory   *memory.Coordinator
	relay    *relay.Relay
	sessions *registry.SessionRegistry
	pipeline *pipeline.Pipeline
	auth     *gateway.JWTAuthenticator
	gateway  *gateway.Gateway
	health   *observability.HealthChecker
}

// New builds an engine from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:    cfg,
		health: observability.NewHealthChecker(Version),
	}
	if err := e.build(ctx, o); err != nil {
		_ = e.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context, o options) error {
	cfg := e.cfg

	e.redis = o.redis
	if e.redis == nil {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		e.ownsRedis = true
	}
	if err := e.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	client := e.redis
	e.health.RegisterCheck(observability.DatabaseCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))

	var upstream chat.AgentResolver
	switch cfg.Store.Backend {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Store.Postgres)
		if err != nil {
			return err
		}
		e.store = pg
		if err := store.NewStaticAgents(cfg.Agents).Seed(ctx, pg); err != nil {
			return fmt.Errorf("seed agents: %w", err)
		}
		upstream = pg
		e.health.RegisterCheck(observability.DatabaseCheck("postgres", pg.Ping))
	default:
		e.store = store.NewRedisStore(client, cfg.Store.RedisPrefix, cfg.Store.RedisTTL)
		upstream = store.NewStaticAgents(cfg.Agents)
	}

	agents, err := registry.NewCachedResolver(upstream, cfg.AgentCache.MaxAgents, cfg.AgentCache.TTL)
	if err != nil {
		return err
	}
	e.agents = agents

	embedder, err := embeddings.New(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("create embeddings: %w", err)
	}
	e.vectors, err = vectorstore.New(cfg.VectorStore)
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}
	e.memory = memory.NewCoordinator(client, e.vectors, embedder, cfg.Memory)

	e.relay = relay.New(relay.NewRedisBroker(client, cfg.Redis.RelayPrefix))
	e.sessions = registry.New(e.store, e.agents, e.relay, nil, registry.Options{DefaultAgentID: cfg.DefaultAgent})

	prov := o.provider
	if prov == nil {
		if prov, err = provider.New(cfg.LLM); err != nil {
			return err
		}
	}
	tools := o.tools
	if tools == nil {
		tools = provider.NewToolRegistry()
	}
	e.pipeline = pipeline.New(prov, tools, e.memory, e.store, e.relay, cfg.Pipeline)

	e.auth, err = gateway.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	e.gateway = gateway.New(cfg.Gateway, e.sessions, e.pipeline, e.memory, e.relay, e.auth)

	log.Printf("[ENGINE] Ready (store=%s, llm=%s, embeddings=%s, vectorstore=%s)",
		cfg.Store.Backend, prov.Name(), embedder.ModelName(), cfg.VectorStore.Provider)
	return nil
}

// Handler returns the WebSocket gateway and the session API.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(e.gateway.Path(), e.gateway)
	mux.Handle("GET /api/sessions/{id}/messages", e.authenticated(e.handleListMessages))
	mux.Handle("DELETE /api/sessions/{id}", e.authenticated(e.handleDeleteSession))
	return mux
}

// DeleteSession removes a session owned by user. A running generation is
// stopped and waited for before the session and its memory are deleted.
// Connections bound to the session, here or on another process sharing
// the relay, are told they left.
func (e *Engine) DeleteSession(ctx context.Context, user chat.AuthenticatedUser, sessionID string) error {
	owner, err := e.store.GetOwner(ctx, sessionID)
	if errors.Is(err, chat.ErrSessionNotFound) {
		return chat.NewNotFoundError("session not found", err)
	}
	if err != nil {
		return fmt.Errorf("get session owner: %w", err)
	}
	if owner != user.ID {
		return chat.NewAuthorizationError("session belongs to another user")
	}

	if t, ok := e.pipeline.Inflight(sessionID); ok {
		e.pipeline.Stop(sessionID)
		select {
		case <-t.Done():
		case <-ctx.Done():
			return fmt.Errorf("wait for generation to stop: %w", context.Cause(ctx))
		}
	}
	if err := e.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := e.memory.Clear(ctx, sessionID); err != nil {
		log.Printf("[ENGINE] Failed to clear memory of deleted session %s: %v", sessionID, err)
	}

	for _, connID := range e.sessions.DropSession(sessionID) {
		e.gateway.Notify(connID, gateway.Outbound{Type: gateway.TypeLeft, SessionID: sessionID})
	}
	// Local connections are already unbound; this reaches the other processes.
	if err := e.relay.Publish(ctx, sessionID, chat.Event{Kind: chat.EventSessionDeleted}); err != nil {
		log.Printf("[ENGINE] Failed to announce deletion of session %s: %v", sessionID, err)
	}
	log.Printf("[ENGINE] Deleted session %s", sessionID)
	return nil
}

// ListMessages returns the last limit messages of a session owned by user.
// A limit of 0 returns all of them.
func (e *Engine) ListMessages(ctx context.Context, user chat.AuthenticatedUser, sessionID string, limit int) ([]chat.MemoryEntry, error) {
	owner, err := e.store.GetOwner(ctx, sessionID)
	if errors.Is(err, chat.ErrSessionNotFound) {
		return nil, chat.NewNotFoundError("session not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("get session owner: %w", err)
	}
	if owner != user.ID {
		return nil, chat.NewAuthorizationError("session belongs to another user")
	}
	return e.store.ListMessages(ctx, sessionID, limit)
}

// Maintain runs the periodic housekeeping: idle sessions are evicted from
// the registry cache, idle rate limiters are dropped and runtime gauges
// are refreshed.
func (e *Engine) Maintain() {
	swept := e.sessions.SweepIdle(e.cfg.Maintenance.SessionIdleTimeout)
	limiters := e.gateway.Limiter().Sweep(e.cfg.Maintenance.LimiterIdleTimeout)
	observability.RecordRuntimeStats()
	if swept > 0 || limiters > 0 {
		log.Printf("[ENGINE] Maintenance evicted %d sessions and %d rate limiters", swept, limiters)
	}
}

// Health returns the engine's health checker.
func (e *Engine) Health() *observability.HealthChecker {
	return e.health
}

// Auth returns the token authenticator.
func (e *Engine) Auth() *gateway.JWTAuthenticator {
	return e.auth
}

// Sessions returns the session registry.
func (e *Engine) Sessions() *registry.SessionRegistry {
	return e.sessions
}

// Pipeline returns the generation pipeline.
func (e *Engine) Pipeline() *pipeline.Pipeline {
	return e.pipeline
}

// Memory returns the memory coordinator.
func (e *Engine) Memory() *memory.Coordinator {
	return e.memory
}

// Store returns the chat store.
func (e *Engine) Store() chat.ChatStore {
	return e.store
}

// Close shuts the engine down. Running generations get until ctx ends to
// finish; connections are closed first so no new work arrives.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.gateway != nil {
		e.gateway.Close()
	}
	if e.pipeline != nil {
		if err := e.pipeline.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pipeline: %w", err))
		}
	}
	if e.memory != nil {
		e.memory.Close()
	}
	if e.relay != nil {
		if err := e.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay: %w", err))
		}
	}
	if e.agents != nil {
		e.agents.Close()
	}
	if e.vectors != nil {
		if err := e.vectors.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vector store: %w", err))
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if e.redis != nil && e.ownsRedis {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
