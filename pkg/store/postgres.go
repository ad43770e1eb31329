package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aixgo-dev/chatengine/pkg/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// foreign_key_violation
const pgForeignKeyViolation = "23503"

// PostgresConfig configures the Postgres store.
type PostgresConfig struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
	// Migrate applies the embedded migrations on startup.
	Migrate bool `yaml:"migrate"`
}

// PostgresStore implements chat.ChatStore and chat.AgentResolver on Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPool opens and verifies a connection pool.
func NewPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	config.MaxConns = 20
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	config.MinConns = 2
	if cfg.MinConns > 0 {
		config.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(databaseURL string) error {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	log.Printf("[STORE] Migrations applied (version %d, dirty %v)", version, dirty)
	return nil
}

// OpenPostgres connects, migrates when configured, and returns a store.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("postgres url is required")
	}
	if cfg.Migrate {
		if err := RunMigrations(cfg.URL); err != nil {
			return nil, err
		}
	}
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewPostgresStore(pool), nil
}

// NewPostgresStore creates a store on an existing pool. The store owns the
// pool and closes it on Close.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateSession(ctx context.Context, ownerID, title, agentID string) (*chat.SessionRecord, error) {
	rec := &chat.SessionRecord{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Title:   title,
		AgentID: agentID,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_sessions (id, owner_id, title, agent_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at, updated_at`,
		rec.ID, rec.OwnerID, rec.Title, rec.AgentID,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*chat.SessionRecord, error) {
	var rec chat.SessionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, agent_id, created_at, updated_at
		 FROM chat_sessions WHERE id = $1`,
		sessionID,
	).Scan(&rec.ID, &rec.OwnerID, &rec.Title, &rec.AgentID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, chat.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) GetOwner(ctx context.Context, sessionID string) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT owner_id FROM chat_sessions WHERE id = $1`, sessionID).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", chat.ErrSessionNotFound
		}
		return "", fmt.Errorf("get owner: %w", err)
	}
	return owner, nil
}

func (s *PostgresStore) SetSessionAgent(ctx context.Context, sessionID, agentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET agent_id = $2, updated_at = now() WHERE id = $1`,
		sessionID, agentID)
	if err != nil {
		return fmt.Errorf("set session agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chat.ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID string, entry chat.MemoryEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		entry.ID, sessionID, string(entry.Role), entry.Text, ts)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return chat.ErrSessionNotFound
		}
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.MemoryEntry, error) {
	query := `SELECT id, role, content, created_at FROM (
		SELECT seq, id, role, content, created_at FROM chat_messages
		WHERE session_id = $1 ORDER BY seq DESC LIMIT $2
	) recent ORDER BY seq ASC`
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := s.pool.Query(ctx, query, sessionID, lim)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var entries []chat.MemoryEntry
	for rows.Next() {
		var e chat.MemoryEntry
		var role string
		if err := rows.Scan(&e.ID, &role, &e.Text, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		e.Role = chat.Role(role)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ResolveAgent loads an agent configuration.
func (s *PostgresStore) ResolveAgent(ctx context.Context, agentID string) (*chat.AgentConfig, error) {
	var a chat.AgentConfig
	var temperature decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, model, system_prompt, temperature, max_tokens, collections, tools
		 FROM agents WHERE id = $1`,
		agentID,
	).Scan(&a.ID, &a.Name, &a.ModelID, &a.SystemPrompt, &temperature, &a.MaxTokens, &a.Collections, &a.Tools)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, chat.ErrAgentNotFound
		}
		return nil, fmt.Errorf("resolve agent: %w", err)
	}
	a.Temperature = temperature.InexactFloat64()
	return &a, nil
}

// UpsertAgent creates or replaces an agent configuration.
func (s *PostgresStore) UpsertAgent(ctx context.Context, a chat.AgentConfig) error {
	collections := a.Collections
	if collections == nil {
		collections = []string{}
	}
	tools := a.Tools
	if tools == nil {
		tools = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, model, system_prompt, temperature, max_tokens, collections, tools)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, model = EXCLUDED.model, system_prompt = EXCLUDED.system_prompt,
		   temperature = EXCLUDED.temperature, max_tokens = EXCLUDED.max_tokens,
		   collections = EXCLUDED.collections, tools = EXCLUDED.tools, updated_at = now()`,
		a.ID, a.Name, a.ModelID, a.SystemPrompt, decimal.NewFromFloat(a.Temperature).Round(2),
		a.MaxTokens, collections, tools)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
