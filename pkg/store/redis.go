package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/chatengine/pkg/chat"
)

// RedisStore implements chat.ChatStore using Redis.
// It is suitable for multi-node deployments sharing one Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// NewRedisStore creates a store on an existing client. A ttl of 0 keeps
// sessions forever. Closing the store does not close the client.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "chatengine:store:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) messagesKey(sessionID string) string {
	return s.prefix + "messages:" + sessionID
}

func (s *RedisStore) userIndexKey(userID string) string {
	return s.prefix + "user:" + userID
}

func (s *RedisStore) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// CreateSession allocates a session id and persists the session.
func (s *RedisStore) CreateSession(ctx context.Context, ownerID, title, agentID string) (*chat.SessionRecord, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &chat.SessionRecord{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Title:     title,
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *RedisStore) save(ctx context.Context, rec *chat.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(rec.ID), data, s.ttl)
	pipe.SAdd(ctx, s.userIndexKey(rec.OwnerID), rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*chat.SessionRecord, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, chat.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var rec chat.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &rec, nil
}

// GetOwner returns the id of the user owning the session.
func (s *RedisStore) GetOwner(ctx context.Context, sessionID string) (string, error) {
	rec, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return rec.OwnerID, nil
}

// SetSessionAgent changes the agent of a session.
func (s *RedisStore) SetSessionAgent(ctx context.Context, sessionID, agentID string) error {
	rec, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	rec.AgentID = agentID
	rec.UpdatedAt = time.Now().UTC()
	return s.save(ctx, rec)
}

// AppendMessage adds a message to the end of the session's history.
func (s *RedisStore) AppendMessage(ctx context.Context, sessionID string, entry chat.MemoryEntry) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	exists, err := s.client.Exists(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return chat.ErrSessionNotFound
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.messagesKey(sessionID), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.messagesKey(sessionID), s.ttl)
		pipe.Expire(ctx, s.sessionKey(sessionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns the last limit messages, oldest first. A limit of 0
// returns the whole history.
func (s *RedisStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.MemoryEntry, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	items, err := s.client.LRange(ctx, s.messagesKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	entries := make([]chat.MemoryEntry, 0, len(items))
	for _, item := range items {
		var e chat.MemoryEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue // Skip malformed entries
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ListSessions returns the ids of the sessions owned by a user.
func (s *RedisStore) ListSessions(ctx context.Context, userID string) ([]string, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, s.userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

// DeleteSession removes a session and its messages. Deleting an unknown
// session is not an error.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	rec, err := s.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, chat.ErrSessionNotFound) {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(sessionID), s.messagesKey(sessionID))
	if rec != nil {
		pipe.SRem(ctx, s.userIndexKey(rec.OwnerID), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close marks the store closed.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
