package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/chatengine/pkg/chat"
)

// ShortTermMemory keeps the most recent entries of each session in a Redis
// list trimmed to a fixed window. It also tracks the running message count
// and the entries still waiting for long-term consolidation.
type ShortTermMemory struct {
	client     redis.UniversalClient
	prefix     string
	window     int
	ttl        time.Duration
	maxPending int
}

// NewShortTermMemory creates a short-term store on an existing client.
func NewShortTermMemory(client redis.UniversalClient, prefix string, window int, ttl time.Duration) *ShortTermMemory {
	if prefix == "" {
		prefix = "chatengine:memory:"
	}
	if window <= 0 {
		window = 10
	}
	return &ShortTermMemory{
		client:     client,
		prefix:     prefix,
		window:     window,
		ttl:        ttl,
		maxPending: 1000,
	}
}

func (m *ShortTermMemory) windowKey(sessionID string) string {
	return m.prefix + "window:" + sessionID
}

func (m *ShortTermMemory) pendingKey(sessionID string) string {
	return m.prefix + "pending:" + sessionID
}

func (m *ShortTermMemory) countKey(sessionID string) string {
	return m.prefix + "count:" + sessionID
}

// epochKey counts the clears of a session. It outlives Clear.
func (m *ShortTermMemory) epochKey(sessionID string) string {
	return m.prefix + "epoch:" + sessionID
}

// Append adds entries to the window and the pending list in one transaction
// and returns the session's message count before and after the append.
func (m *ShortTermMemory) Append(ctx context.Context, sessionID string, entries ...chat.MemoryEntry) (before, after int64, err error) {
	if len(entries) == 0 {
		n, err := m.Count(ctx, sessionID)
		return n, n, err
	}

	values := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return 0, 0, fmt.Errorf("marshal entry: %w", err)
		}
		values = append(values, data)
	}

	wk, pk, ck := m.windowKey(sessionID), m.pendingKey(sessionID), m.countKey(sessionID)
	var incr *redis.IntCmd
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, wk, values...)
		pipe.LTrim(ctx, wk, int64(-m.window), -1)
		pipe.RPush(ctx, pk, values...)
		pipe.LTrim(ctx, pk, int64(-m.maxPending), -1)
		incr = pipe.IncrBy(ctx, ck, int64(len(entries)))
		if m.ttl > 0 {
			pipe.Expire(ctx, wk, m.ttl)
			pipe.Expire(ctx, pk, m.ttl)
			pipe.Expire(ctx, ck, m.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("append short-term entries: %w", err)
	}

	after = incr.Val()
	return after - int64(len(entries)), after, nil
}

// Window returns the retained entries in chronological order.
func (m *ShortTermMemory) Window(ctx context.Context, sessionID string) ([]chat.MemoryEntry, error) {
	return m.readList(ctx, m.windowKey(sessionID))
}

// Pending returns the entries not yet consolidated, oldest first.
func (m *ShortTermMemory) Pending(ctx context.Context, sessionID string) ([]chat.MemoryEntry, error) {
	return m.readList(ctx, m.pendingKey(sessionID))
}

// PendingSnapshot returns the pending entries together with the session's
// clear epoch, read in one transaction.
func (m *ShortTermMemory) PendingSnapshot(ctx context.Context, sessionID string) (int64, []chat.MemoryEntry, error) {
	var epoch *redis.StringCmd
	var raw *redis.StringSliceCmd
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		epoch = pipe.Get(ctx, m.epochKey(sessionID))
		raw = pipe.LRange(ctx, m.pendingKey(sessionID), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, nil, fmt.Errorf("read pending entries: %w", err)
	}

	n, err := parseEpoch(epoch)
	if err != nil {
		return 0, nil, err
	}
	entries, err := decodeEntries(raw.Val())
	if err != nil {
		return 0, nil, err
	}
	return n, entries, nil
}

// AckPending drops the n oldest pending entries after they were indexed,
// provided the session was not cleared since epoch was read. It reports
// whether the entries were acknowledged.
func (m *ShortTermMemory) AckPending(ctx context.Context, sessionID string, epoch int64, n int) (bool, error) {
	if n <= 0 {
		return true, nil
	}

	ek := m.epochKey(sessionID)
	acked := false
	err := m.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := parseEpoch(tx.Get(ctx, ek))
		if err != nil {
			return err
		}
		if current != epoch {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LTrim(ctx, m.pendingKey(sessionID), int64(n), -1)
			return nil
		})
		if err == nil {
			acked = true
		}
		return err
	}, ek)
	if errors.Is(err, redis.TxFailedErr) {
		// The epoch changed under the watch: a clear won.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ack pending entries: %w", err)
	}
	return acked, nil
}

// Epoch returns how many times the session was cleared.
func (m *ShortTermMemory) Epoch(ctx context.Context, sessionID string) (int64, error) {
	return parseEpoch(m.client.Get(ctx, m.epochKey(sessionID)))
}

// Count returns the number of messages recorded for the session.
func (m *ShortTermMemory) Count(ctx context.Context, sessionID string) (int64, error) {
	n, err := m.client.Get(ctx, m.countKey(sessionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read message count: %w", err)
	}
	return n, nil
}

// Clear removes everything kept for the session and advances its clear
// epoch, so consolidations that read the old pending list cannot acknowledge
// against the new one. Clearing an empty session is not an error.
func (m *ShortTermMemory) Clear(ctx context.Context, sessionID string) error {
	ek := m.epochKey(sessionID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.windowKey(sessionID), m.pendingKey(sessionID), m.countKey(sessionID))
		pipe.Incr(ctx, ek)
		if m.ttl > 0 {
			pipe.Expire(ctx, ek, m.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear short-term memory: %w", err)
	}
	return nil
}

func (m *ShortTermMemory) readList(ctx context.Context, key string) ([]chat.MemoryEntry, error) {
	raw, err := m.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return decodeEntries(raw)
}

func decodeEntries(raw []string) ([]chat.MemoryEntry, error) {
	entries := make([]chat.MemoryEntry, 0, len(raw))
	for _, r := range raw {
		var e chat.MemoryEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseEpoch(cmd *redis.StringCmd) (int64, error) {
	n, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read clear epoch: %w", err)
	}
	return n, nil
}
