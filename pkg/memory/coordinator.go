// Package memory implements the tiered conversation memory: a bounded
// short-term window in Redis and a long-term vector index that is filled
// in the background every K recorded messages.
package memory

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/embeddings"
	"github.com/aixgo-dev/chatengine/pkg/observability"
	"github.com/aixgo-dev/chatengine/pkg/vectorstore"
)

// Config holds memory tuning.
type Config struct {
	// WindowSize is the number of entries kept in short-term memory (N)
	WindowSize int `yaml:"window_size"`

	// WindowTTL expires idle short-term windows
	WindowTTL time.Duration `yaml:"window_ttl"`

	// ConsolidateEvery is the message count interval between consolidations (K)
	ConsolidateEvery int `yaml:"consolidate_every"`

	// RetrievalTopK is the number of entries retrieved per source
	RetrievalTopK int `yaml:"retrieval_top_k"`

	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	KeyPrefix  string        `yaml:"key_prefix"`
}

// DefaultConfig returns the default memory configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:       10,
		WindowTTL:        24 * time.Hour,
		ConsolidateEvery: 10,
		RetrievalTopK:    5,
		Workers:          2,
		QueueSize:        256,
		JobTimeout:       time.Minute,
		KeyPrefix:        "chatengine:memory:",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.ConsolidateEvery <= 0 {
		c.ConsolidateEvery = d.ConsolidateEvery
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = d.RetrievalTopK
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
}

// Coordinator decides what enters each memory tier and assembles the
// context handed to the model.
type Coordinator struct {
	cfg          Config
	short        *ShortTermMemory
	long         *LongTermMemory
	consolidator *Consolidator
}

// NewCoordinator wires both tiers and starts the consolidation workers.
func NewCoordinator(client redis.UniversalClient, store vectorstore.VectorStore, embedder embeddings.EmbeddingService, cfg Config) *Coordinator {
	cfg.applyDefaults()

	c := &Coordinator{
		cfg:   cfg,
		short: NewShortTermMemory(client, cfg.KeyPrefix, cfg.WindowSize, cfg.WindowTTL),
		long:  NewLongTermMemory(store, embedder),
	}
	c.consolidator = NewConsolidator(c.consolidate, cfg.Workers, cfg.QueueSize, cfg.JobTimeout)
	return c
}

// RecordExchange appends entries to short-term memory and, when the running
// count crosses a multiple of K, schedules consolidation. It never waits for
// consolidation.
func (c *Coordinator) RecordExchange(ctx context.Context, sessionID string, entries ...chat.MemoryEntry) error {
	before, after, err := c.short.Append(ctx, sessionID, entries...)
	if err != nil {
		return err
	}

	k := int64(c.cfg.ConsolidateEvery)
	if after/k > before/k {
		c.consolidator.Enqueue(sessionID)
	}
	return nil
}

func (c *Coordinator) consolidate(ctx context.Context, sessionID string) error {
	epoch, pending, err := c.short.PendingSnapshot(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	added, err := c.long.Index(ctx, sessionID, pending)
	if err != nil {
		return err
	}
	acked, err := c.short.AckPending(ctx, sessionID, epoch, len(pending))
	if err != nil {
		return err
	}
	if !acked {
		// Cleared while indexing: undo what this run wrote.
		if err := c.long.Forget(ctx, sessionID, pending); err != nil {
			return fmt.Errorf("discard entries of cleared session: %w", err)
		}
		log.Printf("[MEMORY] Session %s cleared during consolidation, discarded %d entries", sessionID, len(pending))
		return nil
	}

	log.Printf("[MEMORY] Consolidated session %s: %d pending, %d indexed", sessionID, len(pending), added)
	return nil
}

// BuildContext returns the short-term window plus entries retrieved from the
// session's long-term memory and the named collections. Retrieval failures
// degrade to the window alone; only a failure to read the window is returned.
func (c *Coordinator) BuildContext(ctx context.Context, sessionID, current string, collections []string) (PromptContext, error) {
	window, err := c.short.Window(ctx, sessionID)
	if err != nil {
		return PromptContext{}, fmt.Errorf("build context: %w", err)
	}
	pc := PromptContext{Window: window}

	count, err := c.short.Count(ctx, sessionID)
	if err != nil {
		log.Printf("[MEMORY] Message count unavailable for %s: %v", sessionID, err)
	}
	searchSession := count >= int64(c.cfg.ConsolidateEvery)
	if current == "" || (!searchSession && len(collections) == 0) {
		return pc, nil
	}

	query, err := c.long.Embed(ctx, current)
	if err != nil {
		log.Printf("[MEMORY] Retrieval skipped for %s: %v", sessionID, err)
		observability.RecordRetrievalFailure()
		return pc, nil
	}

	if searchSession {
		inWindow := make(map[string]bool, len(window))
		for _, e := range window {
			inWindow[e.ID] = true
		}
		hits, err := c.long.Search(ctx, SessionNamespace(sessionID), "conversation memory", query, c.cfg.RetrievalTopK)
		if err != nil {
			log.Printf("[MEMORY] Session retrieval failed for %s: %v", sessionID, err)
			observability.RecordRetrievalFailure()
		} else {
			var items []Retrieved
			for _, h := range hits {
				if !inWindow[h.ID] {
					items = append(items, h)
				}
			}
			pc.addBlock("conversation memory", items)
			observability.RecordRetrieval("session", len(items))
		}
	}

	for _, name := range collections {
		hits, err := c.long.Search(ctx, CollectionNamespace(name), name, query, c.cfg.RetrievalTopK)
		if err != nil {
			log.Printf("[MEMORY] Collection %s retrieval failed: %v", name, err)
			observability.RecordRetrievalFailure()
			continue
		}
		pc.addBlock(name, hits)
		observability.RecordRetrieval("collection", len(hits))
	}
	return pc, nil
}

// Clear empties both tiers for the session. A consolidation running
// concurrently discards its work instead of acknowledging. Clearing twice is
// harmless.
func (c *Coordinator) Clear(ctx context.Context, sessionID string) error {
	if err := c.short.Clear(ctx, sessionID); err != nil {
		return err
	}
	if err := c.long.Drop(ctx, sessionID); err != nil {
		return fmt.Errorf("clear long-term memory: %w", err)
	}
	return nil
}

// ShortTerm exposes the short-term tier.
func (c *Coordinator) ShortTerm() *ShortTermMemory {
	return c.short
}

// Errors delivers background consolidation failures.
func (c *Coordinator) Errors() <-chan ConsolidationError {
	return c.consolidator.Errors()
}

// Close drains the consolidation queue.
func (c *Coordinator) Close() {
	c.consolidator.Close()
}
