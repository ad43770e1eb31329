package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/embeddings"
	"github.com/aixgo-dev/chatengine/pkg/vectorstore"
)

// Retrieved is one entry returned by a similarity search.
type Retrieved struct {
	ID     string
	Text   string
	Role   chat.Role
	Score  float32
	Source string
}

// SessionNamespace is the vector store namespace holding a session's
// consolidated messages.
func SessionNamespace(sessionID string) string {
	return "session:" + sessionID
}

// CollectionNamespace is the namespace of an external document collection.
func CollectionNamespace(name string) string {
	return "collection:" + name
}

// LongTermMemory indexes conversation entries in a vector store.
type LongTermMemory struct {
	store    vectorstore.VectorStore
	embedder embeddings.EmbeddingService
}

// NewLongTermMemory creates a long-term memory on a store and an embedder.
func NewLongTermMemory(store vectorstore.VectorStore, embedder embeddings.EmbeddingService) *LongTermMemory {
	return &LongTermMemory{store: store, embedder: embedder}
}

// Index embeds and stores the entries not already present in the session's
// namespace. It returns how many entries were added.
func (l *LongTermMemory) Index(ctx context.Context, sessionID string, entries []chat.MemoryEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	ns := SessionNamespace(sessionID)

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	existing, err := l.store.Get(ctx, ns, ids)
	if err != nil {
		return 0, fmt.Errorf("look up indexed entries: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, d := range existing {
		seen[d.ID] = true
	}

	var todo []chat.MemoryEntry
	for _, e := range entries {
		if seen[e.ID] || e.Text == "" {
			continue
		}
		seen[e.ID] = true
		todo = append(todo, e)
	}
	if len(todo) == 0 {
		return 0, nil
	}

	texts := make([]string, len(todo))
	for i, e := range todo {
		texts[i] = e.Text
	}
	vecs, err := l.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed entries: %w", err)
	}

	docs := make([]vectorstore.Document, len(todo))
	for i, e := range todo {
		docs[i] = vectorstore.Document{
			ID:        e.ID,
			Content:   e.Text,
			Embedding: vecs[i],
			Metadata: map[string]string{
				"role":       string(e.Role),
				"session_id": sessionID,
				"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
			},
			CreatedAt: e.Timestamp,
		}
	}
	if err := l.store.Upsert(ctx, ns, docs); err != nil {
		return 0, fmt.Errorf("upsert entries: %w", err)
	}
	return len(docs), nil
}

// Embed returns the query vector for text.
func (l *LongTermMemory) Embed(ctx context.Context, text string) ([]float32, error) {
	return l.embedder.Embed(ctx, text)
}

// Search returns the topK nearest entries of a namespace with similarity
// clipped to [0, 1]. No threshold is applied.
func (l *LongTermMemory) Search(ctx context.Context, namespace, source string, query []float32, topK int) ([]Retrieved, error) {
	results, err := l.store.Search(ctx, namespace, vectorstore.SearchQuery{Embedding: query, TopK: topK})
	if err != nil {
		return nil, err
	}

	out := make([]Retrieved, 0, len(results))
	for _, r := range results {
		out = append(out, Retrieved{
			ID:     r.Document.ID,
			Text:   r.Document.Content,
			Role:   chat.Role(r.Document.Metadata["role"]),
			Score:  r.Similarity(),
			Source: source,
		})
	}
	return out, nil
}

// Forget removes the given entries from the session's namespace.
func (l *LongTermMemory) Forget(ctx context.Context, sessionID string, entries []chat.MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return l.store.Delete(ctx, SessionNamespace(sessionID), ids)
}

// Drop removes the session's namespace.
func (l *LongTermMemory) Drop(ctx context.Context, sessionID string) error {
	return l.store.DeleteNamespace(ctx, SessionNamespace(sessionID))
}
