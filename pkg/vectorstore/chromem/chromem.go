// Package chromem provides a vector store backed by chromem-go, an embedded
// pure-Go vector database. Each namespace maps to one chromem collection.
package chromem

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/aixgo-dev/chatengine/pkg/vectorstore"
)

// Store implements vectorstore.VectorStore on top of chromem-go.
type Store struct {
	db            *chromem.DB
	collections   map[string]*chromem.Collection
	defaultTopK   int
	embeddingDims int
	mu            sync.RWMutex
}

func init() {
	vectorstore.Register("chromem", New)
}

// New creates a chromem store. A persist path turns on chromem's on-disk mode.
func New(config vectorstore.Config) (vectorstore.VectorStore, error) {
	if config.EmbeddingDimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be greater than 0, got %d", config.EmbeddingDimensions)
	}

	db := chromem.NewDB()
	if config.Chromem != nil && config.Chromem.PersistPath != "" {
		var err error
		db, err = chromem.NewPersistentDB(config.Chromem.PersistPath, config.Chromem.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	topK := config.DefaultTopK
	if topK <= 0 {
		topK = 5
	}
	return &Store{
		db:            db,
		collections:   make(map[string]*chromem.Collection),
		defaultTopK:   topK,
		embeddingDims: config.EmbeddingDimensions,
	}, nil
}

func (s *Store) collection(namespace string, create bool) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[namespace]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[namespace]; ok {
		return col, nil
	}
	// Persistent databases reload collections on open.
	if col := s.db.GetCollection(namespace, nil); col != nil {
		s.collections[namespace] = col
		return col, nil
	}
	if !create {
		return nil, nil
	}

	col, err := s.db.CreateCollection(namespace, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[namespace] = col
	return col, nil
}

// Upsert adds documents. chromem overwrites documents with an existing ID.
func (s *Store) Upsert(ctx context.Context, namespace string, documents []vectorstore.Document) error {
	if err := vectorstore.ValidateNamespace(namespace); err != nil {
		return err
	}
	if len(documents) == 0 {
		return nil
	}

	docs := make([]chromem.Document, 0, len(documents))
	for i := range documents {
		d := &documents[i]
		if err := vectorstore.ValidateDocument(d); err != nil {
			return fmt.Errorf("invalid document at index %d: %w", i, err)
		}
		if len(d.Embedding) != s.embeddingDims {
			return fmt.Errorf("document %s embedding dimension mismatch: expected %d, got %d",
				d.ID, s.embeddingDims, len(d.Embedding))
		}
		docs = append(docs, chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Embedding: d.Embedding,
			Metadata:  d.Metadata,
		})
	}

	col, err := s.collection(namespace, true)
	if err != nil {
		return err
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

// Search queries a namespace. chromem rejects nResults above the collection
// size, so the limit is clamped to the document count.
func (s *Store) Search(ctx context.Context, namespace string, query vectorstore.SearchQuery) ([]vectorstore.SearchResult, error) {
	if query.TopK == 0 {
		query.TopK = s.defaultTopK
	}
	if err := vectorstore.ValidateSearchQuery(&query); err != nil {
		return nil, fmt.Errorf("invalid search query: %w", err)
	}

	col, err := s.collection(namespace, false)
	if err != nil || col == nil {
		return nil, err
	}

	limit := min(query.TopK, col.Count())
	if limit == 0 {
		return nil, nil
	}

	var results []chromem.Result
	for ; limit >= 1; limit-- {
		results, err = col.QueryEmbedding(ctx, query.Embedding, limit, query.Where, nil)
		if err == nil {
			break
		}
		// A where filter can leave fewer candidates than the collection holds.
		if !strings.Contains(err.Error(), "nResults") {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
	}
	if err != nil {
		log.Printf("[CHROMEM] No results in %s: %v", namespace, err)
		return nil, nil
	}

	out := make([]vectorstore.SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, vectorstore.SearchResult{
			Document: vectorstore.Document{
				ID:        r.ID,
				Content:   r.Content,
				Embedding: r.Embedding,
				Metadata:  r.Metadata,
			},
			Score: r.Similarity,
		})
	}
	return out, nil
}

// Get retrieves documents by ID, skipping unknown ones.
func (s *Store) Get(ctx context.Context, namespace string, ids []string) ([]vectorstore.Document, error) {
	col, err := s.collection(namespace, false)
	if err != nil || col == nil {
		return nil, err
	}

	docs := make([]vectorstore.Document, 0, len(ids))
	for _, id := range ids {
		d, err := col.GetByID(ctx, id)
		if err != nil {
			continue
		}
		docs = append(docs, vectorstore.Document{
			ID:        d.ID,
			Content:   d.Content,
			Embedding: d.Embedding,
			Metadata:  d.Metadata,
		})
	}
	return docs, nil
}

// Delete removes documents by ID.
func (s *Store) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := s.collection(namespace, false)
	if err != nil || col == nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

// DeleteNamespace drops the namespace's collection.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections, namespace)
	if s.db.GetCollection(namespace, nil) == nil {
		return nil
	}
	if err := s.db.DeleteCollection(namespace); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return nil
}

// Close is a no-op; persistent databases write through on every change.
func (s *Store) Close() error {
	return nil
}
