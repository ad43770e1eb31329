// Package memory provides a brute-force in-process vector store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aixgo-dev/chatengine/pkg/vectorstore"
)

// Store implements vectorstore.VectorStore with cosine similarity over an
// in-memory map per namespace. It is meant for development and tests.
type Store struct {
	namespaces    map[string]map[string]vectorstore.Document
	maxDocuments  int
	defaultTopK   int
	embeddingDims int
	mu            sync.RWMutex
}

func init() {
	vectorstore.Register("memory", New)
}

// New creates a Store from the provided configuration.
func New(config vectorstore.Config) (vectorstore.VectorStore, error) {
	if config.EmbeddingDimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be greater than 0, got %d", config.EmbeddingDimensions)
	}

	maxDocs := 10000
	if config.Memory != nil && config.Memory.MaxDocuments > 0 {
		maxDocs = config.Memory.MaxDocuments
	}
	topK := config.DefaultTopK
	if topK <= 0 {
		topK = 5
	}

	return &Store{
		namespaces:    make(map[string]map[string]vectorstore.Document),
		maxDocuments:  maxDocs,
		defaultTopK:   topK,
		embeddingDims: config.EmbeddingDimensions,
	}, nil
}

// Upsert inserts or updates documents in a namespace.
func (m *Store) Upsert(ctx context.Context, namespace string, documents []vectorstore.Document) error {
	if err := vectorstore.ValidateNamespace(namespace); err != nil {
		return err
	}
	if len(documents) == 0 {
		return nil
	}

	for i := range documents {
		if err := vectorstore.ValidateDocument(&documents[i]); err != nil {
			return fmt.Errorf("invalid document at index %d: %w", i, err)
		}
		if len(documents[i].Embedding) != m.embeddingDims {
			return fmt.Errorf("document %s embedding dimension mismatch: expected %d, got %d",
				documents[i].ID, m.embeddingDims, len(documents[i].Embedding))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.namespaces[namespace]
	if docs == nil {
		docs = make(map[string]vectorstore.Document)
		m.namespaces[namespace] = docs
	}

	added := 0
	for _, doc := range documents {
		if _, exists := docs[doc.ID]; !exists {
			added++
		}
	}
	if len(docs)+added > m.maxDocuments {
		return fmt.Errorf("would exceed max documents limit: %d (current: %d, adding: %d)",
			m.maxDocuments, len(docs), added)
	}

	for _, doc := range documents {
		docs[doc.ID] = copyDocument(doc)
	}
	return nil
}

// Search ranks the namespace's documents by cosine similarity.
func (m *Store) Search(ctx context.Context, namespace string, query vectorstore.SearchQuery) ([]vectorstore.SearchResult, error) {
	if query.TopK == 0 {
		query.TopK = m.defaultTopK
	}
	if err := vectorstore.ValidateSearchQuery(&query); err != nil {
		return nil, fmt.Errorf("invalid search query: %w", err)
	}
	if len(query.Embedding) != m.embeddingDims {
		return nil, fmt.Errorf("query embedding dimension mismatch: expected %d, got %d",
			m.embeddingDims, len(query.Embedding))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []vectorstore.SearchResult
	for _, doc := range m.namespaces[namespace] {
		if !matches(doc, query.Where) {
			continue
		}
		candidates = append(candidates, vectorstore.SearchResult{
			Document: copyDocument(doc),
			Score:    vectorstore.CosineSimilarity(query.Embedding, doc.Embedding),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > query.TopK {
		candidates = candidates[:query.TopK]
	}
	return candidates, nil
}

// Get retrieves documents by their IDs.
func (m *Store) Get(ctx context.Context, namespace string, ids []string) ([]vectorstore.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	documents := make([]vectorstore.Document, 0, len(ids))
	docs := m.namespaces[namespace]
	for _, id := range ids {
		if doc, ok := docs[id]; ok {
			documents = append(documents, copyDocument(doc))
		}
	}
	return documents, nil
}

// Delete removes documents by their IDs.
func (m *Store) Delete(ctx context.Context, namespace string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.namespaces[namespace]
	for _, id := range ids {
		delete(docs, id)
	}
	return nil
}

// DeleteNamespace drops a namespace. Unknown namespaces are ignored.
func (m *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
	return nil
}

// Close is a no-op.
func (m *Store) Close() error {
	return nil
}

// Count returns the number of documents in a namespace.
func (m *Store) Count(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.namespaces[namespace])
}

func matches(doc vectorstore.Document, where map[string]string) bool {
	for k, v := range where {
		if doc.Metadata[k] != v {
			return false
		}
	}
	return true
}

func copyDocument(doc vectorstore.Document) vectorstore.Document {
	embedding := make([]float32, len(doc.Embedding))
	copy(embedding, doc.Embedding)

	var metadata map[string]string
	if doc.Metadata != nil {
		metadata = make(map[string]string, len(doc.Metadata))
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
	}

	doc.Embedding = embedding
	doc.Metadata = metadata
	return doc
}
