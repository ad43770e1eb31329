package vectorstore

import (
	"context"
	"fmt"
	"math"
	"time"
)

// VectorStore stores documents with embeddings in isolated namespaces and
// answers nearest-neighbour queries within one namespace.
type VectorStore interface {
	// Upsert inserts or updates documents in a namespace
	Upsert(ctx context.Context, namespace string, documents []Document) error

	// Search returns the documents of a namespace most similar to the query
	Search(ctx context.Context, namespace string, query SearchQuery) ([]SearchResult, error)

	// Get retrieves documents by ID. Unknown IDs are skipped.
	Get(ctx context.Context, namespace string, ids []string) ([]Document, error)

	// Delete removes documents by ID
	Delete(ctx context.Context, namespace string, ids []string) error

	// DeleteNamespace removes a namespace and everything in it
	DeleteNamespace(ctx context.Context, namespace string) error

	// Close releases the store
	Close() error
}

// Document represents a document with embeddings and metadata.
type Document struct {
	// ID is the unique identifier within the namespace
	ID string `json:"id"`

	// Content is the text content of the document
	Content string `json:"content"`

	// Embedding is the vector representation of the content
	Embedding []float32 `json:"embedding"`

	// Metadata contains additional string attributes (role, timestamp, source)
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SearchQuery defines the parameters for a similarity search.
type SearchQuery struct {
	// Embedding is the query vector to search for
	Embedding []float32

	// TopK is the number of results to return (default: store default)
	TopK int

	// Where restricts results to documents whose metadata matches every pair
	Where map[string]string
}

// SearchResult represents a single search result.
type SearchResult struct {
	Document Document

	// Score is the similarity reported by the store (higher is more similar)
	Score float32

	// Distance is set by stores that report a distance instead of a score
	Distance float32

	// HasDistance tells which of Score and Distance is authoritative
	HasDistance bool
}

// Similarity returns the result's similarity clipped to [0, 1]. Stores that
// report a distance are converted with 1 - distance.
func (r SearchResult) Similarity() float32 {
	s := r.Score
	if r.HasDistance {
		s = 1 - r.Distance
	}
	if s < 0 || isNaN(s) {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// CosineSimilarity scores two vectors in [-1, 1]. Mismatched or zero
// vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// ValidateNamespace checks that a namespace name is usable.
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	if len(namespace) > 256 {
		return fmt.Errorf("namespace too long: maximum 256 characters, got %d", len(namespace))
	}
	for i, r := range namespace {
		if r < 0x20 || r == 0x7F {
			return fmt.Errorf("namespace contains control character at position %d", i)
		}
	}
	return nil
}

// ValidateDocument checks if a document is valid before storage.
func ValidateDocument(doc *Document) error {
	if err := ValidateDocumentID(doc.ID); err != nil {
		return fmt.Errorf("invalid document ID: %w", err)
	}
	if doc.Content == "" {
		return fmt.Errorf("document content cannot be empty")
	}
	if len(doc.Embedding) == 0 {
		return fmt.Errorf("document embedding cannot be empty")
	}
	for i, val := range doc.Embedding {
		if isNaN(val) || isInf(val) {
			return fmt.Errorf("embedding contains invalid value at index %d: %f", i, val)
		}
	}
	for key := range doc.Metadata {
		if err := ValidateMetadataKey(key); err != nil {
			return fmt.Errorf("invalid metadata key %q: %w", key, err)
		}
	}
	return nil
}

// ValidateSearchQuery checks if a search query is valid.
func ValidateSearchQuery(query *SearchQuery) error {
	if len(query.Embedding) == 0 {
		return fmt.Errorf("query embedding cannot be empty")
	}
	for i, val := range query.Embedding {
		if isNaN(val) || isInf(val) {
			return fmt.Errorf("query embedding contains invalid value at index %d: %f", i, val)
		}
	}
	if query.TopK < 1 {
		return fmt.Errorf("TopK must be at least 1, got %d", query.TopK)
	}
	if query.TopK > 1000 {
		return fmt.Errorf("TopK cannot exceed 1000, got %d", query.TopK)
	}
	return nil
}

// ValidateMetadataKey checks if a metadata key is safe to use.
func ValidateMetadataKey(key string) error {
	if key == "" {
		return fmt.Errorf("metadata key cannot be empty")
	}
	if len(key) > 256 {
		return fmt.Errorf("metadata key too long: maximum 256 characters, got %d", len(key))
	}
	for i, r := range key {
		if r < 0x20 || r == 0x7F {
			return fmt.Errorf("metadata key contains control character at position %d", i)
		}
		if r == '$' || r == '.' {
			return fmt.Errorf("metadata key contains forbidden character '%c' at position %d (reserved for internal use)", r, i)
		}
	}
	return nil
}

// ValidateDocumentID checks if a document ID is safe to use.
func ValidateDocumentID(id string) error {
	if id == "" {
		return fmt.Errorf("document ID cannot be empty")
	}
	if len(id) > 512 {
		return fmt.Errorf("document ID too long: maximum 512 characters, got %d", len(id))
	}
	if id == "." || id == ".." {
		return fmt.Errorf("document ID cannot be '.' or '..'")
	}
	for i, r := range id {
		if r < 0x20 || r == 0x7F {
			return fmt.Errorf("document ID contains control character at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("document ID contains path separator at position %d", i)
		}
	}
	return nil
}

func isNaN(f float32) bool {
	return f != f
}

func isInf(f float32) bool {
	return f > maxFloat32 || f < -maxFloat32
}

const maxFloat32 = 3.40282346638528859811704183484516925440e+38
