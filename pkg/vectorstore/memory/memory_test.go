package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/chatengine/pkg/vectorstore"
)

func newStore(t *testing.T, dims, maxDocs int) *Store {
	t.Helper()
	vs, err := New(vectorstore.Config{
		Provider:            "memory",
		EmbeddingDimensions: dims,
		DefaultTopK:         5,
		Memory:              &vectorstore.MemoryConfig{MaxDocuments: maxDocs},
	})
	require.NoError(t, err)
	return vs.(*Store)
}

func doc(id string, emb ...float32) vectorstore.Document {
	return vectorstore.Document{ID: id, Content: "content " + id, Embedding: emb}
}

func TestNew(t *testing.T) {
	_, err := New(vectorstore.Config{Provider: "memory", EmbeddingDimensions: 0})
	assert.Error(t, err)

	s := newStore(t, 3, 0)
	assert.Equal(t, 10000, s.maxDocuments)
	assert.True(t, vectorstore.IsRegistered("memory"))
}

func TestUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 3, 100)

	require.NoError(t, s.Upsert(ctx, "session:a", []vectorstore.Document{
		doc("x", 1, 0, 0),
		doc("y", 0, 1, 0),
		doc("z", 0.9, 0.1, 0),
	}))

	results, err := s.Search(ctx, "session:a", vectorstore.SearchQuery{Embedding: []float32{1, 0, 0}, TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "x", results[0].Document.ID)
	assert.Equal(t, "z", results[1].Document.ID)
	assert.InDelta(t, 1.0, results[0].Similarity(), 1e-6)
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 2, 100)

	require.NoError(t, s.Upsert(ctx, "session:a", []vectorstore.Document{doc("x", 1, 0)}))
	require.NoError(t, s.Upsert(ctx, "session:b", []vectorstore.Document{doc("y", 1, 0)}))

	results, err := s.Search(ctx, "session:a", vectorstore.SearchQuery{Embedding: []float32{1, 0}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "x", results[0].Document.ID)

	require.NoError(t, s.DeleteNamespace(ctx, "session:a"))
	assert.Equal(t, 0, s.Count("session:a"))
	assert.Equal(t, 1, s.Count("session:b"))

	// Deleting twice is harmless.
	require.NoError(t, s.DeleteNamespace(ctx, "session:a"))
}

func TestUpsertIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 2, 100)

	require.NoError(t, s.Upsert(ctx, "ns", []vectorstore.Document{doc("x", 1, 0)}))
	require.NoError(t, s.Upsert(ctx, "ns", []vectorstore.Document{doc("x", 0, 1)}))
	assert.Equal(t, 1, s.Count("ns"))

	docs, err := s.Get(ctx, "ns", []string{"x", "missing"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, []float32{0, 1}, docs[0].Embedding)
}

func TestUpsertValidation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 2, 1)

	assert.Error(t, s.Upsert(ctx, "", []vectorstore.Document{doc("x", 1, 0)}))
	assert.Error(t, s.Upsert(ctx, "ns", []vectorstore.Document{doc("x", 1, 0, 0)}))

	require.NoError(t, s.Upsert(ctx, "ns", []vectorstore.Document{doc("x", 1, 0)}))
	err := s.Upsert(ctx, "ns", []vectorstore.Document{doc("y", 1, 0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max documents")
}

func TestSearchWhere(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 2, 100)

	a := doc("a", 1, 0)
	a.Metadata = map[string]string{"role": "user"}
	b := doc("b", 1, 0)
	b.Metadata = map[string]string{"role": "assistant"}
	require.NoError(t, s.Upsert(ctx, "ns", []vectorstore.Document{a, b}))

	results, err := s.Search(ctx, "ns", vectorstore.SearchQuery{
		Embedding: []float32{1, 0},
		Where:     map[string]string{"role": "assistant"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].Document.ID)
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 2, 100)
	require.NoError(t, s.Upsert(ctx, "ns", []vectorstore.Document{doc("x", 1, 0)}))

	docs, err := s.Get(ctx, "ns", []string{"x"})
	require.NoError(t, err)
	docs[0].Embedding[0] = 42

	again, err := s.Get(ctx, "ns", []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, float32(1), again[0].Embedding[0])
}

func TestConcurrentUpsertSearch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 2, 10000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = s.Upsert(ctx, "ns", []vectorstore.Document{doc(fmt.Sprintf("d%d", i), 1, float32(i))})
		}(i)
		go func() {
			defer wg.Done()
			_, _ = s.Search(ctx, "ns", vectorstore.SearchQuery{Embedding: []float32{1, 1}})
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, s.Count("ns"))
}
