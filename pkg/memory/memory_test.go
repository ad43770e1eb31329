package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/embeddings"
	"github.com/aixgo-dev/chatengine/pkg/vectorstore"
	vsmemory "github.com/aixgo-dev/chatengine/pkg/vectorstore/memory"
)

const dims = 64

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newVectorStore(t *testing.T) *vsmemory.Store {
	t.Helper()
	vs, err := vsmemory.New(vectorstore.Config{Provider: "memory", EmbeddingDimensions: dims})
	require.NoError(t, err)
	return vs.(*vsmemory.Store)
}

// testEmbedder wraps the hash embedder with failure and blocking hooks.
type testEmbedder struct {
	*embeddings.HashEmbeddings
	batchCalls atomic.Int32
	failBatch  atomic.Int32 // number of EmbedBatch calls left to fail
	failEmbed  atomic.Bool
	block      chan struct{}
}

func newTestEmbedder() *testEmbedder {
	return &testEmbedder{HashEmbeddings: embeddings.NewHash(dims)}
}

func (e *testEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.failEmbed.Load() {
		return nil, errors.New("embedding service down")
	}
	return e.HashEmbeddings.Embed(ctx, text)
}

func (e *testEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.batchCalls.Add(1)
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.failBatch.Load() > 0 {
		e.failBatch.Add(-1)
		return nil, errors.New("embedding service down")
	}
	return e.HashEmbeddings.EmbedBatch(ctx, texts)
}

func entry(i int) chat.MemoryEntry {
	role := chat.RoleUser
	if i%2 == 1 {
		role = chat.RoleAssistant
	}
	return chat.MemoryEntry{
		ID:        fmt.Sprintf("m%02d", i),
		Role:      role,
		Text:      fmt.Sprintf("message number %d about topic %d", i, i%3),
		Timestamp: time.Unix(int64(1700000000+i), 0).UTC(),
	}
}

func newCoordinator(t *testing.T, client redis.UniversalClient, vs vectorstore.VectorStore, emb embeddings.EmbeddingService) *Coordinator {
	t.Helper()
	c := NewCoordinator(client, vs, emb, Config{
		WindowSize:       10,
		WindowTTL:        time.Hour,
		ConsolidateEvery: 10,
		RetrievalTopK:    5,
		Workers:          2,
		JobTimeout:       5 * time.Second,
	})
	t.Cleanup(c.Close)
	return c
}

func TestShortTermWindowIsBounded(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	stm := NewShortTermMemory(client, "test:", 10, time.Hour)

	for i := 0; i < 25; i++ {
		before, after, err := stm.Append(ctx, "s1", entry(i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), before)
		assert.Equal(t, int64(i+1), after)

		window, err := stm.Window(ctx, "s1")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(window), 10)
	}

	window, err := stm.Window(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, window, 10)
	assert.Equal(t, "m15", window[0].ID)
	assert.Equal(t, "m24", window[9].ID)

	count, err := stm.Count(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), count)
}

func TestShortTermExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := setupMiniredis(t)
	stm := NewShortTermMemory(client, "test:", 10, time.Minute)

	_, _, err := stm.Append(ctx, "s1", entry(0))
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	window, err := stm.Window(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, window)
	count, err := stm.Count(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestShortTermPendingAck(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	stm := NewShortTermMemory(client, "test:", 3, 0)

	_, _, err := stm.Append(ctx, "s1", entry(0), entry(1), entry(2), entry(3))
	require.NoError(t, err)

	pending, err := stm.Pending(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, pending, 4, "pending keeps entries the window evicted")

	epoch, snap, err := stm.PendingSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, epoch)
	assert.Equal(t, pending, snap)

	acked, err := stm.AckPending(ctx, "s1", epoch, 3)
	require.NoError(t, err)
	assert.True(t, acked)
	pending, err = stm.Pending(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m03", pending[0].ID)
}

func TestShortTermAckAfterClearIsRefused(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	stm := NewShortTermMemory(client, "test:", 10, time.Hour)

	_, _, err := stm.Append(ctx, "s1", entry(0), entry(1), entry(2))
	require.NoError(t, err)
	epoch, _, err := stm.PendingSnapshot(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, stm.Clear(ctx, "s1"))
	_, _, err = stm.Append(ctx, "s1", entry(3))
	require.NoError(t, err)

	acked, err := stm.AckPending(ctx, "s1", epoch, 3)
	require.NoError(t, err)
	assert.False(t, acked)

	pending, err := stm.Pending(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pending, 1, "entries recorded after the clear stay pending")
	assert.Equal(t, "m03", pending[0].ID)

	next, err := stm.Epoch(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, epoch+1, next)
}

func TestShortTermClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	stm := NewShortTermMemory(client, "test:", 10, 0)

	_, _, err := stm.Append(ctx, "s1", entry(0))
	require.NoError(t, err)

	require.NoError(t, stm.Clear(ctx, "s1"))
	require.NoError(t, stm.Clear(ctx, "s1"))
	window, err := stm.Window(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, window)
}

func TestConsolidationTriggersOncePerK(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	vs := newVectorStore(t)
	emb := newTestEmbedder()
	c := newCoordinator(t, client, vs, emb)

	for i := 0; i < 9; i++ {
		require.NoError(t, c.RecordExchange(ctx, "s1", entry(i)))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, emb.batchCalls.Load(), "no consolidation before K messages")

	require.NoError(t, c.RecordExchange(ctx, "s1", entry(9)))
	require.Eventually(t, func() bool { return vs.Count(SessionNamespace("s1")) == 10 }, 2*time.Second, 10*time.Millisecond)

	for i := 10; i < 25; i++ {
		require.NoError(t, c.RecordExchange(ctx, "s1", entry(i)))
	}
	// The second job indexes whatever is pending when it runs: at least 10 more.
	require.Eventually(t, func() bool { return vs.Count(SessionNamespace("s1")) >= 20 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), emb.batchCalls.Load())
}

func TestConsolidationWithPairedExchanges(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	vs := newVectorStore(t)
	emb := newTestEmbedder()
	c := newCoordinator(t, client, vs, emb)

	// Start at an odd count so pairs never land exactly on a multiple of K.
	require.NoError(t, c.RecordExchange(ctx, "s1", entry(0)))
	for i := 1; i < 11; i += 2 {
		require.NoError(t, c.RecordExchange(ctx, "s1", entry(i), entry(i+1)))
	}
	require.Eventually(t, func() bool { return vs.Count(SessionNamespace("s1")) == 11 }, 2*time.Second, 10*time.Millisecond)

	for i := 11; i < 21; i += 2 {
		require.NoError(t, c.RecordExchange(ctx, "s1", entry(i), entry(i+1)))
	}
	require.Eventually(t, func() bool { return vs.Count(SessionNamespace("s1")) == 21 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), emb.batchCalls.Load())
}

func TestConsolidationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	vs := newVectorStore(t)
	emb := newTestEmbedder()
	c := newCoordinator(t, client, vs, emb)

	_, _, err := c.short.Append(ctx, "s1", entry(0), entry(1))
	require.NoError(t, err)

	added, err := c.long.Index(ctx, "s1", []chat.MemoryEntry{entry(0), entry(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	// A consolidation over entries that are already indexed adds nothing.
	require.NoError(t, c.consolidate(ctx, "s1"))
	assert.Equal(t, 2, vs.Count(SessionNamespace("s1")))
	assert.Equal(t, int32(1), emb.batchCalls.Load())

	pending, err := c.short.Pending(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConsolidationFailureRetriesOnNextThreshold(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	vs := newVectorStore(t)
	emb := newTestEmbedder()
	emb.failBatch.Store(1)
	c := newCoordinator(t, client, vs, emb)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.RecordExchange(ctx, "s1", entry(i)), "caller never sees consolidation errors")
	}

	select {
	case cerr := <-c.Errors():
		assert.Equal(t, "s1", cerr.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a consolidation error")
	}
	assert.Zero(t, vs.Count(SessionNamespace("s1")))

	for i := 10; i < 20; i++ {
		require.NoError(t, c.RecordExchange(ctx, "s1", entry(i)))
	}
	require.Eventually(t, func() bool { return vs.Count(SessionNamespace("s1")) == 20 }, 2*time.Second, 10*time.Millisecond)
}

func TestBuildContextDoesNotWaitForConsolidation(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	vs := newVectorStore(t)
	emb := newTestEmbedder()
	emb.block = make(chan struct{})
	c := newCoordinator(t, client, vs, emb)
	defer close(emb.block)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.RecordExchange(ctx, "s1", entry(i)))
	}
	require.Eventually(t, func() bool { return emb.batchCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan PromptContext, 1)
	go func() {
		pc, err := c.BuildContext(ctx, "s1", "topic 1", nil)
		assert.NoError(t, err)
		done <- pc
	}()

	select {
	case pc := <-done:
		assert.Len(t, pc.Window, 10)
	case <-time.After(time.Second):
		t.Fatal("BuildContext blocked on consolidation")
	}
}

func TestBuildContextRetrievesAndLabels(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	vs := newVectorStore(t)
	emb := newTestEmbedder()
	c := newCoordinator(t, client, vs, emb)

	docVec, err := emb.Embed(ctx, "the refund policy allows returns within 30 days")
	require.NoError(t, err)
	require.NoError(t, vs.Upsert(ctx, CollectionNamespace("handbook"), []vectorstore.Document{
		{ID: "d1", Content: "the refund policy allows returns within 30 days", Embedding: docVec},
	}))

	for i := 0; i < 20; i++ {
		require.NoError(t, c.RecordExchange(ctx, "s1", entry(i)))
	}
	require.Eventually(t, func() bool { return vs.Count(SessionNamespace("s1")) == 20 }, 2*time.Second, 10*time.Millisecond)

	pc, err := c.BuildContext(ctx, "s1", "message number 3 about topic 0 and the refund policy", []string{"handbook"})
	require.NoError(t, err)
	require.Len(t, pc.Window, 10)
	assert.Equal(t, "m10", pc.Window[0].ID)

	require.Len(t, pc.Blocks, 2)
	assert.Equal(t, "conversation memory", pc.Blocks[0].Source)
	assert.Equal(t, "handbook", pc.Blocks[1].Source)
	assert.LessOrEqual(t, len(pc.Blocks[0].Items), 5)

	window := map[string]bool{}
	for _, e := range pc.Window {
		window[e.ID] = true
	}
	for _, b := range pc.Blocks {
		for _, item := range b.Items {
			assert.GreaterOrEqual(t, item.Score, float32(0))
			assert.LessOrEqual(t, item.Score, float32(1))
			assert.False(t, window[item.ID], "retrieved entries skip the window")
		}
	}

	rendered := pc.RenderRetrieved()
	assert.Contains(t, rendered, "=== RELEVANT CONTEXT: handbook ===")
	assert.Contains(t, rendered, "refund policy")
}

func TestBuildContextDegradesOnRetrievalFailure(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	emb := newTestEmbedder()
	c := newCoordinator(t, client, newVectorStore(t), emb)

	require.NoError(t, c.RecordExchange(ctx, "s1", entry(0), entry(1)))
	emb.failEmbed.Store(true)

	pc, err := c.BuildContext(ctx, "s1", "hello", []string{"handbook"})
	require.NoError(t, err)
	assert.Len(t, pc.Window, 2)
	assert.False(t, pc.HasRetrieved())
	assert.Empty(t, pc.RenderRetrieved())
}

func TestClearEmptiesBothTiers(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	vs := newVectorStore(t)
	c := newCoordinator(t, client, vs, newTestEmbedder())

	for i := 0; i < 10; i++ {
		require.NoError(t, c.RecordExchange(ctx, "s1", entry(i)))
	}
	require.Eventually(t, func() bool { return vs.Count(SessionNamespace("s1")) == 10 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Clear(ctx, "s1"))
	require.NoError(t, c.Clear(ctx, "s1"))

	pc, err := c.BuildContext(ctx, "s1", "anything", nil)
	require.NoError(t, err)
	assert.Empty(t, pc.Window)
	assert.Zero(t, vs.Count(SessionNamespace("s1")))
}

func TestClearDuringConsolidationDiscardsIndexedEntries(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	vs := newVectorStore(t)
	emb := newTestEmbedder()
	emb.block = make(chan struct{})
	c := NewCoordinator(client, vs, emb, Config{
		WindowSize:       10,
		WindowTTL:        time.Hour,
		ConsolidateEvery: 10,
		Workers:          1,
		JobTimeout:       5 * time.Second,
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, c.RecordExchange(ctx, "s1", entry(i)))
	}
	require.Eventually(t, func() bool { return emb.batchCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Clear(ctx, "s1"))
	require.NoError(t, c.RecordExchange(ctx, "s1", entry(20), entry(21)))

	close(emb.block)
	c.Close()

	assert.Zero(t, vs.Count(SessionNamespace("s1")), "nothing from before the clear survives")
	pending, err := c.short.Pending(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pending, 2, "entries recorded after the clear are not acknowledged away")
	assert.Equal(t, "m20", pending[0].ID)
}

func TestConsolidatorCoalescesPerSession(t *testing.T) {
	var mu sync.Mutex
	runs := map[string]int{}
	release := make(chan struct{})

	c := NewConsolidator(func(ctx context.Context, sessionID string) error {
		<-release
		mu.Lock()
		runs[sessionID]++
		mu.Unlock()
		return nil
	}, 1, 8, time.Second)

	assert.True(t, c.Enqueue("a"))
	assert.True(t, c.Enqueue("a"))
	assert.True(t, c.Enqueue("a"))
	assert.True(t, c.Enqueue("b"))
	close(release)
	c.Close()

	assert.False(t, c.Enqueue("a"), "closed consolidator rejects work")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, runs["a"], "one run plus one coalesced rerun")
	assert.Equal(t, 1, runs["b"])
}
