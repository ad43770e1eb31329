package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/embeddings"
	"github.com/aixgo-dev/chatengine/pkg/llm/provider"
	"github.com/aixgo-dev/chatengine/pkg/memory"
	"github.com/aixgo-dev/chatengine/pkg/relay"
	"github.com/aixgo-dev/chatengine/pkg/vectorstore"
	vsmemory "github.com/aixgo-dev/chatengine/pkg/vectorstore/memory"
)

type recordingStore struct {
	mu       sync.Mutex
	messages map[string][]chat.MemoryEntry
	failRole chat.Role
}

func newRecordingStore() *recordingStore {
	return &recordingStore{messages: make(map[string][]chat.MemoryEntry)}
}

func (s *recordingStore) CreateSession(context.Context, string, string, string) (*chat.SessionRecord, error) {
	return nil, errors.New("not implemented")
}
func (s *recordingStore) GetSession(context.Context, string) (*chat.SessionRecord, error) {
	return nil, chat.ErrSessionNotFound
}
func (s *recordingStore) GetOwner(context.Context, string) (string, error) {
	return "", chat.ErrSessionNotFound
}
func (s *recordingStore) SetSessionAgent(context.Context, string, string) error { return nil }
func (s *recordingStore) DeleteSession(context.Context, string) error        { return nil }
func (s *recordingStore) Close() error                                       { return nil }

func (s *recordingStore) AppendMessage(_ context.Context, sessionID string, e chat.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRole != "" && e.Role == s.failRole {
		return errors.New("database unavailable")
	}
	s.messages[sessionID] = append(s.messages[sessionID], e)
	return nil
}

func (s *recordingStore) ListMessages(_ context.Context, sessionID string, _ int) ([]chat.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.MemoryEntry(nil), s.messages[sessionID]...), nil
}

func (s *recordingStore) roles(sessionID string) []chat.Role {
	msgs, _ := s.ListMessages(context.Background(), sessionID, 0)
	var roles []chat.Role
	for _, m := range msgs {
		roles = append(roles, m.Role)
	}
	return roles
}

type harness struct {
	pipeline *Pipeline
	provider *provider.ScriptedProvider
	store    *recordingStore
	memory   *memory.Coordinator
	relay    *relay.Relay
	tools    *provider.ToolRegistry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	vs, err := vsmemory.New(vectorstore.Config{Provider: "memory", EmbeddingDimensions: 32})
	require.NoError(t, err)
	mem := memory.NewCoordinator(client, vs, embeddings.NewHash(32), memory.DefaultConfig())

	r := relay.New(relay.NewMemoryBroker())
	h := &harness{
		provider: provider.NewScriptedProvider("scripted"),
		store:    newRecordingStore(),
		memory:   mem,
		relay:    r,
		tools:    provider.NewToolRegistry(),
	}
	h.pipeline = New(h.provider, h.tools, mem, h.store, r, cfg)

	t.Cleanup(func() {
		_ = h.pipeline.Close(context.Background())
		mem.Close()
		_ = r.Close()
		_ = client.Close()
	})
	return h
}

// watch subscribes to a session and returns a function yielding the events
// received up to and including the first terminal event.
func (h *harness) watch(t *testing.T, sessionID string) (func() []chat.Event, string) {
	t.Helper()
	var mu sync.Mutex
	var events []chat.Event
	terminal := make(chan struct{})
	var once sync.Once

	id, err := h.relay.Subscribe(context.Background(), sessionID, func(ev chat.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if ev.Kind.Terminal() {
			once.Do(func() { close(terminal) })
		}
	})
	require.NoError(t, err)

	return func() []chat.Event {
		select {
		case <-terminal:
		case <-time.After(3 * time.Second):
			t.Fatal("no terminal event")
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]chat.Event(nil), events...)
	}, id
}

func task(sessionID, message string) chat.GenerationTask {
	return chat.GenerationTask{
		SessionID: sessionID,
		UserID:    "u1",
		Message:   message,
		Agent:     chat.AgentConfig{ID: "helper", ModelID: "test-model", SystemPrompt: "Be brief."},
	}
}

func waitDone(t *testing.T, tk *Task) {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("task did not finish")
	}
}

func kinds(events []chat.Event) []chat.EventKind {
	out := make([]chat.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestStreamsChunksAndPersistsAnswer(t *testing.T) {
	h := newHarness(t, Config{})
	h.provider.AddScript(
		provider.TextStep("Hel"),
		provider.TextStep("lo, "),
		provider.TextStep("world"),
		provider.Step{Chunk: &provider.StreamChunk{FinishReason: "stop", Usage: &provider.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}}},
	)
	events, _ := h.watch(t, "s1")

	tk, err := h.pipeline.Accept(context.Background(), task("s1", "hi"))
	require.NoError(t, err)
	waitDone(t, tk)

	got := events()
	require.Equal(t, []chat.EventKind{chat.EventChunk, chat.EventChunk, chat.EventChunk, chat.EventEnd}, kinds(got))
	assert.Equal(t, "Hel", got[0].Text)
	assert.Equal(t, "lo, ", got[1].Text)
	assert.Equal(t, "world", got[2].Text)
	for i, ev := range got {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, tk.ID, ev.TaskID)
	}
	require.NotNil(t, got[3].Usage)
	assert.Equal(t, 8, got[3].Usage.TotalTokens)

	assert.Equal(t, StateCompleted, tk.State())
	assert.Equal(t, "Hello, world", tk.Answer())

	msgs, _ := h.store.ListMessages(context.Background(), "s1", 0)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello, world", msgs[1].Text)

	window, err := h.memory.ShortTerm().Window(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "Hello, world", window[1].Text)
}

func TestProviderErrorAfterOneChunk(t *testing.T) {
	h := newHarness(t, Config{})
	h.provider.AddScript(
		provider.TextStep("Hel"),
		provider.Step{Err: errors.New("upstream reset")},
	)
	events, _ := h.watch(t, "s1")

	tk, err := h.pipeline.Accept(context.Background(), task("s1", "hi"))
	require.NoError(t, err)
	waitDone(t, tk)

	got := events()
	require.Equal(t, []chat.EventKind{chat.EventChunk, chat.EventError}, kinds(got))
	assert.Equal(t, string(chat.CodeProvider), got[1].ErrorCode)
	assert.NotEmpty(t, got[1].Error)

	assert.Equal(t, StateFailed, tk.State())
	assert.True(t, chat.IsCode(tk.Err(), chat.CodeProvider))
	assert.Equal(t, []chat.Role{chat.RoleUser}, h.store.roles("s1"), "no assistant message")

	count, err := h.memory.ShortTerm().Count(context.Background(), "s1")
	require.NoError(t, err)
	assert.Zero(t, count, "no memory writes on failure")
}

func TestProviderOpenError(t *testing.T) {
	h := newHarness(t, Config{})
	h.provider.AddError(provider.NewProviderError("scripted", provider.ErrorCodeRateLimit, "slow down", nil))
	events, _ := h.watch(t, "s1")

	tk, err := h.pipeline.Accept(context.Background(), task("s1", "hi"))
	require.NoError(t, err)
	waitDone(t, tk)

	got := events()
	require.Equal(t, []chat.EventKind{chat.EventError}, kinds(got))
	assert.Equal(t, string(chat.CodeProvider), got[0].ErrorCode)
}

func TestRejectsConcurrentTasksForSession(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	h.provider.AddScript(provider.Step{Wait: release}, provider.TextStep("first"))

	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	tasks := make(chan *Task, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := h.pipeline.Accept(context.Background(), task("s1", "hi"))
			results <- err
			if err == nil {
				tasks <- tk
			}
		}()
	}
	wg.Wait()
	close(results)
	close(tasks)

	accepted, busy := 0, 0
	for err := range results {
		switch {
		case err == nil:
			accepted++
		case chat.IsCode(err, chat.CodeBusy):
			busy++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, busy)

	first := <-tasks
	require.Eventually(t, func() bool { return first.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	// Other sessions are not affected.
	other, err := h.pipeline.Accept(context.Background(), task("s2", "hello there"))
	require.NoError(t, err)
	waitDone(t, other)
	assert.Equal(t, StateCompleted, other.State())
	assert.Equal(t, "hello there", other.Answer())

	close(release)
	waitDone(t, first)
	assert.Equal(t, "first", first.Answer())

	again, err := h.pipeline.Accept(context.Background(), task("s1", "next"))
	require.NoError(t, err)
	waitDone(t, again)
	assert.Equal(t, StateCompleted, again.State())
}

func TestFollowUpAcceptedOnEnd(t *testing.T) {
	h := newHarness(t, Config{})

	terminal := make(chan chat.Event, 1)
	_, err := h.relay.Subscribe(context.Background(), "s1", func(ev chat.Event) {
		if ev.Kind.Terminal() {
			terminal <- ev
		}
	})
	require.NoError(t, err)

	const rounds = 20
	_, err = h.pipeline.Accept(context.Background(), task("s1", "message 0"))
	require.NoError(t, err)
	for i := 1; i <= rounds; i++ {
		select {
		case ev := <-terminal:
			require.Equal(t, chat.EventEnd, ev.Kind)
		case <-time.After(3 * time.Second):
			t.Fatal("no terminal event")
		}
		// A client answering stream-end straight away is never busy.
		_, err := h.pipeline.Accept(context.Background(), task("s1", fmt.Sprintf("message %d", i)))
		require.NoError(t, err, "round %d", i)
	}
	select {
	case <-terminal:
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal event")
	}

	window, err := h.memory.ShortTerm().Count(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2*(rounds+1)), window, "every exchange is recorded before its end event")
}

func TestAcknowledgeRunsBeforeEvents(t *testing.T) {
	h := newHarness(t, Config{})

	var mu sync.Mutex
	var order []string
	_, err := h.relay.Subscribe(context.Background(), "s1", func(ev chat.Event) {
		mu.Lock()
		order = append(order, string(ev.Kind))
		mu.Unlock()
	})
	require.NoError(t, err)

	tk, err := h.pipeline.Accept(context.Background(), task("s1", "one two"), WithAcknowledge(func(tk *Task) {
		mu.Lock()
		order = append(order, "accepted:"+string(tk.State()))
		mu.Unlock()
	}))
	require.NoError(t, err)
	waitDone(t, tk)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) > 0 && order[len(order)-1] == string(chat.EventEnd)
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "accepted:"+string(StateAccepted), order[0])
}

func TestDisconnectDoesNotAbortGeneration(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	h.provider.AddScript(provider.TextStep("partial "), provider.Step{Wait: release}, provider.TextStep("answer"))
	_, subID := h.watch(t, "s1")

	ctx, cancel := context.WithCancel(context.Background())
	tk, err := h.pipeline.Accept(ctx, task("s1", "hi"))
	require.NoError(t, err)

	cancel()
	h.relay.Unsubscribe("s1", subID)
	assert.Equal(t, 0, h.relay.Subscribers("s1"))
	close(release)

	waitDone(t, tk)
	assert.Equal(t, StateCompleted, tk.State())
	assert.Equal(t, []chat.Role{chat.RoleUser, chat.RoleAssistant}, h.store.roles("s1"))
	msgs, _ := h.store.ListMessages(context.Background(), "s1", 0)
	assert.Equal(t, "partial answer", msgs[1].Text)
}

func TestTimeout(t *testing.T) {
	h := newHarness(t, Config{GenerationTimeout: 200 * time.Millisecond})
	h.provider.AddScript(provider.TextStep("slow"), provider.Step{Delay: 5 * time.Second}, provider.TextStep("never"))
	events, _ := h.watch(t, "s1")

	tk, err := h.pipeline.Accept(context.Background(), task("s1", "hi"))
	require.NoError(t, err)
	waitDone(t, tk)

	got := events()
	require.Equal(t, []chat.EventKind{chat.EventChunk, chat.EventError}, kinds(got))
	assert.Equal(t, string(chat.CodeTimeout), got[1].ErrorCode)
	assert.True(t, chat.IsCode(tk.Err(), chat.CodeTimeout))
	assert.Equal(t, []chat.Role{chat.RoleUser}, h.store.roles("s1"))
}

func TestStop(t *testing.T) {
	h := newHarness(t, Config{})
	assert.False(t, h.pipeline.Stop("s1"))

	h.provider.AddScript(provider.TextStep("thinking"), provider.Step{Wait: make(chan struct{})})
	events, _ := h.watch(t, "s1")

	tk, err := h.pipeline.Accept(context.Background(), task("s1", "hi"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tk.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	running, ok := h.pipeline.Inflight("s1")
	require.True(t, ok)
	assert.Same(t, tk, running)

	assert.True(t, h.pipeline.Stop("s1"))
	waitDone(t, tk)

	got := events()
	assert.Equal(t, chat.EventError, got[len(got)-1].Kind)
	assert.Equal(t, string(chat.CodeStopped), got[len(got)-1].ErrorCode)
	assert.Equal(t, 1, countKind(got, chat.EventError))
	assert.True(t, chat.IsCode(tk.Err(), chat.CodeStopped))

	_, ok = h.pipeline.Inflight("s1")
	assert.False(t, ok)
}

func TestToolCalls(t *testing.T) {
	h := newHarness(t, Config{})
	h.tools.Register(provider.Tool{Name: "lookup", Description: "find a number"}, func(_ context.Context, args json.RawMessage) (string, error) {
		return "42", nil
	})
	h.tools.Register(provider.Tool{Name: "broken"}, func(context.Context, json.RawMessage) (string, error) {
		return "", errors.New("tool exploded")
	})

	h.provider.AddScript(provider.Step{Chunk: &provider.StreamChunk{
		FinishReason: "tool_calls",
		ToolCalls: []provider.ToolCall{
			{ID: "call-1", Name: "lookup", Arguments: `{"q":"answer"}`},
			{ID: "call-2", Name: "broken", Arguments: `{}`},
		},
	}})
	h.provider.AddScript(provider.TextStep("The answer is 42"))
	events, _ := h.watch(t, "s1")

	gt := task("s1", "what is the answer?")
	gt.Agent.Tools = []string{"lookup", "broken"}
	tk, err := h.pipeline.Accept(context.Background(), gt)
	require.NoError(t, err)
	waitDone(t, tk)

	got := events()
	require.Equal(t, []chat.EventKind{
		chat.EventToolStart, chat.EventToolResult,
		chat.EventToolStart, chat.EventToolError,
		chat.EventChunk, chat.EventEnd,
	}, kinds(got))
	assert.Equal(t, "lookup", got[0].Tool.Name)
	assert.Equal(t, "42", got[1].Tool.Result)
	assert.Equal(t, "tool exploded", got[3].Tool.Error)
	assert.Equal(t, StateCompleted, tk.State())
	assert.Equal(t, "The answer is 42", tk.Answer())

	calls := h.provider.Calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[0].Tools, 2)
	assert.Equal(t, "broken", calls[0].Tools[0].Name)

	followUp := calls[1].Messages
	require.GreaterOrEqual(t, len(followUp), 3)
	last := followUp[len(followUp)-3:]
	assert.Len(t, last[0].ToolCalls, 2)
	assert.Equal(t, "tool", last[1].Role)
	assert.Equal(t, "42", last[1].Content)
	assert.Equal(t, "call-1", last[1].ToolCallID)
	assert.Contains(t, last[2].Content, "tool exploded")
}

func TestToolRoundLimit(t *testing.T) {
	h := newHarness(t, Config{MaxToolRounds: 1})
	h.tools.Register(provider.Tool{Name: "loop"}, func(context.Context, json.RawMessage) (string, error) {
		return "again", nil
	})
	toolStep := provider.Step{Chunk: &provider.StreamChunk{ToolCalls: []provider.ToolCall{{ID: "c", Name: "loop"}}}}
	h.provider.AddScript(toolStep)
	h.provider.AddScript(toolStep)
	events, _ := h.watch(t, "s1")

	gt := task("s1", "loop forever")
	gt.Agent.Tools = []string{"loop"}
	tk, err := h.pipeline.Accept(context.Background(), gt)
	require.NoError(t, err)
	waitDone(t, tk)

	got := events()
	assert.Equal(t, chat.EventError, got[len(got)-1].Kind)
	assert.Equal(t, 1, countKind(got, chat.EventToolStart))
	assert.True(t, chat.IsCode(tk.Err(), chat.CodeProvider))
}

func TestAssistantPersistenceFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.failRole = chat.RoleAssistant
	h.provider.AddScript(provider.TextStep("lost answer"))
	events, _ := h.watch(t, "s1")

	tk, err := h.pipeline.Accept(context.Background(), task("s1", "hi"))
	require.NoError(t, err)
	waitDone(t, tk)

	got := events()
	assert.Equal(t, []chat.EventKind{chat.EventChunk, chat.EventError}, kinds(got))
	assert.Equal(t, 0, countKind(got, chat.EventEnd))
	assert.Equal(t, StateFailed, tk.State())

	count, err := h.memory.ShortTerm().Count(context.Background(), "s1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPromptIncludesMemory(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.memory.RecordExchange(ctx, "s1",
		chat.NewMemoryEntry(chat.RoleUser, "my name is Ada"),
		chat.NewMemoryEntry(chat.RoleAssistant, "nice to meet you Ada"),
	))

	gt := task("s1", "what is my name?")
	gt.Attachments = []chat.Attachment{{Name: "notes.txt", Text: "Ada likes tea"}}
	tk, err := h.pipeline.Accept(ctx, gt)
	require.NoError(t, err)
	waitDone(t, tk)

	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	msgs := calls[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "Be brief.", msgs[0].Content)
	assert.Equal(t, "my name is Ada", msgs[1].Content)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, "user", msgs[3].Role)
	assert.Contains(t, msgs[3].Content, "what is my name?")
	assert.Contains(t, msgs[3].Content, "[Attachment: notes.txt]")
	assert.Equal(t, "test-model", calls[0].Model)
}

func TestAcceptValidation(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.pipeline.Accept(context.Background(), task("s1", ""))
	assert.True(t, chat.IsCode(err, chat.CodeValidation))

	require.NoError(t, h.pipeline.Close(context.Background()))
	_, err = h.pipeline.Accept(context.Background(), task("s1", "hi"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseCancelsRunningTasks(t *testing.T) {
	h := newHarness(t, Config{})
	h.provider.AddScript(provider.Step{Wait: make(chan struct{})})
	events, _ := h.watch(t, "s1")

	tk, err := h.pipeline.Accept(context.Background(), task("s1", "hi"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.pipeline.Close(ctx), context.DeadlineExceeded)

	waitDone(t, tk)
	got := events()
	assert.Equal(t, []chat.EventKind{chat.EventError}, kinds(got))
	assert.Equal(t, string(chat.CodeInternal), got[0].ErrorCode)
}

func countKind(events []chat.Event, kind chat.EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
