// Package pipeline runs accepted messages through the model provider,
// streams the output to the session's subscribers and persists the answer.
//
// A session has at most one task in flight. A message for a session that is
// still generating is rejected with a busy error.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/chatengine/internal/observability"
	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/llm/provider"
	"github.com/aixgo-dev/chatengine/pkg/memory"
	metrics "github.com/aixgo-dev/chatengine/pkg/observability"
)

var (
	// ErrStopped is the cancellation cause of a task stopped by the user.
	ErrStopped = errors.New("generation stopped")

	// ErrShuttingDown is the cancellation cause of tasks aborted by Close.
	ErrShuttingDown = errors.New("pipeline shutting down")

	// ErrClosed is returned by Accept after Close.
	ErrClosed = errors.New("pipeline closed")
)

// Publisher delivers events to a session's subscribers.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, ev chat.Event) error
}

// Memory supplies prompt context and records finished exchanges.
type Memory interface {
	BuildContext(ctx context.Context, sessionID, current string, collections []string) (memory.PromptContext, error)
	RecordExchange(ctx context.Context, sessionID string, entries ...chat.MemoryEntry) error
}

// Config holds pipeline tuning.
type Config struct {
	// GenerationTimeout bounds the whole provider interaction of a task
	GenerationTimeout time.Duration `yaml:"generation_timeout"`

	// MaxToolRounds caps provider calls that end in tool requests
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// PersistTimeout bounds writes to the chat store and memory
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		GenerationTimeout: 2 * time.Minute,
		MaxToolRounds:     5,
		PersistTimeout:    10 * time.Second,
	}
}

// Pipeline dispatches generation tasks. It is safe for concurrent use.
type Pipeline struct {
	provider  provider.Provider
	tools     provider.ToolExecutor
	memory    Memory
	store     chat.ChatStore
	publisher Publisher
	cfg       Config

	base     context.Context
	shutdown context.CancelCauseFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*Task
	closed   bool
}

// New creates a pipeline. tools may be nil.
func New(p provider.Provider, tools provider.ToolExecutor, mem Memory, store chat.ChatStore, pub Publisher, cfg Config) *Pipeline {
	d := DefaultConfig()
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = d.GenerationTimeout
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = d.MaxToolRounds
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = d.PersistTimeout
	}

	base, shutdown := context.WithCancelCause(context.Background())
	return &Pipeline{
		provider:  p,
		tools:     tools,
		memory:    mem,
		store:     store,
		publisher: pub,
		cfg:       cfg,
		base:      base,
		shutdown:  shutdown,
		inflight:  make(map[string]*Task),
	}
}

// AcceptOption customizes a single Accept call.
type AcceptOption func(*acceptOptions)

type acceptOptions struct {
	onAccepted func(*Task)
}

// WithAcknowledge runs fn once the session is reserved and before generation
// starts, so anything fn sends is ordered ahead of the task's events.
func WithAcknowledge(fn func(*Task)) AcceptOption {
	return func(o *acceptOptions) {
		o.onAccepted = fn
	}
}

// Accept validates the task, reserves the session and starts generation in
// the background. It returns as soon as the task is dispatched; ctx only
// bounds the acceptance, never the generation.
//
// A previous task that already reached its terminal state is waited for
// rather than reported busy: its terminal event may be out before the slot
// is released.
func (p *Pipeline) Accept(ctx context.Context, gt chat.GenerationTask, opts ...AcceptOption) (*Task, error) {
	if err := gt.Validate(); err != nil {
		metrics.RecordGenerationRejected("invalid")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if gt.ID == "" {
		gt.ID = uuid.New().String()
	}
	var o acceptOptions
	for _, opt := range opts {
		opt(&o)
	}

	var t *Task
	var runCtx context.Context
	for t == nil {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if cur, busy := p.inflight[gt.SessionID]; busy {
			finishing := cur.State().Terminal()
			p.mu.Unlock()
			if !finishing {
				metrics.RecordGenerationRejected("busy")
				return nil, chat.NewBusyError(gt.SessionID)
			}
			select {
			case <-cur.Done():
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		var cancel context.CancelCauseFunc
		runCtx, cancel = context.WithCancelCause(p.base)
		t = newTask(gt.ID, gt.SessionID, cancel)
		p.inflight[gt.SessionID] = t
		p.wg.Add(1)
		p.mu.Unlock()
	}

	if o.onAccepted != nil {
		o.onAccepted(t)
	}
	go p.run(runCtx, t, gt)
	return t, nil
}

// Stop cancels the session's in-flight task. It reports whether a task was
// running.
func (p *Pipeline) Stop(sessionID string) bool {
	p.mu.Lock()
	t, ok := p.inflight[sessionID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel(ErrStopped)
	return true
}

// Inflight returns the session's running task, if any.
func (p *Pipeline) Inflight(sessionID string) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.inflight[sessionID]
	return t, ok
}

// Close stops accepting tasks and waits for running ones. When ctx ends
// first, running tasks are cancelled and fail.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.shutdown(ErrShuttingDown)
		return nil
	case <-ctx.Done():
		p.shutdown(ErrShuttingDown)
		<-done
		return ctx.Err()
	}
}

func (p *Pipeline) run(ctx context.Context, t *Task, gt chat.GenerationTask) {
	defer p.wg.Done()
	defer p.release(t)

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "chatengine.generation", map[string]any{
		"session_id": gt.SessionID,
		"task_id":    gt.ID,
		"model":      gt.Agent.ModelID,
	})
	defer span.End()

	t.setState(StateDispatched)
	userEntry := chat.NewMemoryEntry(chat.RoleUser, userContent(gt))

	answer, usage, err := p.generate(ctx, t, gt, userEntry)
	var assistantEntry chat.MemoryEntry
	if err == nil {
		assistantEntry = chat.NewMemoryEntry(chat.RoleAssistant, answer)
		err = p.persist(ctx, gt.SessionID, assistantEntry)
	}

	if err != nil {
		err = classify(ctx, err)
		span.SetError(err)
		t.fail(err)
		p.emit(ctx, t, chat.Event{
			Kind:      chat.EventError,
			Error:     chat.PublicMessage(err),
			ErrorCode: string(chat.CodeOf(err)),
		})
		metrics.RecordGeneration(gt.Agent.ModelID, string(chat.CodeOf(err)), time.Since(start))
		log.Printf("[PIPELINE] Task %s for session %s failed: %v", t.ID, gt.SessionID, err)
		return
	}

	memCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()
	if err := p.memory.RecordExchange(memCtx, gt.SessionID, userEntry, assistantEntry); err != nil {
		log.Printf("[PIPELINE] Recording exchange for session %s: %v", gt.SessionID, err)
	}

	// The task is terminal before end is published.
	t.complete(answer)
	p.emit(ctx, t, chat.Event{Kind: chat.EventEnd, Text: answer, Usage: usage})

	span.SetAttribute("answer_length", len(answer))
	metrics.RecordGeneration(gt.Agent.ModelID, string(StateCompleted), time.Since(start))
}

// generate persists the user message and runs the provider until it
// answers without requesting tools. It returns the accumulated answer.
func (p *Pipeline) generate(ctx context.Context, t *Task, gt chat.GenerationTask, userEntry chat.MemoryEntry) (string, *chat.Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()

	pc, err := p.memory.BuildContext(ctx, gt.SessionID, gt.Message, gt.Agent.Collections)
	if err != nil {
		log.Printf("[PIPELINE] Building context for session %s, continuing without memory: %v", gt.SessionID, err)
		pc = memory.PromptContext{}
	}

	if err := p.persist(ctx, gt.SessionID, userEntry); err != nil {
		return "", nil, err
	}

	var tools []provider.Tool
	if p.tools != nil && len(gt.Agent.Tools) > 0 {
		tools = p.tools.Definitions(gt.Agent.Tools)
	}

	// Provider failures after the context ended report the cancellation
	// cause instead: stop, shutdown or the deadline.
	fail := func(err error) error {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		var ce *chat.Error
		if errors.As(err, &ce) {
			return err
		}
		return chat.NewProviderError(err)
	}

	messages := buildMessages(gt, pc)
	var answer strings.Builder
	usage := &chat.Usage{}

	for round := 0; ; round++ {
		stream, err := p.provider.CreateStreaming(ctx, provider.CompletionRequest{
			Messages:    messages,
			Model:       gt.Agent.ModelID,
			Temperature: gt.Agent.Temperature,
			MaxTokens:   gt.Agent.MaxTokens,
			Tools:       tools,
		})
		if err != nil {
			return "", nil, fail(err)
		}
		t.setState(StateStreaming)

		text, calls, err := p.consume(ctx, t, stream, usage)
		answer.WriteString(text)
		if err != nil {
			return "", nil, fail(err)
		}
		if len(calls) == 0 {
			break
		}
		if round >= p.cfg.MaxToolRounds {
			return "", nil, chat.NewProviderError(fmt.Errorf("model requested tools after %d rounds", p.cfg.MaxToolRounds))
		}

		messages = append(messages, provider.Message{Role: string(chat.RoleAssistant), Content: text, ToolCalls: calls})
		for _, call := range calls {
			messages = append(messages, provider.Message{
				Role:       "tool",
				Content:    p.callTool(ctx, t, call),
				ToolCallID: call.ID,
			})
		}
		if err := context.Cause(ctx); err != nil {
			return "", nil, err
		}
	}

	return answer.String(), usage, nil
}

// consume reads one stream to completion, publishing every text fragment.
func (p *Pipeline) consume(ctx context.Context, t *Task, stream provider.Stream, usage *chat.Usage) (string, []provider.ToolCall, error) {
	defer stream.Close()

	var text strings.Builder
	var calls []provider.ToolCall
	for {
		if err := context.Cause(ctx); err != nil {
			return text.String(), nil, err
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return text.String(), calls, nil
		}
		if err != nil {
			return text.String(), nil, err
		}

		if s := chunk.Text(); s != "" {
			text.WriteString(s)
			p.emit(ctx, t, chat.Event{Kind: chat.EventChunk, Text: s})
			metrics.RecordChunk()
		}
		calls = append(calls, chunk.ToolCalls...)
		if chunk.Usage != nil {
			usage.PromptTokens += chunk.Usage.PromptTokens
			usage.CompletionTokens += chunk.Usage.CompletionTokens
			usage.TotalTokens += chunk.Usage.TotalTokens
		}
	}
}

// callTool runs one tool call and returns the content fed back to the
// model. Failures are reported as tool_error and do not end the task.
func (p *Pipeline) callTool(ctx context.Context, t *Task, call provider.ToolCall) string {
	info := &chat.ToolInfo{CallID: call.ID, Name: call.Name, Arguments: call.Arguments}
	p.emit(ctx, t, chat.Event{Kind: chat.EventToolStart, Tool: info})

	var result string
	err := errors.New("no tools are configured")
	if p.tools != nil {
		result, err = p.tools.Execute(ctx, call)
	}

	done := *info
	if err != nil {
		done.Error = err.Error()
		p.emit(ctx, t, chat.Event{Kind: chat.EventToolError, Tool: &done})
		metrics.RecordToolCall(call.Name, "error")
		return "error: " + err.Error()
	}
	done.Result = result
	p.emit(ctx, t, chat.Event{Kind: chat.EventToolResult, Tool: &done})
	metrics.RecordToolCall(call.Name, "success")
	return result
}

func (p *Pipeline) persist(ctx context.Context, sessionID string, entry chat.MemoryEntry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()
	if err := p.store.AppendMessage(ctx, sessionID, entry); err != nil {
		return fmt.Errorf("persist %s message: %w", entry.Role, err)
	}
	return nil
}

// emit publishes an event for the task. Terminal events are published on a
// detached context so they go out after a stop or timeout.
func (p *Pipeline) emit(ctx context.Context, t *Task, ev chat.Event) {
	ev.TaskID = t.ID
	ev.Seq = t.nextSeq()

	pubCtx := ctx
	if ev.Kind.Terminal() {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
		defer cancel()
	}
	if err := p.publisher.Publish(pubCtx, t.SessionID, ev); err != nil {
		log.Printf("[PIPELINE] Publishing %s for session %s: %v", ev.Kind, t.SessionID, err)
	}
}

func (p *Pipeline) release(t *Task) {
	p.mu.Lock()
	if p.inflight[t.SessionID] == t {
		delete(p.inflight, t.SessionID)
	}
	p.mu.Unlock()
	t.cancel(nil)
	close(t.done)
}

// classify maps a task failure onto the error taxonomy.
func classify(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrStopped) || errors.Is(err, ErrStopped):
		return chat.NewError(chat.CodeStopped, "generation stopped", ErrStopped)
	case errors.Is(cause, ErrShuttingDown) || errors.Is(err, ErrShuttingDown):
		return chat.NewError(chat.CodeInternal, "server is shutting down", ErrShuttingDown)
	case errors.Is(err, context.DeadlineExceeded):
		return chat.NewTimeoutError("generation timed out", err)
	}

	var ce *chat.Error
	if errors.As(err, &ce) {
		return err
	}
	if provider.IsProviderError(err) {
		return chat.NewProviderError(err)
	}
	if errors.Is(err, chat.ErrSessionNotFound) {
		return chat.NewNotFoundError("session not found", err)
	}
	return chat.NewError(chat.CodeInternal, "generation failed", err)
}
