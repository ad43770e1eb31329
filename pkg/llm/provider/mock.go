package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// Step is one scripted stream event: a chunk, an error, or a pause.
type Step struct {
	Chunk *StreamChunk
	Err   error

	// Delay pauses before the step is returned
	Delay time.Duration

	// Wait blocks the step until the channel is closed
	Wait <-chan struct{}
}

// TextStep returns a step emitting plain text.
func TextStep(s string) Step {
	return Step{Chunk: &StreamChunk{Content: Text(s)}}
}

// ScriptedProvider replays queued scripts, one per CreateStreaming call. With
// no scripts queued it echoes the last user message word by word.
type ScriptedProvider struct {
	name string

	mu      sync.Mutex
	scripts [][]Step
	openErr []error
	calls   []CompletionRequest
}

// NewScriptedProvider creates a scripted provider.
func NewScriptedProvider(name string) *ScriptedProvider {
	return &ScriptedProvider{name: name}
}

// AddScript queues the steps of the next stream.
func (m *ScriptedProvider) AddScript(steps ...Step) *ScriptedProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, steps)
	m.openErr = append(m.openErr, nil)
	return m
}

// AddError makes the next CreateStreaming call fail.
func (m *ScriptedProvider) AddError(err error) *ScriptedProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, nil)
	m.openErr = append(m.openErr, err)
	return m
}

// Calls returns the requests received so far.
func (m *ScriptedProvider) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *ScriptedProvider) Name() string {
	return m.name
}

func (m *ScriptedProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	var steps []Step
	var err error
	if len(m.scripts) > 0 {
		steps, err = m.scripts[0], m.openErr[0]
		m.scripts, m.openErr = m.scripts[1:], m.openErr[1:]
	} else {
		steps = echoSteps(req)
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &scriptedStream{ctx: ctx, steps: steps}, nil
}

func echoSteps(req CompletionRequest) []Step {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	words := strings.Fields(last)
	steps := make([]Step, 0, len(words)+1)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		steps = append(steps, TextStep(w))
	}
	steps = append(steps, Step{Chunk: &StreamChunk{
		FinishReason: "stop",
		Usage:        &Usage{PromptTokens: len(req.Messages), CompletionTokens: len(words), TotalTokens: len(req.Messages) + len(words)},
	}})
	return steps
}

type scriptedStream struct {
	ctx    context.Context
	steps  []Step
	pos    int
	closed bool
}

func (s *scriptedStream) Recv() (*StreamChunk, error) {
	if s.closed {
		return nil, errors.New("stream closed")
	}
	if s.pos >= len(s.steps) {
		return nil, io.EOF
	}
	step := s.steps[s.pos]
	s.pos++

	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return nil, s.ctx.Err()
		case <-t.C:
		}
	}
	if step.Wait != nil {
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-step.Wait:
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Chunk == nil {
		return &StreamChunk{}, nil
	}
	return step.Chunk, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}
