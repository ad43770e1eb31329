package pipeline

import (
	"context"
	"sync"
)

// State is the lifecycle stage of a generation task.
type State string

const (
	StateAccepted   State = "accepted"
	StateDispatched State = "dispatched"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Task tracks one accepted generation.
type Task struct {
	ID        string
	SessionID string

	cancel context.CancelCauseFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	err    error
	answer string
	seq    int
}

func newTask(id, sessionID string, cancel context.CancelCauseFunc) *Task {
	return &Task{
		ID:        id,
		SessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateAccepted,
	}
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure of a failed task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Answer returns the persisted answer of a completed task.
func (t *Task) Answer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.answer
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		t.state = s
	}
}

func (t *Task) nextSeq() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	return t.seq
}

func (t *Task) complete(answer string) {
	t.mu.Lock()
	t.state = StateCompleted
	t.answer = answer
	t.mu.Unlock()
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	t.state = StateFailed
	t.err = err
	t.mu.Unlock()
}
