package memory

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/aixgo-dev/chatengine/pkg/observability"
)

// ConsolidationError reports a failed background consolidation.
type ConsolidationError struct {
	SessionID string
	Err       error
}

func (e ConsolidationError) Error() string {
	return "consolidate " + e.SessionID + ": " + e.Err.Error()
}

// ConsolidateFunc indexes a session's pending entries.
type ConsolidateFunc func(ctx context.Context, sessionID string) error

// Consolidator runs consolidation jobs on a fixed pool of workers. Jobs for
// the same session are coalesced: a trigger arriving while the session is
// queued or running schedules exactly one more run.
type Consolidator struct {
	fn      ConsolidateFunc
	timeout time.Duration
	jobs    chan string
	errs    chan ConsolidationError

	mu      sync.Mutex
	pending map[string]bool
	rerun   map[string]bool
	closed  bool
	wg      sync.WaitGroup
}

// NewConsolidator starts workers goroutines running fn.
func NewConsolidator(fn ConsolidateFunc, workers, queueSize int, timeout time.Duration) *Consolidator {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = time.Minute
	}

	c := &Consolidator{
		fn:      fn,
		timeout: timeout,
		jobs:    make(chan string, queueSize),
		errs:    make(chan ConsolidationError, 64),
		pending: make(map[string]bool),
		rerun:   make(map[string]bool),
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Enqueue schedules a consolidation for sessionID without blocking. It
// returns false when the queue is full or closed; the entries stay pending
// and are picked up by the next trigger.
func (c *Consolidator) Enqueue(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if c.pending[sessionID] {
		c.rerun[sessionID] = true
		return true
	}

	select {
	case c.jobs <- sessionID:
		c.pending[sessionID] = true
		return true
	default:
		log.Printf("[MEMORY] Consolidation queue full, deferring session %s", sessionID)
		observability.RecordConsolidation("dropped", 0)
		return false
	}
}

// Errors delivers consolidation failures. Failures are dropped when nobody
// drains the channel.
func (c *Consolidator) Errors() <-chan ConsolidationError {
	return c.errs
}

// Close stops accepting jobs and waits for queued ones to finish.
func (c *Consolidator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Consolidator) worker() {
	defer c.wg.Done()

	for sessionID := range c.jobs {
		for {
			c.run(sessionID)

			c.mu.Lock()
			again := c.rerun[sessionID]
			delete(c.rerun, sessionID)
			if !again {
				delete(c.pending, sessionID)
			}
			c.mu.Unlock()

			if !again {
				break
			}
		}
	}
}

func (c *Consolidator) run(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	err := c.fn(ctx, sessionID)
	if err == nil {
		observability.RecordConsolidation("success", time.Since(start))
		return
	}

	log.Printf("[MEMORY] Consolidation failed for session %s: %v", sessionID, err)
	observability.RecordConsolidation("error", time.Since(start))
	select {
	case c.errs <- ConsolidationError{SessionID: sessionID, Err: err}:
	default:
	}
}
