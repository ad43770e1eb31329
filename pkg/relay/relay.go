// Package relay fans session events out to every subscriber, local or in
// another process, through a Broker.
package relay

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/observability"
)

// Handler receives a session's events in publish order. Handlers run on the
// session's delivery goroutine and must not block.
type Handler func(chat.Event)

// Relay keeps one broker subscription per session with local subscribers
// and dispatches each incoming event to those subscribers sequentially.
type Relay struct {
	broker Broker
	nextID atomic.Uint64

	// mu guards topics and every topic's handler membership. It is never
	// held across broker calls.
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type handlerEntry struct {
	id string
	fn Handler
}

type topic struct {
	sessionID string

	hmu      sync.RWMutex
	handlers []handlerEntry

	ready chan struct{}
	sub   Subscription
	err   error
}

// New creates a relay on top of a broker.
func New(broker Broker) *Relay {
	return &Relay{
		broker: broker,
		topics: make(map[string]*topic),
	}
}

// Publish sends an event to every current subscriber of the session.
func (r *Relay) Publish(ctx context.Context, sessionID string, ev chat.Event) error {
	ev.SessionID = sessionID
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.broker.Publish(ctx, sessionID, payload); err != nil {
		return err
	}
	observability.RecordRelayPublish(string(ev.Kind))
	return nil
}

// Subscribe registers a handler for the session. When it returns, every
// event published afterwards reaches the handler.
func (r *Relay) Subscribe(ctx context.Context, sessionID string, fn Handler) (string, error) {
	id := strconv.FormatUint(r.nextID.Add(1), 10)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	t, ok := r.topics[sessionID]
	if !ok {
		t = &topic{sessionID: sessionID, ready: make(chan struct{})}
		r.topics[sessionID] = t
	}
	t.add(handlerEntry{id: id, fn: fn})
	r.mu.Unlock()

	if !ok {
		sub, err := r.broker.Subscribe(ctx, sessionID)
		t.sub, t.err = sub, err
		close(t.ready)
		if err != nil {
			r.dropTopic(t)
			return "", fmt.Errorf("subscribe %s: %w", sessionID, err)
		}
		go r.deliver(t)
		return id, nil
	}

	select {
	case <-t.ready:
	case <-ctx.Done():
		r.Unsubscribe(sessionID, id)
		return "", ctx.Err()
	}
	if t.err != nil {
		return "", fmt.Errorf("subscribe %s: %w", sessionID, t.err)
	}
	return id, nil
}

// Unsubscribe removes a handler. Removing the session's last local handler
// ends the broker subscription. Unknown ids are ignored.
func (r *Relay) Unsubscribe(sessionID, id string) {
	r.mu.Lock()
	t, ok := r.topics[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	remaining := t.remove(id)
	if remaining == 0 {
		delete(r.topics, sessionID)
	}
	r.mu.Unlock()

	if remaining == 0 {
		t.close()
	}
}

// Subscribers returns the number of local handlers for the session.
func (r *Relay) Subscribers(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[sessionID]; ok {
		return t.count()
	}
	return 0
}

// Close ends every subscription.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	topics := r.topics
	r.topics = make(map[string]*topic)
	r.mu.Unlock()

	for _, t := range topics {
		t.close()
	}
	return nil
}

func (r *Relay) dropTopic(t *topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics[t.sessionID] == t {
		delete(r.topics, t.sessionID)
	}
}

// deliver drains the subscription until it closes so the broker is never
// left blocked on a full channel.
func (r *Relay) deliver(t *topic) {
	for payload := range t.sub.Messages() {
		ev, err := chat.DecodeEvent(payload)
		if err != nil {
			log.Printf("[RELAY] Dropping malformed event for session %s: %v", t.sessionID, err)
			continue
		}
		for _, h := range t.snapshot() {
			h.fn(ev)
			observability.RecordRelayDelivery()
		}
	}
}

func (t *topic) add(h handlerEntry) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.handlers = append(t.handlers, h)
}

func (t *topic) remove(id string) int {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	for i, h := range t.handlers {
		if h.id == id {
			t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
			break
		}
	}
	return len(t.handlers)
}

func (t *topic) count() int {
	t.hmu.RLock()
	defer t.hmu.RUnlock()
	return len(t.handlers)
}

func (t *topic) snapshot() []handlerEntry {
	t.hmu.RLock()
	defer t.hmu.RUnlock()
	out := make([]handlerEntry, len(t.handlers))
	copy(out, t.handlers)
	return out
}

func (t *topic) close() {
	<-t.ready
	if t.sub != nil {
		if err := t.sub.Close(); err != nil {
			log.Printf("[RELAY] Closing subscription for session %s: %v", t.sessionID, err)
		}
	}
}
