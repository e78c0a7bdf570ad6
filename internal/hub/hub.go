// Package hub fans progress payloads out to live subscribers. It holds no
// persistent state: payloads are ephemeral notifications keyed by job ID,
// and durability for final job state lives in the job row itself.
package hub

import (
	"context"
	"sync"
	"time"
)

// Payload is one progress notification for a job.
type Payload struct {
	Type     string  `json:"type,omitempty"`
	Done     int     `json:"done"`
	Total    int     `json:"total"`
	State    string  `json:"state,omitempty"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

// Keepalive is the marker delivered when a bounded wait times out.
func Keepalive() Payload {
	return Payload{Type: "keepalive"}
}

const subscriberBuffer = 64

// Subscription is one live consumer of a job's progress stream.
type Subscription struct {
	ch chan Payload
}

// Next waits for the next payload. It never blocks indefinitely: after
// timeout a keepalive marker is returned instead, and ok=false is
// returned only when ctx is done.
func (s *Subscription) Next(ctx context.Context, timeout time.Duration) (Payload, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Payload{}, false
	case p := <-s.ch:
		return p, true
	case <-timer.C:
		return Keepalive(), true
	}
}

// Hub is a concurrency-safe registry of at most one subscriber channel per
// job ID.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{subs: make(map[string]*Subscription)}
}

// Subscribe registers a subscriber for a job. The last subscriber wins:
// any earlier subscription for the same job ID stops receiving payloads
// but is not closed.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{ch: make(chan Payload, subscriberBuffer)}
	h.mu.Lock()
	h.subs[jobID] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription if it is still the registered one for
// the job ID.
func (h *Hub) Unsubscribe(jobID string, sub *Subscription) {
	h.mu.Lock()
	if h.subs[jobID] == sub {
		delete(h.subs, jobID)
	}
	h.mu.Unlock()
}

// Publish delivers a payload to the job's subscriber without blocking the
// producer. With no subscriber, or a full buffer, the payload is dropped;
// the job row remains the source of truth.
func (h *Hub) Publish(jobID string, p Payload) {
	h.mu.RLock()
	sub, ok := h.subs[jobID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case sub.ch <- p:
	default:
	}
}

// Subscribers returns the number of registered subscriber channels.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
