// Package stream fans raised security alerts out to live subscribers.
package stream

import (
	"context"
	"sync"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/obs"
)

const defaultBuffer = 16

var _ audit.AlertSink = (*Hub)(nil)

// Hub delivers every alert to all active subscribers (SSE clients). A slow
// subscriber misses alerts rather than blocking the raiser.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan audit.SecurityAlert
	next   int
	buffer int
	closed bool
}

// New returns an empty hub. buffer is the per-subscriber queue length.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[int]chan audit.SecurityAlert), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive alerts.
// The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan audit.SecurityAlert {
	ch := make(chan audit.SecurityAlert, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}()

	return ch
}

// Notify publishes a to every subscriber. It never fails.
func (h *Hub) Notify(_ context.Context, a audit.SecurityAlert) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- a:
		default:
			obs.AlertStreamDropped()
		}
	}
	return nil
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Later subscribers get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
