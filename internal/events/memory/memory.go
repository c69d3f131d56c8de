// Package memory provides an in-process event hub.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/gezibash/arc-sign/internal/events"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/internal/storage"
	"github.com/gezibash/arc-sign/pkg/document"
)

const KeyBufferSize = "buffer_size"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("event hub closed")

func init() {
	events.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration.
func Defaults() map[string]string {
	return map[string]string{KeyBufferSize: "64"}
}

// NewFactory creates a hub from config.
func NewFactory(_ context.Context, config map[string]string, metrics *observability.Metrics) (events.Hub, error) {
	r := storage.NewReader("memory", config)
	buffer := r.Int(KeyBufferSize, events.DefaultBufferSize)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return New(buffer, metrics), nil
}

// Hub fans events out to subscribers in the same process. Publish delivers
// synchronously, so each subscriber sees events in publish order.
type Hub struct {
	mu      sync.RWMutex
	subs    map[document.ID]map[string]*events.Sub
	buffer  int
	metrics *observability.Metrics
	closed  bool
}

// New creates a hub. buffer is the per-subscription capacity.
func New(buffer int, metrics *observability.Metrics) *Hub {
	return &Hub{
		subs:    make(map[document.ID]map[string]*events.Sub),
		buffer:  buffer,
		metrics: metrics,
	}
}

func (h *Hub) Publish(_ context.Context, ev document.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for _, s := range h.subs[ev.DocumentID] {
		s.Deliver(ev)
	}
	if h.metrics != nil {
		h.metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, id document.ID) (events.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	var sub *events.Sub
	sub = events.NewSub(id, h.buffer, h.metrics, func() { h.remove(id, sub.ID()) })
	if h.subs[id] == nil {
		h.subs[id] = make(map[string]*events.Sub)
	}
	h.subs[id][sub.ID()] = sub
	events.CloseOnDone(ctx, sub)
	return sub, nil
}

func (h *Hub) remove(id document.ID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[id], subID)
	if len(h.subs[id]) == 0 {
		delete(h.subs, id)
	}
}

// Subscribers returns the number of live subscriptions for id.
func (h *Hub) Subscribers(id document.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*events.Sub
	for _, m := range h.subs {
		for _, s := range m {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	return nil
}
