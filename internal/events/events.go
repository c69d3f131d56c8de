// Package events fans ledger notifications out to per-document
// subscribers. A Relay feeds the hub from the ledger; the WebSocket
// endpoint drains it.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/internal/storage"
	"github.com/gezibash/arc-sign/pkg/document"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 64

// Hub is a publish/subscribe channel keyed by document id.
type Hub interface {
	Publish(ctx context.Context, ev document.Event) error
	// Subscribe delivers events for id until the subscription is closed or
	// ctx ends.
	Subscribe(ctx context.Context, id document.ID) (Subscription, error)
	Close() error
}

// Subscription is one subscriber's view of a document's events.
type Subscription interface {
	ID() string
	DocumentID() document.ID
	Events() <-chan document.Event
	Health() Health
	Close()
}

// Health reports delivery counters for a subscription.
type Health struct {
	ID        string `json:"id"`
	Delivered int64  `json:"delivered"`
	Dropped   int64  `json:"dropped"`
	Buffered  int    `json:"buffered"`
	Capacity  int    `json:"capacity"`
}

// Sub is the buffered subscription shared by the hub backends. Delivery
// never blocks: a full buffer drops the event and counts it.
type Sub struct {
	id      string
	doc     document.ID
	ch      chan document.Event
	metrics *observability.Metrics

	mu      sync.Mutex
	closed  bool
	onClose func()

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewSub creates a subscription. onClose runs once, before the channel is
// closed.
func NewSub(doc document.ID, buffer int, metrics *observability.Metrics, onClose func()) *Sub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Sub{
		id:      uuid.NewString(),
		doc:     doc,
		ch:      make(chan document.Event, buffer),
		metrics: metrics,
		onClose: onClose,
	}
}

func (s *Sub) ID() string                    { return s.id }
func (s *Sub) DocumentID() document.ID       { return s.doc }
func (s *Sub) Events() <-chan document.Event { return s.ch }

func (s *Sub) Health() Health {
	return Health{
		ID:        s.id,
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Buffered:  len(s.ch),
		Capacity:  cap(s.ch),
	}
}

// Deliver hands ev to the subscriber without blocking. It reports false if
// the event was dropped or the subscription is closed.
func (s *Sub) Deliver(ev document.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		s.delivered.Add(1)
		return true
	default:
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.EventsDropped.Inc()
		}
		slog.Warn("event dropped for slow subscriber", "subscription_id", s.id, "document", ev.DocumentID.Hex())
		return false
	}
}

func (s *Sub) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
	s.mu.Lock()
	close(s.ch)
	s.mu.Unlock()
}

// CloseOnDone closes s when ctx ends.
func CloseOnDone(ctx context.Context, s Subscription) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()
}

// Config selects a hub backend.
type Config struct {
	Backend string
	Config  map[string]string
}

// Factory creates a hub.
type Factory func(ctx context.Context, config map[string]string, metrics *observability.Metrics) (Hub, error)

// DefaultsFunc returns a backend's default config.
type DefaultsFunc func() map[string]string

var registry = storage.NewRegistry[Factory]("events backend")

// Register makes a hub backend available to Open.
// Panics if a backend with the same name is already registered.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	registry.Register(name, factory, defaults)
}

// ListBackends returns the registered backend names, sorted.
func ListBackends() []string {
	return registry.Names()
}

// Open creates the configured hub.
func Open(ctx context.Context, cfg Config, metrics *observability.Metrics) (Hub, error) {
	factory, merged, err := registry.Lookup(cfg.Backend, cfg.Config)
	if err != nil {
		return nil, err
	}
	h, err := factory(ctx, merged, metrics)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "event hub opened", "backend", cfg.Backend)
	return h, nil
}
