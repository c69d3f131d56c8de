// Package redis provides an event hub on Redis Pub/Sub, one channel per
// document, so several API processes share one stream.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-sign/internal/events"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/internal/storage"
	"github.com/gezibash/arc-sign/internal/storage/redisclient"
	"github.com/gezibash/arc-sign/pkg/document"
)

const KeyBufferSize = "buffer_size"

func init() {
	events.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration.
func Defaults() map[string]string {
	d := redisclient.Defaults("arc-sign:events:")
	d[KeyBufferSize] = "64"
	return d
}

// NewFactory connects to redis.
func NewFactory(ctx context.Context, config map[string]string, metrics *observability.Metrics) (events.Hub, error) {
	r := storage.NewReader("redis", config)
	buffer := r.Int(KeyBufferSize, events.DefaultBufferSize)
	if err := r.Err(); err != nil {
		return nil, err
	}
	client, prefix, err := redisclient.Open(ctx, "redis", config)
	if err != nil {
		return nil, err
	}
	return New(client, prefix, buffer, metrics), nil
}

// Hub publishes events as JSON on <prefix>doc:<id>.
type Hub struct {
	client  *redis.Client
	prefix  string
	buffer  int
	metrics *observability.Metrics
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, buffer int, metrics *observability.Metrics) *Hub {
	return &Hub{client: client, prefix: prefix, buffer: buffer, metrics: metrics}
}

func (h *Hub) channel(id document.ID) string {
	return h.prefix + "doc:" + id.Hex()
}

func (h *Hub) Publish(ctx context.Context, ev document.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel(ev.DocumentID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if h.metrics != nil {
		h.metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	}
	return nil
}

// Subscribe returns once redis has confirmed the subscription, so events
// published afterwards are not missed.
func (h *Hub) Subscribe(ctx context.Context, id document.ID) (events.Subscription, error) {
	ps := h.client.Subscribe(ctx, h.channel(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := events.NewSub(id, h.buffer, h.metrics, func() { _ = ps.Close() })
	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			var ev document.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("undecodable event on channel", "channel", msg.Channel, "error", err)
				continue
			}
			sub.Deliver(ev)
		}
	}()
	events.CloseOnDone(ctx, sub)
	return sub, nil
}

func (h *Hub) Close() error {
	return h.client.Close()
}
