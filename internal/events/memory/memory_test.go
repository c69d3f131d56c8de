package memory

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/arc-sign/internal/events"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/pkg/document"
)

func event(id document.ID, kind document.EventKind, pos document.Position) document.Event {
	return document.Event{Kind: kind, DocumentID: id, Position: pos, At: time.Unix(1700000000, 0)}
}

func recv(t *testing.T, sub events.Subscription) document.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return document.Event{}
}

func TestFanOutPerDocument(t *testing.T) {
	m := observability.NewMetrics()
	h := New(8, m)
	defer h.Close()
	ctx := context.Background()

	docA := document.Compute([]byte("a"))
	docB := document.Compute([]byte("b"))

	a1, _ := h.Subscribe(ctx, docA)
	a2, _ := h.Subscribe(ctx, docA)
	b1, _ := h.Subscribe(ctx, docB)

	if err := h.Publish(ctx, event(docA, document.EventSigned, 1)); err != nil {
		t.Fatal(err)
	}
	for _, s := range []events.Subscription{a1, a2} {
		if ev := recv(t, s); ev.Position != 1 || ev.DocumentID != docA {
			t.Errorf("got %+v", ev)
		}
	}
	select {
	case ev := <-b1.Events():
		t.Errorf("subscriber of another document got %+v", ev)
	default:
	}
	if got := testutil.ToFloat64(m.EventsPublished.WithLabelValues(string(document.EventSigned))); got != 1 {
		t.Errorf("events_published = %v", got)
	}
}

func TestOrderPreserved(t *testing.T) {
	h := New(16, nil)
	defer h.Close()
	ctx := context.Background()
	doc := document.Compute([]byte("ordered"))
	sub, _ := h.Subscribe(ctx, doc)

	for i := 1; i <= 5; i++ {
		h.Publish(ctx, event(doc, document.EventSigned, document.Position(i)))
	}
	for i := 1; i <= 5; i++ {
		if ev := recv(t, sub); ev.Position != document.Position(i) {
			t.Fatalf("event %d has position %d", i, ev.Position)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	m := observability.NewMetrics()
	h := New(2, m)
	defer h.Close()
	ctx := context.Background()
	doc := document.Compute([]byte("slow"))
	sub, _ := h.Subscribe(ctx, doc)

	for i := 1; i <= 5; i++ {
		if err := h.Publish(ctx, event(doc, document.EventSigned, document.Position(i))); err != nil {
			t.Fatal(err)
		}
	}
	health := sub.Health()
	if health.Delivered != 2 || health.Dropped != 3 || health.Buffered != 2 || health.Capacity != 2 {
		t.Errorf("health = %+v", health)
	}
	if got := testutil.ToFloat64(m.EventsDropped); got != 3 {
		t.Errorf("events_dropped = %v", got)
	}
	// The oldest events are the ones kept.
	if ev := recv(t, sub); ev.Position != 1 {
		t.Errorf("first buffered = %d", ev.Position)
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	h := New(4, nil)
	defer h.Close()
	doc := document.Compute([]byte("close"))
	sub, _ := h.Subscribe(context.Background(), doc)
	if h.Subscribers(doc) != 1 {
		t.Fatalf("subscribers = %d", h.Subscribers(doc))
	}

	sub.Close()
	sub.Close()
	if h.Subscribers(doc) != 0 {
		t.Errorf("subscribers after close = %d", h.Subscribers(doc))
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("channel still open")
	}
	if err := h.Publish(context.Background(), event(doc, document.EventRevoked, 9)); err != nil {
		t.Errorf("publish with no subscribers: %v", err)
	}
}

func TestContextCancelCloses(t *testing.T) {
	h := New(4, nil)
	defer h.Close()
	doc := document.Compute([]byte("ctx"))
	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := h.Subscribe(ctx, doc)
	cancel()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestHubClose(t *testing.T) {
	h := New(4, nil)
	doc := document.Compute([]byte("hub"))
	sub, _ := h.Subscribe(context.Background(), doc)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("subscription open after hub close")
	}
	if err := h.Publish(context.Background(), event(doc, document.EventSigned, 1)); err != ErrClosed {
		t.Errorf("Publish after close = %v", err)
	}
	if _, err := h.Subscribe(context.Background(), doc); err != ErrClosed {
		t.Errorf("Subscribe after close = %v", err)
	}
}

func TestOpenRegistered(t *testing.T) {
	hub, err := events.Open(context.Background(), events.Config{Backend: "memory", Config: map[string]string{KeyBufferSize: "3"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Close()
	sub, _ := hub.Subscribe(context.Background(), document.Compute([]byte("x")))
	if c := sub.Health().Capacity; c != 3 {
		t.Errorf("capacity = %d", c)
	}

	if _, err := events.Open(context.Background(), events.Config{Backend: "memory", Config: map[string]string{KeyBufferSize: "many"}}, nil); err == nil {
		t.Error("expected config error")
	}
	if _, err := events.Open(context.Background(), events.Config{Backend: "kafka"}, nil); err == nil {
		t.Error("expected unknown backend error")
	}
}
