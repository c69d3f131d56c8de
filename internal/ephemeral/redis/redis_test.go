//go:build integration

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-sign/internal/storage/redisclient"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	st, err := NewFactory(context.Background(), map[string]string{
		redisclient.KeyAddr:      addr,
		redisclient.KeyKeyPrefix: "arc-sign-test:" + uuid.NewString() + ":",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st.(*Store)
}

func TestIncrWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, reset, err := s.Incr(ctx, "rl", 200*time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("Incr = %d, %v", n, err)
	}
	if time.Until(reset) > 200*time.Millisecond {
		t.Errorf("resetAt too far out: %v", reset)
	}
	if n, _, _ := s.Incr(ctx, "rl", 200*time.Millisecond); n != 2 {
		t.Errorf("second Incr = %d", n)
	}
	time.Sleep(300 * time.Millisecond)
	if n, _, _ := s.Incr(ctx, "rl", 200*time.Millisecond); n != 1 {
		t.Errorf("Incr after window = %d, want 1", n)
	}
}

func TestSetNXTake(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if ok, err := s.SetNX(ctx, "nonce", "abc", time.Minute); err != nil || !ok {
		t.Fatalf("SetNX = %v, %v", ok, err)
	}
	if ok, _ := s.SetNX(ctx, "nonce", "def", time.Minute); ok {
		t.Error("duplicate SetNX succeeded")
	}
	v, ok, err := s.Take(ctx, "nonce")
	if err != nil || !ok || v != "abc" {
		t.Fatalf("Take = %q, %v, %v", v, ok, err)
	}
	if _, ok, _ := s.Take(ctx, "nonce"); ok {
		t.Error("value taken twice")
	}
}
