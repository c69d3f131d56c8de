// Package ephemeral is a small time-windowed key/value store shared by the
// rate limiter and the login challenge. Every key carries an explicit
// expiry; nothing lives forever.
//
// The store is passed to its consumers as a dependency. With the redis
// backend several API processes share windows and nonces.
package ephemeral

import (
	"context"
	"log/slog"
	"time"

	"github.com/gezibash/arc-sign/internal/storage"
)

// Store is a time-windowed key/value store.
type Store interface {
	// Incr increments the counter for key within a fixed window starting at
	// the first increment. It returns the new count and the window end.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
	// SetNX stores value under key for ttl unless key is already present.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Take returns and deletes the value under key.
	Take(ctx context.Context, key string) (value string, ok bool, err error)
	Close() error
}

// Config selects a backend.
type Config struct {
	Backend string
	Config  map[string]string
}

// Factory creates a store from its config.
type Factory func(ctx context.Context, config map[string]string) (Store, error)

// DefaultsFunc returns a backend's default config.
type DefaultsFunc func() map[string]string

var registry = storage.NewRegistry[Factory]("ephemeral backend")

// Register makes a backend available to Open.
// Panics if a backend with the same name is already registered.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	registry.Register(name, factory, defaults)
}

// ListBackends returns the registered backend names, sorted.
func ListBackends() []string {
	return registry.Names()
}

// Open creates the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	factory, merged, err := registry.Lookup(cfg.Backend, cfg.Config)
	if err != nil {
		return nil, err
	}
	s, err := factory(ctx, merged)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "ephemeral store opened", "backend", cfg.Backend)
	return s, nil
}
