// Package redis provides an ephemeral store shared across processes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-sign/internal/ephemeral"
	"github.com/gezibash/arc-sign/internal/storage/redisclient"
)

func init() {
	ephemeral.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration.
func Defaults() map[string]string {
	return redisclient.Defaults("arc-sign:eph:")
}

// incrScript starts the window on the first increment only, so later hits
// never extend it.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// NewFactory connects to redis.
func NewFactory(ctx context.Context, config map[string]string) (ephemeral.Store, error) {
	client, prefix, err := redisclient.Open(ctx, "redis", config)
	if err != nil {
		return nil, err
	}
	return New(client, prefix), nil
}

// Store is a redis-backed ephemeral.Store.
type Store struct {
	client *redis.Client
	prefix string
}

// New wraps an existing client. Keys are namespaced by prefix.
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	res, err := incrScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis incr: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis incr: unexpected reply %v", res)
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return res[0], time.Now().Add(ttl), nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (s *Store) Take(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.GetDel(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis getdel: %w", err)
	}
	return v, true, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
