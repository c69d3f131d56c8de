// Package memory provides a process-local ephemeral store. Expired keys are
// invisible immediately and reclaimed by a janitor goroutine.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gezibash/arc-sign/internal/ephemeral"
	"github.com/gezibash/arc-sign/internal/storage"
)

const KeySweepInterval = "sweep_interval"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("ephemeral store closed")

func init() {
	ephemeral.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration.
func Defaults() map[string]string {
	return map[string]string{KeySweepInterval: "1m"}
}

// NewFactory creates a store from config.
func NewFactory(_ context.Context, config map[string]string) (ephemeral.Store, error) {
	r := storage.NewReader("memory", config)
	sweep := r.Duration(KeySweepInterval, time.Minute)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return New(WithSweepInterval(sweep)), nil
}

type item struct {
	value   string
	count   int64
	expires time.Time
}

// Store is an in-memory ephemeral.Store.
type Store struct {
	mu     sync.Mutex
	items  map[string]*item
	now    func() time.Time
	sweep  time.Duration
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSweepInterval sets how often expired keys are reclaimed. Zero
// disables the janitor.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweep = d }
}

// New creates a Store and starts its janitor.
func New(opts ...Option) *Store {
	s := &Store{
		items: make(map[string]*item),
		now:   time.Now,
		sweep: time.Minute,
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.sweep > 0 {
		s.wg.Add(1)
		go s.janitor()
	}
	return s
}

func (s *Store) janitor() {
	defer s.wg.Done()
	t := time.NewTicker(s.sweep)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// Sweep removes expired keys and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, it := range s.items {
		if !now.Before(it.expires) {
			delete(s.items, k)
			n++
		}
	}
	return n
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if now.Before(it.expires) {
			n++
		}
	}
	return n
}

// live returns the unexpired item under key. Callers hold mu.
func (s *Store) live(key string, now time.Time) *item {
	it, ok := s.items[key]
	if !ok {
		return nil
	}
	if !now.Before(it.expires) {
		delete(s.items, key)
		return nil
	}
	return it
}

func (s *Store) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if s.closed.Load() {
		return 0, time.Time{}, ErrClosed
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.live(key, now)
	if it == nil {
		it = &item{expires: now.Add(window)}
		s.items[key] = it
	}
	it.count++
	return it.count, it.expires, nil
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(key, now) != nil {
		return false, nil
	}
	s.items[key] = &item{value: value, expires: now.Add(ttl)}
	return true, nil
}

func (s *Store) Take(_ context.Context, key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, ErrClosed
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.live(key, now)
	if it == nil {
		return "", false, nil
	}
	delete(s.items, key)
	return it.value, true, nil
}

// Close stops the janitor.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	return nil
}
