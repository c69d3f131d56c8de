// Package physicaltest provides the conformance suite for metadata
// backends.
package physicaltest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gezibash/arc-sign/internal/metadata/physical"
	"github.com/gezibash/arc-sign/pkg/reference"
)

// NewBackend returns a fresh, empty backend and registers its cleanup.
type NewBackend func(t *testing.T) physical.Backend

// Run exercises the behaviour every backend must share.
func Run(t *testing.T, newBackend NewBackend) {
	t.Run("PutGet", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		data := []byte(`{"reason":"approved"}`)
		ref := reference.Compute(data)

		if err := b.Put(ctx, ref, data); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := b.Get(ctx, ref)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("Get = %q, want %q", got, data)
		}
	})

	t.Run("PutTwice", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		data := []byte("same bytes")
		ref := reference.Compute(data)
		for range 2 {
			if err := b.Put(ctx, ref, data); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	})

	t.Run("EmptyObject", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		ref := reference.Compute(nil)
		if err := b.Put(ctx, ref, []byte{}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := b.Get(ctx, ref)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("len = %d, want 0", len(got))
		}
	})

	t.Run("Missing", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		ref := reference.Compute([]byte("never stored"))

		if _, err := b.Get(ctx, ref); !errors.Is(err, physical.ErrNotFound) {
			t.Errorf("Get err = %v, want ErrNotFound", err)
		}
		ok, err := b.Exists(ctx, ref)
		if err != nil || ok {
			t.Errorf("Exists = %v, %v", ok, err)
		}
	})

	t.Run("Exists", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		data := []byte("present")
		ref := reference.Compute(data)
		if err := b.Put(ctx, ref, data); err != nil {
			t.Fatal(err)
		}
		ok, err := b.Exists(ctx, ref)
		if err != nil || !ok {
			t.Errorf("Exists = %v, %v", ok, err)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				data := []byte(fmt.Sprintf("object-%d", i))
				ref := reference.Compute(data)
				if err := b.Put(ctx, ref, data); err != nil {
					errs <- err
					return
				}
				got, err := b.Get(ctx, ref)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(got, data) {
					errs <- fmt.Errorf("object %d corrupted", i)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		if err := b.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := b.Close(); err != nil {
			t.Errorf("second Close: %v", err)
		}
		ref := reference.Compute([]byte("x"))
		if err := b.Put(ctx, ref, []byte("x")); !errors.Is(err, physical.ErrClosed) {
			t.Errorf("Put after Close = %v, want ErrClosed", err)
		}
		if _, err := b.Get(ctx, ref); !errors.Is(err, physical.ErrClosed) {
			t.Errorf("Get after Close = %v, want ErrClosed", err)
		}
		if _, err := b.Stats(ctx); !errors.Is(err, physical.ErrClosed) {
			t.Errorf("Stats after Close = %v, want ErrClosed", err)
		}
	})
}
