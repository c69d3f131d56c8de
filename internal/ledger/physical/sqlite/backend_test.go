package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gezibash/arc-sign/internal/ledger/physical"
	"github.com/gezibash/arc-sign/internal/ledger/physical/physicaltest"
	"github.com/gezibash/arc-sign/internal/storage"
)

func newTestBackend(t *testing.T) physical.Backend {
	t.Helper()
	be, err := NewFactory(context.Background(), map[string]string{
		KeyPath: filepath.Join(t.TempDir(), "ledger.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func TestConformance(t *testing.T) {
	physicaltest.Run(t, newTestBackend)
}

func TestSharedFile(t *testing.T) {
	physicaltest.RunShared(t, func(t *testing.T) (physical.Backend, physical.Backend) {
		path := filepath.Join(t.TempDir(), "ledger.db")
		open := func() physical.Backend {
			be, err := NewFactory(context.Background(), map[string]string{KeyPath: path})
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { be.Close() })
			return be
		}
		return open(), open()
	})
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	id := physicaltest.DocID("reopen")

	be, err := NewFactory(ctx, map[string]string{KeyPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := be.Apply(ctx, physicaltest.CreateMutation(id, physicaltest.Addr(1), physicaltest.Addr(3), physicaltest.Addr(2))); err != nil {
		t.Fatal(err)
	}
	be.Close()

	be, err = NewFactory(ctx, map[string]string{KeyPath: path})
	if err != nil {
		t.Fatal(err)
	}
	defer be.Close()

	rec, err := be.GetDocument(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Signers) != 2 || rec.Signers[0] != physicaltest.Addr(3) {
		t.Errorf("signers = %v", rec.Signers)
	}

	_, err = be.Apply(ctx, physicaltest.CreateMutation(id, physicaltest.Addr(1), physicaltest.Addr(2)))
	if !errors.Is(err, physical.ErrExists) {
		t.Errorf("create after reopen = %v, want ErrExists", err)
	}
}

func TestEmptyPath(t *testing.T) {
	_, err := NewFactory(context.Background(), map[string]string{KeyPath: ""})
	var cfgErr *storage.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
}
