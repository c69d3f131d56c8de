package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gezibash/arc-sign/internal/metadata/physical"
	"github.com/gezibash/arc-sign/internal/metadata/physical/physicaltest"
	"github.com/gezibash/arc-sign/internal/storage"
	"github.com/gezibash/arc-sign/pkg/reference"
)

func newTestBackend(t *testing.T) physical.Backend {
	t.Helper()
	be, err := NewFactory(context.Background(), map[string]string{KeyPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func TestConformance(t *testing.T) {
	physicaltest.Run(t, newTestBackend)
}

func TestLayoutAndPermissions(t *testing.T) {
	dir := t.TempDir()
	be, err := NewFactory(context.Background(), map[string]string{KeyPath: dir, KeyFilePermissions: "0640"})
	if err != nil {
		t.Fatal(err)
	}
	defer be.Close()

	data := []byte("sharded")
	ref := reference.Compute(data)
	if err := be.Put(context.Background(), ref, data); err != nil {
		t.Fatal(err)
	}

	hex := reference.Hex(ref)
	info, err := os.Stat(filepath.Join(dir, hex[:2], hex))
	if err != nil {
		t.Fatalf("object not at sharded path: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("perm = %o, want 640", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(filepath.Join(dir, hex[:2]))
	for _, e := range entries {
		if e.Name()[0] == '.' {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}

	stats, err := be.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.SizeBytes != int64(len(data)) {
		t.Errorf("SizeBytes = %d, want %d", stats.SizeBytes, len(data))
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]string
		field  string
	}{
		{"empty path", map[string]string{}, KeyPath},
		{"bad dir perms", map[string]string{KeyPath: t.TempDir(), KeyDirPermissions: "rwx"}, KeyDirPermissions},
		{"bad file perms", map[string]string{KeyPath: t.TempDir(), KeyFilePermissions: "9"}, KeyFilePermissions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFactory(context.Background(), tt.config)
			var cfgErr *storage.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("err = %v, want ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}
