// Package fs provides a filesystem metadata backend. Objects live under
// <path>/<first two hex chars>/<hex> and are written by atomic rename.
package fs

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/gezibash/arc-sign/internal/metadata/physical"
	"github.com/gezibash/arc-sign/internal/storage"
	"github.com/gezibash/arc-sign/pkg/reference"
)

const (
	KeyPath            = "path"
	KeyDirPermissions  = "dir_permissions"
	KeyFilePermissions = "file_permissions"
)

func init() {
	physical.Register("fs", NewFactory, Defaults)
}

// Defaults returns the default configuration for the filesystem backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:            "~/.arc-sign/metadata-fs",
		KeyDirPermissions:  "0700",
		KeyFilePermissions: "0600",
	}
}

// NewFactory creates a filesystem backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	r := storage.NewReader("fs", config)
	path := r.Path(KeyPath, "")
	dirRaw := r.String(KeyDirPermissions, "")
	fileRaw := r.String(KeyFilePermissions, "")
	if err := r.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, storage.NewConfigError("fs", KeyPath, "cannot be empty")
	}

	dirPerms, err := parseFileMode(dirRaw, 0o700)
	if err != nil {
		return nil, &storage.ConfigError{Backend: "fs", Field: KeyDirPermissions, Value: dirRaw, Message: "must be an octal permission string (e.g. 0700)"}
	}
	filePerms, err := parseFileMode(fileRaw, 0o600)
	if err != nil {
		return nil, &storage.ConfigError{Backend: "fs", Field: KeyFilePermissions, Value: fileRaw, Message: "must be an octal permission string (e.g. 0600)"}
	}

	if err := os.MkdirAll(path, dirPerms); err != nil {
		return nil, &storage.ConfigError{Backend: "fs", Field: KeyPath, Message: "failed to create directory", Cause: err}
	}

	slog.Info("fs metadata store initialized", "path", path,
		"dir_permissions", fmt.Sprintf("%04o", dirPerms), "file_permissions", fmt.Sprintf("%04o", filePerms))
	return &Backend{root: path, dirPerms: dirPerms, filePerms: filePerms}, nil
}

func parseFileMode(s string, def os.FileMode) (os.FileMode, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}

// Backend is a filesystem implementation of physical.Backend.
type Backend struct {
	root      string
	dirPerms  os.FileMode
	filePerms os.FileMode
	closed    atomic.Bool
}

func (b *Backend) objectPath(r reference.Reference) string {
	hex := reference.Hex(r)
	return filepath.Join(b.root, hex[:2], hex)
}

func (b *Backend) Put(_ context.Context, r reference.Reference, data []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	path := b.objectPath(r)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, b.dirPerms); err != nil {
		return fmt.Errorf("fs put: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("fs put: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = os.Remove(tmpName)
		return fmt.Errorf("fs put: %w", err)
	}

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		return cleanup(writeErr)
	}
	if closeErr != nil {
		return cleanup(closeErr)
	}
	if err := os.Chmod(tmpName, b.filePerms); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return cleanup(err)
	}
	return nil
}

func (b *Backend) Get(_ context.Context, r reference.Reference) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	data, err := os.ReadFile(b.objectPath(r))
	if os.IsNotExist(err) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fs get: %w", err)
	}
	return data, nil
}

func (b *Backend) Exists(_ context.Context, r reference.Reference) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	_, err := os.Stat(b.objectPath(r))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fs exists: %w", err)
	}
	return true, nil
}

// Stats walks the tree; temp files are skipped.
func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var total int64
	err := filepath.WalkDir(b.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name()[0] == '.' {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fs stats: %w", err)
	}
	return &physical.Stats{SizeBytes: total, BackendType: "fs"}, nil
}

func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
