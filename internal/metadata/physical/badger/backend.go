// Package badger provides a BadgerDB-backed metadata backend.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/arc-sign/internal/metadata/physical"
	"github.com/gezibash/arc-sign/internal/storage"
	"github.com/gezibash/arc-sign/pkg/reference"
)

const keyPrefix = "meta/"

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyInMemory         = "in_memory"
)

func init() {
	physical.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:             "~/.arc-sign/metadata",
		KeySyncWrites:       "false",
		KeyValueLogFileSize: strconv.FormatInt(256<<20, 10),
		KeyInMemory:         "false",
	}
}

// NewFactory creates a BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	r := storage.NewReader("badger", config)
	inMemory := r.Bool(KeyInMemory, false)
	path := r.Path(KeyPath, "")
	syncWrites := r.Bool(KeySyncWrites, false)
	valueLogFileSize := r.Int64(KeyValueLogFileSize, 256<<20)
	if err := r.Err(); err != nil {
		return nil, err
	}

	if inMemory {
		return OpenInMemory()
	}
	if path == "" {
		return nil, storage.NewConfigError("badger", KeyPath, "cannot be empty")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, &storage.ConfigError{Backend: "badger", Field: KeyPath, Message: "failed to create directory", Cause: err}
	}

	opts := badger.DefaultOptions(path).WithLogger(nil).WithSyncWrites(syncWrites)
	if valueLogFileSize > 0 {
		opts.ValueLogFileSize = valueLogFileSize
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.ConfigError{Backend: "badger", Field: KeyPath, Message: "failed to open database", Cause: err}
	}

	slog.Info("badger metadata store initialized", "path", path, "sync_writes", syncWrites)
	return &Backend{db: db, kind: "badger"}, nil
}

// OpenInMemory opens a backend that lives only in process memory.
func OpenInMemory() (*Backend, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, &storage.ConfigError{Backend: "badger", Field: KeyInMemory, Message: "failed to open in-memory database", Cause: err}
	}
	return &Backend{db: db, kind: "memory"}, nil
}

// Backend is a BadgerDB implementation of physical.Backend.
type Backend struct {
	db     *badger.DB
	kind   string
	closed atomic.Bool
}

func key(r reference.Reference) []byte {
	return []byte(keyPrefix + reference.Hex(r))
}

func (b *Backend) Put(_ context.Context, r reference.Reference, data []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(r), data)
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

func (b *Backend) Get(_ context.Context, r reference.Reference) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(r))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return data, nil
}

func (b *Backend) Exists(_ context.Context, r reference.Reference) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key(r))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger exists: %w", err)
	}
	return true, nil
}

func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	lsm, vlog := b.db.Size()
	return &physical.Stats{SizeBytes: lsm + vlog, BackendType: b.kind}, nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
