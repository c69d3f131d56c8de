// Package badger provides a BadgerDB-backed ledger record store.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/arc-sign/internal/ledger/physical"
	"github.com/gezibash/arc-sign/internal/storage"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/identity"
)

const (
	prefixDoc     = "doc/"
	prefixSig     = "sig/"
	prefixCreator = "creator/"
	prefixEvent   = "event/"
	keyPosition   = "meta/position"
	keyDocCount   = "meta/documents"
)

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyMemTableSize     = "mem_table_size"
	KeyInMemory         = "in_memory"
)

func init() {
	physical.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:             "~/.arc-sign/ledger",
		KeySyncWrites:       "true",
		KeyValueLogFileSize: strconv.FormatInt(256<<20, 10),
		KeyMemTableSize:     strconv.FormatInt(64<<20, 10),
		KeyInMemory:         "false",
	}
}

// NewFactory creates a BadgerDB record store from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	r := storage.NewReader("badger", config)
	inMemory := r.Bool(KeyInMemory, false)
	path := r.Path(KeyPath, "")
	syncWrites := r.Bool(KeySyncWrites, true)
	valueLogFileSize := r.Int64(KeyValueLogFileSize, 256<<20)
	memTableSize := r.Int64(KeyMemTableSize, 64<<20)
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
	if memTableSize > 0 {
		opts.MemTableSize = memTableSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.ConfigError{Backend: "badger", Field: KeyPath, Message: "failed to open database", Cause: err}
	}

	slog.Info("badger ledger store initialized", "path", path, "sync_writes", syncWrites)
	return NewWithDB(db, "badger"), nil
}

// OpenInMemory opens a record store that lives only in process memory.
func OpenInMemory() (*Backend, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, &storage.ConfigError{Backend: "badger", Field: KeyInMemory, Message: "failed to open in-memory database", Cause: err}
	}
	return NewWithDB(db, "memory"), nil
}

// Backend is a BadgerDB implementation of physical.Backend.
type Backend struct {
	db     *badger.DB
	kind   string
	closed atomic.Bool

	// applyMu serialises Apply; every mutation writes the position key and
	// concurrent transactions would otherwise abort with ErrConflict.
	applyMu sync.Mutex
}

// NewWithDB creates a backend over an open database. kind is reported in
// Stats.
func NewWithDB(db *badger.DB, kind string) *Backend {
	return &Backend{db: db, kind: kind}
}

func docKey(id document.ID) []byte {
	return []byte(prefixDoc + hex.EncodeToString(id[:]))
}

func sigKey(id document.ID, signer identity.Address) []byte {
	return []byte(prefixSig + hex.EncodeToString(id[:]) + "/" + hex.EncodeToString(signer[:]))
}

func creatorPrefix(creator identity.Address) []byte {
	return []byte(prefixCreator + hex.EncodeToString(creator[:]) + "/")
}

func creatorKey(creator identity.Address, pos document.Position) []byte {
	return binary.BigEndian.AppendUint64(creatorPrefix(creator), uint64(pos))
}

func eventKey(pos document.Position) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixEvent), uint64(pos))
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return physical.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter %q", key)
		}
		n = binary.BigEndian.Uint64(val)
		return nil
	})
	return n, err
}

func setUint64(txn *badger.Txn, key []byte, n uint64) error {
	return txn.Set(key, binary.BigEndian.AppendUint64(nil, n))
}

// GetDocument implements physical.Backend.
func (b *Backend) GetDocument(_ context.Context, id document.ID) (*physical.DocumentRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var rec physical.DocumentRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, docKey(id), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetSignature implements physical.Backend.
func (b *Backend) GetSignature(_ context.Context, id document.ID, signer identity.Address) (*physical.SignatureRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var rec physical.SignatureRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, sigKey(id, signer), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByCreator implements physical.Backend. Results are in creation order.
func (b *Backend) ListByCreator(_ context.Context, creator identity.Address) ([]document.ID, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var ids []document.ID
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := creatorPrefix(creator)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				if len(val) != document.IDLength {
					return fmt.Errorf("corrupt creator index entry %q", it.Item().Key())
				}
				var id document.ID
				copy(id[:], val)
				ids = append(ids, id)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return ids, err
}

// Apply implements physical.Backend.
func (b *Backend) Apply(_ context.Context, m *physical.Mutation) (document.Position, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	var pos document.Position
	err := b.db.Update(func(txn *badger.Txn) error {
		if m.Create && m.Document != nil {
			_, err := txn.Get(docKey(m.Document.ID))
			if err == nil {
				return physical.ErrExists
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}

		if m.RequireActive {
			var doc physical.DocumentRecord
			if err := getJSON(txn, docKey(m.Target()), &doc); err != nil {
				return err
			}
			if !doc.Active {
				return physical.ErrInactive
			}
		}
		if s := m.Signature; s != nil {
			var prev physical.SignatureRecord
			err := getJSON(txn, sigKey(s.ID, s.Signer), &prev)
			if err != nil && !errors.Is(err, physical.ErrNotFound) {
				return err
			}
			if prev.Signed {
				return physical.ErrAlreadySigned
			}
		}

		last, err := getUint64(txn, []byte(keyPosition))
		if err != nil {
			return err
		}
		pos = document.Position(last + 1)
		if err := setUint64(txn, []byte(keyPosition), uint64(pos)); err != nil {
			return err
		}

		if m.Document != nil {
			if err := setJSON(txn, docKey(m.Document.ID), m.Document); err != nil {
				return err
			}
			if m.Create {
				n, err := getUint64(txn, []byte(keyDocCount))
				if err != nil {
					return err
				}
				if err := setUint64(txn, []byte(keyDocCount), n+1); err != nil {
					return err
				}
			}
			if m.IndexCreator {
				if err := txn.Set(creatorKey(m.Document.Creator, pos), m.Document.ID[:]); err != nil {
					return err
				}
			}
		}
		if m.Signature != nil {
			if err := setJSON(txn, sigKey(m.Signature.ID, m.Signature.Signer), m.Signature.Record); err != nil {
				return err
			}
		}
		if m.Event != nil {
			ev := *m.Event
			ev.Position = pos
			if err := setJSON(txn, eventKey(pos), ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pos, nil
}

// Events implements physical.Backend.
func (b *Backend) Events(_ context.Context, after document.Position, limit int) ([]document.Event, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var events []document.Event
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixEvent)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(eventKey(after + 1)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var ev document.Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

// Position implements physical.Backend.
func (b *Backend) Position(_ context.Context) (document.Position, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}
	var n uint64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = getUint64(txn, []byte(keyPosition))
		return err
	})
	return document.Position(n), err
}

// Stats implements physical.Backend.
func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	stats := &physical.Stats{BackendType: b.kind}
	err := b.db.View(func(txn *badger.Txn) error {
		docs, err := getUint64(txn, []byte(keyDocCount))
		if err != nil {
			return err
		}
		pos, err := getUint64(txn, []byte(keyPosition))
		if err != nil {
			return err
		}
		stats.Documents = int64(docs)
		stats.Position = pos
		return nil
	})
	return stats, err
}

// Close implements physical.Backend.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
