// Package sqlite provides a SQLite-backed ledger record store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gezibash/arc-sign/internal/ledger/physical"
	"github.com/gezibash/arc-sign/internal/storage"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/identity"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
)

func init() {
	physical.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.arc-sign/ledger.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id          TEXT PRIMARY KEY,
    creator     TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    active      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS document_signers (
    document_id TEXT NOT NULL,
    idx         INTEGER NOT NULL,
    signer      TEXT NOT NULL,
    PRIMARY KEY (document_id, idx),
    FOREIGN KEY (document_id) REFERENCES documents(id)
);

CREATE TABLE IF NOT EXISTS signatures (
    document_id  TEXT NOT NULL,
    signer       TEXT NOT NULL,
    signed       INTEGER NOT NULL,
    signed_at    INTEGER NOT NULL,
    metadata_ref TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (document_id, signer),
    FOREIGN KEY (document_id) REFERENCES documents(id)
);

CREATE TABLE IF NOT EXISTS creator_index (
    creator     TEXT NOT NULL,
    position    INTEGER NOT NULL,
    document_id TEXT NOT NULL,
    PRIMARY KEY (creator, position)
);

CREATE TABLE IF NOT EXISTS events (
    position    INTEGER PRIMARY KEY,
    kind        TEXT NOT NULL,
    document_id TEXT NOT NULL,
    actor       TEXT NOT NULL,
    tx_ref      TEXT NOT NULL DEFAULT '',
    at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_meta (
    key   TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);
`

// NewFactory creates a SQLite record store from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	r := storage.NewReader("sqlite", config)
	path := r.Path(KeyPath, "")
	journalMode := r.String(KeyJournalMode, "wal")
	busyTimeout := r.Int(KeyBusyTimeout, 5000)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, storage.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &storage.ConfigError{Backend: "sqlite", Field: KeyPath, Message: "failed to create directory", Cause: err}
	}

	// Immediate transactions take the write lock at BEGIN, so Apply's
	// precondition reads cannot race another writer.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_txlock=immediate",
		path, journalMode, busyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &storage.ConfigError{Backend: "sqlite", Field: KeyPath, Message: "failed to open database", Cause: err}
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, &storage.ConfigError{Backend: "sqlite", Field: KeyPath, Message: "failed to initialize schema", Cause: err}
	}

	slog.Info("sqlite ledger store initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of physical.Backend.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

func hexID(id document.ID) string { return hex.EncodeToString(id[:]) }

func hexAddr(a identity.Address) string { return hex.EncodeToString(a[:]) }

func parseHexAddr(s string) (identity.Address, error) { return identity.ParseAddress("0x" + s) }

func unixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

func parseHexID(s string) (document.ID, error) {
	var id document.ID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != document.IDLength {
		return id, fmt.Errorf("corrupt document id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

// GetDocument implements physical.Backend.
func (b *Backend) GetDocument(ctx context.Context, id document.ID) (*physical.DocumentRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	rec := &physical.DocumentRecord{ID: id}
	var creator string
	err := b.db.QueryRowContext(ctx,
		`SELECT creator, created_at, active FROM documents WHERE id = ?`, hexID(id),
	).Scan(&creator, &rec.CreatedAt, &rec.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get document: %w", err)
	}
	if rec.Creator, err = parseHexAddr(creator); err != nil {
		return nil, fmt.Errorf("sqlite get document: creator: %w", err)
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT signer FROM document_signers WHERE document_id = ? ORDER BY idx`, hexID(id))
	if err != nil {
		return nil, fmt.Errorf("sqlite get signers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("sqlite scan signer: %w", err)
		}
		addr, err := parseHexAddr(s)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan signer: %w", err)
		}
		rec.Signers = append(rec.Signers, addr)
	}
	return rec, rows.Err()
}

// GetSignature implements physical.Backend.
func (b *Backend) GetSignature(ctx context.Context, id document.ID, signer identity.Address) (*physical.SignatureRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var rec physical.SignatureRecord
	err := b.db.QueryRowContext(ctx,
		`SELECT signed, signed_at, metadata_ref FROM signatures WHERE document_id = ? AND signer = ?`,
		hexID(id), hexAddr(signer),
	).Scan(&rec.Signed, &rec.SignedAt, &rec.MetadataRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get signature: %w", err)
	}
	return &rec, nil
}

// ListByCreator implements physical.Backend.
func (b *Backend) ListByCreator(ctx context.Context, creator identity.Address) ([]document.ID, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT document_id FROM creator_index WHERE creator = ? ORDER BY position`, hexAddr(creator))
	if err != nil {
		return nil, fmt.Errorf("sqlite list by creator: %w", err)
	}
	defer rows.Close()

	var ids []document.ID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("sqlite scan creator index: %w", err)
		}
		id, err := parseHexID(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Apply implements physical.Backend.
func (b *Backend) Apply(ctx context.Context, m *physical.Mutation) (document.Position, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite apply: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var last int64
	err = tx.QueryRowContext(ctx, `SELECT value FROM ledger_meta WHERE key = 'position'`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sqlite apply: read position: %w", err)
	}
	pos := document.Position(last + 1)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_meta (key, value) VALUES ('position', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, int64(pos)); err != nil {
		return 0, fmt.Errorf("sqlite apply: write position: %w", err)
	}

	if m.RequireActive {
		var active bool
		err := tx.QueryRowContext(ctx, `SELECT active FROM documents WHERE id = ?`, hexID(m.Target())).Scan(&active)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, physical.ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("sqlite apply: read document: %w", err)
		}
		if !active {
			return 0, physical.ErrInactive
		}
	}

	if d := m.Document; d != nil {
		if m.Create {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO documents (id, creator, created_at, active) VALUES (?, ?, ?, ?)
				 ON CONFLICT(id) DO NOTHING`,
				hexID(d.ID), hexAddr(d.Creator), d.CreatedAt, d.Active)
			if err != nil {
				return 0, fmt.Errorf("sqlite apply: insert document: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return 0, physical.ErrExists
			}
			for i, s := range d.Signers {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO document_signers (document_id, idx, signer) VALUES (?, ?, ?)`,
					hexID(d.ID), i, hexAddr(s)); err != nil {
					return 0, fmt.Errorf("sqlite apply: insert signer: %w", err)
				}
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET active = ? WHERE id = ?`, d.Active, hexID(d.ID)); err != nil {
				return 0, fmt.Errorf("sqlite apply: update document: %w", err)
			}
		}
		if m.IndexCreator {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO creator_index (creator, position, document_id) VALUES (?, ?, ?)`,
				hexAddr(d.Creator), int64(pos), hexID(d.ID)); err != nil {
				return 0, fmt.Errorf("sqlite apply: index creator: %w", err)
			}
		}
	}

	if s := m.Signature; s != nil {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO signatures (document_id, signer, signed, signed_at, metadata_ref) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(document_id, signer) DO UPDATE SET
			   signed = excluded.signed, signed_at = excluded.signed_at, metadata_ref = excluded.metadata_ref
			 WHERE signatures.signed = 0`,
			hexID(s.ID), hexAddr(s.Signer), s.Record.Signed, s.Record.SignedAt, s.Record.MetadataRef)
		if err != nil {
			return 0, fmt.Errorf("sqlite apply: write signature: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, physical.ErrAlreadySigned
		}
	}

	if ev := m.Event; ev != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (position, kind, document_id, actor, tx_ref, at) VALUES (?, ?, ?, ?, ?, ?)`,
			int64(pos), string(ev.Kind), hexID(ev.DocumentID), hexAddr(ev.Actor), ev.TxRef, ev.At.UnixNano()); err != nil {
			return 0, fmt.Errorf("sqlite apply: append event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite apply: commit: %w", err)
	}
	return pos, nil
}

// Events implements physical.Backend.
func (b *Backend) Events(ctx context.Context, after document.Position, limit int) ([]document.Event, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT position, kind, document_id, actor, tx_ref, at FROM events
		 WHERE position > ? ORDER BY position LIMIT ?`, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite events: %w", err)
	}
	defer rows.Close()

	var events []document.Event
	for rows.Next() {
		var (
			pos          int64
			kind, doc    string
			actor, txRef string
			at           int64
		)
		if err := rows.Scan(&pos, &kind, &doc, &actor, &txRef, &at); err != nil {
			return nil, fmt.Errorf("sqlite scan event: %w", err)
		}
		id, err := parseHexID(doc)
		if err != nil {
			return nil, err
		}
		addr, err := parseHexAddr(actor)
		if err != nil {
			return nil, err
		}
		events = append(events, document.Event{
			Kind:       document.EventKind(kind),
			DocumentID: id,
			Actor:      addr,
			Position:   document.Position(pos),
			TxRef:      txRef,
			At:         unixNano(at),
		})
	}
	return events, rows.Err()
}

// Position implements physical.Backend.
func (b *Backend) Position(ctx context.Context) (document.Position, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}
	var pos int64
	err := b.db.QueryRowContext(ctx, `SELECT value FROM ledger_meta WHERE key = 'position'`).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite position: %w", err)
	}
	return document.Position(pos), nil
}

// Stats implements physical.Backend.
func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	stats := &physical.Stats{BackendType: "sqlite"}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&stats.Documents); err != nil {
		return nil, fmt.Errorf("sqlite stats: %w", err)
	}
	pos, err := b.Position(ctx)
	if err != nil {
		return nil, err
	}
	stats.Position = uint64(pos)
	return stats, nil
}

// Close implements physical.Backend.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
