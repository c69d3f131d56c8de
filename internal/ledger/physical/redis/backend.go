// Package redis provides a Redis-backed ledger record store. Several API
// processes may share one store; mutations use optimistic WATCH/MULTI
// transactions on the position, document and signature keys and re-check
// their preconditions inside the transaction.
package redis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-sign/internal/ledger/physical"
	"github.com/gezibash/arc-sign/internal/storage/redisclient"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/identity"
)

const maxTxRetries = 16

func init() {
	physical.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return redisclient.Defaults("arc-sign:ledger:")
}

// NewFactory creates a Redis record store from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	client, prefix, err := redisclient.Open(ctx, "redis", config)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, prefix), nil
}

// Backend is a Redis implementation of physical.Backend.
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient creates a backend with an existing client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "arc-sign:ledger:"
	}
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) docKey(id document.ID) string {
	return b.prefix + "doc:" + hex.EncodeToString(id[:])
}

func (b *Backend) sigKey(id document.ID) string {
	return b.prefix + "sig:" + hex.EncodeToString(id[:])
}

func (b *Backend) creatorKey(a identity.Address) string {
	return b.prefix + "creator:" + hex.EncodeToString(a[:])
}

func (b *Backend) eventsKey() string   { return b.prefix + "events" }
func (b *Backend) positionKey() string { return b.prefix + "position" }
func (b *Backend) countKey() string    { return b.prefix + "documents" }

func encodeSigners(signers []identity.Address) string {
	parts := make([]string, len(signers))
	for i, s := range signers {
		parts[i] = hex.EncodeToString(s[:])
	}
	return strings.Join(parts, ",")
}

func decodeSigners(s string) ([]identity.Address, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]identity.Address, 0, len(parts))
	for _, p := range parts {
		a, err := identity.ParseAddress("0x" + p)
		if err != nil {
			return nil, fmt.Errorf("corrupt signer %q", p)
		}
		out = append(out, a)
	}
	return out, nil
}

// GetDocument implements physical.Backend.
func (b *Backend) GetDocument(ctx context.Context, id document.ID) (*physical.DocumentRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	fields, err := b.client.HGetAll(ctx, b.docKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get document: %w", err)
	}
	if len(fields) == 0 {
		return nil, physical.ErrNotFound
	}

	rec := &physical.DocumentRecord{ID: id, Active: fields["active"] == "1"}
	if rec.Creator, err = identity.ParseAddress("0x" + fields["creator"]); err != nil {
		return nil, fmt.Errorf("redis get document: creator: %w", err)
	}
	if rec.CreatedAt, err = strconv.ParseInt(fields["created_at"], 10, 64); err != nil {
		return nil, fmt.Errorf("redis get document: created_at: %w", err)
	}
	if rec.Signers, err = decodeSigners(fields["signers"]); err != nil {
		return nil, fmt.Errorf("redis get document: %w", err)
	}
	return rec, nil
}

// GetSignature implements physical.Backend.
func (b *Backend) GetSignature(ctx context.Context, id document.ID, signer identity.Address) (*physical.SignatureRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	data, err := b.client.HGet(ctx, b.sigKey(id), hex.EncodeToString(signer[:])).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get signature: %w", err)
	}
	var rec physical.SignatureRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redis decode signature: %w", err)
	}
	return &rec, nil
}

// ListByCreator implements physical.Backend.
func (b *Backend) ListByCreator(ctx context.Context, creator identity.Address) ([]document.ID, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	vals, err := b.client.LRange(ctx, b.creatorKey(creator), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list by creator: %w", err)
	}
	ids := make([]document.ID, 0, len(vals))
	for _, v := range vals {
		id, err := document.ParseID(v)
		if err != nil {
			return nil, fmt.Errorf("redis list by creator: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Apply implements physical.Backend.
func (b *Backend) Apply(ctx context.Context, m *physical.Mutation) (document.Position, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	keys := []string{b.positionKey()}
	if m.Document != nil || m.RequireActive {
		keys = append(keys, b.docKey(m.Target()))
	}
	if m.Signature != nil {
		keys = append(keys, b.sigKey(m.Signature.ID))
	}

	var pos document.Position
	txf := func(tx *redis.Tx) error {
		if m.Create && m.Document != nil {
			n, err := tx.Exists(ctx, b.docKey(m.Document.ID)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return physical.ErrExists
			}
		}
		if m.RequireActive {
			active, err := tx.HGet(ctx, b.docKey(m.Target()), "active").Result()
			if errors.Is(err, redis.Nil) {
				return physical.ErrNotFound
			}
			if err != nil {
				return err
			}
			if active != "1" {
				return physical.ErrInactive
			}
		}
		if s := m.Signature; s != nil {
			data, err := tx.HGet(ctx, b.sigKey(s.ID), hex.EncodeToString(s.Signer[:])).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				var prev physical.SignatureRecord
				if err := json.Unmarshal(data, &prev); err != nil {
					return fmt.Errorf("decode signature: %w", err)
				}
				if prev.Signed {
					return physical.ErrAlreadySigned
				}
			}
		}

		last, err := tx.Get(ctx, b.positionKey()).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		pos = document.Position(last + 1)

		var event []byte
		if m.Event != nil {
			ev := *m.Event
			ev.Position = pos
			if event, err = json.Marshal(ev); err != nil {
				return err
			}
		}
		var sig []byte
		if m.Signature != nil {
			if sig, err = json.Marshal(m.Signature.Record); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, b.positionKey(), uint64(pos), 0)
			if d := m.Document; d != nil {
				active := "0"
				if d.Active {
					active = "1"
				}
				if m.Create {
					pipe.HSet(ctx, b.docKey(d.ID),
						"creator", hex.EncodeToString(d.Creator[:]),
						"created_at", strconv.FormatInt(d.CreatedAt, 10),
						"signers", encodeSigners(d.Signers),
						"active", active,
					)
					pipe.Incr(ctx, b.countKey())
				} else {
					pipe.HSet(ctx, b.docKey(d.ID), "active", active)
				}
				if m.IndexCreator {
					pipe.RPush(ctx, b.creatorKey(d.Creator), d.ID.Hex())
				}
			}
			if s := m.Signature; s != nil {
				pipe.HSet(ctx, b.sigKey(s.ID), hex.EncodeToString(s.Signer[:]), sig)
			}
			if event != nil {
				pipe.ZAdd(ctx, b.eventsKey(), redis.Z{Score: float64(pos), Member: event})
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := b.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, physical.ErrExists), errors.Is(err, physical.ErrNotFound),
				errors.Is(err, physical.ErrInactive), errors.Is(err, physical.ErrAlreadySigned):
				return 0, err
			}
			return 0, fmt.Errorf("redis apply: %w", err)
		}
		return pos, nil
	}
	return 0, fmt.Errorf("redis apply: too much contention after %d attempts", maxTxRetries)
}

// Events implements physical.Backend.
func (b *Backend) Events(ctx context.Context, after document.Position, limit int) ([]document.Event, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	opt := &redis.ZRangeBy{Min: "(" + strconv.FormatUint(uint64(after), 10), Max: "+inf"}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	vals, err := b.client.ZRangeByScore(ctx, b.eventsKey(), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("redis events: %w", err)
	}
	events := make([]document.Event, 0, len(vals))
	for _, v := range vals {
		var ev document.Event
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			return nil, fmt.Errorf("redis decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Position implements physical.Backend.
func (b *Backend) Position(ctx context.Context) (document.Position, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}
	n, err := b.client.Get(ctx, b.positionKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis position: %w", err)
	}
	return document.Position(n), nil
}

// Stats implements physical.Backend.
func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	docs, err := b.client.Get(ctx, b.countKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	pos, err := b.Position(ctx)
	if err != nil {
		return nil, err
	}
	return &physical.Stats{Documents: docs, Position: uint64(pos), BackendType: "redis"}, nil
}

// Close implements physical.Backend.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
