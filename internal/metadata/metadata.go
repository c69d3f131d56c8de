// Package metadata is the off-ledger, content-addressed store for signature
// metadata and document descriptors. Objects are addressed by the sha256 of
// their bytes and verified on every read.
package metadata

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-sign/internal/metadata/physical"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/reference"
)

// DefaultMaxObjectBytes bounds a single stored object.
const DefaultMaxObjectBytes = 1 << 20

// ErrIntegrityMismatch indicates stored bytes don't match their reference.
var ErrIntegrityMismatch = stderrors.New("metadata integrity mismatch")

// Config selects and configures a backend.
type Config struct {
	Backend        string
	Config         map[string]string
	MaxObjectBytes int
}

// Store provides content-addressed metadata storage over a physical
// backend.
type Store struct {
	backend  physical.Backend
	metrics  *observability.Metrics
	maxBytes int
}

// Open creates the configured backend and wraps it in a Store.
func Open(ctx context.Context, cfg Config, metrics *observability.Metrics) (*Store, error) {
	be, err := physical.New(ctx, cfg.Backend, cfg.Config, metrics)
	if err != nil {
		return nil, err
	}
	s := New(be, metrics)
	if cfg.MaxObjectBytes > 0 {
		s.maxBytes = cfg.MaxObjectBytes
	}
	return s, nil
}

// New creates a Store over backend.
func New(backend physical.Backend, metrics *observability.Metrics) *Store {
	return &Store{backend: backend, metrics: metrics, maxBytes: DefaultMaxObjectBytes}
}

// backendErr classifies a backend failure. The store is remote for most
// backends, so anything unrecognised counts as unavailability.
func backendErr(op string, err error) error {
	switch {
	case stderrors.Is(err, physical.ErrNotFound):
		return errors.Wrap(errors.KindNotFound, op, err)
	case stderrors.Is(err, physical.ErrClosed):
		return errors.Wrap(errors.KindInternal, op, err)
	default:
		return errors.Wrap(errors.KindUpstreamUnavailable, op, err)
	}
}

// Put stores data and returns its reference.
func (s *Store) Put(ctx context.Context, data []byte) (r reference.Reference, err error) {
	const opName = "metadata.put"
	op, ctx := observability.StartOperation(ctx, s.metrics, opName, attribute.Int("size_bytes", len(data)))
	defer func() { op.End(err) }()

	if len(data) > s.maxBytes {
		return reference.Reference{}, errors.Newf(errors.KindInvalidInput, opName,
			"object of %d bytes exceeds limit of %d", len(data), s.maxBytes)
	}

	r = reference.Compute(data)
	if err := s.backend.Put(ctx, r, data); err != nil {
		return reference.Reference{}, backendErr(opName, err)
	}
	if s.metrics != nil {
		s.metrics.BytesProcessed.WithLabelValues("metadata_in").Add(float64(len(data)))
	}
	slog.DebugContext(ctx, "metadata stored", "ref", reference.Hex(r), "size_bytes", len(data))
	return r, nil
}

// PutJSON marshals v and stores it.
func (s *Store) PutJSON(ctx context.Context, v any) (reference.Reference, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return reference.Reference{}, errors.Wrap(errors.KindInvalidInput, "metadata.put", fmt.Errorf("encode metadata: %w", err))
	}
	return s.Put(ctx, data)
}

// Get retrieves data by reference and verifies it.
func (s *Store) Get(ctx context.Context, r reference.Reference) (data []byte, err error) {
	const opName = "metadata.get"
	op, ctx := observability.StartOperation(ctx, s.metrics, opName, attribute.String("ref", reference.Hex(r)))
	defer func() { op.End(err) }()

	data, err = s.backend.Get(ctx, r)
	if err != nil {
		return nil, backendErr(opName, err)
	}
	if computed := reference.Compute(data); !reference.Equal(computed, r) {
		return nil, errors.Wrap(errors.KindInternal, opName,
			fmt.Errorf("%w: expected %s, got %s", ErrIntegrityMismatch, reference.Hex(r), reference.Hex(computed)))
	}
	if s.metrics != nil {
		s.metrics.BytesProcessed.WithLabelValues("metadata_out").Add(float64(len(data)))
	}
	return data, nil
}

// Exists reports whether r is stored.
func (s *Store) Exists(ctx context.Context, r reference.Reference) (ok bool, err error) {
	const opName = "metadata.exists"
	op, ctx := observability.StartOperation(ctx, s.metrics, opName)
	defer func() { op.End(err) }()

	ok, err = s.backend.Exists(ctx, r)
	if err != nil {
		return false, backendErr(opName, err)
	}
	return ok, nil
}

// Stats returns backend statistics.
func (s *Store) Stats(ctx context.Context) (*physical.Stats, error) {
	st, err := s.backend.Stats(ctx)
	if err != nil {
		return nil, backendErr("metadata.stats", err)
	}
	return st, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	slog.Info("closing metadata store")
	return s.backend.Close()
}
