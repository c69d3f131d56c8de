// Package coordinator sequences the reads and the single ledger mutation
// behind each user-visible action: creating a document, signing it,
// revoking it and verifying its signatures.
//
// The ledger is the only authority. The coordinator checks preconditions
// up front so that rejections carry a reason without paying for a failed
// mutation, and it treats the metadata store as unreliable: a metadata
// failure never blocks a ledger write.
package coordinator

import (
	"context"
	"time"

	"github.com/gezibash/arc-sign/internal/ledger"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/identity"
	"github.com/gezibash/arc-sign/pkg/logging"
	"github.com/gezibash/arc-sign/pkg/reference"
)

const (
	DefaultMaxSigners      = 32
	DefaultMetadataTimeout = 5 * time.Second
	DefaultVerifyParallel  = 8
)

// Ledger is the subset of *ledgerclient.Client the coordinator drives.
type Ledger interface {
	CreateDocument(ctx context.Context, caller identity.Address, id document.ID, signers []identity.Address, opts ledger.MutateOptions) (*ledger.Receipt, error)
	SignDocument(ctx context.Context, caller identity.Address, id document.ID, metadataRef string, opts ledger.MutateOptions) (*ledger.Receipt, error)
	RevokeDocument(ctx context.Context, caller identity.Address, id document.ID, opts ledger.MutateOptions) (*ledger.Receipt, error)
	GetDocument(ctx context.Context, id document.ID) (*document.Document, error)
	IsFullySigned(ctx context.Context, id document.ID) (bool, error)
	GetSignature(ctx context.Context, id document.ID, signer identity.Address) (*document.Signature, error)
	GetDocumentSigners(ctx context.Context, id document.ID) ([]identity.Address, error)
	GetUserDocuments(ctx context.Context, creator identity.Address) ([]document.ID, error)
	VerifyDocumentSignature(ctx context.Context, id document.ID, signer identity.Address) (*document.Verification, error)
	GetSigningProgress(ctx context.Context, id document.ID) (*document.Progress, error)
	EstimateCreate(ctx context.Context, caller identity.Address, id document.ID, signers []identity.Address) (uint64, error)
	EstimateSign(ctx context.Context, caller identity.Address, id document.ID, metadataRef string) (uint64, error)
}

// Metadata is the off-ledger store. *metadata.Store satisfies it.
type Metadata interface {
	PutJSON(ctx context.Context, v any) (reference.Reference, error)
	Get(ctx context.Context, r reference.Reference) ([]byte, error)
}

// Config bounds the coordinator's work.
type Config struct {
	// MaxSigners caps the signer list of a new document.
	MaxSigners int
	// MetadataTimeout bounds each metadata store call.
	MetadataTimeout time.Duration
	// CostCeiling is passed to every mutation. Zero disables it.
	CostCeiling uint64
	// VerifyParallel bounds concurrent per-signer verification reads.
	VerifyParallel int
}

func (c *Config) applyDefaults() {
	if c.MaxSigners <= 0 {
		c.MaxSigners = DefaultMaxSigners
	}
	if c.MetadataTimeout <= 0 {
		c.MetadataTimeout = DefaultMetadataTimeout
	}
	if c.VerifyParallel <= 0 {
		c.VerifyParallel = DefaultVerifyParallel
	}
}

// Coordinator runs the document lifecycle flows.
type Coordinator struct {
	ledger  Ledger
	meta    Metadata
	cfg     Config
	metrics *observability.Metrics
	log     *logging.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New creates a coordinator. meta may be nil, in which case metadata is
// never stored and signatures carry an empty reference.
func New(l Ledger, meta Metadata, cfg Config, opts ...Option) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{ledger: l, meta: meta, cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logging.New(nil)
	}
	c.log = c.log.WithComponent("coordinator")
	return c
}

func (c *Coordinator) mutateOptions() ledger.MutateOptions {
	return ledger.MutateOptions{CostCeiling: c.cfg.CostCeiling}
}

// putMetadata stores v with the configured timeout. Failures are counted
// and logged; the caller decides what they mean.
func (c *Coordinator) putMetadata(ctx context.Context, kind string, v any) (string, error) {
	if c.meta == nil {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.MetadataTimeout)
	defer cancel()

	ref, err := c.meta.PutJSON(ctx, v)
	if err != nil {
		if c.metrics != nil {
			c.metrics.MetadataFailures.WithLabelValues(kind).Inc()
		}
		c.log.WithError(err).WarnContext(ctx, "metadata upload failed", "kind", kind)
		return "", err
	}
	return reference.Hex(ref), nil
}
