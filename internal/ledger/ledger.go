// Package ledger defines the signature ledger: the authoritative,
// append-ordered record of documents and per-signer signature state.
//
// Two implementations exist. The local ledger enforces the signing rules in
// process over a physical record store; the ethereum ledger forwards every
// operation to the deployed SignatureLedger contract, which enforces the same
// rules on chain. Both report rule violations as *errors.Error values with a
// Kind and Reason.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/internal/storage"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
)

// Receipt describes an accepted mutation.
type Receipt struct {
	Position document.Position `json:"position"`
	// TxRef is the transaction hash for on-chain ledgers, empty otherwise.
	TxRef string    `json:"txRef,omitempty"`
	Cost  uint64    `json:"cost"`
	At    time.Time `json:"at"`
}

// MutateOptions carries per-call limits for mutating operations.
type MutateOptions struct {
	// CostCeiling rejects the call when its projected cost is higher. Zero
	// means no ceiling.
	CostCeiling uint64
}

// Op names a mutating ledger operation.
type Op string

const (
	OpCreate Op = "create"
	OpSign   Op = "sign"
	OpRevoke Op = "revoke"
)

// Call describes a mutation for cost estimation.
type Call struct {
	Op          Op
	ID          document.ID
	Signers     []identity.Address
	MetadataRef string
}

// Handler receives ledger events.
type Handler func(document.Event)

// Subscription is a live event stream.
type Subscription interface {
	// Err yields at most one error if the stream fails. It is closed by
	// Unsubscribe, and closed without an error when the ledger itself ends
	// the stream (for example on Close).
	Err() <-chan error
	Unsubscribe()
}

// Ledger is the signature ledger surface.
type Ledger interface {
	CreateDocument(ctx context.Context, caller identity.Address, id document.ID, signers []identity.Address, opts MutateOptions) (*Receipt, error)
	SignDocument(ctx context.Context, caller identity.Address, id document.ID, metadataRef string, opts MutateOptions) (*Receipt, error)
	RevokeDocument(ctx context.Context, caller identity.Address, id document.ID, opts MutateOptions) (*Receipt, error)

	GetDocument(ctx context.Context, id document.ID) (*document.Document, error)
	IsFullySigned(ctx context.Context, id document.ID) (bool, error)
	// GetSignature returns the zero signature with Required=false for an
	// address that is not a declared signer.
	GetSignature(ctx context.Context, id document.ID, signer identity.Address) (*document.Signature, error)
	GetDocumentSigners(ctx context.Context, id document.ID) ([]identity.Address, error)
	GetUserDocuments(ctx context.Context, creator identity.Address) ([]document.ID, error)
	// VerifyDocumentSignature never fails for a missing document; it
	// returns a Verification with Found=false instead.
	VerifyDocumentSignature(ctx context.Context, id document.ID, signer identity.Address) (*document.Verification, error)

	EstimateCost(ctx context.Context, caller identity.Address, call Call) (uint64, error)
	// Subscribe delivers every future event to h in ledger order.
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
	Close() error
}

// Config selects and configures a ledger backend.
type Config struct {
	// Backend is "local" or "ethereum".
	Backend string
	Config  map[string]string
	// Store and StoreConfig select the record store of the local ledger.
	Store       string
	StoreConfig map[string]string
}

// Factory opens a ledger backend.
type Factory func(ctx context.Context, cfg Config, metrics *observability.Metrics) (Ledger, error)

var registry = storage.NewRegistry[Factory]("ledger backend")

// Register makes a ledger backend available to Open.
// Panics if a backend with the same name is already registered.
func Register(name string, f Factory) {
	registry.Register(name, f, nil)
}

// Backends returns the registered backend names.
func Backends() []string {
	return registry.Names()
}

// Open opens the ledger backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config, metrics *observability.Metrics) (Ledger, error) {
	f, _, err := registry.Lookup(cfg.Backend, nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidInput, "ledger.open", err)
	}
	l, err := f(ctx, cfg, metrics)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "ledger opened", "backend", cfg.Backend)
	return l, nil
}
