// Package physical provides the record store interface underneath the local
// signature ledger.
//
// A record store persists documents, per-signer signatures, the per-creator
// index and the append-ordered event log. It knows nothing about the
// signing rules; the ledger checks those and hands the store a Mutation to
// apply atomically.
package physical

import (
	"context"
	"errors"

	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/identity"
)

var (
	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrExists indicates a create mutation hit an existing document.
	ErrExists = errors.New("record already exists")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")

	// ErrInactive indicates a RequireActive mutation found the document
	// revoked.
	ErrInactive = errors.New("document inactive")

	// ErrAlreadySigned indicates a signature write found the signer's
	// signature already recorded.
	ErrAlreadySigned = errors.New("signature already recorded")
)

// DocumentRecord is the persisted form of a document. Times are Unix
// nanoseconds.
type DocumentRecord struct {
	ID        document.ID        `json:"id"`
	Creator   identity.Address   `json:"creator"`
	Signers   []identity.Address `json:"signers"`
	CreatedAt int64              `json:"created_at"`
	Active    bool               `json:"active"`
}

// SignatureRecord is the persisted state of one (document, signer) pair.
// An absent record is equivalent to the zero value.
type SignatureRecord struct {
	Signed      bool   `json:"signed"`
	SignedAt    int64  `json:"signed_at"`
	MetadataRef string `json:"metadata_ref,omitempty"`
}

// SignatureWrite stores rec for (ID, Signer).
type SignatureWrite struct {
	ID     document.ID
	Signer identity.Address
	Record SignatureRecord
}

// Mutation is one atomic ledger transition. The backend assigns the next
// position, stamps it onto Event, and writes every non-nil part or none.
//
// Preconditions are re-checked inside the backend's transaction so that
// several ledgers sharing one store cannot both apply conflicting
// transitions.
type Mutation struct {
	// Create requires that Document does not exist yet.
	Create bool
	// RequireActive requires the target document to exist and be active
	// (ErrNotFound, ErrInactive otherwise).
	RequireActive bool
	// Document replaces the stored document record.
	Document *DocumentRecord
	// Signature stores a signature record. A signed record is never
	// overwritten: the write fails with ErrAlreadySigned.
	Signature *SignatureWrite
	// IndexCreator appends Document.ID to Document.Creator's index.
	IndexCreator bool
	// Event is appended to the event log.
	Event *document.Event
}

// Target returns the id of the document m mutates.
func (m *Mutation) Target() document.ID {
	if m.Document != nil {
		return m.Document.ID
	}
	if m.Signature != nil {
		return m.Signature.ID
	}
	return document.ID{}
}

// Stats contains storage statistics.
type Stats struct {
	Documents   int64
	Position    uint64
	BackendType string
}

// Backend is the physical record store. All implementations must be
// thread-safe.
type Backend interface {
	GetDocument(ctx context.Context, id document.ID) (*DocumentRecord, error)
	// GetSignature returns ErrNotFound when no record was ever written.
	GetSignature(ctx context.Context, id document.ID, signer identity.Address) (*SignatureRecord, error)
	ListByCreator(ctx context.Context, creator identity.Address) ([]document.ID, error)
	// Apply commits m and returns the position it was assigned.
	Apply(ctx context.Context, m *Mutation) (document.Position, error)
	// Events returns up to limit events with a position greater than after,
	// in position order.
	Events(ctx context.Context, after document.Position, limit int) ([]document.Event, error)
	Position(ctx context.Context) (document.Position, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
