// Package document defines the records held by the signature ledger and the
// values derived from them.
package document

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/gezibash/arc-sign/pkg/identity"
)

// IDLength is the size of a document identifier in bytes.
const IDLength = 32

// ErrInvalidID indicates a malformed document identifier.
var ErrInvalidID = errors.New("invalid document id")

// ID names a document by the keccak256 digest of its bytes.
type ID [IDLength]byte

// Compute returns the identifier of content.
func Compute(content []byte) ID {
	var id ID
	h := sha3.NewLegacyKeccak256()
	h.Write(content)
	copy(id[:], h.Sum(nil))
	return id
}

// ParseID parses 64 hex characters with an optional 0x prefix. The zero
// identifier is rejected.
func ParseID(s string) (ID, error) {
	var id ID
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 2*IDLength {
		return id, ErrInvalidID
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, ErrInvalidID
	}
	copy(id[:], raw)
	if id.IsZero() {
		return id, ErrInvalidID
	}
	return id, nil
}

// IsZero reports whether id is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Hex renders id as 0x-prefixed lowercase hex.
func (id ID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id ID) String() string {
	return id.Hex()
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Document is the ledger record for one document.
type Document struct {
	ID        ID                 `json:"documentId"`
	Creator   identity.Address   `json:"creator"`
	Signers   []identity.Address `json:"signers"`
	CreatedAt time.Time          `json:"createdAt"`
	Active    bool               `json:"active"`
}

// Signature is the per-signer state of a document. Required is false for an
// address that was never declared as a signer; such a signature is always
// the zero value otherwise.
type Signature struct {
	Signer      identity.Address `json:"signer"`
	Required    bool             `json:"required"`
	Signed      bool             `json:"signed"`
	SignedAt    time.Time        `json:"signedAt,omitzero"`
	MetadataRef string           `json:"metadataRef"`
}

// Verification is the result of checking one signer of one document.
// Found is false when the document does not exist, in which case every
// other field is zero.
type Verification struct {
	Found    bool      `json:"found"`
	Valid    bool      `json:"valid"`
	SignedAt time.Time `json:"signedAt,omitzero"`
	Active   bool      `json:"active"`
}

// Progress summarises how far a document is from completion.
type Progress struct {
	SignedCount     int         `json:"signedCount"`
	Total           int         `json:"total"`
	PercentComplete int         `json:"percentComplete"`
	Signers         []Signature `json:"signers"`
}

// NewProgress builds a Progress from per-signer state in signer order.
func NewProgress(sigs []Signature) Progress {
	p := Progress{Total: len(sigs), Signers: sigs}
	for _, s := range sigs {
		if s.Signed {
			p.SignedCount++
		}
	}
	p.PercentComplete = Percent(p.SignedCount, p.Total)
	return p
}

// Completed reports whether every declared signer has signed. A document
// always has at least one signer, so an empty Progress is not complete.
func (p Progress) Completed() bool {
	return p.Total > 0 && p.SignedCount == p.Total
}

// Percent returns round(100*part/total) with halves rounded up, or 0 when
// total is zero.
func Percent(part, total int) int {
	if total <= 0 {
		return 0
	}
	return (200*part + total) / (2 * total)
}

// Position orders ledger mutations. It increases by one with every accepted
// mutation.
type Position uint64

// EventKind names a ledger notification.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventSigned  EventKind = "signed"
	EventRevoked EventKind = "revoked"
)

// Event is a ledger notification.
type Event struct {
	Kind       EventKind        `json:"kind"`
	DocumentID ID               `json:"documentId"`
	Actor      identity.Address `json:"actor"`
	Position   Position         `json:"position"`
	TxRef      string           `json:"txRef,omitempty"`
	At         time.Time        `json:"at"`
}
