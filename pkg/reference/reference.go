// Package reference provides content addresses for off-ledger metadata.
package reference

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Size is the length of a reference in bytes.
const Size = sha256.Size

// ErrInvalid indicates a malformed hex reference.
var ErrInvalid = errors.New("invalid reference")

// Reference is the sha256 digest of a metadata payload.
type Reference [Size]byte

// Compute returns the reference of data.
func Compute(data []byte) Reference {
	return Reference(sha256.Sum256(data))
}

// Hex renders r as lowercase hex without prefix.
func Hex(r Reference) string {
	return hex.EncodeToString(r[:])
}

// FromHex parses a 64-character hex reference.
func FromHex(s string) (Reference, error) {
	var r Reference
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != Size {
		return r, ErrInvalid
	}
	copy(r[:], raw)
	return r, nil
}

// Equal reports whether a and b are the same reference.
func Equal(a, b Reference) bool {
	return a == b
}

// IsZero reports whether r is unset.
func (r Reference) IsZero() bool {
	return r == Reference{}
}

func (r Reference) String() string {
	return Hex(r)
}
