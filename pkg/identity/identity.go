// Package identity provides account identities: 20-byte addresses derived
// from secp256k1 public keys, and the signer abstraction used to prove them.
package identity

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

// AddressLength is the size of an address in bytes.
const AddressLength = 20

var (
	// ErrInvalidAddress indicates a malformed address string.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidSignature indicates a malformed or unrecoverable signature.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Address is an account identity. Comparison is byte-wise, so two renderings
// that differ only in letter case are the same address.
type Address [AddressLength]byte

// ParseAddress parses "0x" followed by 40 hex characters in any case.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	if len(s) != 2+2*AddressLength || (s[:2] != "0x" && s[:2] != "0X") {
		return a, ErrInvalidAddress
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return a, ErrInvalidAddress
	}
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Hex returns the EIP-55 checksummed form.
func (a Address) Hex() string {
	lower := hex.EncodeToString(a[:])
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := make([]byte, 2+len(lower))
	out[0], out[1] = '0', 'x'
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' {
			nibble := digest[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c -= 'a' - 'A'
			}
		}
		out[2+i] = c
	}
	return string(out)
}

func (a Address) String() string {
	return a.Hex()
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AddressFromPublicKey derives the address of an uncompressed secp256k1
// public key: the last 20 bytes of keccak256(X || Y).
func AddressFromPublicKey(pub *ecdsa.PublicKey) Address {
	var a Address
	if pub == nil || pub.X == nil || pub.Y == nil {
		return a
	}
	var raw [64]byte
	pub.X.FillBytes(raw[:32])
	pub.Y.FillBytes(raw[32:])
	h := sha3.NewLegacyKeccak256()
	h.Write(raw[:])
	copy(a[:], h.Sum(nil)[12:])
	return a
}

// ParseAddresses parses every element of in, failing on the first bad entry.
func ParseAddresses(in []string) ([]Address, error) {
	out := make([]Address, 0, len(in))
	for _, s := range in {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Signer proves control of an address.
type Signer interface {
	Address() Address
	SignText(message []byte) ([]byte, error)
}

// Provider loads or generates a signer.
type Provider interface {
	Load(ctx context.Context) (Signer, error)
}

// ProviderFunc adapts a function to a Provider.
type ProviderFunc func(ctx context.Context) (Signer, error)

// Load implements Provider.
func (f ProviderFunc) Load(ctx context.Context) (Signer, error) {
	return f(ctx)
}
