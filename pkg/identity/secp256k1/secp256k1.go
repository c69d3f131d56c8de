// Package secp256k1 provides an identity.Signer backed by a secp256k1 key and
// EIP-191 personal-message signatures.
package secp256k1

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gezibash/arc-sign/pkg/identity"
)

// SignatureLength is the size of a recoverable signature (r || s || v).
const SignatureLength = 65

// Keypair implements identity.Signer for secp256k1.
type Keypair struct {
	private *ecdsa.PrivateKey
}

// Generate creates a new random keypair.
func Generate() (*Keypair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Keypair{private: priv}, nil
}

// FromHex loads a keypair from a hex-encoded 32-byte private key, with or
// without a 0x prefix.
func FromHex(s string) (*Keypair, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	priv, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, errors.New("invalid private key")
	}
	return &Keypair{private: priv}, nil
}

// Address returns the account address of the key.
func (k *Keypair) Address() identity.Address {
	return identity.AddressFromPublicKey(&k.private.PublicKey)
}

// PrivateKey exposes the key for transaction signing.
func (k *Keypair) PrivateKey() *ecdsa.PrivateKey {
	return k.private
}

// Hex returns the private key as lowercase hex without prefix.
func (k *Keypair) Hex() string {
	return hex.EncodeToString(crypto.FromECDSA(k.private))
}

// SignText signs message with the EIP-191 personal-message prefix. The
// recovery byte is 27 or 28, as wallets produce it.
func (k *Keypair) SignText(message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), k.private)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// RecoverText returns the address that produced sig over message. Both the
// 0/1 and 27/28 recovery byte conventions are accepted.
func RecoverText(message, sig []byte) (identity.Address, error) {
	if len(sig) != SignatureLength {
		return identity.Address{}, identity.ErrInvalidSignature
	}
	cp := make([]byte, SignatureLength)
	copy(cp, sig)
	if cp[64] >= 27 {
		cp[64] -= 27
	}
	if cp[64] > 1 {
		return identity.Address{}, identity.ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), cp)
	if err != nil {
		return identity.Address{}, identity.ErrInvalidSignature
	}
	return identity.AddressFromPublicKey(pub), nil
}

// DecodeSignature parses a 0x-prefixed hex signature.
func DecodeSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != SignatureLength {
		return nil, identity.ErrInvalidSignature
	}
	return raw, nil
}

// Provider returns an identity.Provider that loads from a hex key.
type Provider struct {
	Key string
}

// Load implements identity.Provider.
func (p Provider) Load(_ context.Context) (identity.Signer, error) {
	if p.Key == "" {
		return Generate()
	}
	return FromHex(p.Key)
}
