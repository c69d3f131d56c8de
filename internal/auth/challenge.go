package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
	"github.com/gezibash/arc-sign/pkg/identity/secp256k1"
)

const noncePrefix = "nonce:"

// Challenge is a one-time login message for an address.
type Challenge struct {
	Address   identity.Address `json:"address"`
	Nonce     string           `json:"nonce"`
	Message   string           `json:"message"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// ChallengeMessage is the text a wallet signs to log in.
func ChallengeMessage(issuer string, addr identity.Address, nonce string) string {
	return fmt.Sprintf("%s login\naddress: %s\nnonce: %s", issuer, addr.Hex(), nonce)
}

// Token is an issued bearer token.
type Token struct {
	Token     string           `json:"token"`
	Address   identity.Address `json:"address"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// Challenge issues a nonce for addr. Pending challenges are keyed by their
// nonce, so any number may be outstanding for one address and requesting a
// new one never invalidates another.
func (a *Authenticator) Challenge(ctx context.Context, addr identity.Address) (*Challenge, error) {
	const op = "auth.challenge"
	if a.store == nil {
		return nil, errors.New(errors.KindInternal, errors.ReasonNone, op, "challenge login is not configured")
	}
	nonce := uuid.NewString()
	ok, err := a.store.SetNX(ctx, noncePrefix+nonce, addr.Hex(), a.cfg.NonceTTL)
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, op, err)
	}
	if !ok {
		return nil, errors.New(errors.KindInternal, errors.ReasonNone, op, "nonce collision")
	}
	return &Challenge{
		Address:   addr,
		Nonce:     nonce,
		Message:   ChallengeMessage(a.cfg.Issuer, addr, nonce),
		ExpiresAt: a.now().Add(a.cfg.NonceTTL),
	}, nil
}

// Login consumes nonce and, if it was issued for addr and sig is addr's
// EIP-191 signature over the challenge message, issues a token. The nonce
// is consumed whether or not the signature checks out.
func (a *Authenticator) Login(ctx context.Context, addr identity.Address, nonce string, sig []byte) (*Token, error) {
	const op = "auth.login"
	if a.store == nil {
		return nil, errors.New(errors.KindInternal, errors.ReasonNone, op, "challenge login is not configured")
	}
	if nonce == "" {
		return nil, errors.New(errors.KindUnauthorized, errors.ReasonMissingCredential, op, "nonce is required")
	}
	owner, ok, err := a.store.Take(ctx, noncePrefix+nonce)
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, op, err)
	}
	if !ok {
		return nil, errors.New(errors.KindUnauthorized, errors.ReasonMissingCredential, op, "no pending challenge for this nonce")
	}
	if owner != addr.Hex() {
		return nil, errors.New(errors.KindUnauthorized, errors.ReasonInvalidCredential, op, "challenge was issued for another address")
	}

	signer, err := secp256k1.RecoverText([]byte(ChallengeMessage(a.cfg.Issuer, addr, nonce)), sig)
	if err != nil || signer != addr {
		return nil, errors.New(errors.KindUnauthorized, errors.ReasonInvalidCredential, op, "signature does not match address")
	}

	token, exp, err := a.Issue(addr)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, op, err)
	}
	return &Token{Token: token, Address: addr, ExpiresAt: exp}, nil
}
