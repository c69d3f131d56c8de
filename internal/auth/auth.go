// Package auth issues and validates bearer tokens that assert a signer
// address. Tokens are HS256 JWTs whose subject is the address; they are
// obtained either from the challenge login or from the operator CLI.
package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gezibash/arc-sign/internal/ephemeral"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
)

const (
	DefaultIssuer   = "arc-sign"
	DefaultTokenTTL = time.Hour
	DefaultNonceTTL = 5 * time.Minute

	// MinSecretLength is the shortest HMAC secret accepted.
	MinSecretLength = 32
)

// ErrWeakSecret is returned by New for a missing or short secret.
var ErrWeakSecret = stderrors.New("auth: jwt secret must be at least 32 bytes")

// Config configures token issuance.
type Config struct {
	Secret   []byte
	Issuer   string
	TokenTTL time.Duration
	NonceTTL time.Duration
}

// Claims are the JWT claims of a bearer token.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator issues and validates tokens and runs the challenge login.
type Authenticator struct {
	cfg   Config
	store ephemeral.Store
	now   func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// New creates an Authenticator. store holds login nonces and may be nil
// when only token validation is needed.
func New(cfg Config, store ephemeral.Store, opts ...Option) (*Authenticator, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = DefaultNonceTTL
	}
	a := &Authenticator{cfg: cfg, store: store, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Issue signs a token for addr.
func (a *Authenticator) Issue(addr identity.Address) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.cfg.TokenTTL)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   addr.Hex(),
		Issuer:    a.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Validate checks a token and returns the address it asserts.
func (a *Authenticator) Validate(token string) (identity.Address, error) {
	const op = "auth.validate"
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return a.cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid {
		return identity.Address{}, &errors.Error{
			Kind: errors.KindUnauthorized, Reason: errors.ReasonInvalidCredential, Op: op,
			Message: "invalid or expired token", Err: err,
		}
	}
	addr, err := identity.ParseAddress(claims.Subject)
	if err != nil {
		return identity.Address{}, errors.New(errors.KindUnauthorized, errors.ReasonInvalidCredential, op, "token subject is not an address")
	}
	return addr, nil
}

type contextKey struct{}

// WithCaller attaches the authenticated address to ctx.
func WithCaller(ctx context.Context, addr identity.Address) context.Context {
	return context.WithValue(ctx, contextKey{}, addr)
}

// CallerFrom returns the authenticated address, if any.
func CallerFrom(ctx context.Context) (identity.Address, bool) {
	addr, ok := ctx.Value(contextKey{}).(identity.Address)
	return addr, ok
}
