package auth

import (
	"net/http"
	"strings"

	"github.com/gezibash/arc-sign/pkg/errors"
)

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// BearerToken extracts the token from an Authorization header.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Require rejects requests without a valid bearer token and puts the
// caller address in the request context otherwise.
func (a *Authenticator) Require(fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				fail(w, r, errors.New(errors.KindUnauthorized, errors.ReasonMissingCredential, "auth.require", "missing Authorization header"))
				return
			}
			token, ok := BearerToken(header)
			if !ok {
				fail(w, r, errors.New(errors.KindUnauthorized, errors.ReasonInvalidCredential, "auth.require", "expected 'Bearer <token>'"))
				return
			}
			addr, err := a.Validate(token)
			if err != nil {
				fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
		})
	}
}

// Optional attaches the caller when a valid token is present and passes
// every request through.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := BearerToken(r.Header.Get("Authorization")); ok {
			if addr, err := a.Validate(token); err == nil {
				r = r.WithContext(WithCaller(r.Context(), addr))
			}
		}
		next.ServeHTTP(w, r)
	})
}
