// Package errors provides the typed error taxonomy shared by the ledger,
// the ledger client, the lifecycle coordinator and the HTTP surface.
//
// Every failure that crosses a component boundary is an *Error carrying a
// Kind. Callers branch on Kind (and, where it matters, Reason) rather than on
// message text.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindUnauthorized        Kind = "unauthorized"
	KindInvalidInput        Kind = "invalid_input"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

// Reason refines a Kind for the signing lifecycle.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNotAuthorized       Reason = "not-authorized"
	ReasonAlreadySigned       Reason = "already-signed"
	ReasonDocumentMissing     Reason = "document-missing"
	ReasonDocumentInactive    Reason = "document-inactive"
	ReasonDocumentExists      Reason = "document-exists"
	ReasonNotCreator          Reason = "not-creator"
	ReasonEmptySigners        Reason = "empty-signers"
	ReasonCostCeilingExceeded Reason = "cost-ceiling-exceeded"
	ReasonMissingCredential   Reason = "missing-credential"
	ReasonInvalidCredential   Reason = "invalid-credential"
	ReasonRateLimited         Reason = "rate-limited"
)

// Sentinels usable with errors.Is to test for a Kind.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrInternal            = &Error{Kind: KindInternal}
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Reason  Reason
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Reason != ReasonNone {
		msg = string(e.Reason)
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind. A target with a
// Reason must match the Reason as well.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == ReasonNone || t.Reason == e.Reason
}

// New creates an Error of the given kind.
func New(kind Kind, reason Reason, op, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Op: op, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. An err that is already an *Error keeps its
// classification and only gains the operation name when it had none.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		if e.Op == "" {
			cp := *e
			cp.Op = op
			return &cp
		}
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Rejected builds the error for a lifecycle rejection with a reason.
func Rejected(reason Reason, op string) *Error {
	return &Error{Kind: kindForReason(reason), Reason: reason, Op: op}
}

func kindForReason(r Reason) Kind {
	switch r {
	case ReasonNotAuthorized, ReasonNotCreator, ReasonMissingCredential, ReasonInvalidCredential:
		return KindUnauthorized
	case ReasonAlreadySigned, ReasonDocumentInactive, ReasonDocumentExists:
		return KindConflict
	case ReasonDocumentMissing:
		return KindNotFound
	case ReasonEmptySigners, ReasonCostCeilingExceeded:
		return KindInvalidInput
	case ReasonRateLimited:
		return KindUpstreamUnavailable
	default:
		return KindInternal
	}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the Reason of err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}

// Retryable reports whether the caller may retry the operation.
// Only upstream unavailability qualifies.
func Retryable(err error) bool {
	return KindOf(err) == KindUpstreamUnavailable
}

// Is, As and Join re-export the standard library helpers so importers of this
// package do not need a second errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
