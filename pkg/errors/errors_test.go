package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := Rejected(ReasonAlreadySigned, "sign")
	if !Is(err, ErrConflict) {
		t.Fatalf("Is(%v, ErrConflict) = false, want true", err)
	}
	if Is(err, ErrNotFound) {
		t.Fatalf("Is(%v, ErrNotFound) = true, want false", err)
	}
	if !Is(err, &Error{Kind: KindConflict, Reason: ReasonAlreadySigned}) {
		t.Fatal("reason-qualified target should match")
	}
	if Is(err, &Error{Kind: KindConflict, Reason: ReasonDocumentInactive}) {
		t.Fatal("different reason should not match")
	}
}

func TestIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", Rejected(ReasonNotAuthorized, "sign"))
	if !Is(err, ErrUnauthorized) {
		t.Fatalf("wrapped error lost its kind: %v", err)
	}
	if ReasonOf(err) != ReasonNotAuthorized {
		t.Fatalf("ReasonOf = %q, want %q", ReasonOf(err), ReasonNotAuthorized)
	}
}

func TestKindForReason(t *testing.T) {
	tests := []struct {
		reason Reason
		want   Kind
	}{
		{ReasonNotAuthorized, KindUnauthorized},
		{ReasonNotCreator, KindUnauthorized},
		{ReasonAlreadySigned, KindConflict},
		{ReasonDocumentInactive, KindConflict},
		{ReasonDocumentExists, KindConflict},
		{ReasonDocumentMissing, KindNotFound},
		{ReasonEmptySigners, KindInvalidInput},
		{ReasonCostCeilingExceeded, KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := Rejected(tt.reason, "op").Kind; got != tt.want {
				t.Errorf("kind = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapKeepsClassification(t *testing.T) {
	inner := New(KindNotFound, ReasonDocumentMissing, "", "no such document")
	err := Wrap(KindInternal, "get", inner)
	if KindOf(err) != KindNotFound {
		t.Fatalf("KindOf = %q, want %q", KindOf(err), KindNotFound)
	}
	var e *Error
	if !As(err, &e) || e.Op != "get" {
		t.Fatalf("op not filled in: %v", err)
	}
	if inner.Op != "" {
		t.Fatal("Wrap mutated the original error")
	}
}

func TestWrapPlainError(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")
	err := Wrap(KindUpstreamUnavailable, "ledger.call", cause)
	if !Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("Is(ErrUpstreamUnavailable) = false for %v", err)
	}
	if !Is(err, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
	if Wrap(KindInternal, "x", nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if got := KindOf(stderrors.New("boom")); got != KindInternal {
		t.Errorf("KindOf = %q, want %q", got, KindInternal)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Wrap(KindUpstreamUnavailable, "x", stderrors.New("timeout"))) {
		t.Error("upstream failure should be retryable")
	}
	for _, k := range []Kind{KindNotFound, KindConflict, KindUnauthorized, KindInvalidInput, KindInternal} {
		if Retryable(&Error{Kind: k}) {
			t.Errorf("kind %q should not be retryable", k)
		}
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: KindConflict, Reason: ReasonAlreadySigned, Op: "sign"}, "sign: already-signed"},
		{&Error{Kind: KindNotFound}, "not_found"},
		{&Error{Kind: KindInvalidInput, Op: "create", Message: "bad signer"}, "create: bad signer"},
		{&Error{Kind: KindUpstreamUnavailable, Op: "rpc", Message: "call failed", Err: stderrors.New("eof")}, "rpc: call failed: eof"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
