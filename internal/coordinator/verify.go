package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
)

// SignerCheck is the verification outcome for one signer. Err is set when
// the ledger read for that signer failed.
type SignerCheck struct {
	Signer   identity.Address `json:"signer"`
	Valid    bool             `json:"valid"`
	SignedAt time.Time        `json:"signedAt,omitzero"`
	Err      *ErrorDetail     `json:"error,omitempty"`
}

// ErrorDetail is the serialisable form of a per-signer failure.
type ErrorDetail struct {
	Kind      errors.Kind   `json:"kind"`
	Reason    errors.Reason `json:"reason,omitempty"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

func detail(err error) *ErrorDetail {
	return &ErrorDetail{
		Kind:      errors.KindOf(err),
		Reason:    errors.ReasonOf(err),
		Message:   err.Error(),
		Retryable: errors.Retryable(err),
	}
}

// VerifyResult aggregates per-signer verification.
type VerifyResult struct {
	DocumentID      document.ID   `json:"documentId"`
	Active          bool          `json:"active"`
	TotalSigners    int           `json:"totalSigners"`
	ValidSignatures int           `json:"validSignatures"`
	Failed          int           `json:"failed"`
	IsFullyValid    bool          `json:"isFullyValid"`
	Signers         []SignerCheck `json:"signers"`
}

// Verify checks every declared signer independently. A failed read is
// recorded against that signer and does not abort the others. The result
// is fully valid only when every signer verified as valid.
func (c *Coordinator) Verify(ctx context.Context, id document.ID) (res *VerifyResult, err error) {
	const opName = "coordinator.verify"
	op, ctx := observability.StartOperation(ctx, c.metrics, opName, attribute.String("document", id.Hex()))
	defer func() { op.End(err) }()

	doc, err := c.ledger.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	checks := make([]SignerCheck, len(doc.Signers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.VerifyParallel)
	for i, s := range doc.Signers {
		g.Go(func() error {
			checks[i] = SignerCheck{Signer: s}
			v, err := c.ledger.VerifyDocumentSignature(gctx, id, s)
			if err != nil {
				checks[i].Err = detail(err)
				return nil
			}
			checks[i].Valid = v.Valid
			checks[i].SignedAt = v.SignedAt
			return nil
		})
	}
	_ = g.Wait()

	res = &VerifyResult{
		DocumentID:   id,
		Active:       doc.Active,
		TotalSigners: len(checks),
		Signers:      checks,
	}
	for _, ch := range checks {
		switch {
		case ch.Err != nil:
			res.Failed++
		case ch.Valid:
			res.ValidSignatures++
		}
	}
	res.IsFullyValid = res.TotalSigners > 0 && res.ValidSignatures == res.TotalSigners
	if res.Failed > 0 {
		c.log.WithDocument(id).WarnContext(ctx, "verification incomplete", "failed", res.Failed, "total", res.TotalSigners)
	}
	return res, nil
}
