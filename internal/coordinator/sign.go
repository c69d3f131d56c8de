package coordinator

import (
	"context"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-sign/internal/ledger"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
)

// SignRequest records Caller's signature on ID. Metadata, if non-nil, is
// stored off-ledger and referenced from the signature.
type SignRequest struct {
	Caller   identity.Address
	ID       document.ID
	Metadata any
}

// SignResult describes a recorded signature. Completed and Progress come
// from a read after the mutation and are nil if that read failed.
type SignResult struct {
	DocumentID  document.ID        `json:"documentId"`
	Signer      identity.Address   `json:"signer"`
	Receipt     ledger.Receipt     `json:"receipt"`
	MetadataRef string             `json:"metadataRef,omitempty"`
	Completed   *bool              `json:"completed,omitempty"`
	Progress    *document.Progress `json:"progress,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
}

// Sign runs the sign flow for one (document, signer) pair:
//
//	authorization -> idempotency -> metadata upload -> mutation -> post-read
//
// Authorization and idempotency failures reject without touching the
// ledger. A metadata failure is absorbed and the signature is recorded
// with an empty reference.
func (c *Coordinator) Sign(ctx context.Context, req SignRequest) (res *SignResult, err error) {
	const opName = "coordinator.sign"
	op, ctx := observability.StartOperation(ctx, c.metrics, opName,
		attribute.String("document", req.ID.Hex()), attribute.String("signer", req.Caller.Hex()))
	defer func() { op.End(err) }()
	log := c.log.WithDocument(req.ID).WithAddress("signer", req.Caller)

	doc, err := c.ledger.GetDocument(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	// Signer lists are short and ordered; a linear scan keeps that order
	// authoritative.
	if !slices.Contains(doc.Signers, req.Caller) {
		return nil, errors.Rejected(errors.ReasonNotAuthorized, opName)
	}

	sig, err := c.ledger.GetSignature(ctx, req.ID, req.Caller)
	if err != nil {
		return nil, err
	}
	if sig.Signed {
		return nil, errors.Rejected(errors.ReasonAlreadySigned, opName)
	}
	if !doc.Active {
		return nil, errors.Rejected(errors.ReasonDocumentInactive, opName)
	}

	res = &SignResult{DocumentID: req.ID, Signer: req.Caller}
	if req.Metadata != nil {
		ref, err := c.putMetadata(ctx, "signature", req.Metadata)
		if err != nil {
			res.Warnings = append(res.Warnings, "signature metadata was not stored")
		}
		res.MetadataRef = ref
	}

	receipt, err := c.ledger.SignDocument(ctx, req.Caller, req.ID, res.MetadataRef, c.mutateOptions())
	if err != nil {
		return nil, err
	}
	res.Receipt = *receipt
	log.InfoContext(ctx, "signature recorded", "position", receipt.Position, "metadata", res.MetadataRef != "")

	c.postRead(ctx, res)
	return res, nil
}

// postRead fills in completion and progress for display. The signature is
// already recorded, so a failed read only produces a warning.
func (c *Coordinator) postRead(ctx context.Context, res *SignResult) {
	p, err := c.ledger.GetSigningProgress(ctx, res.DocumentID)
	if err != nil {
		c.log.WithDocument(res.DocumentID).WithError(err).WarnContext(ctx, "post-sign progress read failed")
		res.Warnings = append(res.Warnings, "could not read completion and progress after signing")
		return
	}
	done := p.Completed()
	res.Completed = &done
	res.Progress = p
}

// EstimateSign projects the cost of Caller signing ID. When metadata is
// supplied the estimate assumes a full-length reference.
func (c *Coordinator) EstimateSign(ctx context.Context, caller identity.Address, id document.ID, withMetadata bool) (*Estimate, error) {
	var ref string
	if withMetadata {
		ref = strings.Repeat("0", 64)
	}
	cost, err := c.ledger.EstimateSign(ctx, caller, id, ref)
	if err != nil {
		return nil, err
	}
	return &Estimate{DocumentID: id, Cost: cost}, nil
}

// RevokeResult describes a revocation.
type RevokeResult struct {
	DocumentID document.ID    `json:"documentId"`
	Receipt    ledger.Receipt `json:"receipt"`
}

// Revoke deactivates a document. Only its creator may do so; existing
// signatures stay readable.
func (c *Coordinator) Revoke(ctx context.Context, caller identity.Address, id document.ID) (res *RevokeResult, err error) {
	const opName = "coordinator.revoke"
	op, ctx := observability.StartOperation(ctx, c.metrics, opName, attribute.String("document", id.Hex()))
	defer func() { op.End(err) }()

	doc, err := c.ledger.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Creator != caller {
		return nil, errors.Rejected(errors.ReasonNotCreator, opName)
	}
	receipt, err := c.ledger.RevokeDocument(ctx, caller, id, c.mutateOptions())
	if err != nil {
		return nil, err
	}
	c.log.WithDocument(id).InfoContext(ctx, "document revoked", "was_active", doc.Active)
	return &RevokeResult{DocumentID: id, Receipt: *receipt}, nil
}
