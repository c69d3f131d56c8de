package coordinator

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-sign/internal/ledger"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
)

// CreateRequest is an upload to be registered on the ledger.
type CreateRequest struct {
	Caller      identity.Address
	Content     []byte
	Name        string
	ContentType string
	// Signers are the raw signer identities, in signing order.
	Signers []string
}

// CreateResult describes a registered document.
type CreateResult struct {
	Document      document.Document `json:"document"`
	Receipt       ledger.Receipt    `json:"receipt"`
	DescriptorRef string            `json:"descriptorRef,omitempty"`
	Warnings      []string          `json:"warnings,omitempty"`
}

// Descriptor is the off-ledger description stored for each new document.
type Descriptor struct {
	DocumentID  document.ID        `json:"documentId"`
	Name        string             `json:"name,omitempty"`
	ContentType string             `json:"contentType,omitempty"`
	Size        int                `json:"size"`
	Creator     identity.Address   `json:"creator"`
	Signers     []identity.Address `json:"signers"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// ValidateSigners parses raw and enforces the signer list bounds: at least
// one signer, at most max, each well formed and none repeated. Order is
// preserved.
func ValidateSigners(op string, raw []string, max int) ([]identity.Address, error) {
	if len(raw) == 0 {
		return nil, errors.Rejected(errors.ReasonEmptySigners, op)
	}
	if max > 0 && len(raw) > max {
		return nil, errors.Newf(errors.KindInvalidInput, op, "%d signers exceeds the limit of %d", len(raw), max)
	}
	out := make([]identity.Address, 0, len(raw))
	seen := make(map[identity.Address]struct{}, len(raw))
	for i, s := range raw {
		a, err := identity.ParseAddress(strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Newf(errors.KindInvalidInput, op, "signer %d: %v", i, err)
		}
		if _, dup := seen[a]; dup {
			return nil, errors.Newf(errors.KindInvalidInput, op, "signer %s listed more than once", a.Hex())
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}

func (c *Coordinator) prepareCreate(op string, content []byte, raw []string) (document.ID, []identity.Address, error) {
	if len(content) == 0 {
		return document.ID{}, nil, errors.New(errors.KindInvalidInput, errors.ReasonNone, op, "document content is empty")
	}
	signers, err := ValidateSigners(op, raw, c.cfg.MaxSigners)
	if err != nil {
		return document.ID{}, nil, err
	}
	return document.Compute(content), signers, nil
}

// Create validates the request, registers the document and stores its
// descriptor. A descriptor failure is reported as a warning.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (res *CreateResult, err error) {
	const opName = "coordinator.create"
	op, ctx := observability.StartOperation(ctx, c.metrics, opName,
		attribute.String("creator", req.Caller.Hex()), attribute.Int("size_bytes", len(req.Content)))
	defer func() { op.End(err) }()

	id, signers, err := c.prepareCreate(opName, req.Content, req.Signers)
	if err != nil {
		return nil, err
	}
	log := c.log.WithDocument(id).WithAddress("creator", req.Caller)

	// Surface an existing hash as a conflict before paying for a mutation.
	switch _, err := c.ledger.GetDocument(ctx, id); {
	case err == nil:
		return nil, errors.Rejected(errors.ReasonDocumentExists, opName)
	case errors.KindOf(err) != errors.KindNotFound:
		return nil, err
	}

	receipt, err := c.ledger.CreateDocument(ctx, req.Caller, id, signers, c.mutateOptions())
	if err != nil {
		return nil, err
	}

	res = &CreateResult{
		Document: document.Document{
			ID:        id,
			Creator:   req.Caller,
			Signers:   signers,
			CreatedAt: receipt.At,
			Active:    true,
		},
		Receipt: *receipt,
	}
	ref, err := c.putMetadata(ctx, "descriptor", Descriptor{
		DocumentID:  id,
		Name:        req.Name,
		ContentType: req.ContentType,
		Size:        len(req.Content),
		Creator:     req.Caller,
		Signers:     signers,
		CreatedAt:   receipt.At,
	})
	if err != nil {
		res.Warnings = append(res.Warnings, "document descriptor was not stored")
	}
	res.DescriptorRef = ref

	log.InfoContext(ctx, "document created", "signers", len(signers), "position", receipt.Position)
	return res, nil
}

// Estimate is a projected mutation cost.
type Estimate struct {
	DocumentID document.ID `json:"documentId"`
	Cost       uint64      `json:"cost"`
}

// EstimateCreate validates like Create and projects its cost.
func (c *Coordinator) EstimateCreate(ctx context.Context, caller identity.Address, content []byte, raw []string) (*Estimate, error) {
	id, signers, err := c.prepareCreate("coordinator.estimate_create", content, raw)
	if err != nil {
		return nil, err
	}
	cost, err := c.ledger.EstimateCreate(ctx, caller, id, signers)
	if err != nil {
		return nil, err
	}
	return &Estimate{DocumentID: id, Cost: cost}, nil
}
