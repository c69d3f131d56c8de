package coordinator

import (
	"context"
	"encoding/json"

	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
	"github.com/gezibash/arc-sign/pkg/reference"
)

// DocumentView is a document with its derived signing state.
type DocumentView struct {
	document.Document
	Completed bool              `json:"completed"`
	Progress  document.Progress `json:"progress"`
}

// Document reads a document and its progress.
func (c *Coordinator) Document(ctx context.Context, id document.ID) (*DocumentView, error) {
	doc, err := c.ledger.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := c.ledger.GetSigningProgress(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DocumentView{
		Document:  *doc,
		Completed: p.Completed(),
		Progress:  *p,
	}, nil
}

func (c *Coordinator) Signers(ctx context.Context, id document.ID) ([]identity.Address, error) {
	return c.ledger.GetDocumentSigners(ctx, id)
}

func (c *Coordinator) Progress(ctx context.Context, id document.ID) (*document.Progress, error) {
	return c.ledger.GetSigningProgress(ctx, id)
}

func (c *Coordinator) UserDocuments(ctx context.Context, creator identity.Address) ([]document.ID, error) {
	return c.ledger.GetUserDocuments(ctx, creator)
}

// SignatureView is one signer's signature with its metadata, when that
// could be fetched.
type SignatureView struct {
	document.Signature
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	MetadataWarning string          `json:"metadataWarning,omitempty"`
}

// Signature reads one signer's state. A document that does not list signer
// is NotFound; metadata is fetched best-effort.
func (c *Coordinator) Signature(ctx context.Context, id document.ID, signer identity.Address) (*SignatureView, error) {
	sig, err := c.ledger.GetSignature(ctx, id, signer)
	if err != nil {
		return nil, err
	}
	if !sig.Required {
		return nil, errors.Newf(errors.KindNotFound, "coordinator.signature", "%s is not a signer of %s", signer.Hex(), id.Hex())
	}
	view := &SignatureView{Signature: *sig}
	if sig.MetadataRef == "" || c.meta == nil {
		return view, nil
	}

	ref, err := reference.FromHex(sig.MetadataRef)
	if err != nil {
		view.MetadataWarning = "metadata reference is malformed"
		return view, nil
	}
	mctx, cancel := context.WithTimeout(ctx, c.cfg.MetadataTimeout)
	defer cancel()
	data, err := c.meta.Get(mctx, ref)
	switch {
	case err != nil:
		c.log.WithDocument(id).WithError(err).WarnContext(ctx, "metadata fetch failed", "ref", sig.MetadataRef)
		view.MetadataWarning = "metadata is unavailable"
	case !json.Valid(data):
		view.MetadataWarning = "metadata is not JSON"
	default:
		view.Metadata = data
	}
	return view, nil
}
