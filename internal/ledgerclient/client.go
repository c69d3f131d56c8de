// Package ledgerclient adapts the signature ledger into application
// results. It holds no state of its own: every call re-reads the ledger.
//
// Every method returns either a payload or an *errors.Error. Backend
// failures that arrive unclassified become KindInternal, and a panic inside
// a backend is recovered into KindInternal rather than propagated.
package ledgerclient

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-sign/internal/ledger"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
	"github.com/gezibash/arc-sign/pkg/logging"
)

// Client wraps a ledger.Ledger.
type Client struct {
	ledger  ledger.Ledger
	metrics *observability.Metrics
	log     *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records operation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger used for recovered panics and handler
// failures.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client over l. The client does not own l; closing it is the
// caller's job.
func New(l ledger.Ledger, opts ...Option) *Client {
	c := &Client{ledger: l}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logging.New(nil)
	}
	c.log = c.log.WithComponent("ledgerclient")
	return c
}

// run executes fn as a traced operation and normalises its outcome.
func run[T any](ctx context.Context, c *Client, name string, attrs []attribute.KeyValue, fn func(context.Context) (T, error)) (out T, err error) {
	op, ctx := observability.StartOperation(ctx, c.metrics, name, attrs...)
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorContext(ctx, "ledger call panicked", "operation", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			var zero T
			out = zero
			err = errors.Newf(errors.KindInternal, name, "ledger panicked: %v", r)
		}
		op.End(err)
	}()

	out, err = fn(ctx)
	if err != nil {
		var zero T
		return zero, normalize(ctx, name, err)
	}
	return out, nil
}

func normalize(ctx context.Context, op string, err error) error {
	var typed *errors.Error
	if errors.As(err, &typed) {
		return errors.Wrap(typed.Kind, op, err)
	}
	if ctx.Err() != nil {
		return errors.Wrap(errors.KindUpstreamUnavailable, op, err)
	}
	return errors.Wrap(errors.KindInternal, op, err)
}

func docAttr(id document.ID) attribute.KeyValue {
	return attribute.String("document", id.Hex())
}

func addrAttr(key string, a identity.Address) attribute.KeyValue {
	return attribute.String(key, a.Hex())
}

// CreateDocument registers id with its ordered signer list.
func (c *Client) CreateDocument(ctx context.Context, caller identity.Address, id document.ID, signers []identity.Address, opts ledger.MutateOptions) (*ledger.Receipt, error) {
	return run(ctx, c, "client.create_document", []attribute.KeyValue{docAttr(id), addrAttr("caller", caller)},
		func(ctx context.Context) (*ledger.Receipt, error) {
			return c.ledger.CreateDocument(ctx, caller, id, signers, opts)
		})
}

// SignDocument records caller's signature.
func (c *Client) SignDocument(ctx context.Context, caller identity.Address, id document.ID, metadataRef string, opts ledger.MutateOptions) (*ledger.Receipt, error) {
	return run(ctx, c, "client.sign_document", []attribute.KeyValue{docAttr(id), addrAttr("signer", caller)},
		func(ctx context.Context) (*ledger.Receipt, error) {
			return c.ledger.SignDocument(ctx, caller, id, metadataRef, opts)
		})
}

// RevokeDocument deactivates id.
func (c *Client) RevokeDocument(ctx context.Context, caller identity.Address, id document.ID, opts ledger.MutateOptions) (*ledger.Receipt, error) {
	return run(ctx, c, "client.revoke_document", []attribute.KeyValue{docAttr(id), addrAttr("caller", caller)},
		func(ctx context.Context) (*ledger.Receipt, error) {
			return c.ledger.RevokeDocument(ctx, caller, id, opts)
		})
}

func (c *Client) GetDocument(ctx context.Context, id document.ID) (*document.Document, error) {
	return run(ctx, c, "client.get_document", []attribute.KeyValue{docAttr(id)}, func(ctx context.Context) (*document.Document, error) {
		return c.ledger.GetDocument(ctx, id)
	})
}

func (c *Client) IsFullySigned(ctx context.Context, id document.ID) (bool, error) {
	return run(ctx, c, "client.is_fully_signed", []attribute.KeyValue{docAttr(id)}, func(ctx context.Context) (bool, error) {
		return c.ledger.IsFullySigned(ctx, id)
	})
}

func (c *Client) GetSignature(ctx context.Context, id document.ID, signer identity.Address) (*document.Signature, error) {
	return run(ctx, c, "client.get_signature", []attribute.KeyValue{docAttr(id), addrAttr("signer", signer)},
		func(ctx context.Context) (*document.Signature, error) {
			return c.ledger.GetSignature(ctx, id, signer)
		})
}

func (c *Client) GetDocumentSigners(ctx context.Context, id document.ID) ([]identity.Address, error) {
	return run(ctx, c, "client.get_signers", []attribute.KeyValue{docAttr(id)}, func(ctx context.Context) ([]identity.Address, error) {
		return c.ledger.GetDocumentSigners(ctx, id)
	})
}

func (c *Client) GetUserDocuments(ctx context.Context, creator identity.Address) ([]document.ID, error) {
	return run(ctx, c, "client.get_user_documents", []attribute.KeyValue{addrAttr("creator", creator)},
		func(ctx context.Context) ([]document.ID, error) {
			return c.ledger.GetUserDocuments(ctx, creator)
		})
}

// VerifyDocumentSignature checks one signer. A missing document yields
// Found=false, not an error.
func (c *Client) VerifyDocumentSignature(ctx context.Context, id document.ID, signer identity.Address) (*document.Verification, error) {
	return run(ctx, c, "client.verify", []attribute.KeyValue{docAttr(id), addrAttr("signer", signer)},
		func(ctx context.Context) (*document.Verification, error) {
			return c.ledger.VerifyDocumentSignature(ctx, id, signer)
		})
}

// GetSigningProgress reads the signer list and then every signature in
// signer order, one at a time. Only the signer-list read or the first
// failing signature read fails the call.
func (c *Client) GetSigningProgress(ctx context.Context, id document.ID) (*document.Progress, error) {
	return run(ctx, c, "client.signing_progress", []attribute.KeyValue{docAttr(id)}, func(ctx context.Context) (*document.Progress, error) {
		signers, err := c.ledger.GetDocumentSigners(ctx, id)
		if err != nil {
			return nil, err
		}
		sigs := make([]document.Signature, 0, len(signers))
		for _, s := range signers {
			sig, err := c.ledger.GetSignature(ctx, id, s)
			if err != nil {
				return nil, err
			}
			sigs = append(sigs, *sig)
		}
		p := document.NewProgress(sigs)
		return &p, nil
	})
}

// EstimateCreate projects the cost of creating id with signers.
func (c *Client) EstimateCreate(ctx context.Context, caller identity.Address, id document.ID, signers []identity.Address) (uint64, error) {
	return run(ctx, c, "client.estimate_create", []attribute.KeyValue{docAttr(id)}, func(ctx context.Context) (uint64, error) {
		return c.ledger.EstimateCost(ctx, caller, ledger.Call{Op: ledger.OpCreate, ID: id, Signers: signers})
	})
}

// EstimateSign projects the cost of caller signing id.
func (c *Client) EstimateSign(ctx context.Context, caller identity.Address, id document.ID, metadataRef string) (uint64, error) {
	return run(ctx, c, "client.estimate_sign", []attribute.KeyValue{docAttr(id), addrAttr("signer", caller)},
		func(ctx context.Context) (uint64, error) {
			return c.ledger.EstimateCost(ctx, caller, ledger.Call{Op: ledger.OpSign, ID: id, MetadataRef: metadataRef})
		})
}

// Subscribe delivers every future ledger event to h. A panicking handler is
// logged and the stream continues.
func (c *Client) Subscribe(ctx context.Context, h ledger.Handler) (ledger.Subscription, error) {
	safe := func(ev document.Event) {
		defer func() {
			if r := recover(); r != nil {
				c.log.WithDocument(ev.DocumentID).ErrorContext(ctx, "event handler panicked",
					"kind", string(ev.Kind), "panic", fmt.Sprint(r))
			}
		}()
		h(ev)
	}
	return run(ctx, c, "client.subscribe", nil, func(ctx context.Context) (ledger.Subscription, error) {
		return c.ledger.Subscribe(ctx, safe)
	})
}
