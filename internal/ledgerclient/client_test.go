package ledgerclient

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/arc-sign/internal/ledger"
	"github.com/gezibash/arc-sign/internal/ledger/physical/badger"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
)

var (
	signerA = addr(0x0A)
	signerB = addr(0x0B)
	signerC = addr(0x0C)
)

func addr(b byte) identity.Address {
	var a identity.Address
	a[0] = 0x42
	a[19] = b
	return a
}

func newClient(t *testing.T, opts ...Option) (*Client, *ledger.Local) {
	t.Helper()
	store, err := badger.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.NewLocal(store, ledger.WithPollInterval(10*time.Millisecond))
	t.Cleanup(func() { l.Close() })
	return New(l, opts...), l
}

// stubLedger overrides the calls a test needs; anything else panics through
// the nil embedded interface.
type stubLedger struct {
	ledger.Ledger
	signers     func() ([]identity.Address, error)
	signature   func(identity.Address) (*document.Signature, error)
	getDocument func() (*document.Document, error)
}

func (s *stubLedger) GetDocumentSigners(context.Context, document.ID) ([]identity.Address, error) {
	return s.signers()
}

func (s *stubLedger) GetSignature(_ context.Context, _ document.ID, a identity.Address) (*document.Signature, error) {
	return s.signature(a)
}

func (s *stubLedger) GetDocument(context.Context, document.ID) (*document.Document, error) {
	return s.getDocument()
}

func TestEndToEndProgress(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()
	h := document.Compute([]byte("H"))

	if _, err := c.CreateDocument(ctx, signerA, h, []identity.Address{signerA, signerB}, ledger.MutateOptions{}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	// C is not a declared signer.
	_, err := c.SignDocument(ctx, signerC, h, "", ledger.MutateOptions{})
	if errors.KindOf(err) != errors.KindUnauthorized {
		t.Fatalf("sign as C: err = %v, want unauthorized", err)
	}
	p, err := c.GetSigningProgress(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if p.SignedCount != 0 || p.Total != 2 || p.PercentComplete != 0 {
		t.Errorf("progress after C = %+v", p)
	}

	if _, err := c.SignDocument(ctx, signerA, h, "", ledger.MutateOptions{}); err != nil {
		t.Fatalf("sign as A: %v", err)
	}
	p, err = c.GetSigningProgress(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if p.SignedCount != 1 || p.Total != 2 || p.PercentComplete != 50 {
		t.Errorf("progress after A = %+v", p)
	}
	if p.Signers[0].Signer != signerA || !p.Signers[0].Signed || p.Signers[1].Signed {
		t.Errorf("per-signer detail out of order: %+v", p.Signers)
	}

	if _, err := c.SignDocument(ctx, signerB, h, "", ledger.MutateOptions{}); err != nil {
		t.Fatalf("sign as B: %v", err)
	}
	full, err := c.IsFullySigned(ctx, h)
	if err != nil || !full {
		t.Fatalf("IsFullySigned = %v, %v", full, err)
	}
	p, _ = c.GetSigningProgress(ctx, h)
	if p.PercentComplete != 100 {
		t.Errorf("percent = %d, want 100", p.PercentComplete)
	}
}

func TestProgressMissingDocument(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.GetSigningProgress(context.Background(), document.Compute([]byte("nope")))
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestProgressSurfacesFirstMidScanError(t *testing.T) {
	var calls []identity.Address
	boom := errors.New(errors.KindUpstreamUnavailable, errors.ReasonNone, "rpc", "node unreachable")
	stub := &stubLedger{
		signers: func() ([]identity.Address, error) {
			return []identity.Address{signerA, signerB, signerC}, nil
		},
		signature: func(a identity.Address) (*document.Signature, error) {
			calls = append(calls, a)
			if a == signerB {
				return nil, boom
			}
			return &document.Signature{Signer: a, Required: true}, nil
		},
	}
	c := New(stub)

	_, err := c.GetSigningProgress(context.Background(), document.Compute([]byte("x")))
	if errors.KindOf(err) != errors.KindUpstreamUnavailable || !errors.Retryable(err) {
		t.Fatalf("err = %v", err)
	}
	if len(calls) != 2 || calls[0] != signerA || calls[1] != signerB {
		t.Errorf("scan order = %v, want A then B and stop", calls)
	}
}

func TestUntypedErrorsBecomeInternal(t *testing.T) {
	stub := &stubLedger{getDocument: func() (*document.Document, error) {
		return nil, stderrors.New("disk on fire")
	}}
	_, err := New(stub).GetDocument(context.Background(), document.Compute([]byte("x")))
	var typed *errors.Error
	if !errors.As(err, &typed) {
		t.Fatalf("err %v is not *errors.Error", err)
	}
	if typed.Kind != errors.KindInternal || typed.Op != "client.get_document" {
		t.Errorf("typed = %+v", typed)
	}
}

func TestPanicRecoveredAsInternal(t *testing.T) {
	stub := &stubLedger{getDocument: func() (*document.Document, error) {
		panic("nil map write")
	}}
	m := observability.NewMetrics()
	doc, err := New(stub, WithMetrics(m)).GetDocument(context.Background(), document.Compute([]byte("x")))
	if doc != nil {
		t.Error("payload returned alongside panic")
	}
	if errors.KindOf(err) != errors.KindInternal {
		t.Fatalf("err = %v, want internal", err)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("client.get_document", string(errors.KindInternal))); got != 1 {
		t.Errorf("errors_total = %v, want 1", got)
	}
}

func TestCanceledContextIsUpstream(t *testing.T) {
	stub := &stubLedger{getDocument: func() (*document.Document, error) {
		return nil, stderrors.New("dial tcp: operation was canceled")
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(stub).GetDocument(ctx, document.Compute([]byte("x")))
	if !errors.Retryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
}

func TestEstimates(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()
	id := document.Compute([]byte("estimate"))
	signers := []identity.Address{signerA, signerB}

	got, err := c.EstimateCreate(ctx, signerA, id, signers)
	if err != nil {
		t.Fatal(err)
	}
	if got != ledger.CreateCost(2) {
		t.Errorf("EstimateCreate = %d, want %d", got, ledger.CreateCost(2))
	}

	if _, err := c.EstimateSign(ctx, signerA, id, ""); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("EstimateSign on missing doc: %v", err)
	}

	r, err := c.CreateDocument(ctx, signerA, id, signers, ledger.MutateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Cost != got {
		t.Errorf("receipt cost %d != estimate %d", r.Cost, got)
	}
	sign, err := c.EstimateSign(ctx, signerB, id, "ref")
	if err != nil {
		t.Fatal(err)
	}
	if sign != ledger.SignCost(1, len("ref")) {
		t.Errorf("EstimateSign = %d", sign)
	}
}

func TestSubscribeSurvivesHandlerPanic(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []document.EventKind
	)
	got := make(chan struct{}, 4)
	sub, err := c.Subscribe(ctx, func(ev document.Event) {
		mu.Lock()
		seen = append(seen, ev.Kind)
		mu.Unlock()
		got <- struct{}{}
		if ev.Kind == document.EventCreated {
			panic("handler bug")
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	id := document.Compute([]byte("events"))
	if _, err := c.CreateDocument(ctx, signerA, id, []identity.Address{signerA}, ledger.MutateOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SignDocument(ctx, signerA, id, "", ledger.MutateOptions{}); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != document.EventCreated || seen[1] != document.EventSigned {
		t.Errorf("events = %v", seen)
	}
}
