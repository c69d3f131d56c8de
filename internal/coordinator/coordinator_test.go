package coordinator

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/arc-sign/internal/ledger"
	"github.com/gezibash/arc-sign/internal/ledger/physical/badger"
	"github.com/gezibash/arc-sign/internal/ledgerclient"
	"github.com/gezibash/arc-sign/internal/metadata"
	_ "github.com/gezibash/arc-sign/internal/metadata/physical/memory"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
	"github.com/gezibash/arc-sign/pkg/reference"
)

var (
	alice = addr(0x0A)
	bob   = addr(0x0B)
	carol = addr(0x0C)
)

func addr(b byte) identity.Address {
	var a identity.Address
	a[0] = 0x51
	a[19] = b
	return a
}

type harness struct {
	co      *Coordinator
	client  *ledgerclient.Client
	meta    *metadata.Store
	metrics *observability.Metrics
}

func newHarness(t *testing.T, meta Metadata, cfg Config) *harness {
	t.Helper()
	store, err := badger.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.NewLocal(store)
	t.Cleanup(func() { l.Close() })

	h := &harness{metrics: observability.NewMetrics()}
	h.client = ledgerclient.New(l)
	if meta == nil {
		h.meta, err = metadata.Open(context.Background(), metadata.Config{Backend: "memory"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { h.meta.Close() })
		meta = h.meta
	}
	h.co = New(h.client, meta, cfg, WithMetrics(h.metrics))
	return h
}

func (h *harness) create(t *testing.T, content string, signers ...identity.Address) document.ID {
	t.Helper()
	raw := make([]string, len(signers))
	for i, s := range signers {
		raw[i] = s.Hex()
	}
	res, err := h.co.Create(context.Background(), CreateRequest{Caller: alice, Content: []byte(content), Signers: raw})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return res.Document.ID
}

// failingMetadata rejects every call.
type failingMetadata struct{}

func (failingMetadata) PutJSON(context.Context, any) (reference.Reference, error) {
	return reference.Reference{}, errors.Wrap(errors.KindUpstreamUnavailable, "metadata.put", stderrors.New("connection refused"))
}

func (failingMetadata) Get(context.Context, reference.Reference) ([]byte, error) {
	return nil, errors.Wrap(errors.KindUpstreamUnavailable, "metadata.get", stderrors.New("connection refused"))
}

// countingLedger records mutating calls so tests can assert none happened.
type countingLedger struct {
	Ledger
	signs int
}

func (c *countingLedger) SignDocument(ctx context.Context, caller identity.Address, id document.ID, ref string, opts ledger.MutateOptions) (*ledger.Receipt, error) {
	c.signs++
	return c.Ledger.SignDocument(ctx, caller, id, ref, opts)
}

func TestEndToEnd(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	id := h.create(t, "H", alice, bob)

	// Carol is not a declared signer.
	_, err := h.co.Sign(ctx, SignRequest{Caller: carol, ID: id})
	if errors.KindOf(err) != errors.KindUnauthorized || errors.ReasonOf(err) != errors.ReasonNotAuthorized {
		t.Fatalf("sign as carol: %v", err)
	}
	p, err := h.co.Progress(ctx, id)
	if err != nil || p.SignedCount != 0 {
		t.Fatalf("progress after carol = %+v, %v", p, err)
	}

	res, err := h.co.Sign(ctx, SignRequest{Caller: alice, ID: id})
	if err != nil {
		t.Fatalf("sign as alice: %v", err)
	}
	if res.Progress == nil || res.Progress.SignedCount != 1 || res.Progress.Total != 2 || res.Progress.PercentComplete != 50 {
		t.Errorf("progress after alice = %+v", res.Progress)
	}
	if res.Completed == nil || *res.Completed {
		t.Errorf("completed after alice = %v", res.Completed)
	}

	res, err = h.co.Sign(ctx, SignRequest{Caller: bob, ID: id})
	if err != nil {
		t.Fatalf("sign as bob: %v", err)
	}
	if res.Completed == nil || !*res.Completed || res.Progress.PercentComplete != 100 {
		t.Errorf("after bob: completed=%v progress=%+v", res.Completed, res.Progress)
	}

	view, err := h.co.Document(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !view.Completed || !view.Active || len(view.Signers) != 2 {
		t.Errorf("view = %+v", view)
	}
}

func TestSignRejections(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	id := h.create(t, "contract", alice, bob)

	if _, err := h.co.Sign(ctx, SignRequest{Caller: alice, ID: id}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		req    SignRequest
		kind   errors.Kind
		reason errors.Reason
	}{
		{"already signed", SignRequest{Caller: alice, ID: id}, errors.KindConflict, errors.ReasonAlreadySigned},
		{"not a signer", SignRequest{Caller: carol, ID: id}, errors.KindUnauthorized, errors.ReasonNotAuthorized},
		{"missing document", SignRequest{Caller: alice, ID: document.Compute([]byte("nope"))}, errors.KindNotFound, errors.ReasonDocumentMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counting := &countingLedger{Ledger: h.client}
			co := New(counting, h.meta, Config{})
			_, err := co.Sign(ctx, tt.req)
			if errors.KindOf(err) != tt.kind || errors.ReasonOf(err) != tt.reason {
				t.Errorf("err = %v, want %s/%s", err, tt.kind, tt.reason)
			}
			if counting.signs != 0 {
				t.Errorf("ledger mutation attempted %d times", counting.signs)
			}
		})
	}

	// The first signature is unchanged by the rejected attempts.
	view, err := h.co.Signature(ctx, id, alice)
	if err != nil || !view.Signed {
		t.Errorf("alice signature = %+v, %v", view, err)
	}
}

func TestRevoke(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	id := h.create(t, "revocable", alice, bob)
	if _, err := h.co.Sign(ctx, SignRequest{Caller: alice, ID: id}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.co.Revoke(ctx, bob, id); errors.ReasonOf(err) != errors.ReasonNotCreator {
		t.Fatalf("revoke by bob: %v", err)
	}
	if _, err := h.co.Revoke(ctx, alice, id); err != nil {
		t.Fatalf("revoke by creator: %v", err)
	}

	_, err := h.co.Sign(ctx, SignRequest{Caller: bob, ID: id})
	if errors.ReasonOf(err) != errors.ReasonDocumentInactive {
		t.Errorf("sign after revoke: %v", err)
	}
	sig, err := h.co.Signature(ctx, id, alice)
	if err != nil || !sig.Signed {
		t.Errorf("prior signature after revoke = %+v, %v", sig, err)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, nil, Config{MaxSigners: 2})
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
		signers []string
		reason  errors.Reason
	}{
		{"empty signers", "x", nil, errors.ReasonEmptySigners},
		{"empty content", "", []string{alice.Hex()}, errors.ReasonNone},
		{"malformed signer", "x", []string{"0x1234"}, errors.ReasonNone},
		{"duplicate signer", "x", []string{alice.Hex(), "0x" + strings.ToUpper(alice.Hex()[2:])}, errors.ReasonNone},
		{"too many signers", "x", []string{alice.Hex(), bob.Hex(), carol.Hex()}, errors.ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.co.Create(ctx, CreateRequest{Caller: alice, Content: []byte(tt.content), Signers: tt.signers})
			if errors.KindOf(err) != errors.KindInvalidInput {
				t.Fatalf("err = %v, want invalid input", err)
			}
			if errors.ReasonOf(err) != tt.reason {
				t.Errorf("reason = %q, want %q", errors.ReasonOf(err), tt.reason)
			}
		})
	}
}

func TestCreateDuplicateIsConflict(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.create(t, "same bytes", alice)
	_, err := h.co.Create(context.Background(), CreateRequest{Caller: bob, Content: []byte("same bytes"), Signers: []string{bob.Hex()}})
	if errors.KindOf(err) != errors.KindConflict || errors.ReasonOf(err) != errors.ReasonDocumentExists {
		t.Errorf("err = %v, want document-exists conflict", err)
	}
	// The original creator is kept.
	doc, _ := h.co.Document(context.Background(), document.Compute([]byte("same bytes")))
	if doc.Creator != alice {
		t.Errorf("creator = %s", doc.Creator.Hex())
	}
}

func TestCreateStoresDescriptor(t *testing.T) {
	h := newHarness(t, nil, Config{})
	res, err := h.co.Create(context.Background(), CreateRequest{
		Caller:      alice,
		Content:     []byte("%PDF-1.7"),
		Name:        "lease.pdf",
		ContentType: "application/pdf",
		Signers:     []string{alice.Hex(), bob.Hex()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.DescriptorRef == "" || len(res.Warnings) != 0 {
		t.Fatalf("result = %+v", res)
	}
	ref, _ := reference.FromHex(res.DescriptorRef)
	data, err := h.meta.Get(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"name":"lease.pdf"`) || !strings.Contains(string(data), `"size":8`) {
		t.Errorf("descriptor = %s", data)
	}
}

func TestMetadataFailureIsAbsorbed(t *testing.T) {
	h := newHarness(t, failingMetadata{}, Config{MetadataTimeout: time.Second})
	ctx := context.Background()

	res, err := h.co.Create(ctx, CreateRequest{Caller: alice, Content: []byte("doc"), Signers: []string{alice.Hex()}})
	if err != nil {
		t.Fatalf("Create with failing metadata: %v", err)
	}
	if res.DescriptorRef != "" || len(res.Warnings) != 1 {
		t.Errorf("create result = %+v", res)
	}

	signed, err := h.co.Sign(ctx, SignRequest{Caller: alice, ID: res.Document.ID, Metadata: map[string]string{"ip": "10.0.0.1"}})
	if err != nil {
		t.Fatalf("Sign with failing metadata: %v", err)
	}
	if signed.MetadataRef != "" || len(signed.Warnings) != 1 {
		t.Errorf("sign result = %+v", signed)
	}

	sig, err := h.co.Signature(ctx, res.Document.ID, alice)
	if err != nil || !sig.Signed || sig.MetadataRef != "" {
		t.Errorf("signature = %+v, %v", sig, err)
	}
	if got := testutil.ToFloat64(h.metrics.MetadataFailures.WithLabelValues("signature")); got != 1 {
		t.Errorf("metadata failures (signature) = %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.MetadataFailures.WithLabelValues("descriptor")); got != 1 {
		t.Errorf("metadata failures (descriptor) = %v", got)
	}
}

func TestSignatureMetadataRoundTrip(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	id := h.create(t, "with metadata", alice)

	res, err := h.co.Sign(ctx, SignRequest{Caller: alice, ID: id, Metadata: map[string]string{"reason": "approved"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.MetadataRef == "" {
		t.Fatal("no metadata reference")
	}
	view, err := h.co.Signature(ctx, id, alice)
	if err != nil {
		t.Fatal(err)
	}
	if view.MetadataRef != res.MetadataRef || string(view.Metadata) != `{"reason":"approved"}` {
		t.Errorf("view = %+v metadata=%s", view, view.Metadata)
	}

	if _, err := h.co.Signature(ctx, id, carol); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("signature of non-signer: %v", err)
	}
}

func TestVerifyAggregation(t *testing.T) {
	signers := []identity.Address{alice, bob, carol}
	for mask := range 1 << len(signers) {
		h := newHarness(t, nil, Config{})
		ctx := context.Background()
		id := h.create(t, "verify", signers...)

		want := 0
		for i, s := range signers {
			if mask&(1<<i) == 0 {
				continue
			}
			if _, err := h.co.Sign(ctx, SignRequest{Caller: s, ID: id}); err != nil {
				t.Fatal(err)
			}
			want++
		}

		res, err := h.co.Verify(ctx, id)
		if err != nil {
			t.Fatalf("mask %03b: %v", mask, err)
		}
		if res.ValidSignatures != want || res.TotalSigners != 3 {
			t.Errorf("mask %03b: valid=%d total=%d", mask, res.ValidSignatures, res.TotalSigners)
		}
		if res.IsFullyValid != (want == 3) {
			t.Errorf("mask %03b: IsFullyValid = %v", mask, res.IsFullyValid)
		}
		for i, ch := range res.Signers {
			if ch.Signer != signers[i] || ch.Valid != (mask&(1<<i) != 0) {
				t.Errorf("mask %03b: signer %d = %+v", mask, i, ch)
			}
		}
	}
}

// flakyVerify fails verification reads for one signer.
type flakyVerify struct {
	Ledger
	bad identity.Address
}

func (f *flakyVerify) VerifyDocumentSignature(ctx context.Context, id document.ID, s identity.Address) (*document.Verification, error) {
	if s == f.bad {
		return nil, errors.New(errors.KindUpstreamUnavailable, errors.ReasonNone, "rpc", "node unreachable")
	}
	return f.Ledger.VerifyDocumentSignature(ctx, id, s)
}

func TestVerifyCapturesPartialFailures(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	id := h.create(t, "partial", alice, bob)
	for _, s := range []identity.Address{alice, bob} {
		if _, err := h.co.Sign(ctx, SignRequest{Caller: s, ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	co := New(&flakyVerify{Ledger: h.client, bad: bob}, nil, Config{})
	res, err := co.Verify(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if res.ValidSignatures != 1 || res.Failed != 1 || res.IsFullyValid {
		t.Errorf("result = %+v", res)
	}
	if res.Signers[1].Err == nil || !res.Signers[1].Err.Retryable {
		t.Errorf("bob check = %+v", res.Signers[1])
	}
	if res.Signers[0].Err != nil || !res.Signers[0].Valid {
		t.Errorf("alice check = %+v", res.Signers[0])
	}
}

func TestVerifyUnknownDocument(t *testing.T) {
	h := newHarness(t, nil, Config{})
	if _, err := h.co.Verify(context.Background(), document.Compute([]byte("ghost"))); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestEstimates(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	est, err := h.co.EstimateCreate(ctx, alice, []byte("estimate me"), []string{alice.Hex(), bob.Hex()})
	if err != nil {
		t.Fatal(err)
	}
	if est.Cost != ledger.CreateCost(2) || est.DocumentID != document.Compute([]byte("estimate me")) {
		t.Errorf("create estimate = %+v", est)
	}
	if _, err := h.co.EstimateCreate(ctx, alice, []byte("x"), nil); errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("estimate with no signers: %v", err)
	}

	id := h.create(t, "estimate me", alice, bob)
	sign, err := h.co.EstimateSign(ctx, bob, id, true)
	if err != nil {
		t.Fatal(err)
	}
	if sign.Cost != ledger.SignCost(1, 64) {
		t.Errorf("sign estimate = %d", sign.Cost)
	}
}

func TestUserDocuments(t *testing.T) {
	h := newHarness(t, nil, Config{})
	a := h.create(t, "one", alice)
	b := h.create(t, "two", alice, bob)

	ids, err := h.co.UserDocuments(context.Background(), alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Errorf("ids = %v", ids)
	}
	if ids, _ := h.co.UserDocuments(context.Background(), bob); len(ids) != 0 {
		t.Errorf("bob created %v", ids)
	}
}
