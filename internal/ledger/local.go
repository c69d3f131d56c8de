package ledger

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-sign/internal/ledger/physical"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/internal/storage"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
	"github.com/gezibash/arc-sign/pkg/logging"
)

// Cost model of the local ledger. The units follow EVM storage pricing so
// estimates line up with what the contract charges.
const (
	CostBase        uint64 = 21000
	CostStoreSlot   uint64 = 20000
	CostUpdateSlot  uint64 = 5000
	CostReadSlot    uint64 = 2100
	costWordBytes          = 32
	eventBatchLimit        = 256
)

const (
	// KeyPollInterval bounds how long a subscription waits before checking
	// the record store for events written by other processes.
	KeyPollInterval     = "poll_interval"
	defaultPollInterval = time.Second
)

func init() {
	Register("local", openLocal)
}

func openLocal(ctx context.Context, cfg Config, metrics *observability.Metrics) (Ledger, error) {
	r := storage.NewReader("local", cfg.Config)
	poll := r.Duration(KeyPollInterval, defaultPollInterval)
	if err := r.Err(); err != nil {
		return nil, err
	}
	store := cfg.Store
	if store == "" {
		store = "memory"
	}
	backend, err := physical.New(ctx, store, cfg.StoreConfig, metrics)
	if err != nil {
		return nil, err
	}
	return NewLocal(backend, WithMetrics(metrics), WithPollInterval(poll)), nil
}

// LocalOption configures a Local ledger.
type LocalOption func(*Local)

// WithMetrics records domain counters on m.
func WithMetrics(m *observability.Metrics) LocalOption {
	return func(l *Local) { l.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) { l.now = now }
}

// WithPollInterval sets how often idle subscriptions re-read the store.
func WithPollInterval(d time.Duration) LocalOption {
	return func(l *Local) {
		if d > 0 {
			l.poll = d
		}
	}
}

// Local is a ledger that enforces the signing rules in process over a
// physical record store. All mutations are serialised by one mutex, so
// they are applied in submission order. The store re-checks activity and
// prior signatures when it applies a mutation, which keeps the rules
// intact when several ledgers share one store.
type Local struct {
	store   physical.Backend
	metrics *observability.Metrics
	log     *logging.Logger
	now     func() time.Time
	poll    time.Duration

	mu sync.Mutex

	notifyMu sync.Mutex
	notify   chan struct{}

	closed atomic.Bool
	done   chan struct{}
	subs   sync.WaitGroup
}

// NewLocal creates a local ledger over store. The ledger owns store and
// closes it on Close.
func NewLocal(store physical.Backend, opts ...LocalOption) *Local {
	l := &Local{
		store:  store,
		log:    logging.New(nil).WithComponent("ledger"),
		now:    time.Now,
		poll:   defaultPollInterval,
		notify: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateCost returns the cost of creating a document with n signers.
func CreateCost(n int) uint64 {
	return CostBase + 2*CostStoreSlot + uint64(n)*CostStoreSlot + CostStoreSlot
}

// SignCost returns the cost of a signature by the signer at index idx in
// the signer list, storing a metadata reference of refLen bytes.
func SignCost(idx, refLen int) uint64 {
	words := uint64((refLen + costWordBytes - 1) / costWordBytes)
	return CostBase + 2*CostStoreSlot + words*CostStoreSlot + uint64(idx+1)*CostReadSlot
}

// RevokeCost returns the cost of deactivating a document.
func RevokeCost() uint64 {
	return CostBase + CostReadSlot + CostUpdateSlot
}

func checkCeiling(op string, cost uint64, opts MutateOptions) error {
	if opts.CostCeiling > 0 && cost > opts.CostCeiling {
		e := errors.Rejected(errors.ReasonCostCeilingExceeded, op)
		e.Message = "projected cost exceeds ceiling"
		return e
	}
	return nil
}

// storeErr classifies a record store failure.
func storeErr(op string, err error) error {
	switch {
	case stderrors.Is(err, physical.ErrNotFound):
		return errors.Rejected(errors.ReasonDocumentMissing, op)
	case stderrors.Is(err, physical.ErrExists):
		return errors.Rejected(errors.ReasonDocumentExists, op)
	case stderrors.Is(err, physical.ErrInactive):
		return errors.Rejected(errors.ReasonDocumentInactive, op)
	case stderrors.Is(err, physical.ErrAlreadySigned):
		return errors.Rejected(errors.ReasonAlreadySigned, op)
	case stderrors.Is(err, physical.ErrClosed):
		return errors.Wrap(errors.KindInternal, op, err)
	default:
		return errors.Wrap(errors.KindUpstreamUnavailable, op, err)
	}
}

func (l *Local) checkOpen(op string) error {
	if l.closed.Load() {
		return errors.New(errors.KindInternal, errors.ReasonNone, op, "ledger closed")
	}
	return nil
}

// signerIndex scans signers in order and returns the first match, or -1.
func signerIndex(signers []identity.Address, a identity.Address) int {
	for i, s := range signers {
		if s == a {
			return i
		}
	}
	return -1
}

func (l *Local) loadDocument(ctx context.Context, op string, id document.ID) (*physical.DocumentRecord, error) {
	rec, err := l.store.GetDocument(ctx, id)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return rec, nil
}

func (l *Local) loadSignature(ctx context.Context, id document.ID, signer identity.Address) (physical.SignatureRecord, error) {
	rec, err := l.store.GetSignature(ctx, id, signer)
	if stderrors.Is(err, physical.ErrNotFound) {
		return physical.SignatureRecord{}, nil
	}
	if err != nil {
		return physical.SignatureRecord{}, err
	}
	return *rec, nil
}

// validateCreate checks the create rules and returns the projected cost.
func (l *Local) validateCreate(ctx context.Context, op string, id document.ID, signers []identity.Address) (uint64, error) {
	if id.IsZero() {
		return 0, errors.New(errors.KindInvalidInput, errors.ReasonNone, op, "document id is zero")
	}
	if len(signers) == 0 {
		return 0, errors.Rejected(errors.ReasonEmptySigners, op)
	}
	_, err := l.store.GetDocument(ctx, id)
	if err == nil {
		return 0, errors.Rejected(errors.ReasonDocumentExists, op)
	}
	if !stderrors.Is(err, physical.ErrNotFound) {
		return 0, storeErr(op, err)
	}
	return CreateCost(len(signers)), nil
}

// validateSign checks the signing rules in order: existence, activity,
// authorisation, then prior signature.
func (l *Local) validateSign(ctx context.Context, op string, caller identity.Address, id document.ID, metadataRef string) (uint64, error) {
	rec, err := l.loadDocument(ctx, op, id)
	if err != nil {
		return 0, err
	}
	if !rec.Active {
		return 0, errors.Rejected(errors.ReasonDocumentInactive, op)
	}
	idx := signerIndex(rec.Signers, caller)
	if idx < 0 {
		return 0, errors.Rejected(errors.ReasonNotAuthorized, op)
	}
	sig, err := l.loadSignature(ctx, id, caller)
	if err != nil {
		return 0, storeErr(op, err)
	}
	if sig.Signed {
		return 0, errors.Rejected(errors.ReasonAlreadySigned, op)
	}
	return SignCost(idx, len(metadataRef)), nil
}

func (l *Local) validateRevoke(ctx context.Context, op string, caller identity.Address, id document.ID) (*physical.DocumentRecord, error) {
	rec, err := l.loadDocument(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if rec.Creator != caller {
		return nil, errors.Rejected(errors.ReasonNotCreator, op)
	}
	return rec, nil
}

func (l *Local) apply(ctx context.Context, op string, m *physical.Mutation) (document.Position, error) {
	pos, err := l.store.Apply(ctx, m)
	if err != nil {
		return 0, storeErr(op, err)
	}
	l.broadcast()
	return pos, nil
}

// CreateDocument implements Ledger.
func (l *Local) CreateDocument(ctx context.Context, caller identity.Address, id document.ID, signers []identity.Address, opts MutateOptions) (r *Receipt, err error) {
	const opName = "ledger.create"
	op, ctx := observability.StartOperation(ctx, l.metrics, opName,
		attribute.String("document", id.Hex()), attribute.Int("signers", len(signers)))
	defer func() { op.End(err) }()

	if err := l.checkOpen(opName); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cost, err := l.validateCreate(ctx, opName, id, signers)
	if err != nil {
		return nil, err
	}
	if err := checkCeiling(opName, cost, opts); err != nil {
		return nil, err
	}

	now := l.now()
	pos, err := l.apply(ctx, opName, &physical.Mutation{
		Create: true,
		Document: &physical.DocumentRecord{
			ID:        id,
			Creator:   caller,
			Signers:   append([]identity.Address(nil), signers...),
			CreatedAt: now.UnixNano(),
			Active:    true,
		},
		IndexCreator: true,
		Event:        &document.Event{Kind: document.EventCreated, DocumentID: id, Actor: caller, At: now},
	})
	if err != nil {
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.DocumentsCreated.Inc()
	}
	l.log.WithDocument(id).WithAddress("creator", caller).DebugContext(ctx, "document created", "position", pos)
	return &Receipt{Position: pos, Cost: cost, At: now}, nil
}

// SignDocument implements Ledger. The caller is the signer.
func (l *Local) SignDocument(ctx context.Context, caller identity.Address, id document.ID, metadataRef string, opts MutateOptions) (r *Receipt, err error) {
	const opName = "ledger.sign"
	op, ctx := observability.StartOperation(ctx, l.metrics, opName,
		attribute.String("document", id.Hex()), attribute.String("signer", caller.Hex()))
	defer func() { op.End(err) }()

	if err := l.checkOpen(opName); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cost, err := l.validateSign(ctx, opName, caller, id, metadataRef)
	if err != nil {
		return nil, err
	}
	if err := checkCeiling(opName, cost, opts); err != nil {
		return nil, err
	}

	now := l.now()
	pos, err := l.apply(ctx, opName, &physical.Mutation{
		RequireActive: true,
		Signature: &physical.SignatureWrite{
			ID:     id,
			Signer: caller,
			Record: physical.SignatureRecord{Signed: true, SignedAt: now.UnixNano(), MetadataRef: metadataRef},
		},
		Event: &document.Event{Kind: document.EventSigned, DocumentID: id, Actor: caller, At: now},
	})
	if err != nil {
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.SignaturesRecorded.Inc()
	}
	l.log.WithDocument(id).WithAddress("signer", caller).DebugContext(ctx, "document signed", "position", pos)
	return &Receipt{Position: pos, Cost: cost, At: now}, nil
}

// RevokeDocument implements Ledger. Only the creator may revoke; revoking
// an inactive document succeeds without a new position.
func (l *Local) RevokeDocument(ctx context.Context, caller identity.Address, id document.ID, opts MutateOptions) (r *Receipt, err error) {
	const opName = "ledger.revoke"
	op, ctx := observability.StartOperation(ctx, l.metrics, opName,
		attribute.String("document", id.Hex()))
	defer func() { op.End(err) }()

	if err := l.checkOpen(opName); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.validateRevoke(ctx, opName, caller, id)
	if err != nil {
		return nil, err
	}
	cost := RevokeCost()
	if err := checkCeiling(opName, cost, opts); err != nil {
		return nil, err
	}

	now := l.now()
	if !rec.Active {
		return l.noopReceipt(ctx, opName, cost, now)
	}

	rec.Active = false
	pos, err := l.store.Apply(ctx, &physical.Mutation{
		RequireActive: true,
		Document:      rec,
		Event:         &document.Event{Kind: document.EventRevoked, DocumentID: id, Actor: caller, At: now},
	})
	if stderrors.Is(err, physical.ErrInactive) {
		// Revoked by another ledger sharing the store.
		return l.noopReceipt(ctx, opName, cost, now)
	}
	if err != nil {
		return nil, storeErr(opName, err)
	}
	l.broadcast()

	if l.metrics != nil {
		l.metrics.DocumentsRevoked.Inc()
	}
	return &Receipt{Position: pos, Cost: cost, At: now}, nil
}

// noopReceipt acknowledges a revoke that changed nothing at the current
// position.
func (l *Local) noopReceipt(ctx context.Context, op string, cost uint64, now time.Time) (*Receipt, error) {
	pos, err := l.store.Position(ctx)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return &Receipt{Position: pos, Cost: cost, At: now}, nil
}

// GetDocument implements Ledger.
func (l *Local) GetDocument(ctx context.Context, id document.ID) (*document.Document, error) {
	const opName = "ledger.get_document"
	if err := l.checkOpen(opName); err != nil {
		return nil, err
	}
	rec, err := l.loadDocument(ctx, opName, id)
	if err != nil {
		return nil, err
	}
	return &document.Document{
		ID:        rec.ID,
		Creator:   rec.Creator,
		Signers:   rec.Signers,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
		Active:    rec.Active,
	}, nil
}

// IsFullySigned implements Ledger.
func (l *Local) IsFullySigned(ctx context.Context, id document.ID) (bool, error) {
	const opName = "ledger.is_fully_signed"
	if err := l.checkOpen(opName); err != nil {
		return false, err
	}
	rec, err := l.loadDocument(ctx, opName, id)
	if err != nil {
		return false, err
	}
	for _, s := range rec.Signers {
		sig, err := l.loadSignature(ctx, id, s)
		if err != nil {
			return false, storeErr(opName, err)
		}
		if !sig.Signed {
			return false, nil
		}
	}
	return true, nil
}

func toSignature(signer identity.Address, required bool, rec physical.SignatureRecord) *document.Signature {
	sig := &document.Signature{
		Signer:      signer,
		Required:    required,
		Signed:      rec.Signed,
		MetadataRef: rec.MetadataRef,
	}
	if rec.Signed {
		sig.SignedAt = time.Unix(0, rec.SignedAt).UTC()
	}
	return sig
}

// GetSignature implements Ledger.
func (l *Local) GetSignature(ctx context.Context, id document.ID, signer identity.Address) (*document.Signature, error) {
	const opName = "ledger.get_signature"
	if err := l.checkOpen(opName); err != nil {
		return nil, err
	}
	rec, err := l.loadDocument(ctx, opName, id)
	if err != nil {
		return nil, err
	}
	if signerIndex(rec.Signers, signer) < 0 {
		return &document.Signature{Signer: signer}, nil
	}
	sig, err := l.loadSignature(ctx, id, signer)
	if err != nil {
		return nil, storeErr(opName, err)
	}
	return toSignature(signer, true, sig), nil
}

// GetDocumentSigners implements Ledger.
func (l *Local) GetDocumentSigners(ctx context.Context, id document.ID) ([]identity.Address, error) {
	const opName = "ledger.get_signers"
	if err := l.checkOpen(opName); err != nil {
		return nil, err
	}
	rec, err := l.loadDocument(ctx, opName, id)
	if err != nil {
		return nil, err
	}
	return append([]identity.Address(nil), rec.Signers...), nil
}

// GetUserDocuments implements Ledger.
func (l *Local) GetUserDocuments(ctx context.Context, creator identity.Address) ([]document.ID, error) {
	const opName = "ledger.get_user_documents"
	if err := l.checkOpen(opName); err != nil {
		return nil, err
	}
	ids, err := l.store.ListByCreator(ctx, creator)
	if err != nil {
		return nil, storeErr(opName, err)
	}
	if ids == nil {
		ids = []document.ID{}
	}
	return ids, nil
}

// VerifyDocumentSignature implements Ledger.
func (l *Local) VerifyDocumentSignature(ctx context.Context, id document.ID, signer identity.Address) (*document.Verification, error) {
	const opName = "ledger.verify"
	if err := l.checkOpen(opName); err != nil {
		return nil, err
	}
	rec, err := l.store.GetDocument(ctx, id)
	if stderrors.Is(err, physical.ErrNotFound) {
		return &document.Verification{}, nil
	}
	if err != nil {
		return nil, storeErr(opName, err)
	}
	sig, err := l.loadSignature(ctx, id, signer)
	if err != nil {
		return nil, storeErr(opName, err)
	}
	v := &document.Verification{Found: true, Valid: sig.Signed, Active: rec.Active}
	if sig.Signed {
		v.SignedAt = time.Unix(0, sig.SignedAt).UTC()
	}
	return v, nil
}

// EstimateCost implements Ledger. A call the rules would reject returns
// the same error the mutation would.
func (l *Local) EstimateCost(ctx context.Context, caller identity.Address, call Call) (uint64, error) {
	const opName = "ledger.estimate"
	if err := l.checkOpen(opName); err != nil {
		return 0, err
	}
	switch call.Op {
	case OpCreate:
		return l.validateCreate(ctx, opName, call.ID, call.Signers)
	case OpSign:
		return l.validateSign(ctx, opName, caller, call.ID, call.MetadataRef)
	case OpRevoke:
		if _, err := l.validateRevoke(ctx, opName, caller, call.ID); err != nil {
			return 0, err
		}
		return RevokeCost(), nil
	default:
		return 0, errors.Newf(errors.KindInvalidInput, opName, "unknown operation %q", call.Op)
	}
}

func (l *Local) changed() <-chan struct{} {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	return l.notify
}

func (l *Local) broadcast() {
	l.notifyMu.Lock()
	close(l.notify)
	l.notify = make(chan struct{})
	l.notifyMu.Unlock()
}

type localSubscription struct {
	errc chan error
	quit chan struct{}
	once sync.Once
}

func (s *localSubscription) Err() <-chan error { return s.errc }

func (s *localSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.quit) })
}

// Subscribe implements Ledger. Delivery starts after the current position
// and runs on a single goroutine, so h sees events in position order.
func (l *Local) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	const opName = "ledger.subscribe"
	if err := l.checkOpen(opName); err != nil {
		return nil, err
	}
	after, err := l.store.Position(ctx)
	if err != nil {
		return nil, storeErr(opName, err)
	}

	sub := &localSubscription{errc: make(chan error, 1), quit: make(chan struct{})}
	l.subs.Add(1)
	go func() {
		defer l.subs.Done()
		defer close(sub.errc)
		l.tail(ctx, sub, after, h)
	}()
	return sub, nil
}

func (l *Local) tail(ctx context.Context, sub *localSubscription, after document.Position, h Handler) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		wake := l.changed()
		events, err := l.store.Events(ctx, after, eventBatchLimit)
		if err != nil {
			if ctx.Err() == nil && !l.closed.Load() {
				sub.errc <- storeErr("ledger.subscribe", err)
			}
			return
		}
		for _, ev := range events {
			select {
			case <-sub.quit:
				return
			default:
			}
			h(ev)
			after = ev.Position
		}
		if len(events) == eventBatchLimit {
			continue
		}

		select {
		case <-sub.quit:
			return
		case <-l.done:
			return
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// Stats returns record store statistics.
func (l *Local) Stats(ctx context.Context) (*physical.Stats, error) {
	return l.store.Stats(ctx)
}

// Close stops subscriptions and closes the record store.
func (l *Local) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.done)
	l.subs.Wait()
	return l.store.Close()
}
