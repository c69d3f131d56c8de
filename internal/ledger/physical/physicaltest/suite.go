// Package physicaltest provides the shared conformance suite for ledger
// record stores. Every backend's tests call Run with a constructor.
package physicaltest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gezibash/arc-sign/internal/ledger/physical"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/identity"
)

// NewBackend returns a fresh, empty backend. It should register its own
// cleanup.
type NewBackend func(t *testing.T) physical.Backend

// Addr returns a deterministic address whose last byte is b.
func Addr(b byte) identity.Address {
	var a identity.Address
	a[0] = 0xA0
	a[19] = b
	return a
}

// DocID returns the document id of the given content.
func DocID(content string) document.ID {
	return document.Compute([]byte(content))
}

// CreateMutation builds the mutation the local ledger issues for a create.
func CreateMutation(id document.ID, creator identity.Address, signers ...identity.Address) *physical.Mutation {
	now := time.Now()
	return &physical.Mutation{
		Create: true,
		Document: &physical.DocumentRecord{
			ID:        id,
			Creator:   creator,
			Signers:   signers,
			CreatedAt: now.UnixNano(),
			Active:    true,
		},
		IndexCreator: true,
		Event:        &document.Event{Kind: document.EventCreated, DocumentID: id, Actor: creator, At: now},
	}
}

// SignMutation builds the mutation the local ledger issues for a signature.
func SignMutation(id document.ID, signer identity.Address, metadataRef string) *physical.Mutation {
	now := time.Now()
	return &physical.Mutation{
		RequireActive: true,
		Signature: &physical.SignatureWrite{
			ID:     id,
			Signer: signer,
			Record: physical.SignatureRecord{Signed: true, SignedAt: now.UnixNano(), MetadataRef: metadataRef},
		},
		Event: &document.Event{Kind: document.EventSigned, DocumentID: id, Actor: signer, At: now},
	}
}

// RevokeMutation builds the mutation the local ledger issues for a revoke
// of rec.
func RevokeMutation(rec *physical.DocumentRecord, caller identity.Address) *physical.Mutation {
	doc := *rec
	doc.Active = false
	return &physical.Mutation{
		RequireActive: true,
		Document:      &doc,
		Event:         &document.Event{Kind: document.EventRevoked, DocumentID: rec.ID, Actor: caller, At: time.Now()},
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, newBackend NewBackend) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newBackend(t)) })
	t.Run("CreateExisting", func(t *testing.T) { testCreateExisting(t, newBackend(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newBackend(t)) })
	t.Run("Signature", func(t *testing.T) { testSignature(t, newBackend(t)) })
	t.Run("Deactivate", func(t *testing.T) { testDeactivate(t, newBackend(t)) })
	t.Run("ListByCreator", func(t *testing.T) { testListByCreator(t, newBackend(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newBackend(t)) })
	t.Run("SignPreconditions", func(t *testing.T) { testSignPreconditions(t, newBackend(t)) })
	t.Run("ConcurrentApply", func(t *testing.T) { testConcurrentApply(t, newBackend(t)) })
	t.Run("ConcurrentSign", func(t *testing.T) {
		be := newBackend(t)
		testConcurrentSign(t, be, be)
	})
	t.Run("Stats", func(t *testing.T) { testStats(t, newBackend(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, newBackend(t)) })
}

func testCreateAndGet(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	id := DocID("contract")
	signers := []identity.Address{Addr(2), Addr(1), Addr(3)}

	pos, err := be.Apply(ctx, CreateMutation(id, Addr(9), signers...))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if pos != 1 {
		t.Errorf("position = %d, want 1", pos)
	}

	rec, err := be.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if rec.ID != id {
		t.Errorf("id = %s, want %s", rec.ID, id)
	}
	if rec.Creator != Addr(9) {
		t.Errorf("creator = %s, want %s", rec.Creator, Addr(9))
	}
	if !rec.Active {
		t.Error("active = false, want true")
	}
	if rec.CreatedAt == 0 {
		t.Error("created_at not stored")
	}
	if len(rec.Signers) != len(signers) {
		t.Fatalf("signers = %v, want %v", rec.Signers, signers)
	}
	for i := range signers {
		if rec.Signers[i] != signers[i] {
			t.Errorf("signers[%d] = %s, want %s (order must be preserved)", i, rec.Signers[i], signers[i])
		}
	}
}

func testCreateExisting(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	id := DocID("dup")

	if _, err := be.Apply(ctx, CreateMutation(id, Addr(1), Addr(2))); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	_, err := be.Apply(ctx, CreateMutation(id, Addr(5), Addr(6)))
	if !errors.Is(err, physical.ErrExists) {
		t.Fatalf("second Apply = %v, want ErrExists", err)
	}

	rec, err := be.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if rec.Creator != Addr(1) {
		t.Errorf("creator = %s, existing record was overwritten", rec.Creator)
	}
	pos, err := be.Position(ctx)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos != 1 {
		t.Errorf("position = %d, rejected create must not advance it", pos)
	}
	ids, _ := be.ListByCreator(ctx, Addr(5))
	if len(ids) != 0 {
		t.Errorf("rejected create was indexed: %v", ids)
	}
}

func testGetMissing(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	id := DocID("nope")

	if _, err := be.GetDocument(ctx, id); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("GetDocument = %v, want ErrNotFound", err)
	}
	if _, err := be.GetSignature(ctx, id, Addr(1)); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("GetSignature = %v, want ErrNotFound", err)
	}
	ids, err := be.ListByCreator(ctx, Addr(1))
	if err != nil {
		t.Fatalf("ListByCreator: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ListByCreator = %v, want empty", ids)
	}
}

func testSignature(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	id := DocID("sign")

	if _, err := be.Apply(ctx, CreateMutation(id, Addr(1), Addr(1), Addr(2))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := be.GetSignature(ctx, id, Addr(2)); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("GetSignature before sign = %v, want ErrNotFound", err)
	}

	pos, err := be.Apply(ctx, SignMutation(id, Addr(2), "abc123"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if pos != 2 {
		t.Errorf("position = %d, want 2", pos)
	}

	rec, err := be.GetSignature(ctx, id, Addr(2))
	if err != nil {
		t.Fatalf("GetSignature: %v", err)
	}
	if !rec.Signed || rec.SignedAt == 0 || rec.MetadataRef != "abc123" {
		t.Errorf("signature = %+v", rec)
	}

	if _, err := be.GetSignature(ctx, id, Addr(1)); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("unsigned signer = %v, want ErrNotFound", err)
	}
}

func testDeactivate(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	id := DocID("revoke")

	if _, err := be.Apply(ctx, CreateMutation(id, Addr(1), Addr(2))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := be.Apply(ctx, SignMutation(id, Addr(2), "")); err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec, err := be.GetDocument(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := be.Apply(ctx, RevokeMutation(rec, Addr(1))); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	got, err := be.GetDocument(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Error("active = true after revoke")
	}
	if len(got.Signers) != 1 || got.Signers[0] != Addr(2) {
		t.Errorf("signers changed: %v", got.Signers)
	}
	sig, err := be.GetSignature(ctx, id, Addr(2))
	if err != nil || !sig.Signed {
		t.Errorf("signature after revoke = %+v, %v", sig, err)
	}
	ids, _ := be.ListByCreator(ctx, Addr(1))
	if len(ids) != 1 {
		t.Errorf("revoke touched creator index: %v", ids)
	}
}

func testListByCreator(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	want := []document.ID{DocID("a"), DocID("b"), DocID("c")}

	for i, id := range want {
		if _, err := be.Apply(ctx, CreateMutation(id, Addr(1), Addr(2))); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if _, err := be.Apply(ctx, CreateMutation(DocID(string(rune('x'+i))), Addr(7), Addr(2))); err != nil {
			t.Fatalf("create other %d: %v", i, err)
		}
	}

	got, err := be.ListByCreator(ctx, Addr(1))
	if err != nil {
		t.Fatalf("ListByCreator: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d ids, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func testEvents(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	id := DocID("events")

	muts := []*physical.Mutation{
		CreateMutation(id, Addr(1), Addr(2), Addr(3)),
		SignMutation(id, Addr(2), ""),
		SignMutation(id, Addr(3), "ref"),
	}
	for _, m := range muts {
		if _, err := be.Apply(ctx, m); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	all, err := be.Events(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	wantKinds := []document.EventKind{document.EventCreated, document.EventSigned, document.EventSigned}
	wantActors := []identity.Address{Addr(1), Addr(2), Addr(3)}
	for i, ev := range all {
		if ev.Position != document.Position(i+1) {
			t.Errorf("events[%d].Position = %d, want %d", i, ev.Position, i+1)
		}
		if ev.Kind != wantKinds[i] {
			t.Errorf("events[%d].Kind = %s, want %s", i, ev.Kind, wantKinds[i])
		}
		if ev.Actor != wantActors[i] {
			t.Errorf("events[%d].Actor = %s, want %s", i, ev.Actor, wantActors[i])
		}
		if ev.DocumentID != id {
			t.Errorf("events[%d].DocumentID = %s", i, ev.DocumentID)
		}
		if ev.At.IsZero() {
			t.Errorf("events[%d].At is zero", i)
		}
	}

	tail, err := be.Events(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Events(after=1): %v", err)
	}
	if len(tail) != 1 || tail[0].Position != 2 {
		t.Errorf("Events(after=1, limit=1) = %+v", tail)
	}

	none, err := be.Events(ctx, 3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("Events(after=3) = %d events, want 0", len(none))
	}
}

func testConcurrentApply(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := DocID("concurrent-" + string(rune('A'+i)))
			if _, err := be.Apply(ctx, CreateMutation(id, Addr(1), Addr(2))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Apply: %v", err)
	}

	events, err := be.Events(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != n {
		t.Fatalf("got %d events, want %d", len(events), n)
	}
	for i, ev := range events {
		if ev.Position != document.Position(i+1) {
			t.Fatalf("events[%d].Position = %d, positions must be dense", i, ev.Position)
		}
	}
}

func testStats(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	for _, c := range []string{"s1", "s2"} {
		if _, err := be.Apply(ctx, CreateMutation(DocID(c), Addr(1), Addr(2))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := be.Apply(ctx, SignMutation(DocID("s1"), Addr(2), "")); err != nil {
		t.Fatal(err)
	}

	stats, err := be.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Documents != 2 {
		t.Errorf("Documents = %d, want 2", stats.Documents)
	}
	if stats.Position != 3 {
		t.Errorf("Position = %d, want 3", stats.Position)
	}
	if stats.BackendType == "" {
		t.Error("BackendType is empty")
	}
}

func testClosed(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	if err := be.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := be.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := be.GetDocument(ctx, DocID("x")); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("GetDocument after close = %v, want ErrClosed", err)
	}
	if _, err := be.Apply(ctx, CreateMutation(DocID("x"), Addr(1), Addr(2))); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("Apply after close = %v, want ErrClosed", err)
	}
}

// NewSharedBackends returns two independent handles onto one fresh store,
// as two API processes would hold. It should register its own cleanup.
type NewSharedBackends func(t *testing.T) (physical.Backend, physical.Backend)

// RunShared checks that preconditions hold across handles sharing a store.
func RunShared(t *testing.T, newShared NewSharedBackends) {
	t.Helper()

	t.Run("ConcurrentSign", func(t *testing.T) {
		a, b := newShared(t)
		testConcurrentSign(t, a, b)
	})
	t.Run("RevokeVisibleToOtherHandle", func(t *testing.T) {
		ctx := context.Background()
		a, b := newShared(t)
		id := DocID("shared-revoke")
		if _, err := a.Apply(ctx, CreateMutation(id, Addr(1), Addr(2))); err != nil {
			t.Fatal(err)
		}
		rec, err := b.GetDocument(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := a.Apply(ctx, RevokeMutation(rec, Addr(1))); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		if _, err := b.Apply(ctx, SignMutation(id, Addr(2), "")); !errors.Is(err, physical.ErrInactive) {
			t.Errorf("sign after revoke on other handle = %v, want ErrInactive", err)
		}
		if _, err := b.Apply(ctx, RevokeMutation(rec, Addr(1))); !errors.Is(err, physical.ErrInactive) {
			t.Errorf("second revoke = %v, want ErrInactive", err)
		}
	})
}

func testSignPreconditions(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	id := DocID("preconditions")

	if _, err := be.Apply(ctx, SignMutation(id, Addr(2), "")); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("sign missing document = %v, want ErrNotFound", err)
	}
	if _, err := be.Apply(ctx, CreateMutation(id, Addr(1), Addr(2), Addr(3))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := be.Apply(ctx, SignMutation(id, Addr(2), "first")); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := be.Apply(ctx, SignMutation(id, Addr(2), "second")); !errors.Is(err, physical.ErrAlreadySigned) {
		t.Errorf("second sign = %v, want ErrAlreadySigned", err)
	}
	sig, err := be.GetSignature(ctx, id, Addr(2))
	if err != nil || sig.MetadataRef != "first" {
		t.Errorf("signature overwritten: %+v, %v", sig, err)
	}

	rec, err := be.GetDocument(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := be.Apply(ctx, RevokeMutation(rec, Addr(1))); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := be.Apply(ctx, SignMutation(id, Addr(3), "")); !errors.Is(err, physical.ErrInactive) {
		t.Errorf("sign revoked document = %v, want ErrInactive", err)
	}
	if _, err := be.Apply(ctx, RevokeMutation(rec, Addr(1))); !errors.Is(err, physical.ErrInactive) {
		t.Errorf("second revoke = %v, want ErrInactive", err)
	}

	// Rejected mutations consume no position.
	pos, err := be.Position(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 3 {
		t.Errorf("position = %d, want 3", pos)
	}
}

// testConcurrentSign races one signer's signature through a and b; exactly
// one write may land.
func testConcurrentSign(t *testing.T, a, b physical.Backend) {
	ctx := context.Background()
	id := DocID("concurrent-sign")
	if _, err := a.Apply(ctx, CreateMutation(id, Addr(1), Addr(2))); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := range n {
		be := a
		if i%2 == 1 {
			be = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := be.Apply(ctx, SignMutation(id, Addr(2), ""))
			switch {
			case err == nil:
				mu.Lock()
				applied++
				mu.Unlock()
			case !errors.Is(err, physical.ErrAlreadySigned):
				t.Errorf("Apply: %v", err)
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("%d signatures applied, want 1", applied)
	}
	events, err := a.Events(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	signed := 0
	for _, ev := range events {
		if ev.Kind == document.EventSigned {
			signed++
		}
	}
	if signed != 1 {
		t.Errorf("%d signed events, want 1", signed)
	}
}
