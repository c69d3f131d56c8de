package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gezibash/arc-sign/internal/ledger/physical"
	"github.com/gezibash/arc-sign/internal/ledger/physical/sqlite"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
)

// signGate holds signature writes until it opens, so a test can line up
// signatures that were all validated against the same state.
type signGate struct {
	arrived sync.WaitGroup
	open    chan struct{}
}

func newSignGate(writers int) *signGate {
	g := &signGate{open: make(chan struct{})}
	g.arrived.Add(writers)
	return g
}

type gatedStore struct {
	physical.Backend
	gate *signGate
}

func (s *gatedStore) Apply(ctx context.Context, m *physical.Mutation) (document.Position, error) {
	if m.Signature != nil && s.gate != nil {
		s.gate.arrived.Done()
		<-s.gate.open
	}
	return s.Backend.Apply(ctx, m)
}

// sharedLedgers returns one ledger per gate, all over the same sqlite file,
// as separate API processes sharing a store would run.
func sharedLedgers(t *testing.T, gates ...*signGate) []*Local {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	out := make([]*Local, len(gates))
	for i, g := range gates {
		be, err := sqlite.NewFactory(context.Background(), map[string]string{sqlite.KeyPath: path})
		if err != nil {
			t.Fatal(err)
		}
		l := NewLocal(&gatedStore{Backend: be, gate: g}, WithPollInterval(20*time.Millisecond))
		t.Cleanup(func() { l.Close() })
		out[i] = l
	}
	return out
}

func signedEvents(t *testing.T, l *Local) int {
	t.Helper()
	events, err := l.store.Events(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, ev := range events {
		if ev.Kind == document.EventSigned {
			n++
		}
	}
	return n
}

func TestSharedStoreSignsOnce(t *testing.T) {
	gate := newSignGate(2)
	ls := sharedLedgers(t, gate, gate)
	ctx := context.Background()
	id := document.Compute([]byte("shared"))
	if _, err := ls[0].CreateDocument(ctx, alice, id, []identity.Address{bob}, MutateOptions{}); err != nil {
		t.Fatal(err)
	}

	errs := make([]error, len(ls))
	var wg sync.WaitGroup
	for i, l := range ls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = l.SignDocument(ctx, bob, id, "", MutateOptions{})
		}()
	}
	// Both ledgers have passed their own already-signed check.
	gate.arrived.Wait()
	close(gate.open)
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		wantReason(t, err, errors.KindConflict, errors.ReasonAlreadySigned)
	}
	if ok != 1 {
		t.Fatalf("sign errs = %v, want exactly one success", errs)
	}
	if n := signedEvents(t, ls[1]); n != 1 {
		t.Errorf("%d signed events, want 1", n)
	}
}

func TestSharedStoreRevokeBeatsValidatedSign(t *testing.T) {
	gate := newSignGate(1)
	ls := sharedLedgers(t, gate, nil)
	signer, revoker := ls[0], ls[1]
	ctx := context.Background()
	id := document.Compute([]byte("shared-revoke"))
	if _, err := revoker.CreateDocument(ctx, alice, id, []identity.Address{bob}, MutateOptions{}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := signer.SignDocument(ctx, bob, id, "", MutateOptions{})
		done <- err
	}()
	gate.arrived.Wait()
	if _, err := revoker.RevokeDocument(ctx, alice, id, MutateOptions{}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	close(gate.open)

	wantReason(t, <-done, errors.KindConflict, errors.ReasonDocumentInactive)
	sig, err := revoker.GetSignature(ctx, id, bob)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Signed {
		t.Error("signature landed after revoke")
	}
	if n := signedEvents(t, revoker); n != 0 {
		t.Errorf("%d signed events, want 0", n)
	}
}

func TestSharedStoreConcurrentRevoke(t *testing.T) {
	ls := sharedLedgers(t, nil, nil)
	ctx := context.Background()
	id := document.Compute([]byte("shared-double-revoke"))
	if _, err := ls[0].CreateDocument(ctx, alice, id, []identity.Address{bob}, MutateOptions{}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, l := range ls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.RevokeDocument(ctx, alice, id, MutateOptions{}); err != nil {
				t.Errorf("revoke: %v", err)
			}
		}()
	}
	wg.Wait()

	events, err := ls[0].store.Events(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	revoked := 0
	for _, ev := range events {
		if ev.Kind == document.EventRevoked {
			revoked++
		}
	}
	if revoked != 1 {
		t.Errorf("%d revoked events, want 1", revoked)
	}
}
