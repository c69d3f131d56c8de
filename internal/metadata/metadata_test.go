package metadata

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/arc-sign/internal/metadata/physical"
	_ "github.com/gezibash/arc-sign/internal/metadata/physical/memory"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/reference"
)

func openMemory(t *testing.T, maxBytes int, m *observability.Metrics) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Backend: "memory", MaxObjectBytes: maxBytes}, m)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// tamperBackend returns different bytes from the ones it was given.
type tamperBackend struct {
	physical.Backend
}

func (tamperBackend) Get(context.Context, reference.Reference) ([]byte, error) {
	return []byte("tampered"), nil
}

type downBackend struct {
	physical.Backend
}

func (downBackend) Put(context.Context, reference.Reference, []byte) error {
	return stderrors.New("connection refused")
}

func TestPutGet(t *testing.T) {
	m := observability.NewMetrics()
	s := openMemory(t, 0, m)
	ctx := context.Background()

	ref, err := s.PutJSON(ctx, map[string]string{"note": "approved by legal"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "approved by legal") {
		t.Errorf("data = %s", data)
	}
	if ok, _ := s.Exists(ctx, ref); !ok {
		t.Error("Exists = false after Put")
	}
	if got := testutil.ToFloat64(m.BytesProcessed.WithLabelValues("metadata_in")); got != float64(len(data)) {
		t.Errorf("bytes in = %v, want %d", got, len(data))
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := openMemory(t, 0, nil)
	_, err := s.Get(context.Background(), reference.Compute([]byte("absent")))
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestIntegrityMismatch(t *testing.T) {
	s := New(tamperBackend{}, nil)
	_, err := s.Get(context.Background(), reference.Compute([]byte("original")))
	if !stderrors.Is(err, ErrIntegrityMismatch) {
		t.Fatalf("err = %v, want ErrIntegrityMismatch", err)
	}
	if errors.KindOf(err) != errors.KindInternal {
		t.Errorf("kind = %s", errors.KindOf(err))
	}
}

func TestBackendFailureIsRetryable(t *testing.T) {
	s := New(downBackend{}, nil)
	_, err := s.Put(context.Background(), []byte("x"))
	if !errors.Retryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
}

func TestObjectLimit(t *testing.T) {
	s := openMemory(t, 8, nil)
	if _, err := s.Put(context.Background(), []byte("0123456789")); errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("err = %v, want invalid input", err)
	}
	if _, err := s.Put(context.Background(), []byte("01234567")); err != nil {
		t.Errorf("Put at limit: %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Config{Backend: "tape"}, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
