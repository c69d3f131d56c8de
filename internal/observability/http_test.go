package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareRecordsRoute(t *testing.T) {
	m := NewMetrics()
	h := HTTPMiddleware(m, func(*http.Request) string { return "/documents/{hash}" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("missing"))
		}),
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents/0xabc", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/documents/{hash}", "404")); got != 1 {
		t.Fatalf("requests counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesProcessed.WithLabelValues("out")); got != 7 {
		t.Fatalf("bytes out = %v, want 7", got)
	}
}

func TestHTTPMiddlewareFallsBackToPath(t *testing.T) {
	m := NewMetrics()
	h := HTTPMiddleware(m, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/nonce", nil))

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/auth/nonce", "200")); got != 1 {
		t.Fatalf("requests counter = %v, want 1", got)
	}
}

func TestHTTPMiddlewareTraceHeader(t *testing.T) {
	h := HTTPMiddleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Context() == nil {
			t.Fatal("nil context")
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("traceparent", "00-00000000000000000000000000000001-0000000000000001-01")
	h.ServeHTTP(httptest.NewRecorder(), req)
}

func TestStatusRecorderFirstHeaderWins(t *testing.T) {
	rec := &StatusRecorder{ResponseWriter: httptest.NewRecorder(), Status: http.StatusOK}
	rec.WriteHeader(http.StatusConflict)
	rec.WriteHeader(http.StatusInternalServerError)
	if rec.Status != http.StatusConflict {
		t.Fatalf("Status = %d, want 409", rec.Status)
	}
}

func TestStatusRecorderHijackUnsupported(t *testing.T) {
	rec := &StatusRecorder{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatal("expected error from non-hijackable writer")
	}
}
