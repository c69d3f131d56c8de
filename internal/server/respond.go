package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gezibash/arc-sign/internal/middleware"
	"github.com/gezibash/arc-sign/pkg/errors"
)

const maxJSONBody = 1 << 20

// ErrorBody is the JSON envelope for every failed request.
type ErrorBody struct {
	RequestID string      `json:"request_id,omitempty"`
	Error     ErrorDetail `json:"error"`
}

// ErrorDetail describes a failure.
type ErrorDetail struct {
	Kind      errors.Kind   `json:"kind"`
	Reason    errors.Reason `json:"reason,omitempty"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return http.StatusRequestEntityTooLarge
	}
	switch errors.ReasonOf(err) {
	case errors.ReasonNotAuthorized, errors.ReasonNotCreator:
		return http.StatusForbidden
	case errors.ReasonRateLimited:
		return http.StatusTooManyRequests
	}
	switch errors.KindOf(err) {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindUnauthorized:
		return http.StatusUnauthorized
	case errors.KindInvalidInput:
		return http.StatusBadRequest
	case errors.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(r *http.Request, err error) ErrorBody {
	kind := errors.KindOf(err)
	msg := err.Error()
	// Internal details stay in the logs.
	if kind == errors.KindInternal {
		msg = "internal error"
	}
	var e *errors.Error
	if errors.As(err, &e) && e.Message != "" && kind != errors.KindInternal {
		msg = e.Message
	}
	return ErrorBody{
		RequestID: middleware.RequestIDFrom(r.Context()),
		Error: ErrorDetail{
			Kind:      kind,
			Reason:    errors.ReasonOf(err),
			Message:   msg,
			Retryable: errors.Retryable(err),
		},
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	log := s.log.WithRequestID(middleware.RequestIDFrom(r.Context())).WithError(err)
	if status >= 500 && status != http.StatusServiceUnavailable {
		log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "status", status)
	} else {
		log.DebugContext(r.Context(), "request rejected", "method", r.Method, "path", r.URL.Path, "status", status)
	}

	var limited *middleware.LimitError
	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", limited.RetryAfter(time.Now()))
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, errorBody(r, err))
}

// decodeJSON reads an optional JSON body into dst. An empty body leaves
// dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return errors.Wrap(errors.KindInvalidInput, "decode body", err)
	}
	return nil
}

func notFound(msg string) error {
	return errors.New(errors.KindNotFound, errors.ReasonNone, "", msg)
}

func invalidInput(msg string) error {
	return errors.New(errors.KindInvalidInput, errors.ReasonNone, "", msg)
}
