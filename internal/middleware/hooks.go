package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-sign/internal/auth"
	"github.com/gezibash/arc-sign/internal/ephemeral"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/pkg/errors"
)

type requestIDKey struct{}

// RequestIDFrom returns the id assigned by RequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithRequestID stores id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID assigns every request a fresh id.
func RequestID() Hook {
	return func(ctx context.Context, _ *CallInfo) (context.Context, error) {
		return WithRequestID(ctx, "req_"+uuid.NewString()), nil
	}
}

// LimitError carries when a rate-limit window reopens.
type LimitError struct {
	Limit   int
	ResetAt time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("more than %d requests in window, retry at %s", e.Limit, e.ResetAt.Format(time.RFC3339))
}

// RetryAfter is the Retry-After header value in whole seconds, at least 1.
func (e *LimitError) RetryAfter(now time.Time) string {
	secs := int(e.ResetAt.Sub(now).Seconds() + 0.999)
	return strconv.Itoa(max(secs, 1))
}

// RateLimit counts requests per caller in fixed windows. The key is the
// authenticated address when one is in the context and the client IP
// otherwise. The counter is advisory: when the store fails the request is
// let through.
func RateLimit(store ephemeral.Store, limit int, window time.Duration, metrics *observability.Metrics) Hook {
	return func(ctx context.Context, info *CallInfo) (context.Context, error) {
		key := "rl:ip:" + info.RemoteIP
		if addr, ok := auth.CallerFrom(ctx); ok {
			key = "rl:addr:" + addr.Hex()
		}
		n, resetAt, err := store.Incr(ctx, key, window)
		if err != nil {
			slog.WarnContext(ctx, "rate limit store unavailable", "key", key, "error", err)
			return ctx, nil
		}
		if n > int64(limit) {
			if metrics != nil {
				metrics.RateLimited.Inc()
			}
			return ctx, &errors.Error{
				Kind:    errors.KindUpstreamUnavailable,
				Reason:  errors.ReasonRateLimited,
				Op:      "ratelimit",
				Message: "too many requests",
				Err:     &LimitError{Limit: limit, ResetAt: resetAt},
			}
		}
		return ctx, nil
	}
}
