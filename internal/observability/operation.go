package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gezibash/arc-sign/pkg/errors"
)

// Operation tracks a unit of work with a span, metrics and logging.
type Operation struct {
	ctx     context.Context
	span    trace.Span
	metrics *Metrics
	name    string
	start   time.Time
	logger  *slog.Logger
}

// StartOperation begins tracking an operation. m may be nil, in which case
// only the span and log lines are produced.
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := StartSpan(ctx, name, attrs...)
	logger := slog.Default().With("operation", name)
	logger.DebugContext(ctx, "operation started")

	return &Operation{
		ctx:     ctx,
		span:    span,
		metrics: m,
		name:    name,
		start:   time.Now(),
		logger:  logger,
	}, ctx
}

// End finishes the operation. Rejections the caller caused (not found,
// conflict, unauthorized, invalid input) log at warn; everything else that
// fails logs at error.
func (o *Operation) End(err error) {
	duration := time.Since(o.start).Seconds()
	status := "ok"
	if err != nil {
		status = "error"
		kind := errors.KindOf(err)
		level := slog.LevelError
		switch kind {
		case errors.KindNotFound, errors.KindConflict, errors.KindUnauthorized, errors.KindInvalidInput:
			level = slog.LevelWarn
		}
		o.logger.Log(o.ctx, level, "operation failed", "error", err, "kind", string(kind), "duration", duration)
		if o.metrics != nil {
			o.metrics.ErrorsTotal.WithLabelValues(o.name, string(kind)).Inc()
		}
	} else {
		o.logger.DebugContext(o.ctx, "operation completed", "duration", duration)
	}

	EndSpan(o.span, err)
	if o.metrics != nil {
		o.metrics.OperationDuration.WithLabelValues(o.name, status).Observe(duration)
		o.metrics.OperationTotal.WithLabelValues(o.name, status).Inc()
	}
}
