// Package telemetry provides the structured logging, metrics, and tracing
// surface shared by every component of the orchestration server (C12).
//
// Every traced operation emits a "started" event, a "finished" event
// carrying its duration, and — on error — an "exception" event carrying a
// classification. Correlation ids are propagated through context; ClueLogger
// does not add them to the log records it writes.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentrelay/orchestrator/internal/errs"
)

// Logger captures structured logging. Implementations typically delegate to
// Clue but the interface is intentionally small so tests can supply stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter/timer/gauge helpers. ClueMetrics records them as
// OTEL instruments; it writes no log records and no "metric" field.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so the rest of the server stays agnostic of
// the underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

type correlationIDKey struct{}

// WithCorrelationID attaches a correlation id to ctx, where CorrelationID
// reads it back. ClueLogger does not add the id to the log records it
// writes from that context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID returns the correlation id attached to ctx, or "" if none.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// Trace wraps fn with the started/finished/exception event triple required
// of every traced operation, and a span covering its execution. Use it at
// each component boundary that spec.md marks as independently observable
// (admission decisions, supervisor spawns, workflow transitions, ...).
func Trace(ctx context.Context, tracer Tracer, logger Logger, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	start := time.Now()
	logger.Info(ctx, op+".started")

	err := fn(ctx)

	dur := time.Since(start)
	logger.Info(ctx, op+".finished", "duration_ms", dur.Milliseconds())
	if err != nil {
		kind := "unclassified"
		if e, ok := errs.As(err); ok {
			kind = string(e.Kind)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error(ctx, op+".exception", "duration_ms", dur.Milliseconds(), "kind", kind, "error", err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}
