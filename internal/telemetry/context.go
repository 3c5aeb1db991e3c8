package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	loggerContextKey = contextKey("logger")
)

// tracerName is the instrumentation name used for spans started by this module
const tracerName = "github.com/nkkko/redis-profiler"

// ContextWithLogger adds a zerolog.Logger to the context
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext extracts the zerolog.Logger from the context
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(zerolog.Logger); ok {
		return logger
	}
	// Return a no-op logger if none is found
	return zerolog.Nop()
}

// StartSpan starts a new span with the given name
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, name, opts...)

	// Add trace information to logger if present
	if logger, ok := ctx.Value(loggerContextKey).(zerolog.Logger); ok {
		logger = logger.With().
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String()).
			Logger()

		ctx = ContextWithLogger(ctx, logger)
	}

	return ctx, span
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// MarkSpanError marks the current span as having an error
func MarkSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}
