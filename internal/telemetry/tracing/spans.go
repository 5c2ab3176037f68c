package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	storeTracerName    = "flux-store"
	executorTracerName = "flux-executor"
)

// TraceStoreCall creates a span for a store RPC (query or mutation).
func TraceStoreCall(ctx context.Context, kind, endpoint string) (context.Context, trace.Span) {
	ctx, span := Tracer(storeTracerName).Start(ctx, "store."+kind,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("endpoint", endpoint),
	)
	return ctx, span
}

// TraceExecutorRun creates a span for a single task execution.
func TraceExecutorRun(ctx context.Context, taskID, backend string) (context.Context, trace.Span) {
	ctx, span := Tracer(executorTracerName).Start(ctx, "executor.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("backend", backend),
	)
	return ctx, span
}

// TraceBackendRun creates a span for a backend subprocess invocation.
func TraceBackendRun(ctx context.Context, backend string) (context.Context, trace.Span) {
	ctx, span := Tracer(executorTracerName).Start(ctx, "backend.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("backend", backend),
	)
	return ctx, span
}

// RecordResult records the outcome of a traced operation on its span.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
