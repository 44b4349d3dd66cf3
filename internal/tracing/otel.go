package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceVersion = "0.1.0"

var (
	initOnce sync.Once
	tracerMu sync.RWMutex
	tracerTP *sdktrace.TracerProvider
	initErr  error
)

// InitOpenTelemetry installs the process-wide tracer provider. Every span in
// the process carries the drover service identity; sampling follows the
// parent span so an instrumented host controls the rate. Safe to call more
// than once; only the first call takes effect.
func InitOpenTelemetry(serviceName string) error {
	initOnce.Do(func() {
		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(serviceVersion),
			),
		)
		if err != nil {
			initErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		)

		tracerMu.Lock()
		tracerTP = tp
		tracerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return initErr
}

// ShutdownOpenTelemetry flushes pending spans and stops the provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	tracerMu.RLock()
	tp := tracerTP
	tracerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span and mirrors its otel trace id into the context's
// trace_id key when none is set, so log lines and spans from the same run
// correlate.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}
