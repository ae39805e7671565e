package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// otelState holds the process-wide tracer provider. A mutex rather
// than a Once so the daemon can shut the provider down and a later
// Start can bring it back.
type otelState struct {
	mu       sync.Mutex
	provider *sdktrace.TracerProvider
}

var globalOtel otelState

// InitOpenTelemetry installs the global tracer provider under the
// given service name. A second call while a provider is live is a
// no-op.
func InitOpenTelemetry(serviceName string) error {
	globalOtel.mu.Lock()
	defer globalOtel.mu.Unlock()
	if globalOtel.provider != nil {
		return nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return fmt.Errorf("failed to build tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	)
	globalOtel.provider = tp
	otel.SetTracerProvider(tp)
	return nil
}

// ShutdownOpenTelemetry flushes and releases the global tracer
// provider. Safe to call when tracing was never initialized.
func ShutdownOpenTelemetry(ctx context.Context) error {
	globalOtel.mu.Lock()
	tp := globalOtel.provider
	globalOtel.provider = nil
	globalOtel.mu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span and makes sure the returned context carries a
// trace id that log lines can correlate on.
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
