// Package tracing wires OpenTelemetry spans around pool calls.
package tracing

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"apipool-go/internal/version"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "apipool-go"

var (
	initOnce       sync.Once
	tracerProvider *sdktrace.TracerProvider
)

// Config selects the exporter. Empty fields fall back to the standard
// OTEL_EXPORTER_OTLP_* environment variables.
type Config struct {
	Endpoint    string
	Insecure    *bool
	SampleRatio float64
}

func (c Config) withEnv() Config {
	if c.Endpoint == "" {
		c.Endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	if c.Insecure == nil {
		flag := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))
		insecure := flag == "" || strings.EqualFold(flag, "true") || flag == "1"
		c.Insecure = &insecure
	}
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		c.SampleRatio = 1
		if raw := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 && v <= 1 {
				c.SampleRatio = v
			}
		}
	}
	return c
}

// Init installs an OTLP gRPC exporter when an endpoint is configured and
// returns the provider shutdown function. Without an endpoint the global
// no-op provider stays in place.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	var initErr error
	initOnce.Do(func() {
		cfg = cfg.withEnv()
		if cfg.Endpoint == "" {
			return
		}

		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if *cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			initErr = err
			return
		}

		res, err := resource.New(ctx,
			resource.WithAttributes(
				attribute.String("service.name", tracerName),
				attribute.String("service.version", version.Version),
				attribute.String("service.instance.id", hostname()),
			),
			resource.WithProcess(),
			resource.WithTelemetrySDK(),
			resource.WithFromEnv(),
		)
		if err != nil {
			initErr = err
			return
		}

		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.TraceContext{})
	})

	if initErr != nil {
		return noop, initErr
	}
	if tracerProvider == nil {
		return noop, nil
	}
	return tracerProvider.Shutdown, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(component string) trace.Tracer {
	name := tracerName
	if strings.TrimSpace(component) != "" {
		name = name + "/" + component
	}
	return otel.Tracer(name)
}

// StartSpan is a convenience wrapper around Tracer(component).Start.
func StartSpan(ctx context.Context, component, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer(component).Start(ctx, spanName, opts...)
}

// StartInvoke opens the span covering one intercepted call.
func StartInvoke(ctx context.Context, op string) (context.Context, trace.Span) {
	return StartSpan(ctx, "caller", "apipool.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("apipool.op", op)),
	)
}

// EndInvoke annotates and closes a span opened by StartInvoke.
func EndInvoke(span trace.Span, key, status string, err error) {
	if key != "" {
		span.SetAttributes(attribute.String("apipool.key", key))
	}
	span.SetAttributes(attribute.String("apipool.status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func hostname() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}
