// Package telemetry wires optional OpenTelemetry export for recipesync.
// Traces, metrics and logs go to one OTLP gRPC collector over a shared
// connection.
//
// Without a telemetry block in the config the global providers stay no-ops,
// so the sync package's spans and counters cost nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/njoerd114/recipesync/internal/config"
)

// DefaultServiceName is reported as service.name when none is configured.
const DefaultServiceName = "recipesync"

// ShutdownFunc flushes and closes everything Setup started. Call it with a
// fresh context; the main one is usually cancelled by then.
type ShutdownFunc func(context.Context) error

// shutdowns runs registered closers in reverse order and joins their errors.
type shutdowns []namedCloser

type namedCloser struct {
	name string
	fn   func(context.Context) error
}

func (s *shutdowns) add(name string, fn func(context.Context) error) {
	*s = append(*s, namedCloser{name: name, fn: fn})
}

func (s shutdowns) run(ctx context.Context) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", s[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// Setup installs the global trace, meter and logger providers for cfg.
// The returned ShutdownFunc is never nil, so callers can defer it even when
// Setup fails.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (ShutdownFunc, error) {
	res, err := serviceResource(cfg.ServiceName)
	if err != nil {
		return noopShutdown, err
	}

	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(transportCreds(cfg.Insecure)))
	if err != nil {
		return noopShutdown, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}

	var stack shutdowns
	stack.add("OTLP gRPC connection", func(context.Context) error { return conn.Close() })
	fail := func(err error) (ShutdownFunc, error) {
		_ = stack.run(ctx)
		return noopShutdown, err
	}

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return fail(fmt.Errorf("creating OTLP trace exporter: %w", err))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	stack.add("trace provider", tp.Shutdown)

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return fail(fmt.Errorf("creating OTLP metric exporter: %w", err))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	stack.add("metric provider", mp.Shutdown)

	logExp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return fail(fmt.Errorf("creating OTLP log exporter: %w", err))
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	stack.add("log provider", lp.Shutdown)

	// Install globals only once every exporter exists.
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	return stack.run, nil
}

// serviceResource merges the SDK defaults with service.name. NewSchemaless
// avoids a schema URL conflict between the SDK's semconv and ours.
func serviceResource(name string) (*resource.Resource, error) {
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(name)))
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func transportCreds(plain bool) credentials.TransportCredentials {
	if plain {
		return insecure.NewCredentials()
	}
	return credentials.NewTLS(nil) // system root CAs
}

func noopShutdown(context.Context) error { return nil }
