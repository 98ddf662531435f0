// Package observability wires OpenTelemetry tracing for both the long-running
// server and the Lambda runtime.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"google.golang.org/grpc/credentials"

	"github.com/tbourn/pillsync/internal/config"
)

// Runtimes reported as the pillsync.runtime resource attribute.
const (
	RuntimeServer = "server"
	RuntimeLambda = "lambda"
)

var runtimeKey = attribute.Key("pillsync.runtime")

// test seams
var (
	newOTLPClient = otlptracegrpc.NewClient

	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return otlptrace.New(ctx, client)
	}

	newServiceResourceFn = func(ctx context.Context, serviceName, version, runtime string) (*resource.Resource, error) {
		return resource.New(
			ctx,
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(version),
				runtimeKey.String(runtime),
			),
		)
	}
)

// Telemetry is the handle returned by Setup. Flush exports buffered spans
// and is called at the end of every Lambda invocation, because the
// environment may be frozen right after the handler returns.
type Telemetry struct {
	Flush    func(context.Context) error
	Shutdown func(context.Context) error
}

func noop(context.Context) error { return nil }

// Setup configures OpenTelemetry tracing. When tracing is disabled the
// returned Telemetry is a no-op and the globals are left untouched.
func Setup(ctx context.Context, cfg config.OTELConfig, version, runtime string) (Telemetry, error) {
	if !cfg.Enabled {
		return Telemetry{Flush: noop, Shutdown: noop}, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		creds := credentials.NewClientTLSFromCert(nil, "")
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}

	exp, err := newOTLPExporterFn(ctx, newOTLPClient(opts...))
	if err != nil {
		return Telemetry{}, err
	}

	res, err := newServiceResourceFn(ctx, cfg.ServiceName, version, runtime)
	if err != nil {
		return Telemetry{}, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return Telemetry{Flush: tp.ForceFlush, Shutdown: tp.Shutdown}, nil
}
