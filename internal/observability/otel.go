// Package observability configures OpenTelemetry tracing for the impulse
// service: an OTLP gRPC exporter, a ratio sampler and W3C propagation.
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

	"github.com/tbourn/impulse-backend/internal/config"
)

// ---- TEST SEAMS ----
var (
	newOTLPClient = otlptracegrpc.NewClient

	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return otlptrace.New(ctx, client)
	}

	newServiceResourceFn = func(ctx context.Context, serviceName, version string, extra ...attribute.KeyValue) (*resource.Resource, error) {
		attrs := append([]attribute.KeyValue{
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		}, extra...)
		return resource.New(ctx, resource.WithAttributes(attrs...))
	}
)

// ---------------------------------------------------------------------

// Noop is the shutdown function returned when tracing is disabled.
func Noop(context.Context) error { return nil }

// SetupOTel configures OpenTelemetry tracing and returns a shutdown function.
// The backing stores are recorded on the resource so traces from different
// deployments can be told apart.
func SetupOTel(ctx context.Context, cfg config.Config, version string) (func(context.Context) error, error) {
	oc := cfg.OTEL
	if !oc.Enabled {
		return Noop, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(oc.Endpoint),
	}
	if oc.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		creds := credentials.NewClientTLSFromCert(nil, "")
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}

	client := newOTLPClient(opts...)
	exp, err := newOTLPExporterFn(ctx, client)
	if err != nil {
		return nil, err
	}

	res, err := newServiceResourceFn(ctx, oc.ServiceName, version,
		attribute.String("impulse.db.driver", cfg.DBDriver),
		attribute.String("impulse.storage.driver", cfg.Storage.Driver),
		attribute.String("impulse.storage.bucket", cfg.Storage.Bucket),
	)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(oc.SampleRatio))),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return tp.Shutdown, nil
}
