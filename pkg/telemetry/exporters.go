package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// exporterSet holds one signal's exporter constructors; newExporter picks one from Settings.
type exporterSet[E any] struct {
	signal string
	stdout func() (E, error)
	grpc   func(endpoint string) (E, error)
	http   func(endpoint string) (E, error)
}

func newExporter[E any](s Settings, set exporterSet[E]) (E, error) {
	if s.Stdout {
		return set.stdout()
	}
	switch s.Protocol {
	case ProtocolGRPC:
		return set.grpc(s.Endpoint)
	case ProtocolHTTP, "":
		return set.http(s.Endpoint)
	default:
		var zero E
		return zero, fmt.Errorf("unsupported protocol %q for %s, supported: http/protobuf, grpc", s.Protocol, set.signal)
	}
}

func createTraceExporter(ctx context.Context, s Settings) (sdktrace.SpanExporter, error) {
	return newExporter(s, exporterSet[sdktrace.SpanExporter]{
		signal: "traces",
		stdout: func() (sdktrace.SpanExporter, error) {
			return stdouttrace.New(stdouttrace.WithWriter(s.Writer))
		},
		grpc: func(endpoint string) (sdktrace.SpanExporter, error) {
			var opts []otlptracegrpc.Option
			if endpoint != "" {
				opts = append(opts, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
			}
			return otlptracegrpc.New(ctx, opts...)
		},
		http: func(endpoint string) (sdktrace.SpanExporter, error) {
			var opts []otlptracehttp.Option
			if endpoint != "" {
				opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
			}
			return otlptracehttp.New(ctx, opts...)
		},
	})
}

func createMetricExporter(ctx context.Context, s Settings) (sdkmetric.Exporter, error) {
	return newExporter(s, exporterSet[sdkmetric.Exporter]{
		signal: "metrics",
		stdout: func() (sdkmetric.Exporter, error) {
			return stdoutmetric.New(stdoutmetric.WithWriter(s.Writer))
		},
		grpc: func(endpoint string) (sdkmetric.Exporter, error) {
			var opts []otlpmetricgrpc.Option
			if endpoint != "" {
				opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
			}
			return otlpmetricgrpc.New(ctx, opts...)
		},
		http: func(endpoint string) (sdkmetric.Exporter, error) {
			var opts []otlpmetrichttp.Option
			if endpoint != "" {
				opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
			}
			return otlpmetrichttp.New(ctx, opts...)
		},
	})
}

func createLogExporter(ctx context.Context, s Settings) (sdklog.Exporter, error) {
	return newExporter(s, exporterSet[sdklog.Exporter]{
		signal: "logs",
		stdout: func() (sdklog.Exporter, error) {
			return stdoutlog.New(stdoutlog.WithWriter(s.Writer))
		},
		grpc: func(endpoint string) (sdklog.Exporter, error) {
			var opts []otlploggrpc.Option
			if endpoint != "" {
				opts = append(opts, otlploggrpc.WithEndpoint(endpoint), otlploggrpc.WithInsecure())
			}
			return otlploggrpc.New(ctx, opts...)
		},
		http: func(endpoint string) (sdklog.Exporter, error) {
			var opts []otlploghttp.Option
			if endpoint != "" {
				opts = append(opts, otlploghttp.WithEndpoint(endpoint), otlploghttp.WithInsecure())
			}
			return otlploghttp.New(ctx, opts...)
		},
	})
}
