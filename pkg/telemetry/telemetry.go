// Telemetry pipeline bootstrap for runtrace invocations
// Builds tracer, meter and logger providers over stdout or OTLP exporters and drains them once
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Settings selects exporters and signals for a pipeline.
type Settings struct {
	ServiceName string
	Version     string
	// Stdout exports every signal as JSON to Writer instead of OTLP.
	Stdout bool
	// Writer receives stdout exports. Defaults to os.Stdout.
	Writer   io.Writer
	Protocol string
	Endpoint string
	// Signals enables traces, metrics and logs. A nil map enables traces only.
	Signals map[string]bool
}

// Pipeline owns the providers for one invocation.
//
// MeterProvider and LoggerProvider are nil when their signal is disabled.
type Pipeline struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider

	once     sync.Once
	shutdown []shutdownable
}

// Setup creates the providers enabled in s.
func Setup(ctx context.Context, s Settings) (*Pipeline, error) {
	if err := ValidateProtocol(s.Protocol); err != nil {
		return nil, err
	}
	signals := s.Signals
	if signals == nil {
		signals = map[string]bool{SignalTraces: true}
	}
	if s.Writer == nil {
		s.Writer = os.Stdout
	}
	if s.ServiceName == "" {
		s.ServiceName = "runtrace"
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", s.ServiceName),
		attribute.String("runtrace.version", s.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	p := &Pipeline{}

	if signals[SignalTraces] {
		exporter, err := createTraceExporter(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		var sp sdktrace.SpanProcessor
		if s.Stdout {
			sp = sdktrace.NewSimpleSpanProcessor(exporter)
		} else {
			sp = sdktrace.NewBatchSpanProcessor(exporter)
		}
		p.TracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(sp),
			sdktrace.WithResource(res),
		)
	} else {
		p.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	}
	p.shutdown = append(p.shutdown, p.TracerProvider)

	if signals[SignalMetrics] {
		exporter, err := createMetricExporter(ctx, s)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		p.MeterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
			sdkmetric.WithResource(res),
		)
		p.shutdown = append(p.shutdown, p.MeterProvider)
	}

	if signals[SignalLogs] {
		exporter, err := createLogExporter(ctx, s)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("creating log exporter: %w", err)
		}
		var processor sdklog.Processor
		if s.Stdout {
			processor = sdklog.NewSimpleProcessor(exporter)
		} else {
			processor = sdklog.NewBatchProcessor(exporter)
		}
		p.LoggerProvider = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(processor),
			sdklog.WithResource(res),
		)
		p.shutdown = append(p.shutdown, p.LoggerProvider)
	}

	return p, nil
}

// Shutdown flushes and closes every provider concurrently. Only the first call does any
// work; later calls return nil.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		err = shutdownAll(ctx, p.shutdown)
	})
	return err
}

// shutdownable is anything with a Shutdown method (TracerProvider, MeterProvider, LoggerProvider).
type shutdownable interface {
	Shutdown(context.Context) error
}

// shutdownAll shuts down all items concurrently within the given context.
// A slow item does not block others; every failure is reported.
func shutdownAll[S shutdownable](ctx context.Context, items []S) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}
