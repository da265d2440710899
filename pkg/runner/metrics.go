// MetricObserver derives task duration, count, and failure metrics from closed task spans.
// Uses the OTel Metrics API to record measurements with project, target and type attributes.
package runner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricObserver records derived metrics for each observed task.
type MetricObserver struct {
	duration metric.Float64Histogram
	tasks    metric.Int64Counter
	failures metric.Int64Counter
}

// NewMetricObserver creates a MetricObserver backed by the given MeterProvider.
func NewMetricObserver(mp metric.MeterProvider) (*MetricObserver, error) {
	meter := mp.Meter(TracerName, metric.WithInstrumentationVersion(Version))

	duration, err := meter.Float64Histogram("runtrace.task.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of tasks in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	tasks, err := meter.Int64Counter("runtrace.task.count",
		metric.WithDescription("Number of tasks observed"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("runtrace.task.failure.count",
		metric.WithDescription("Number of failed tasks"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricObserver{
		duration: duration,
		tasks:    tasks,
		failures: failures,
	}, nil
}

// Observe records metrics derived from the closed task span.
func (m *MetricObserver) Observe(info TaskInfo) {
	attrs := metric.WithAttributes(
		attribute.String("task.project", info.Project),
		attribute.String("task.target", info.Target),
		attribute.String("task.type", string(info.Type)),
	)
	m.tasks.Add(context.Background(), 1, attrs)
	if info.Duration > 0 {
		m.duration.Record(context.Background(), float64(info.Duration)/float64(time.Millisecond), attrs)
	}
	if info.Type == EventFailure {
		m.failures.Add(context.Background(), 1, attrs)
	}
}
