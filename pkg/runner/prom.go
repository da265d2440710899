// PromObserver exposes task outcomes as Prometheus collectors
// Suitable for pushing to a Pushgateway at the end of a batch run
package runner

import "github.com/prometheus/client_golang/prometheus"

// PromObserver counts task outcomes and durations in Prometheus collectors.
type PromObserver struct {
	tasks    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPromObserver creates a PromObserver and registers its collectors with reg.
func NewPromObserver(reg prometheus.Registerer) (*PromObserver, error) {
	p := &PromObserver{
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtrace_tasks_total",
				Help: "Total number of tasks by project, target and outcome.",
			},
			[]string{"project", "target", "type"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runtrace_task_duration_seconds",
				Help:    "Task duration in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"project", "target"},
		),
	}
	for _, c := range []prometheus.Collector{p.tasks, p.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Observe records the task outcome and, when known, its duration.
func (p *PromObserver) Observe(info TaskInfo) {
	p.tasks.WithLabelValues(info.Project, info.Target, string(info.Type)).Inc()
	if info.Duration > 0 {
		p.duration.WithLabelValues(info.Project, info.Target).Observe(info.Duration.Seconds())
	}
}
