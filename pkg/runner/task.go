// Task, event and invocation types shared by the orchestrator and underlying runners
// Tasks carry per-run span annotations; events report task outcomes in arrival order
package runner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EventType discriminates events emitted by an underlying runner.
type EventType string

// Event types emitted by the bundled runners. Other values are forwarded untouched.
const (
	EventSuccess EventType = "success"
	EventFailure EventType = "failure"
	EventSkipped EventType = "skipped"
)

// Task is a unit of work handed to an underlying runner.
//
// The orchestrator never inspects ID, Command or the other definition fields. It owns the
// annotation fields for the duration of one run: Context is stamped before the runner is
// invoked, Span is ended and cleared when the task's event is observed.
type Task struct {
	ID        string
	Project   string
	Target    string
	Command   string
	Dir       string
	Env       map[string]string
	DependsOn []string

	// Context is the tracing context the task span must be parented to.
	Context context.Context //nolint:containedctx // per-run annotation set by the orchestrator
	// Span is the task's span, opened by whichever runner executes the task.
	Span trace.Span
	// StartTime is when the task span was opened.
	StartTime time.Time
	// EndTime is when the task's work finished. Zero means "end at observation time".
	EndTime time.Time
}

// Event is an outcome notification from an underlying runner.
// Task is nil for stream-level events.
type Event struct {
	Type   EventType
	Task   *Task
	Code   int
	Output string
}

// RunContext is immutable metadata describing one invocation.
type RunContext struct {
	Target            string
	InitiatingProject string
}

// Options selects the underlying runner and carries its runner-specific options.
type Options struct {
	Runner        string
	RunnerOptions map[string]any
}

// StartTaskSpan opens the span for a task as a child of task.Context, backdated to start,
// and records it on the task. It returns the context carrying the new span.
func StartTaskSpan(tracer trace.Tracer, task *Task, start time.Time) context.Context {
	parent := task.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, span := tracer.Start(parent, task.ID,
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.project", task.Project),
			attribute.String("task.target", task.Target),
		),
	)
	task.Span = span
	task.StartTime = start
	return ctx
}
