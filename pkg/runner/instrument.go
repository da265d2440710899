// Span orchestration around an underlying task runner
// Opens the root span, stamps task contexts, closes task spans as events arrive and drains telemetry
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the instrumentation scope the orchestrator registers under.
	TracerName = "github.com/andrewh/runtrace"
	// DefaultRootSpanName names the root span when Instrumenter.RootSpanName is empty.
	DefaultRootSpanName = "runtrace.command"
	// DefaultDrainTimeout bounds the telemetry pipeline shutdown.
	DefaultDrainTimeout = 5 * time.Second
)

// Version is the instrumentation version reported alongside TracerName.
// Overridden at build time with -ldflags.
var Version = "dev"

// ErrNoStream is returned when a runner reports success but returns no stream.
var ErrNoStream = errors.New("runner returned no stream")

// Pipeline is the telemetry export pipeline drained once per invocation.
type Pipeline interface {
	Shutdown(ctx context.Context) error
}

// Instrumenter wraps underlying runners with a root span and per-task span closure.
type Instrumenter struct {
	// TracerProvider supplies the orchestrator's tracer. Defaults to the global provider.
	TracerProvider trace.TracerProvider
	// Pipeline is shut down after the root span ends. May be nil.
	Pipeline Pipeline
	// Resolver locates the underlying runner named in Options.Runner.
	Resolver Resolver
	// Observers are notified after each task span is closed.
	Observers []TaskObserver
	// Clock stamps spans that have no explicit end time. Defaults to the real clock.
	Clock clockz.Clock
	// DrainTimeout bounds Pipeline.Shutdown. Defaults to DefaultDrainTimeout.
	DrainTimeout time.Duration
	// RootSpanName defaults to DefaultRootSpanName.
	RootSpanName string
}

// Instrument runs tasks through the runner named in opts and returns the instrumented
// event stream. It never fails synchronously: every failure, including runner resolution,
// is delivered as the stream's terminal error.
//
// Each event is forwarded only after the span attached to its task has been ended. The
// stream completes only after the root span has ended and the pipeline has drained.
func (in *Instrumenter) Instrument(ctx context.Context, rc RunContext, tasks []*Task, opts Options) *Stream {
	out, pub := NewStream(0)
	go in.run(ctx, rc, tasks, opts, pub)
	return out
}

// invocation holds the state of a single Instrument call.
type invocation struct {
	in     *Instrumenter
	pub    *Publisher
	root   trace.Span
	events int
	ended  bool
	// cancel releases the underlying runner once its stream is no longer consumed.
	cancel context.CancelFunc
}

func (in *Instrumenter) run(ctx context.Context, rc RunContext, tasks []*Task, opts Options, pub *Publisher) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	inv := &invocation{in: in, pub: pub, cancel: cancel}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			if inv.ended {
				// The panic came from finish itself; terminate without touching spans again.
				pub.Fail(err)
				return
			}
			inv.finish(ctx, err)
		}
	}()

	if in.Resolver == nil {
		inv.finish(ctx, fmt.Errorf("resolving runner %q: no resolver configured", opts.Runner))
		return
	}
	delegate, err := in.Resolver.Resolve(opts.Runner)
	if err != nil {
		inv.finish(ctx, fmt.Errorf("resolving runner: %w", err))
		return
	}

	tracer := in.tracerProvider().Tracer(TracerName, trace.WithInstrumentationVersion(Version))
	rootCtx, root := tracer.Start(runCtx, in.rootSpanName(),
		trace.WithTimestamp(in.now()),
		trace.WithAttributes(
			attribute.String("command.target", rc.Target),
			attribute.String("command.initiatingProject", rc.InitiatingProject),
			attribute.Int("command.tasks", len(tasks)),
		),
	)
	inv.root = root

	for _, t := range tasks {
		t.Context = rootCtx
	}

	src, err := delegate.Run(rootCtx, tasks, opts.RunnerOptions, rc)
	if err == nil && src == nil {
		err = ErrNoStream
	}
	if err != nil {
		inv.finish(ctx, fmt.Errorf("running %q: %w", opts.Runner, err))
		return
	}

	for {
		select {
		case ev, ok := <-src.Events():
			if !ok {
				inv.finish(ctx, src.Err())
				return
			}
			in.closeTaskSpan(ev)
			if err := pub.Publish(ctx, ev); err != nil {
				inv.finish(ctx, err)
				return
			}
			inv.events++
		case <-ctx.Done():
			inv.finish(ctx, ctx.Err())
			return
		}
	}
}

// closeTaskSpan ends the span attached to ev's task, if any, and notifies observers.
func (in *Instrumenter) closeTaskSpan(ev Event) {
	t := ev.Task
	if t == nil || t.Span == nil {
		return
	}
	span := t.Span
	t.Span = nil

	span.SetAttributes(attribute.String("task.type", string(ev.Type)))
	if ev.Type == EventFailure {
		span.SetStatus(codes.Error, fmt.Sprintf("task %s failed", t.ID))
	}
	end := t.EndTime
	if end.IsZero() {
		end = in.now()
	}
	span.End(trace.WithTimestamp(end))

	if len(in.Observers) > 0 {
		info := newTaskInfo(ev, end)
		for _, obs := range in.Observers {
			obs.Observe(info)
		}
	}
}

// finish ends the root span, drains the pipeline and delivers the terminal signal.
// runErr nil means the underlying stream completed.
func (inv *invocation) finish(ctx context.Context, runErr error) {
	if inv.ended {
		return
	}
	inv.ended = true
	inv.cancel()

	if inv.root != nil {
		inv.root.SetAttributes(attribute.Int("command.events", inv.events))
		if runErr != nil {
			inv.root.RecordError(runErr)
			inv.root.SetStatus(codes.Error, runErr.Error())
		}
		inv.root.End(trace.WithTimestamp(inv.in.now()))
	}

	if err := inv.in.drain(ctx); err != nil {
		runErr = errors.Join(runErr, err)
	}

	if runErr != nil {
		inv.pub.Fail(runErr)
		return
	}
	inv.pub.Complete()
}

// drain shuts the pipeline down on a context that outlives caller cancellation.
func (in *Instrumenter) drain(ctx context.Context) error {
	if in.Pipeline == nil {
		return nil
	}
	timeout := in.DrainTimeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := in.Pipeline.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("draining telemetry pipeline: %w", err)
	}
	return nil
}

func (in *Instrumenter) tracerProvider() trace.TracerProvider {
	if in.TracerProvider != nil {
		return in.TracerProvider
	}
	return otel.GetTracerProvider()
}

func (in *Instrumenter) rootSpanName() string {
	if in.RootSpanName != "" {
		return in.RootSpanName
	}
	return DefaultRootSpanName
}

func (in *Instrumenter) now() time.Time {
	if in.Clock != nil {
		return in.Clock.Now()
	}
	return time.Now()
}
