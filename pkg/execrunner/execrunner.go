// Shell task runner with bounded parallelism and per-task spans
// Runs each task's command via the configured shell once its dependencies have succeeded
package execrunner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"time"

	"github.com/andrewh/runtrace/pkg/runner"
	"github.com/andrewh/runtrace/pkg/telemetry"
	"github.com/go-viper/mapstructure/v2"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Name is the name the runner registers under.
const Name = "exec"

const (
	defaultShell = "/bin/sh"
	scopeName    = "github.com/andrewh/runtrace/pkg/execrunner"
	// waitDelay bounds how long a cancelled command's output pipes may outlive it.
	waitDelay = 2 * time.Second
)

// Options controls a single Run. Decoded from the task file's runner_options.
type Options struct {
	Parallel int    `mapstructure:"parallel"`
	Shell    string `mapstructure:"shell"`
	DryRun   bool   `mapstructure:"dry_run"`
}

// DecodeOptions applies defaults and decodes raw, rejecting unknown keys.
func DecodeOptions(raw map[string]any) (Options, error) {
	o := Options{Parallel: runtime.NumCPU(), Shell: defaultShell}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &o,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Options{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Options{}, fmt.Errorf("decoding exec runner options: %w", err)
	}
	if o.Parallel < 1 {
		return Options{}, fmt.Errorf("parallel must be at least 1, got %d", o.Parallel)
	}
	if o.Shell == "" {
		return Options{}, fmt.Errorf("shell must not be empty")
	}
	return o, nil
}

// Runner executes task commands through a shell.
type Runner struct {
	// TracerProvider opens task spans. Defaults to the global provider.
	TracerProvider trace.TracerProvider
	// Clock stamps task start and end times. Defaults to the real clock.
	Clock clockz.Clock
	// Environ supplies the base environment. Defaults to os.Environ.
	Environ func() []string
}

// New returns a Runner that opens task spans with tp.
func New(tp trace.TracerProvider) *Runner {
	return &Runner{TracerProvider: tp, Clock: clockz.RealClock}
}

// Register adds a Runner for tp to reg under Name.
func Register(reg *runner.Registry, tp trace.TracerProvider) error {
	return reg.Register(Name, New(tp))
}

// Run starts tasks in the given order. Every dependency must appear before its dependents.
func (r *Runner) Run(ctx context.Context, tasks []*runner.Task, raw map[string]any, _ runner.RunContext) (*runner.Stream, error) {
	o, err := DecodeOptions(raw)
	if err != nil {
		return nil, err
	}
	if err := checkOrder(tasks); err != nil {
		return nil, err
	}

	s, pub := runner.NewStream(0)
	go r.execute(ctx, tasks, o, pub)
	return s, nil
}

func checkOrder(tasks []*runner.Task) error {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.ID] {
			return fmt.Errorf("duplicate task %q", t.ID)
		}
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("task %q depends on %q, which is not scheduled before it", t.ID, dep)
			}
		}
		seen[t.ID] = true
	}
	return nil
}

// outcome is closed once a task's event has been published.
type outcome struct {
	done chan struct{}
	ok   bool
}

func (r *Runner) execute(ctx context.Context, tasks []*runner.Task, o Options, pub *runner.Publisher) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Parallel)

	outcomes := make(map[string]*outcome, len(tasks))
	for _, t := range tasks {
		outcomes[t.ID] = &outcome{done: make(chan struct{})}
	}

	tracer := r.tracerProvider().Tracer(scopeName, trace.WithInstrumentationVersion(runner.Version))
	for _, t := range tasks {
		g.Go(func() error {
			return r.runTask(gctx, tracer, t, o, outcomes, pub)
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	pub.Fail(err)
}

func (r *Runner) runTask(ctx context.Context, tracer trace.Tracer, t *runner.Task, o Options, outcomes map[string]*outcome, pub *runner.Publisher) error {
	res := outcomes[t.ID]
	defer close(res.done)

	blocked := ""
	for _, dep := range t.DependsOn {
		d := outcomes[dep]
		select {
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !d.ok && blocked == "" {
			blocked = dep
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	spanCtx := runner.StartTaskSpan(tracer, t, r.now())
	span := trace.SpanFromContext(spanCtx)
	span.SetAttributes(attribute.String("task.command", t.Command))

	ev := runner.Event{Task: t}
	switch {
	case blocked != "":
		ev.Type = runner.EventSkipped
		ev.Output = fmt.Sprintf("skipped: dependency %s did not succeed", blocked)
		span.SetAttributes(attribute.String("task.blocked_by", blocked))
	case o.DryRun:
		ev.Type = runner.EventSuccess
		ev.Output = "dry run: " + t.Command
	default:
		// The span is parented under the task's context; the command is bound to ctx so
		// cancellation of the run kills it.
		ev = r.runCommand(trace.ContextWithSpan(ctx, span), t, o)
		if err := ctx.Err(); err != nil {
			// Cancelled mid-command: nobody will forward an event for this span.
			span.SetStatus(codes.Error, err.Error())
			span.End(trace.WithTimestamp(r.now()))
			t.Span = nil
			return err
		}
		span.SetAttributes(attribute.Int("process.exit.code", ev.Code))
	}
	t.EndTime = r.now()

	if err := pub.Publish(ctx, ev); err != nil {
		return err
	}
	res.ok = ev.Type == runner.EventSuccess
	return nil
}

func (r *Runner) runCommand(ctx context.Context, t *runner.Task, o Options) runner.Event {
	cmd := exec.CommandContext(ctx, o.Shell, "-c", t.Command) //nolint:gosec // commands come from the task file
	cmd.Dir = t.Dir
	cmd.Env = r.env(ctx, t)
	cmd.WaitDelay = waitDelay

	out, err := cmd.CombinedOutput()
	ev := runner.Event{Type: runner.EventSuccess, Task: t, Output: string(out)}
	if err == nil {
		return ev
	}

	ev.Type = runner.EventFailure
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ev.Code = exitErr.ExitCode()
	} else {
		ev.Code = -1
		ev.Output += err.Error()
	}
	return ev
}

// env layers the task's variables and the span's trace context over the base environment.
func (r *Runner) env(ctx context.Context, t *runner.Task) []string {
	environ := r.Environ
	if environ == nil {
		environ = os.Environ
	}
	env := environ()
	for _, k := range slices.Sorted(maps.Keys(t.Env)) {
		env = append(env, k+"="+t.Env[k])
	}
	tc := telemetry.EnvFromContext(ctx)
	for _, k := range slices.Sorted(maps.Keys(tc)) {
		env = append(env, k+"="+tc[k])
	}
	return env
}

func (r *Runner) tracerProvider() trace.TracerProvider {
	if r.TracerProvider != nil {
		return r.TracerProvider
	}
	return otel.GetTracerProvider()
}

func (r *Runner) now() time.Time {
	if r.Clock != nil {
		return r.Clock.Now()
	}
	return time.Now()
}
