package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andrewh/runtrace/pkg/execrunner"
	"github.com/andrewh/runtrace/pkg/history"
	"github.com/andrewh/runtrace/pkg/runner"
	"github.com/andrewh/runtrace/pkg/taskfile"
	"github.com/andrewh/runtrace/pkg/telemetry"
	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"
)

const (
	shutdownTimeout = 5 * time.Second
	pushJobName     = "runtrace"
	// pushTargetLabel groups pushes by invocation. It must differ from the collectors' own
	// target label, which the push client refuses to shadow.
	pushTargetLabel = "invocation_target"
)

type runOptions struct {
	endpoint      string
	stdout        bool
	protocol      string
	signals       string
	slowThreshold time.Duration
	parallel      int
	dryRun        bool
	history       string
	pushgateway   string
	pyroscope     string
}

func runCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <tasks.yaml>",
		Short: "Run the tasks in a task file and export their trace",
		Long: "Run the tasks in a task file and export their trace.\n\n" +
			"Every flag can also be set in the config file or as a RUNTRACE_ environment\n" +
			"variable, e.g. RUNTRACE_ENDPOINT or RUNTRACE_SLOW_THRESHOLD.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing task file\n\nUsage: runtrace run <tasks.yaml>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := loadRunOptions(v)
			if v.IsSet("slow-threshold") && !strings.Contains(opts.signals, telemetry.SignalLogs) {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Warning: --slow-threshold has no effect without --signals logs")
			}
			return runTasks(cmd.Context(), cmd, args[0], opts)
		},
	}

	cmd.Flags().String("endpoint", "", "OTLP endpoint (e.g. localhost:4318)")
	cmd.Flags().Bool("stdout", false, "print signals to stdout as JSON")
	cmd.Flags().String("protocol", telemetry.ProtocolHTTP, "OTLP protocol (http/protobuf or grpc)")
	cmd.Flags().String("signals", telemetry.SignalTraces, "comma-separated signals to emit: traces,metrics,logs")
	cmd.Flags().Duration("slow-threshold", time.Second, "duration above which a task is logged as slow")
	cmd.Flags().Int("parallel", 0, "maximum tasks run at once (overrides runner_options.parallel)")
	cmd.Flags().Bool("dry-run", false, "report tasks as succeeded without running their commands")
	cmd.Flags().String("history", "", "record the run in a history database (sqlite://path or postgres://...)")
	cmd.Flags().String("pushgateway", "", "push task metrics to this Prometheus Pushgateway URL")
	cmd.Flags().String("pyroscope", "", "profile the run and send profiles to this Pyroscope server")

	return cmd
}

func loadRunOptions(v *viper.Viper) runOptions {
	return runOptions{
		endpoint:      v.GetString("endpoint"),
		stdout:        v.GetBool("stdout"),
		protocol:      v.GetString("protocol"),
		signals:       v.GetString("signals"),
		slowThreshold: v.GetDuration("slow-threshold"),
		parallel:      v.GetInt("parallel"),
		dryRun:        v.GetBool("dry-run"),
		history:       v.GetString("history"),
		pushgateway:   v.GetString("pushgateway"),
		pyroscope:     v.GetString("pyroscope"),
	}
}

func runTasks(ctx context.Context, cmd *cobra.Command, path string, opts runOptions) error {
	f, err := taskfile.Load(path)
	if err != nil {
		return err
	}
	if err := taskfile.Validate(f); err != nil {
		return err
	}
	if err := applyRunnerOverrides(f, opts); err != nil {
		return err
	}
	tasks, err := f.RunnerTasks()
	if err != nil {
		return err
	}

	if opts.slowThreshold < 0 {
		return fmt.Errorf("--slow-threshold must not be negative, got %s", opts.slowThreshold)
	}
	signals, err := telemetry.ParseSignals(opts.signals)
	if err != nil {
		return err
	}
	if err := telemetry.ValidateProtocol(opts.protocol); err != nil {
		return err
	}
	if !opts.stdout {
		if err := telemetry.CheckEndpoint(opts.endpoint, opts.protocol, path); err != nil {
			return err
		}
	}

	if opts.pyroscope != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "runtrace",
			ServerAddress:   opts.pyroscope,
			Tags:            map[string]string{"target": f.Target},
		})
		if err != nil {
			return fmt.Errorf("starting profiler: %w", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	var rec *recorder
	if opts.history != "" {
		store, err := history.Open(ctx, opts.history)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		rec = newRecorder(store, f, cmd.ErrOrStderr())
	}

	pipeline, err := telemetry.Setup(ctx, telemetry.Settings{
		ServiceName: "runtrace",
		Version:     version,
		Stdout:      opts.stdout,
		Writer:      cmd.OutOrStdout(),
		Protocol:    opts.protocol,
		Endpoint:    opts.endpoint,
		Signals:     signals,
	})
	if err != nil {
		return err
	}
	// The instrumenter drains the pipeline; this only covers early returns.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = pipeline.Shutdown(shutdownCtx)
	}()

	reg := runner.NewRegistry()
	if err := execrunner.Register(reg, pipeline.TracerProvider); err != nil {
		return err
	}

	var observers []runner.TaskObserver
	if pipeline.MeterProvider != nil {
		obs, err := runner.NewMetricObserver(pipeline.MeterProvider)
		if err != nil {
			return fmt.Errorf("creating metric observer: %w", err)
		}
		observers = append(observers, obs)
	}
	if pipeline.LoggerProvider != nil {
		observers = append(observers, runner.NewLogObserver(pipeline.LoggerProvider, opts.slowThreshold))
	}
	var promReg *prometheus.Registry
	if opts.pushgateway != "" {
		promReg = prometheus.NewRegistry()
		obs, err := runner.NewPromObserver(promReg)
		if err != nil {
			return fmt.Errorf("creating prometheus observer: %w", err)
		}
		observers = append(observers, obs)
	}

	in := &runner.Instrumenter{
		TracerProvider: pipeline.TracerProvider,
		Pipeline:       pipeline,
		Resolver:       reg,
		Observers:      observers,
		DrainTimeout:   shutdownTimeout,
	}

	ctx = telemetry.ContextFromEnv(ctx, os.LookupEnv)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	if rec != nil {
		rec.begin(started)
	}

	stderr := cmd.ErrOrStderr()
	sum := newSummary()
	stream := in.Instrument(ctx, f.RunContext(), tasks, f.Options())
	for ev := range stream.Events() {
		printEvent(stderr, ev)
		sum.add(ev)
		if rec != nil {
			rec.record(ctx, ev)
		}
	}
	streamErr := stream.Err()

	sum.render(stderr)

	if rec != nil {
		rec.finish(ctx, time.Now(), sum, streamErr)
	}
	if promReg != nil {
		if err := pushMetrics(opts.pushgateway, promReg, f.Target); err != nil {
			_, _ = fmt.Fprintf(stderr, "Warning: pushing metrics to %s: %v\n", opts.pushgateway, err)
		}
	}

	if streamErr != nil {
		return fmt.Errorf("run did not complete: %w", streamErr)
	}
	if n := sum.failed(); n > 0 {
		return fmt.Errorf("%d of %d tasks failed", n, sum.total)
	}
	return nil
}

// applyRunnerOverrides layers command-line settings over the file's runner options.
func applyRunnerOverrides(f *taskfile.File, opts runOptions) error {
	if opts.parallel < 0 {
		return fmt.Errorf("--parallel must not be negative, got %d", opts.parallel)
	}
	if opts.parallel == 0 && !opts.dryRun {
		return nil
	}
	if f.RunnerOptions == nil {
		f.RunnerOptions = make(map[string]any)
	}
	if opts.parallel > 0 {
		f.RunnerOptions["parallel"] = opts.parallel
	}
	if opts.dryRun {
		f.RunnerOptions["dry_run"] = true
	}
	return nil
}

func printEvent(w io.Writer, ev runner.Event) {
	t := ev.Task
	if t == nil {
		_, _ = fmt.Fprintf(w, "%-8s (stream event)\n", ev.Type)
		return
	}
	line := fmt.Sprintf("%-8s %s", ev.Type, t.ID)
	if d := taskDuration(t); d > 0 {
		line += " (" + d.Round(time.Millisecond).String() + ")"
	}
	if ev.Type == runner.EventFailure {
		line += fmt.Sprintf(" exit %d", ev.Code)
	}
	_, _ = fmt.Fprintln(w, line)

	if ev.Type != runner.EventSuccess {
		for l := range strings.Lines(strings.TrimRight(ev.Output, "\n")) {
			_, _ = fmt.Fprintf(w, "    %s", l)
			if !strings.HasSuffix(l, "\n") {
				_, _ = fmt.Fprintln(w)
			}
		}
	}
}

func taskDuration(t *runner.Task) time.Duration {
	if t.StartTime.IsZero() || t.EndTime.Before(t.StartTime) {
		return 0
	}
	return t.EndTime.Sub(t.StartTime)
}

func pushMetrics(url string, g prometheus.Gatherer, target string) error {
	p := push.New(url, pushJobName).Gatherer(g)
	if target != "" {
		p = p.Grouping(pushTargetLabel, target)
	}
	return p.Push()
}

// recorder writes a run and its events to the history store. Failures are reported once and
// stop further recording without affecting the run.
type recorder struct {
	store  *history.Store
	run    history.Run
	out    io.Writer
	seq    int
	opened bool
	broken bool
}

func newRecorder(store *history.Store, f *taskfile.File, out io.Writer) *recorder {
	return &recorder{
		store: store,
		out:   out,
		run: history.Run{
			ID:      history.NewRunID(),
			Target:  f.Target,
			Project: f.Project,
			Runner:  f.RunnerName(),
		},
	}
}

func (r *recorder) begin(started time.Time) {
	r.run.StartedAt = started
}

// open inserts the run on first use so it can carry the trace ID of the first task.
func (r *recorder) open(ctx context.Context, ev *runner.Event) bool {
	if r.broken {
		return false
	}
	if r.opened {
		return true
	}
	if ev != nil && ev.Task != nil && ev.Task.Context != nil {
		if sc := trace.SpanContextFromContext(ev.Task.Context); sc.IsValid() {
			r.run.TraceID = sc.TraceID().String()
		}
	}
	if err := r.store.StartRun(context.WithoutCancel(ctx), r.run); err != nil {
		r.fail(err)
		return false
	}
	r.opened = true
	return true
}

func (r *recorder) record(ctx context.Context, ev runner.Event) {
	if !r.open(ctx, &ev) {
		return
	}
	if err := r.store.RecordEvent(context.WithoutCancel(ctx), r.run.ID, r.seq, ev); err != nil {
		r.fail(err)
		return
	}
	r.seq++
}

func (r *recorder) finish(ctx context.Context, finished time.Time, sum *summary, streamErr error) {
	if !r.open(ctx, nil) {
		return
	}
	status, errText := history.StatusSucceeded, ""
	switch {
	case streamErr != nil:
		status, errText = history.StatusErrored, streamErr.Error()
	case sum.failed() > 0:
		status = history.StatusFailed
	}
	if err := r.store.FinishRun(context.WithoutCancel(ctx), r.run.ID, finished, status, errText); err != nil {
		r.fail(err)
	}
}

func (r *recorder) fail(err error) {
	r.broken = true
	_, _ = fmt.Fprintf(r.out, "Warning: history not recorded: %v\n", err)
}
