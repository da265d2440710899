package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/zoobzio/clockz"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"
)

// Any interleaving of task and stream-level events is forwarded unchanged, closes each
// referenced task span exactly once and terminates with exactly one signal after one drain.
func TestProperty_InstrumentedStreamMirrorsSource(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nTasks := rapid.IntRange(0, 5).Draw(t, "nTasks")
		nSteps := rapid.IntRange(0, 12).Draw(t, "nSteps")
		fail := rapid.Bool().Draw(t, "fail")

		steps := make([]step, nSteps)
		for i := range steps {
			steps[i] = step{
				typ:  rapid.SampledFrom([]EventType{EventSuccess, EventFailure, EventSkipped}).Draw(t, fmt.Sprintf("type%d", i)),
				task: rapid.IntRange(-1, nTasks-1).Draw(t, fmt.Sprintf("task%d", i)),
			}
		}
		var terminal error
		if fail {
			terminal = errors.New("runner failed")
		}

		exporter := tracetest.NewInMemoryExporter()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		defer func() { _ = tp.Shutdown(context.Background()) }()

		clock := clockz.NewFakeClock()
		reg := NewRegistry()
		reg.MustRegister("script", scriptRunner(tp.Tracer("test-runner"), clock, steps, terminal))
		pipe := &fakePipeline{}
		in := &Instrumenter{TracerProvider: tp, Pipeline: pipe, Resolver: reg, Clock: clock}

		ids := make([]string, nTasks)
		for i := range ids {
			ids[i] = fmt.Sprintf("p%d:build", i)
		}
		tasks := newTasks(ids...)

		events, err := Collect(context.Background(), in.Instrument(context.Background(), RunContext{}, tasks, scriptOpts))

		if fail != (err != nil) {
			t.Fatalf("fail=%v but stream error = %v", fail, err)
		}
		if len(events) != nSteps {
			t.Fatalf("forwarded %d events, want %d", len(events), nSteps)
		}
		referenced := make(map[int]bool)
		for i, st := range steps {
			ev := events[i]
			if ev.Type != st.typ {
				t.Fatalf("event %d type %q, want %q", i, ev.Type, st.typ)
			}
			if st.task < 0 {
				if ev.Task != nil {
					t.Fatalf("event %d should be stream-level", i)
				}
				continue
			}
			if ev.Task != tasks[st.task] {
				t.Fatalf("event %d carries the wrong task", i)
			}
			referenced[st.task] = true
		}

		if got := pipe.shutdowns(); got != 1 {
			t.Fatalf("pipeline drained %d times, want 1", got)
		}
		if got := countSpans(exporter, DefaultRootSpanName); got != 1 {
			t.Fatalf("root span ended %d times, want 1", got)
		}
		root, _ := findSpan(exporter, DefaultRootSpanName)
		for i, id := range ids {
			want := 0
			if referenced[i] {
				want = 1
			}
			if got := countSpans(exporter, id); got != want {
				t.Fatalf("task %s has %d spans, want %d", id, got, want)
			}
			if s, ok := findSpan(exporter, id); ok {
				if s.Parent.SpanID() != root.SpanContext.SpanID() {
					t.Fatalf("task %s is not a child of the root span", id)
				}
				if s.EndTime.After(root.EndTime) {
					t.Fatalf("task %s ends after the root span", id)
				}
			}
		}
	})
}
