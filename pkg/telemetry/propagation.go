package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/propagation"
)

var traceContext = propagation.TraceContext{}

// ContextFromEnv returns ctx carrying the remote span described by the TRACEPARENT and
// TRACESTATE variables, so an invocation nests under the trace of whatever launched it.
// ctx is returned unchanged when no valid traceparent is present.
func ContextFromEnv(ctx context.Context, lookup func(string) (string, bool)) context.Context {
	carrier := propagation.MapCarrier{}
	for _, key := range traceContext.Fields() {
		if v, ok := lookup(strings.ToUpper(key)); ok && v != "" {
			carrier.Set(key, v)
		}
	}
	if len(carrier) == 0 {
		return ctx
	}
	return traceContext.Extract(ctx, carrier)
}

// EnvFromContext encodes the span in ctx as TRACEPARENT and TRACESTATE variables.
// It returns an empty map when ctx carries no valid span.
func EnvFromContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	traceContext.Inject(ctx, carrier)
	env := make(map[string]string, len(carrier))
	for k, v := range carrier {
		if v != "" {
			env[strings.ToUpper(k)] = v
		}
	}
	return env
}
