// Package telemetry defines the observability seams threaded through the
// workflow engine: structured logging, counters and timers, and span
// creation. The interfaces are intentionally small so tests can provide
// lightweight stubs; production wiring delegates to Clue and OpenTelemetry.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names recorded by the engine. Tags identify the step type, model,
// and outcome where applicable.
const (
	MetricInstancesStarted   = "workflow_instances_started"
	MetricInstancesFinished  = "workflow_instances_finished"
	MetricStepDuration       = "workflow_step_duration"
	MetricModelCalls         = "workflow_model_calls"
	MetricToolCalls          = "workflow_tool_calls"
	MetricBalanceDeductions  = "workflow_balance_deductions"
	MetricThreadsFetched     = "imap_threads_fetched"
	MetricSweptInstances     = "workflow_instances_swept"
	MetricHumanInputRequests = "workflow_human_input_requests"
)
