// Package o11y defines the metrics and tracing hooks used by the push client.
// Implementations live elsewhere (see the otel package); a nil provider
// disables instrumentation.
package o11y

import (
	"context"
)

// Config holds optional observability providers.
type Config struct {
	MetricsProvider MetricsProvider
	TracingProvider TracingProvider
	ServiceName     string
	ServiceVersion  string
}

// MetricsProvider abstracts metrics collection
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider abstracts distributed tracing
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter represents a monotonically increasing metric
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records distribution of values
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge represents a value that can go up and down
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span represents a unit of work in a trace
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label represents a key-value pair for metrics and tracing
type Label struct {
	Key   string
	Value string
}

// SpanStatusCode represents the status of a span
type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// StartSpan starts a span on tp, or returns a no-op span when tp is nil.
func StartSpan(ctx context.Context, tp TracingProvider, name string) (context.Context, Span) {
	if tp == nil {
		return ctx, nopSpan{}
	}
	return tp.StartSpan(ctx, name)
}

type nopSpan struct{}

func (nopSpan) SetAttributes(...Label)           {}
func (nopSpan) SetStatus(SpanStatusCode, string) {}
func (nopSpan) End()                             {}
