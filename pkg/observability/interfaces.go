// Package observability provides the logging, metrics, and tracing
// primitives shared by every coordination component. Components receive a
// Logger and a MetricsClient through their config structs; production wiring
// supplies the standard logger plus the in-memory metrics client (whose
// snapshots feed alert evaluation) and optionally the Prometheus client for
// export.
package observability

import (
	"context"
	"time"
)

// LogLevel represents logging severity.
type LogLevel string

// Log levels in increasing severity.
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// Logger is the logging interface used across the module.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// WithPrefix returns a logger that prepends the given prefix to every
	// message. Prefixes nest: logger.WithPrefix("a").WithPrefix("b") yields
	// "a.b".
	WithPrefix(prefix string) Logger

	// With returns a logger that attaches the given fields to every entry.
	With(fields map[string]interface{}) Logger
}

// MetricsClient records counters, gauges, histograms and timers. Metric names
// are dotted (e.g. "queue.task.enqueued"); labels carry dimensions such as
// project_id or task_type.
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)

	// StartTimer returns a function that records the elapsed time when called.
	StartTimer(name string, labels map[string]string) func()

	Close() error
}

// Span is a minimal tracing span surface over the underlying tracer.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// StartSpanFunc starts a named span and returns the derived context. It is
// injected where tracing is optional so components stay decoupled from the
// tracer implementation.
type StartSpanFunc func(ctx context.Context, name string) (context.Context, Span)

// TracingConfig configures the OpenTelemetry provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}
