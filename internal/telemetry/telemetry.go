// Package telemetry holds the tracer and instruments used by the approval
// engine. It relies on the global otel providers; they are no-ops unless the
// host installs an SDK.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/pesio-ai/be-edu-approvals"

// Attribute keys.
const (
	RequestIDKey     = attribute.Key("approval.request_id")
	ActionKey        = attribute.Key("approval.action")
	LevelKey         = attribute.Key("approval.level")
	InstitutionKey   = attribute.Key("approval.institution_id")
	DataTypeKey      = attribute.Key("approval.data_type")
	NotifyOutcomeKey = attribute.Key("notification.outcome")
)

// Metrics are the counters the engine records.
type Metrics struct {
	Transitions   metric.Int64Counter
	Escalations   metric.Int64Counter
	AutoApprovals metric.Int64Counter
	Deliveries    metric.Int64Counter
	Conflicts     metric.Int64Counter
}

// Telemetry bundles a tracer with the metric instruments.
type Telemetry struct {
	tracer  trace.Tracer
	Metrics Metrics
}

// New creates instruments from the global providers.
func New() *Telemetry {
	meter := otel.Meter(instrumentationName)
	t := &Telemetry{tracer: otel.Tracer(instrumentationName)}

	// Instrument creation only fails on invalid names; the no-op fallbacks
	// returned alongside the error are still usable.
	t.Metrics.Transitions, _ = meter.Int64Counter("approvals.transitions",
		metric.WithDescription("Workflow state transitions by action"))
	t.Metrics.Escalations, _ = meter.Int64Counter("approvals.escalations",
		metric.WithDescription("Overdue escalations raised by the scheduler"))
	t.Metrics.AutoApprovals, _ = meter.Int64Counter("approvals.auto_approvals",
		metric.WithDescription("Levels auto-advanced by the scheduler"))
	t.Metrics.Deliveries, _ = meter.Int64Counter("approvals.notification_deliveries",
		metric.WithDescription("Notification delivery attempts by outcome"))
	t.Metrics.Conflicts, _ = meter.Int64Counter("approvals.concurrent_modifications",
		metric.WithDescription("Optimistic concurrency conflicts"))
	return t
}

// Start opens a span.
func (t *Telemetry) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span (if any) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Add increments counter with attrs.
func Add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
