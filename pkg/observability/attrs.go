package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Engine-specific semantic convention attributes.
var (
	// Metric attributes
	AttrMetricID   = attribute.Key("pulse.metric.id")
	AttrMetricName = attribute.Key("pulse.metric.name")
	AttrSeverity   = attribute.Key("pulse.metric.severity")

	// Event attributes
	AttrEventID       = attribute.Key("pulse.event.id")
	AttrEventCategory = attribute.Key("pulse.event.category")

	// Alert attributes
	AttrAlertAction = attribute.Key("pulse.alert.action")

	// Window attributes
	AttrWindowBackend = attribute.Key("pulse.window.backend")
)

// MetricOperation creates attributes for metric CRUD operations.
func MetricOperation(id int64, name, severity string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMetricID.Int64(id),
		AttrMetricName.String(name),
		AttrSeverity.String(severity),
	}
}

// EventOperation creates attributes for event ingestion.
func EventOperation(category string, eventID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventCategory.String(category),
		AttrEventID.Int64(eventID),
	}
}

// AlertOperation creates attributes for alert transitions.
func AlertOperation(metricName, action, severity string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMetricName.String(metricName),
		AttrAlertAction.String(action),
		AttrSeverity.String(severity),
	}
}

// WindowOperation creates attributes for window backend operations.
func WindowOperation(backend string, metricID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWindowBackend.String(backend),
		AttrMetricID.Int64(metricID),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
