package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	codes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName is the default name used when acquiring a tracer instance.
// Consistent naming helps identify the source of spans.
const tracerName = "fleetforge"

// GetTracer returns a named tracer instance from the globally configured
// OpenTelemetry provider. If no global provider is configured it returns a
// NoOpTracer, which safely discards all tracing data. Injecting the
// TracerProvider into components is preferred over this global lookup.
func GetTracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// PlayAttributes returns the standard span attributes for a play span.
func PlayAttributes(playName, strategy string, hostCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("fleetforge.play.name", playName),
		attribute.String("fleetforge.play.strategy", strategy),
		attribute.Int("fleetforge.play.host_count", hostCount),
	}
}

// TaskAttributes returns the standard span attributes for a per-host task span.
func TaskAttributes(taskName, hostName, module string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("fleetforge.task.name", taskName),
		attribute.String("fleetforge.task.host", hostName),
		attribute.String("fleetforge.task.module", module),
	}
}

// DialAttributes returns the standard span attributes for a dial attempt span.
func DialAttributes(hostName, address string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("fleetforge.dial.host", hostName),
		attribute.String("fleetforge.dial.address", address),
		attribute.Int("fleetforge.dial.attempt", attempt),
	}
}

// RecordError records an error on a span and marks the span status as Error.
// Does nothing if the error is nil or the span is nil/not recording.
func RecordError(span oteltrace.Span, err error) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err, oteltrace.WithStackTrace(true))
	span.SetStatus(codes.Error, err.Error())
}
