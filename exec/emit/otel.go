package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into an OpenTelemetry span.
//
// Each span carries:
//   - Name: event.Msg (e.g. "parallel_branch_completed")
//   - Attributes: run_id, step, work_id, node_id, plus all Meta entries
//   - Status: Error when Meta["error"] is present
//
// Spans are ended immediately: events mark points in time, not durations.
// Exporter batching is the tracer provider's concern.
//
// Usage:
//
//	tracer := otel.Tracer("kernelgraph")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter around the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and ends one span for the event.
func (o *OTelEmitter) Emit(event Event) {
	if o.tracer == nil {
		return
	}

	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	o.setAttributes(span, event)

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// EmitBatch emits several events under one caller-provided context, keeping
// trace propagation intact for grouped emission at join points.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) {
	if o.tracer == nil {
		return
	}

	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.setAttributes(span, event)
		if errMsg, ok := event.Meta["error"].(string); ok {
			span.SetStatus(codes.Error, errMsg)
			span.RecordError(fmt.Errorf("%s", errMsg))
		}
		span.End()
	}
}

func (o *OTelEmitter) setAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("run_id", event.RunID),
		attribute.Int("step", event.Step),
	)
	if event.WorkID != 0 {
		span.SetAttributes(attribute.Int64("work_id", int64(event.WorkID))) // #nosec G115 -- work IDs stay far below int64 max
	}
	if event.NodeID != "" {
		span.SetAttributes(attribute.String("node_id", event.NodeID))
	}

	for k, v := range event.Meta {
		switch val := v.(type) {
		case string:
			span.SetAttributes(attribute.String(k, val))
		case int:
			span.SetAttributes(attribute.Int(k, val))
		case int64:
			span.SetAttributes(attribute.Int64(k, val))
		case uint64:
			span.SetAttributes(attribute.String(k, fmt.Sprintf("%d", val)))
		case float64:
			span.SetAttributes(attribute.Float64(k, val))
		case bool:
			span.SetAttributes(attribute.Bool(k, val))
		default:
			span.SetAttributes(attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
}
