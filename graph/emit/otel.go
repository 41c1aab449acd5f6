package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Msg (e.g., "node_start", "interrupt")
//   - Attributes: execution ID, seq, step and all event.Meta fields
//   - Status: Set to error if event.Meta["error"] exists
//
// Spans are ended immediately; an event is a point in time.
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(tp.Tracer("postgraph"), tp)
type OTelEmitter struct {
	tracer  trace.Tracer
	flusher flusher
}

type flusher interface {
	ForceFlush(context.Context) error
}

// NewOTelEmitter creates a new OTelEmitter. provider is optional; when it
// supports ForceFlush (the SDK provider does), Flush delegates to it.
func NewOTelEmitter(tracer trace.Tracer, provider ...trace.TracerProvider) *OTelEmitter {
	o := &OTelEmitter{tracer: tracer}
	if len(provider) > 0 {
		if f, ok := provider[0].(flusher); ok {
			o.flusher = f
		}
	}
	return o
}

// Emit creates and ends one span for the event.
func (o *OTelEmitter) Emit(event Event) {
	o.emit(context.Background(), event)
}

// EmitBatch creates one span per event under ctx, so the spans share the
// caller's trace.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.emit(ctx, event)
	}
	return nil
}

// Flush forces export of pending spans. It is a no-op when the provider
// cannot flush.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	if o.flusher == nil {
		return nil
	}
	return o.flusher.ForceFlush(ctx)
}

func (o *OTelEmitter) emit(ctx context.Context, event Event) {
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("postgraph.execution_id", event.ExecutionID),
		attribute.Int("postgraph.seq", event.Seq),
	)
	if event.Step != "" {
		span.SetAttributes(attribute.String("postgraph.step", event.Step))
	}
	addMetadataAttributes(span, event.Meta)

	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
}

// addMetadataAttributes converts event metadata to span attributes under the
// "postgraph." namespace.
func addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		attrKey := "postgraph." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case []string:
			span.SetAttributes(attribute.StringSlice(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
