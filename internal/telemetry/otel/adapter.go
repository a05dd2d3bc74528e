package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"

	"trade-machine/backend/internal/telemetry"
)

const eventScope = "trade-machine.jobs"

// NewEventEmitter returns an EventEmitter that sends job events as OTel log records via provider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider otellog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger(eventScope))
}

// NewEventEmitterWithLogger returns an EventEmitter writing to logger.
func NewEventEmitterWithLogger(logger otellog.Logger) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *telemetry.JobEvent) error { return nil }

type otelEmitter struct {
	logger otellog.Logger
}

// Emit converts the event to an OTel log record. Discarded jobs are recorded at error severity.
func (e *otelEmitter) Emit(ctx context.Context, event *telemetry.JobEvent) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	rec.SetEventName("job." + event.Outcome)
	rec.SetBody(otellog.StringValue("job " + event.Outcome))
	rec.SetSeverity(otellog.SeverityInfo)
	if event.Outcome == "discarded" {
		rec.SetSeverity(otellog.SeverityError)
	}
	if !event.At.IsZero() {
		rec.SetTimestamp(event.At)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	attrs := []otellog.KeyValue{
		otellog.String("job.id", event.JobID),
		otellog.String("job.kind", event.Kind),
		otellog.Int("job.attempt", event.Attempt),
	}
	if event.Queue != "" {
		attrs = append(attrs, otellog.String("job.queue", event.Queue))
	}
	if event.Error != "" {
		attrs = append(attrs, otellog.String("error", event.Error))
	}
	if tp := event.TraceContext["traceparent"]; tp != "" {
		attrs = append(attrs, otellog.String("job.traceparent", tp))
	}
	rec.AddAttributes(attrs...)
	e.logger.Emit(ctx, rec)
	return nil
}
