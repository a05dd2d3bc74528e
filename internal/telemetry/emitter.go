// Package telemetry exports job lifecycle events through the OTel log pipeline.
package telemetry

import (
	"context"
	"time"
)

// JobEvent is a terminal or notable transition of a local job.
type JobEvent struct {
	JobID   string
	Kind    string
	Queue   string
	Outcome string // completed, retried or discarded
	Attempt int
	Error   string
	At      time.Time
	// TraceContext links the event to the producer span.
	TraceContext map[string]string
}

// EventEmitter emits job events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *JobEvent) error
}
