// Package dispatcher enqueues notification jobs for the local worker and bridges jobs to the
// external job runner, carrying the producer's trace context with each job.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"trade-machine/backend/internal/jobs"
	"trade-machine/backend/internal/jobs/domain"
	"trade-machine/backend/internal/platform/apperr"
)

// Bridged job defaults.
const (
	DefaultPriority    = 0
	DefaultMaxAttempts = 20
	// TraceContextKey is the args key the external runner reads the producer's trace context from.
	TraceContextKey = "trace_context"
)

// Queue stores local jobs.
type Queue interface {
	Add(ctx context.Context, job *domain.Job) error
}

// BridgeWriter inserts rows for the external job runner.
type BridgeWriter interface {
	Insert(ctx context.Context, job *domain.BridgedJob) (int64, error)
}

// Tracer serializes the active span and starts producer spans.
type Tracer interface {
	Inject(ctx context.Context) map[string]string
	StartProducerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)
}

// Options configures a Dispatcher.
type Options struct {
	// TestEmailPattern suppresses local jobs whose recipient matches. Empty disables the filter.
	TestEmailPattern string
	// BridgeQueue and BridgeWorker address email jobs handed to the external runner.
	BridgeQueue  string
	BridgeWorker string
}

// BridgedOptions overrides bridged job scheduling. Zero values select the defaults.
type BridgedOptions struct {
	ScheduledAt time.Time
	Priority    int
	MaxAttempts int
	// TraceContext replaces the context captured from ctx.
	TraceContext map[string]string
}

// BridgedJobRef identifies an inserted bridged job.
type BridgedJobRef struct {
	ID int64 `json:"id"`
}

// Dispatcher is constructed once per process and shared by handlers.
type Dispatcher struct {
	queue     Queue
	bridge    BridgeWriter
	tracer    Tracer
	metrics   *jobs.Metrics
	logger    *slog.Logger
	testEmail *regexp.Regexp
	opts      Options
	nowF      func() time.Time
}

func New(q Queue, bridge BridgeWriter, tracer Tracer, metrics *jobs.Metrics, logger *slog.Logger, opts Options) (*Dispatcher, error) {
	d := &Dispatcher{
		queue:   q,
		bridge:  bridge,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
		opts:    opts,
		nowF:    time.Now,
	}
	if opts.TestEmailPattern != "" {
		re, err := regexp.Compile(opts.TestEmailPattern)
		if err != nil {
			return nil, apperr.Internal("compile test email pattern", err)
		}
		d.testEmail = re
	}
	return d, nil
}

// IsTestRecipient reports whether local jobs to addr are suppressed.
func (d *Dispatcher) IsTestRecipient(addr string) bool {
	return d.testEmail != nil && addr != "" && d.testEmail.MatchString(addr)
}

// EnqueueLocal adds a job of kind to its local queue with the kind's retry policy. A recipient
// matching the test email pattern is skipped: it returns (nil, nil) and the queue is not touched.
func (d *Dispatcher) EnqueueLocal(ctx context.Context, kind domain.Kind, payload any, recipient string) (*domain.Job, error) {
	if !kind.Valid() {
		return nil, apperr.Validation("unknown job kind")
	}
	kindAttr := metric.WithAttributes(attribute.String("kind", string(kind)))
	if d.IsTestRecipient(recipient) {
		d.logger.DebugContext(ctx, "job suppressed for test recipient", "kind", kind)
		d.metrics.Suppressed.Add(ctx, 1, kindAttr)
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Internal("encode job payload", err)
	}

	ctx, span := d.tracer.StartProducerSpan(ctx, "enqueue "+string(kind),
		attribute.String("job.kind", string(kind)),
		attribute.String("job.queue", kind.Queue()),
	)
	defer span.End()

	job := &domain.Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		Payload:      raw,
		Recipient:    recipient,
		Policy:       kind.Policy(),
		TraceContext: d.tracer.Inject(ctx),
		EnqueuedAt:   d.nowF().UTC(),
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	if err := d.queue.Add(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return nil, apperr.Internal("enqueue job", err)
	}
	d.metrics.Enqueued.Add(ctx, 1, kindAttr)
	d.logger.InfoContext(ctx, "job enqueued", "kind", kind, "job_id", job.ID)
	return job, nil
}

// EnqueueBridged inserts a job for the external runner. The trace context embedded in args is,
// in order of precedence: args[TraceContextKey] set by the caller, opts.TraceContext, the span
// active in ctx. Insert failures are returned.
func (d *Dispatcher) EnqueueBridged(ctx context.Context, queue, worker string, args map[string]any, opts BridgedOptions) (BridgedJobRef, error) {
	if queue == "" || worker == "" {
		return BridgedJobRef{}, apperr.Validation("queue and worker are required")
	}
	out := make(map[string]any, len(args)+1)
	maps.Copy(out, args)
	if _, explicit := out[TraceContextKey]; !explicit {
		tc := opts.TraceContext
		if len(tc) == 0 {
			tc = d.tracer.Inject(ctx)
		}
		if len(tc) > 0 {
			out[TraceContextKey] = tc
		}
	}

	now := d.nowF()
	job := &domain.BridgedJob{
		Queue:       queue,
		Worker:      worker,
		Args:        out,
		ScheduledAt: opts.ScheduledAt,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		State:       domain.BridgedAvailable,
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	if job.ScheduledAt.After(now) {
		job.State = domain.BridgedScheduled
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}

	id, err := d.bridge.Insert(ctx, job)
	if err != nil {
		return BridgedJobRef{}, apperr.Internal("insert bridged job", err)
	}
	d.metrics.Bridged.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", worker)))
	d.logger.InfoContext(ctx, "bridged job inserted", "queue", queue, "worker", worker, "job_id", id, "state", job.State)
	return BridgedJobRef{ID: id}, nil
}
