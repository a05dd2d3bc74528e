// Package worker runs local notification jobs: one loop per queue pulls jobs from Redis, runs the
// kind's handler inside a consumer span and applies the retry policy on failure.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"trade-machine/backend/internal/email"
	"trade-machine/backend/internal/jobs"
	"trade-machine/backend/internal/jobs/domain"
	"trade-machine/backend/internal/telemetry"
)

// Queue is the job store the worker pulls from. A reserved job stays owned by the worker until it is
// completed, retried or discarded; Recover hands out reservations whose owner went away.
type Queue interface {
	Reserve(ctx context.Context, queue string, timeout time.Duration) (*domain.Job, error)
	Complete(ctx context.Context, job *domain.Job) error
	Retry(ctx context.Context, job *domain.Job, delay time.Duration) error
	Discard(ctx context.Context, job *domain.Job) error
	Recover(ctx context.Context, queue string) (int, error)
}

// StatusStore records email delivery state.
type StatusStore interface {
	RecordSent(ctx context.Context, messageID string) error
	UpdateStatus(ctx context.Context, messageID, status string, at time.Time) (bool, error)
}

// Tracer starts a consumer span parented on the job's producer span.
type Tracer interface {
	StartConsumerSpan(ctx context.Context, name string, carrier map[string]string, attrs ...attribute.KeyValue) (context.Context, trace.Span)
}

// Config tunes the worker loops.
type Config struct {
	Queues []string
	// PollTimeout is how long a loop blocks waiting for a job.
	PollTimeout time.Duration
	// ErrorBackoff is the pause after the queue store fails.
	ErrorBackoff time.Duration
	// RecoverEvery is how often a loop requeues abandoned reservations.
	RecoverEvery time.Duration
	// ResetWindow is shown in password reset emails.
	ResetWindow time.Duration
}

type Worker struct {
	queue     Queue
	sender    email.Sender
	templates *email.Templates
	statuses  StatusStore
	tracer    Tracer
	metrics   *jobs.Metrics
	emitter   telemetry.EventEmitter
	logger    *slog.Logger
	cfg       Config
	nowF      func() time.Time
}

func New(q Queue, sender email.Sender, templates *email.Templates, statuses StatusStore, tracer Tracer,
	metrics *jobs.Metrics, emitter telemetry.EventEmitter, logger *slog.Logger, cfg Config) *Worker {
	if len(cfg.Queues) == 0 {
		cfg.Queues = domain.Queues
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.RecoverEvery <= 0 {
		cfg.RecoverEvery = time.Minute
	}
	return &Worker{
		queue:     q,
		sender:    sender,
		templates: templates,
		statuses:  statuses,
		tracer:    tracer,
		metrics:   metrics,
		emitter:   emitter,
		logger:    logger,
		cfg:       cfg,
		nowF:      time.Now,
	}
}

// Run processes every configured queue until ctx is canceled. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range w.cfg.Queues {
		g.Go(func() error { return w.loop(ctx, q) })
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, queue string) error {
	w.logger.Info("job loop started", "queue", queue)
	var lastRecover time.Time
	for ctx.Err() == nil {
		if now := w.nowF(); now.Sub(lastRecover) >= w.cfg.RecoverEvery {
			lastRecover = now
			w.requeueAbandoned(ctx, queue)
		}
		job, err := w.queue.Reserve(ctx, queue, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("reserve job failed", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.Process(ctx, job)
	}
	w.logger.Info("job loop stopped", "queue", queue)
	return nil
}

func (w *Worker) requeueAbandoned(ctx context.Context, queue string) {
	n, err := w.queue.Recover(ctx, queue)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("recover jobs failed", "queue", queue, "error", err)
		}
		return
	}
	if n > 0 {
		w.logger.Warn("requeued abandoned jobs", "queue", queue, "count", n)
	}
}

// permanent marks a failure that retrying cannot fix.
type permanent struct{ error }

func (p permanent) Unwrap() error { return p.error }

// Process runs one attempt of job and then completes, retries or discards it.
func (w *Worker) Process(ctx context.Context, job *domain.Job) {
	ctx, span := w.tracer.StartConsumerSpan(ctx, "job "+string(job.Kind), job.TraceContext,
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.queue", job.Queue()),
	)
	defer span.End()

	job.Attempt++
	span.SetAttributes(attribute.Int("job.attempt", job.Attempt))
	kindAttr := metric.WithAttributes(attribute.String("kind", string(job.Kind)))
	log := w.logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt)

	start := w.nowF()
	err := w.handle(ctx, job)
	w.metrics.Duration.Record(ctx, w.nowF().Sub(start).Seconds(), kindAttr)
	// Bookkeeping must land even when the worker is stopping.
	bookCtx := context.WithoutCancel(ctx)
	if err == nil {
		if cerr := w.queue.Complete(bookCtx, job); cerr != nil {
			log.ErrorContext(ctx, "acknowledge job failed", "error", cerr)
		}
		w.metrics.Completed.Add(ctx, 1, kindAttr)
		log.InfoContext(ctx, "job completed")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "job attempt failed")
	job.LastError = err.Error()

	var perm permanent
	delay, retry := job.Policy.NextDelay(job.Attempt)
	if retry && !errors.As(err, &perm) {
		if rerr := w.queue.Retry(bookCtx, job, delay); rerr != nil {
			log.ErrorContext(ctx, "schedule retry failed", "error", rerr, "cause", err)
			return
		}
		w.metrics.Retried.Add(ctx, 1, kindAttr)
		log.WarnContext(ctx, "job attempt failed, retrying", "error", err, "delay", delay)
		return
	}

	if derr := w.queue.Discard(bookCtx, job); derr != nil {
		log.ErrorContext(ctx, "record discarded job failed", "error", derr)
	}
	w.metrics.Discarded.Add(ctx, 1, kindAttr)
	log.ErrorContext(ctx, "job discarded", "error", err)
	telemetry.EmitAsync(ctx, w.emitter, w.logger, &telemetry.JobEvent{
		JobID:        job.ID,
		Kind:         string(job.Kind),
		Queue:        job.Queue(),
		Outcome:      "discarded",
		Attempt:      job.Attempt,
		Error:        job.LastError,
		At:           w.nowF().UTC(),
		TraceContext: job.TraceContext,
	})
}

func (w *Worker) handle(ctx context.Context, job *domain.Job) error {
	switch job.Kind {
	case domain.KindResetPassword, domain.KindRegistration, domain.KindTestEmail:
		var p domain.UserEmail
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return permanent{oops.With("kind", job.Kind).Wrapf(err, "decode payload")}
		}
		return w.send(ctx, job.Kind, p.Email, w.templates.UserVars(job.Kind, p, w.cfg.ResetWindow))
	case domain.KindTradeRequest, domain.KindTradeDeclined, domain.KindTradeAccepted, domain.KindTradeSubmitted:
		var p domain.TradeEmail
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return permanent{oops.With("kind", job.Kind).Wrapf(err, "decode payload")}
		}
		return w.send(ctx, job.Kind, p.Recipient, w.templates.TradeVars(p))
	case domain.KindEmailWebhook:
		var ev domain.EmailEvent
		if err := json.Unmarshal(job.Payload, &ev); err != nil {
			return permanent{oops.With("kind", job.Kind).Wrapf(err, "decode payload")}
		}
		if ev.MessageID == "" || ev.Event == "" {
			return permanent{oops.With("kind", job.Kind).Errorf("webhook event without message id or status")}
		}
		_, err := w.statuses.UpdateStatus(ctx, ev.MessageID, ev.Event, ev.Timestamp)
		return err
	default:
		return permanent{oops.With("kind", job.Kind).Errorf("unknown job kind")}
	}
}

func (w *Worker) send(ctx context.Context, kind domain.Kind, to string, vars email.Vars) error {
	msg, err := w.templates.Render(kind, to, vars)
	if err != nil {
		return permanent{err}
	}
	id, err := w.sender.Send(ctx, msg)
	if err != nil {
		return err
	}
	if err := w.statuses.RecordSent(ctx, id); err != nil {
		// The mail is out; a retry would send it twice.
		w.logger.WarnContext(ctx, "record sent email failed", "message_id", id, "error", err)
	}
	return nil
}
