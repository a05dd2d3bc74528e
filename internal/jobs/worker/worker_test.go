package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"trade-machine/backend/internal/email"
	"trade-machine/backend/internal/jobs"
	"trade-machine/backend/internal/jobs/domain"
	"trade-machine/backend/internal/telemetry"
	"trade-machine/backend/internal/telemetry/tracecontext"
)

type retried struct {
	job   domain.Job
	delay time.Duration
}

type fakeQueue struct {
	mu        sync.Mutex
	pending   []*domain.Job
	retried   []retried
	discarded []domain.Job
	completed []string
	recovered []string
	reserved  chan struct{}
}

func (q *fakeQueue) Reserve(ctx context.Context, _ string, timeout time.Duration) (*domain.Job, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		j := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		return j, nil
	}
	q.mu.Unlock()
	if q.reserved != nil {
		select {
		case q.reserved <- struct{}{}:
		default:
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func (q *fakeQueue) Complete(_ context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, job.ID)
	return nil
}

func (q *fakeQueue) Recover(_ context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recovered = append(q.recovered, queue)
	return 0, nil
}

func (q *fakeQueue) Retry(_ context.Context, job *domain.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, retried{job: *job, delay: delay})
	return nil
}

func (q *fakeQueue) Discard(_ context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.discarded = append(q.discarded, *job)
	return nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg email.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	return "msg-1@trades.fflmanager.com", nil
}

type fakeStatuses struct {
	sent    []string
	updates []string
}

func (s *fakeStatuses) RecordSent(_ context.Context, id string) error {
	s.sent = append(s.sent, id)
	return nil
}

func (s *fakeStatuses) UpdateStatus(_ context.Context, id, status string, _ time.Time) (bool, error) {
	s.updates = append(s.updates, id+"="+status)
	return true, nil
}

type fakeEmitter struct {
	events chan *telemetry.JobEvent
}

func (e *fakeEmitter) Emit(_ context.Context, ev *telemetry.JobEvent) error {
	e.events <- ev
	return nil
}

type fixture struct {
	w        *Worker
	queue    *fakeQueue
	sender   *fakeSender
	statuses *fakeStatuses
	emitter  *fakeEmitter
	tracer   *tracecontext.Propagator
	spans    *tracetest.SpanRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	metrics, err := jobs.NewMetrics(sdkmetric.NewMeterProvider())
	require.NoError(t, err)
	templates, err := email.LoadTemplates("https://trades.fflmanager.com")
	require.NoError(t, err)

	f := &fixture{
		queue:    &fakeQueue{},
		sender:   &fakeSender{},
		statuses: &fakeStatuses{},
		emitter:  &fakeEmitter{events: make(chan *telemetry.JobEvent, 4)},
		tracer:   tracecontext.New(tp, propagation.TraceContext{}),
		spans:    spans,
	}
	f.w = New(f.queue, f.sender, templates, f.statuses, f.tracer, metrics, f.emitter,
		slog.New(slog.DiscardHandler), Config{PollTimeout: 10 * time.Millisecond, ResetWindow: time.Hour})
	return f
}

func userJob(t *testing.T, kind domain.Kind, p domain.UserEmail) *domain.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &domain.Job{ID: "job-1", Kind: kind, Payload: raw, Recipient: p.Email, Policy: kind.Policy()}
}

func TestProcess_SendsResetEmailInConsumerSpan(t *testing.T) {
	f := newFixture(t)

	producerCtx, producer := f.tracer.StartProducerSpan(context.Background(), "enqueue reset_password")
	job := userJob(t, domain.KindResetPassword, domain.UserEmail{UserID: "u", Email: "owner@gmail.com", ResetToken: "tok"})
	job.TraceContext = f.tracer.Inject(producerCtx)
	producer.End()

	f.w.Process(context.Background(), job)

	require.Len(t, f.sender.sent, 1)
	msg := f.sender.sent[0]
	assert.Equal(t, "owner@gmail.com", msg.To)
	assert.Contains(t, msg.Text, "https://trades.fflmanager.com/reset_password?token=tok")
	assert.Equal(t, []string{"msg-1@trades.fflmanager.com"}, f.statuses.sent)
	assert.Equal(t, []string{"job-1"}, f.queue.completed)
	assert.Empty(t, f.queue.retried)
	assert.Empty(t, f.queue.discarded)

	spans := f.spans.Ended()
	require.Len(t, spans, 2)
	consumer := spans[1]
	assert.Equal(t, trace.SpanKindConsumer, consumer.SpanKind())
	assert.Equal(t, producer.SpanContext().SpanID(), consumer.Parent().SpanID())
	assert.Equal(t, producer.SpanContext().TraceID(), consumer.SpanContext().TraceID())
}

func TestProcess_ExponentialRetryThenDiscard(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("smtp: connection refused")
	job := userJob(t, domain.KindRegistration, domain.UserEmail{UserID: "u", Email: "owner@gmail.com"})

	f.w.Process(context.Background(), job)
	f.w.Process(context.Background(), job)
	f.w.Process(context.Background(), job)

	require.Len(t, f.queue.retried, 2)
	assert.Equal(t, time.Second, f.queue.retried[0].delay)
	assert.Equal(t, 1, f.queue.retried[0].job.Attempt)
	assert.Equal(t, 2*time.Second, f.queue.retried[1].delay)
	assert.Contains(t, f.queue.retried[1].job.LastError, "connection refused")

	require.Len(t, f.queue.discarded, 1)
	assert.Equal(t, 3, f.queue.discarded[0].Attempt)
	assert.Empty(t, f.queue.completed)

	select {
	case ev := <-f.emitter.events:
		assert.Equal(t, "discarded", ev.Outcome)
		assert.Equal(t, "job-1", ev.JobID)
		assert.Equal(t, 3, ev.Attempt)
	case <-time.After(time.Second):
		t.Fatal("discard event not emitted")
	}
}

func TestProcess_WebhookFixedRetry(t *testing.T) {
	f := newFixture(t)
	raw, err := json.Marshal(domain.EmailEvent{MessageID: "m-1", Event: "delivered"})
	require.NoError(t, err)
	job := &domain.Job{ID: "w-1", Kind: domain.KindEmailWebhook, Payload: raw, Policy: domain.KindEmailWebhook.Policy()}

	f.w.Process(context.Background(), job)
	assert.Equal(t, []string{"m-1=delivered"}, f.statuses.updates)
	assert.Empty(t, f.queue.retried)
}

func TestProcess_PermanentFailureDiscardsImmediately(t *testing.T) {
	testCases := []struct {
		name string
		job  *domain.Job
	}{
		{"bad payload", &domain.Job{ID: "j", Kind: domain.KindTradeRequest, Payload: json.RawMessage(`"nope"`), Policy: domain.KindTradeRequest.Policy()}},
		{"webhook without status", &domain.Job{ID: "j", Kind: domain.KindEmailWebhook, Payload: json.RawMessage(`{"messageId":"m"}`), Policy: domain.KindEmailWebhook.Policy()}},
		{"unknown kind", &domain.Job{ID: "j", Kind: domain.Kind("legacy"), Payload: json.RawMessage(`{}`), Policy: domain.KindRegistration.Policy()}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.w.Process(context.Background(), tc.job)
			assert.Empty(t, f.queue.retried)
			require.Len(t, f.queue.discarded, 1)
			assert.Equal(t, 1, f.queue.discarded[0].Attempt)
		})
	}
}

func TestProcess_TradeEmail(t *testing.T) {
	f := newFixture(t)
	raw, err := json.Marshal(domain.TradeEmail{TradeID: "t-9", Recipient: "owner@gmail.com", Counterparty: "Rival"})
	require.NoError(t, err)

	f.w.Process(context.Background(), &domain.Job{ID: "j", Kind: domain.KindTradeSubmitted, Payload: raw, Policy: domain.KindTradeSubmitted.Policy()})
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "Your trade was submitted", f.sender.sent[0].Subject)
	assert.Contains(t, f.sender.sent[0].Text, "/trades/t-9")
}

func TestRun_DrainsQueuesUntilCanceled(t *testing.T) {
	f := newFixture(t)
	f.queue.reserved = make(chan struct{}, 1)
	f.queue.pending = []*domain.Job{
		userJob(t, domain.KindTestEmail, domain.UserEmail{UserID: "u", Email: "owner@gmail.com"}),
	}
	f.w.cfg.Queues = []string{domain.QueueEmails}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()

	select {
	case <-f.queue.reserved:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain the queue")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	assert.Len(t, f.sender.sent, 1)

	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	assert.Equal(t, []string{domain.QueueEmails}, f.queue.recovered, "loop requeues abandoned jobs before reserving")
	assert.Equal(t, []string{"job-1"}, f.queue.completed)
}
