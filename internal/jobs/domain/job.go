// Package domain defines notification job kinds, their retry policies and the job envelope.
package domain

import (
	"encoding/json"
	"time"

	"github.com/sethvargo/go-retry"
)

// Kind discriminates the handler a local job is dispatched to.
type Kind string

const (
	KindResetPassword  Kind = "reset_password"
	KindRegistration   Kind = "registration"
	KindTestEmail      Kind = "test_email"
	KindTradeRequest   Kind = "trade_request"
	KindTradeDeclined  Kind = "trade_declined"
	KindTradeAccepted  Kind = "trade_accepted"
	KindTradeSubmitted Kind = "trade_submitted"
	KindEmailWebhook   Kind = "email_webhook"
)

// Local queue names.
const (
	QueueEmails   = "emails"
	QueueWebhooks = "email_webhooks"
)

// Kinds lists every job kind.
var Kinds = []Kind{
	KindResetPassword, KindRegistration, KindTestEmail,
	KindTradeRequest, KindTradeDeclined, KindTradeAccepted, KindTradeSubmitted,
	KindEmailWebhook,
}

// Queues lists every local queue.
var Queues = []string{QueueEmails, QueueWebhooks}

func (k Kind) Valid() bool {
	switch k {
	case KindResetPassword, KindRegistration, KindTestEmail,
		KindTradeRequest, KindTradeDeclined, KindTradeAccepted, KindTradeSubmitted,
		KindEmailWebhook:
		return true
	}
	return false
}

// IsEmail reports whether the kind sends mail to a user.
func (k Kind) IsEmail() bool {
	return k.Valid() && k != KindEmailWebhook
}

// Queue returns the local queue the kind is processed on.
func (k Kind) Queue() string {
	if k == KindEmailWebhook {
		return QueueWebhooks
	}
	return QueueEmails
}

// Policy returns the kind's retry policy.
func (k Kind) Policy() RetryPolicy {
	if k == KindEmailWebhook {
		return RetryPolicy{Attempts: 3, Backoff: BackoffFixed, Delay: 5 * time.Second}
	}
	return RetryPolicy{Attempts: 3, Backoff: BackoffExponential, Delay: time.Second}
}

// BackoffType selects how the delay between attempts grows.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// RetryPolicy bounds how often and how soon a failed job is attempted again.
type RetryPolicy struct {
	// Attempts is the total number of attempts including the first.
	Attempts int         `json:"attempts"`
	Backoff  BackoffType `json:"backoff"`
	// Delay is the fixed delay, or the first delay of an exponential schedule.
	Delay time.Duration `json:"delay"`
}

// NextDelay returns the delay before the attempt following failedAttempts failures, and false once
// the policy is exhausted.
func (p RetryPolicy) NextDelay(failedAttempts int) (time.Duration, bool) {
	if failedAttempts < 1 || p.Attempts < 2 {
		return 0, false
	}
	b := p.schedule()
	var (
		d    time.Duration
		stop bool
	)
	for range failedAttempts {
		d, stop = b.Next()
		if stop {
			return 0, false
		}
	}
	return d, true
}

func (p RetryPolicy) schedule() retry.Backoff {
	var b retry.Backoff
	switch p.Backoff {
	case BackoffFixed:
		b = retry.NewConstant(p.Delay)
	default:
		b = retry.NewExponential(p.Delay)
	}
	return retry.WithMaxRetries(uint64(p.Attempts-1), b)
}

// Job is a queued unit of local work.
type Job struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	// Recipient is the address an email job is sent to; empty for webhook jobs.
	Recipient string      `json:"recipient,omitempty"`
	Policy    RetryPolicy `json:"policy"`
	// Attempt counts attempts already made.
	Attempt int `json:"attempt"`
	// TraceContext carries the producer span's W3C headers.
	TraceContext map[string]string `json:"trace_context,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	LastError    string            `json:"last_error,omitempty"`

	// Receipt is the stored form the job was reserved as; the queue store uses it to release the
	// reservation.
	Receipt string `json:"-"`
}

// Queue returns the queue the job belongs on.
func (j *Job) Queue() string {
	return j.Kind.Queue()
}

// Exhausted reports whether no attempts remain.
func (j *Job) Exhausted() bool {
	return j.Attempt >= j.Policy.Attempts
}
