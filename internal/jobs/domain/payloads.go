package domain

import "time"

// UserEmail is the payload of account emails (registration, password reset, test email).
type UserEmail struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	// ResetToken is set for password reset emails.
	ResetToken string `json:"resetToken,omitempty"`
}

// TradeEmail is the payload of trade lifecycle emails.
type TradeEmail struct {
	TradeID string `json:"tradeId"`
	// Recipient is the owner being notified.
	Recipient string `json:"recipient"`
	// Counterparty is the display name of the other side of the trade.
	Counterparty string `json:"counterparty,omitempty"`
	// DeclineReason is set for declined trades.
	DeclineReason string `json:"declineReason,omitempty"`
}

// EmailEvent is a delivery status callback from the mail provider.
type EmailEvent struct {
	MessageID string    `json:"messageId"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// BridgedJob is a row handed to the external job runner.
type BridgedJob struct {
	ID          int64
	Queue       string
	Worker      string
	Args        map[string]any
	ScheduledAt time.Time
	Priority    int
	MaxAttempts int
	State       BridgedState
}

// BridgedState is the external runner's job state. This process only creates rows in the
// available or scheduled state.
type BridgedState string

const (
	BridgedAvailable BridgedState = "available"
	BridgedScheduled BridgedState = "scheduled"
	BridgedExecuting BridgedState = "executing"
	BridgedRetryable BridgedState = "retryable"
	BridgedCompleted BridgedState = "completed"
	BridgedDiscarded BridgedState = "discarded"
	BridgedCancelled BridgedState = "cancelled"
)
