package dispatcher

import (
	"context"

	"trade-machine/backend/internal/jobs/domain"
	"trade-machine/backend/internal/platform/apperr"
	userdomain "trade-machine/backend/internal/user/domain"
)

func userEmail(u *userdomain.User) domain.UserEmail {
	p := domain.UserEmail{UserID: u.ID, Email: u.Email, Name: u.Name}
	if u.PasswordResetToken != nil {
		p.ResetToken = *u.PasswordResetToken
	}
	return p
}

func (d *Dispatcher) sendUserEmail(ctx context.Context, kind domain.Kind, u *userdomain.User) (*domain.Job, error) {
	if u == nil || u.Email == "" {
		return nil, apperr.Validation("user email is required")
	}
	return d.EnqueueLocal(ctx, kind, userEmail(u), u.Email)
}

// SendResetPasswordEmail queues the reset link for u. u must carry a reset token.
func (d *Dispatcher) SendResetPasswordEmail(ctx context.Context, u *userdomain.User) (*domain.Job, error) {
	if u == nil || u.PasswordResetToken == nil {
		return nil, apperr.Validation("password reset token is required")
	}
	return d.sendUserEmail(ctx, domain.KindResetPassword, u)
}

func (d *Dispatcher) SendRegistrationEmail(ctx context.Context, u *userdomain.User) (*domain.Job, error) {
	return d.sendUserEmail(ctx, domain.KindRegistration, u)
}

func (d *Dispatcher) SendTestEmail(ctx context.Context, u *userdomain.User) (*domain.Job, error) {
	return d.sendUserEmail(ctx, domain.KindTestEmail, u)
}

func (d *Dispatcher) sendTradeEmail(ctx context.Context, kind domain.Kind, t domain.TradeEmail) (*domain.Job, error) {
	if t.TradeID == "" || t.Recipient == "" {
		return nil, apperr.Validation("trade id and recipient are required")
	}
	return d.EnqueueLocal(ctx, kind, t, t.Recipient)
}

func (d *Dispatcher) SendTradeRequestEmail(ctx context.Context, t domain.TradeEmail) (*domain.Job, error) {
	return d.sendTradeEmail(ctx, domain.KindTradeRequest, t)
}

func (d *Dispatcher) SendTradeDeclinedEmail(ctx context.Context, t domain.TradeEmail) (*domain.Job, error) {
	return d.sendTradeEmail(ctx, domain.KindTradeDeclined, t)
}

func (d *Dispatcher) SendTradeAcceptedEmail(ctx context.Context, t domain.TradeEmail) (*domain.Job, error) {
	return d.sendTradeEmail(ctx, domain.KindTradeAccepted, t)
}

func (d *Dispatcher) SendTradeSubmittedEmail(ctx context.Context, t domain.TradeEmail) (*domain.Job, error) {
	return d.sendTradeEmail(ctx, domain.KindTradeSubmitted, t)
}

// HandleEmailWebhook queues a delivery status event for processing. Webhook jobs have no recipient
// and are never suppressed.
func (d *Dispatcher) HandleEmailWebhook(ctx context.Context, ev domain.EmailEvent) (*domain.Job, error) {
	if ev.MessageID == "" {
		return nil, apperr.Validation("message id is required")
	}
	return d.EnqueueLocal(ctx, domain.KindEmailWebhook, ev, "")
}

// BridgeEmail hands an email job to the external runner on the configured queue and worker.
func (d *Dispatcher) BridgeEmail(ctx context.Context, kind domain.Kind, data any) (BridgedJobRef, error) {
	return d.EnqueueBridged(ctx, d.opts.BridgeQueue, d.opts.BridgeWorker, map[string]any{
		"email_type": string(kind),
		"data":       data,
	}, BridgedOptions{})
}

// BridgeResetPasswordEmail hands the reset email for u to the external runner.
func (d *Dispatcher) BridgeResetPasswordEmail(ctx context.Context, u *userdomain.User) (BridgedJobRef, error) {
	if u == nil || u.PasswordResetToken == nil {
		return BridgedJobRef{}, apperr.Validation("password reset token is required")
	}
	return d.BridgeEmail(ctx, domain.KindResetPassword, userEmail(u))
}
