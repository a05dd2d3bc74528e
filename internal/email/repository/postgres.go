// Package repository persists email delivery status keyed by Message-ID.
package repository

import (
	"context"
	"time"

	"github.com/samber/oops"

	"trade-machine/backend/internal/db"
)

// Delivery statuses written by this process. Webhook events may store any provider status.
const (
	StatusSent = "sent"
)

type PostgresRepository struct {
	pool db.DBTX
	nowF func() time.Time
}

func NewPostgresRepository(pool db.DBTX) *PostgresRepository {
	return &PostgresRepository{pool: pool, nowF: time.Now}
}

// RecordSent stores a freshly sent message.
func (r *PostgresRepository) RecordSent(ctx context.Context, messageID string) error {
	now := r.nowF().UTC()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO emails (message_id, status, created_at, updated_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, StatusSent, now)
	if err != nil {
		return oops.With("operation", "record sent email").With("message_id", messageID).Wrap(err)
	}
	return nil
}

// UpdateStatus upserts status for messageID and returns true when a row was written.
// Events older than the stored row do not overwrite it.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, messageID, status string, at time.Time) (bool, error) {
	if at.IsZero() {
		at = r.nowF()
	}
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO emails (message_id, status, created_at, updated_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (message_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		 WHERE emails.updated_at <= EXCLUDED.updated_at`,
		messageID, status, at.UTC())
	if err != nil {
		return false, oops.With("operation", "update email status").With("message_id", messageID).Wrap(err)
	}
	return tag.RowsAffected() > 0, nil
}
