package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// WebhookEventLedger records processed processor event ids in Postgres.
type WebhookEventLedger struct {
	pool *pgxpool.Pool
}

// NewWebhookEventLedger constructs a ledger over the shared pool.
func NewWebhookEventLedger(pool *pgxpool.Pool) *WebhookEventLedger {
	return &WebhookEventLedger{pool: pool}
}

// Claim inserts the event id if unseen. A zero rows-affected result means a
// previous delivery already claimed it.
func (l *WebhookEventLedger) Claim(ctx context.Context, eventID string, now time.Time) (bool, error) {
	const stmt = `
INSERT INTO processed_webhook_events (event_id, processed_at)
VALUES ($1, $2)
ON CONFLICT (event_id) DO NOTHING`

	tag, err := l.pool.Exec(ctx, stmt, eventID, now)
	if err != nil {
		return false, storageError("claim webhook event", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release deletes a claim so a redelivered event can be claimed again after a
// failed processing attempt.
func (l *WebhookEventLedger) Release(ctx context.Context, eventID string) error {
	const stmt = `DELETE FROM processed_webhook_events WHERE event_id = $1`

	if _, err := l.pool.Exec(ctx, stmt, eventID); err != nil {
		return storageError("release webhook event", err)
	}
	return nil
}
