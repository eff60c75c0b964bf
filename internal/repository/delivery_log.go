package repository

import (
	"context"
	"fmt"
	"time"

	"flatradar/internal/models"
)

// AppendDeliveryLog records one subscriber dispatch outcome. Best effort at
// call sites; the audit trail never blocks delivery.
func (r *Repository) AppendDeliveryLog(ctx context.Context, e models.DeliveryLogEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO delivery_log (telegram_id, mode, listings_sent, groups_sent, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, e.TelegramID, e.Mode, e.ListingsSent, e.GroupsSent, e.Status, sanitizeForPG(e.Error))
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

// CountDeliveriesSince reports delivered/failed dispatches for the status
// endpoint.
func (r *Repository) CountDeliveriesSince(ctx context.Context, since time.Time) (ok, failed int64, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'ok'),
			COUNT(*) FILTER (WHERE status <> 'ok')
		FROM delivery_log
		WHERE created_at >= $1
	`, since).Scan(&ok, &failed)
	return ok, failed, err
}
