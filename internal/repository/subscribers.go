package repository

import (
	"context"
	"fmt"

	"flatradar/internal/models"
)

const subscriberColumns = `
	telegram_id, city_slug, min_rooms, max_rooms, min_price, max_price,
	seller_type, delivery_mode, active, created_at, updated_at`

// EnsureSubscriber creates the row on first /start. Reports whether the
// subscriber is new.
func (r *Repository) EnsureSubscriber(ctx context.Context, telegramID int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO subscribers (telegram_id, seller_type, delivery_mode, active)
		VALUES ($1, $2, $3, FALSE)
		ON CONFLICT (telegram_id) DO NOTHING
	`, telegramID, models.SellerFilterAll, models.ModeBrief)
	if err != nil {
		return false, fmt.Errorf("ensure subscriber %d: %w", telegramID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) GetSubscriber(ctx context.Context, telegramID int64) (*models.Subscriber, error) {
	row := r.db.QueryRow(ctx, `SELECT`+subscriberColumns+`
		FROM subscribers WHERE telegram_id = $1`, telegramID)

	s, err := scanSubscriber(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// SaveFilter replaces the subscriber's filter columns.
func (r *Repository) SaveFilter(ctx context.Context, telegramID int64, f models.FilterRecord) error {
	_, err := r.db.Exec(ctx, `
		UPDATE subscribers SET
			city_slug = $2,
			min_rooms = $3,
			max_rooms = $4,
			min_price = $5,
			max_price = $6,
			seller_type = $7,
			delivery_mode = $8,
			updated_at = NOW()
		WHERE telegram_id = $1
	`, telegramID, f.CitySlug, f.MinRooms, f.MaxRooms, f.MinPrice, f.MaxPrice, f.SellerType, f.DeliveryMode)
	if err != nil {
		return fmt.Errorf("save filter for %d: %w", telegramID, err)
	}
	return nil
}

// SetSubscriberActive flips monitoring on or off. Also used when Telegram
// reports the chat closed.
func (r *Repository) SetSubscriberActive(ctx context.Context, telegramID int64, active bool) error {
	_, err := r.db.Exec(ctx, `
		UPDATE subscribers SET active = $2, updated_at = NOW() WHERE telegram_id = $1
	`, telegramID, active)
	if err != nil {
		return fmt.Errorf("set subscriber %d active=%t: %w", telegramID, active, err)
	}
	return nil
}

// ActiveSubscribers returns every subscriber with monitoring enabled, in a
// stable order so each tick walks them the same way.
func (r *Repository) ActiveSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	rows, err := r.db.Query(ctx, `SELECT`+subscriberColumns+`
		FROM subscribers WHERE active ORDER BY telegram_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *Repository) CountSubscribers(ctx context.Context) (total, active int64, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE active) FROM subscribers
	`).Scan(&total, &active)
	return total, active, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (*models.Subscriber, error) {
	var s models.Subscriber
	err := row.Scan(
		&s.TelegramID, &s.Filter.CitySlug, &s.Filter.MinRooms,
		&s.Filter.MaxRooms, &s.Filter.MinPrice, &s.Filter.MaxPrice,
		&s.Filter.SellerType, &s.Filter.DeliveryMode, &s.Active,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
