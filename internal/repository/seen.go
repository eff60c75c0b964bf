package repository

import (
	"context"
	"fmt"

	"flatradar/internal/models"
)

// FilterSeen returns which of the candidate listing ids this subscriber has
// already received.
func (r *Repository) FilterSeen(ctx context.Context, telegramID int64, ids []string) (map[string]struct{}, error) {
	if len(ids) == 0 {
		return map[string]struct{}{}, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT listing_id FROM seen_listings
		WHERE telegram_id = $1 AND listing_id = ANY($2)
	`, telegramID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = struct{}{}
	}
	return seen, rows.Err()
}

// DeliveredHashes maps each already-delivered content hash among the
// candidates to the listing id it was first delivered under.
func (r *Repository) DeliveredHashes(ctx context.Context, hashes []string) (map[string]string, error) {
	if len(hashes) == 0 {
		return map[string]string{}, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT content_hash, listing_id FROM delivered_listings
		WHERE content_hash = ANY($1)
	`, hashes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string, len(hashes))
	for rows.Next() {
		var hash, id string
		if err := rows.Scan(&hash, &id); err != nil {
			return nil, err
		}
		out[hash] = id
	}
	return out, rows.Err()
}

// Known reports whether a listing id was ever delivered to anyone. This backs
// the adapters' old-streak pagination stop; a lookup error reads as "not
// known" so a flaky database can only cost extra pages, never listings.
func (r *Repository) Known(ctx context.Context, listingID string) bool {
	var known bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM delivered_listings WHERE listing_id = $1)
	`, listingID).Scan(&known)
	return err == nil && known
}

// MarkDelivered records a successful delivery: the subscriber's seen set and
// the global delivered set advance in one transaction.
func (r *Repository) MarkDelivered(ctx context.Context, telegramID int64, l models.Listing) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO seen_listings (telegram_id, listing_id, sent_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (telegram_id, listing_id) DO NOTHING
	`, telegramID, l.ListingID); err != nil {
		return fmt.Errorf("insert seen %s: %w", l.ListingID, err)
	}

	if l.ContentHash != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO delivered_listings (listing_id, content_hash, source, url, first_seen_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (listing_id) DO NOTHING
		`, l.ListingID, l.ContentHash, l.Source, l.URL); err != nil {
			return fmt.Errorf("insert delivered %s: %w", l.ListingID, err)
		}
	}

	return tx.Commit(ctx)
}

// MarkSeen adds one listing to a subscriber's seen set without touching the
// global delivered set. Backs the mute action on delivered cards.
func (r *Repository) MarkSeen(ctx context.Context, telegramID int64, listingID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO seen_listings (telegram_id, listing_id, sent_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (telegram_id, listing_id) DO NOTHING
	`, telegramID, listingID)
	if err != nil {
		return fmt.Errorf("mark seen %s for %d: %w", listingID, telegramID, err)
	}
	return nil
}

// ClearSeen wipes one subscriber's seen set (admin repair command). The
// global delivered set is left alone.
func (r *Repository) ClearSeen(ctx context.Context, telegramID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM seen_listings WHERE telegram_id = $1
	`, telegramID)
	if err != nil {
		return 0, fmt.Errorf("clear seen for %d: %w", telegramID, err)
	}
	return tag.RowsAffected(), nil
}
