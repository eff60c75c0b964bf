package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"flatradar/internal/models"
)

// UpsertListings write-throughs one fetched batch into listings_cache in a
// single UNNEST statement. Existing rows keep their first_seen_at; everything
// else is refreshed and the row is resurrected to active.
func (r *Repository) UpsertListings(ctx context.Context, ls []models.Listing) error {
	if len(ls) == 0 {
		return nil
	}

	n := len(ls)
	ids := make([]string, n)
	sources := make([]string, n)
	titles := make([]string, n)
	prices := make([]int64, n)
	pricesUSD := make([]int64, n)
	pricesBYN := make([]int64, n)
	currencies := make([]string, n)
	rooms := make([]int32, n)
	areas := make([]float64, n)
	addresses := make([]string, n)
	citySlugs := make([]string, n)
	urls := make([]string, n)
	photos := make([]string, n)
	floors := make([]string, n)
	years := make([]int32, n)
	balconies := make([]string, n)
	bathrooms := make([]string, n)
	houseTypes := make([]string, n)
	renovations := make([]string, n)
	kitchens := make([]float64, n)
	livings := make([]float64, n)
	sellers := make([]string, n)
	postedAts := make([]*time.Time, n)
	hashes := make([]string, n)

	for i, l := range ls {
		ids[i] = l.ListingID
		sources[i] = l.Source
		titles[i] = sanitizeForPG(l.Title)
		prices[i] = l.Price
		pricesUSD[i] = l.PriceUSD
		pricesBYN[i] = l.PriceBYN
		currencies[i] = l.Currency
		rooms[i] = int32(l.Rooms)
		areas[i] = l.AreaM2
		addresses[i] = sanitizeForPG(l.Address)
		citySlugs[i] = l.City
		urls[i] = l.URL
		floors[i] = l.Floor
		years[i] = int32(l.YearBuilt)
		balconies[i] = sanitizeForPG(l.Balcony)
		bathrooms[i] = sanitizeForPG(l.Bathroom)
		houseTypes[i] = sanitizeForPG(l.HouseType)
		renovations[i] = sanitizeForPG(l.Renovation)
		kitchens[i] = l.KitchenAreaM2
		livings[i] = l.LivingAreaM2
		sellers[i] = l.SellerType
		hashes[i] = l.ContentHash

		if !l.CreatedAt.IsZero() {
			t := l.CreatedAt
			postedAts[i] = &t
		}

		p := l.Photos
		if p == nil {
			p = []string{}
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal photos for %s: %w", l.ListingID, err)
		}
		photos[i] = string(raw)
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO listings_cache (
			listing_id, source, title, price, price_usd, price_byn, currency,
			rooms, area_m2, address, city, url, photos, floor, year_built,
			balcony, bathroom, house_type, renovation, kitchen_area_m2,
			living_area_m2, seller_type, posted_at, content_hash,
			status, first_seen_at, last_seen_at, updated_at
		)
		SELECT
			u.listing_id, u.source, u.title, u.price, u.price_usd, u.price_byn,
			u.currency, u.rooms, u.area_m2, u.address, u.city, u.url, u.photos,
			u.floor, u.year_built, u.balcony, u.bathroom, u.house_type,
			u.renovation, u.kitchen_area_m2, u.living_area_m2, u.seller_type,
			u.posted_at, u.content_hash,
			'active', NOW(), NOW(), NOW()
		FROM UNNEST(
			$1::text[], $2::text[], $3::text[], $4::bigint[], $5::bigint[],
			$6::bigint[], $7::text[], $8::int[], $9::double precision[],
			$10::text[], $11::text[], $12::text[], $13::jsonb[], $14::text[],
			$15::int[], $16::text[], $17::text[], $18::text[], $19::text[],
			$20::double precision[], $21::double precision[], $22::text[],
			$23::timestamptz[], $24::text[]
		) AS u(
			listing_id, source, title, price, price_usd, price_byn, currency,
			rooms, area_m2, address, city, url, photos, floor, year_built,
			balcony, bathroom, house_type, renovation, kitchen_area_m2,
			living_area_m2, seller_type, posted_at, content_hash
		)
		ON CONFLICT (listing_id) DO UPDATE SET
			title = EXCLUDED.title,
			price = EXCLUDED.price,
			price_usd = EXCLUDED.price_usd,
			price_byn = EXCLUDED.price_byn,
			currency = EXCLUDED.currency,
			rooms = EXCLUDED.rooms,
			area_m2 = EXCLUDED.area_m2,
			address = EXCLUDED.address,
			city = EXCLUDED.city,
			url = EXCLUDED.url,
			photos = EXCLUDED.photos,
			floor = EXCLUDED.floor,
			year_built = EXCLUDED.year_built,
			balcony = EXCLUDED.balcony,
			bathroom = EXCLUDED.bathroom,
			house_type = EXCLUDED.house_type,
			renovation = EXCLUDED.renovation,
			kitchen_area_m2 = EXCLUDED.kitchen_area_m2,
			living_area_m2 = EXCLUDED.living_area_m2,
			seller_type = EXCLUDED.seller_type,
			posted_at = EXCLUDED.posted_at,
			content_hash = EXCLUDED.content_hash,
			status = 'active',
			last_seen_at = NOW(),
			updated_at = NOW()
	`,
		ids, sources, titles, prices, pricesUSD, pricesBYN, currencies,
		rooms, areas, addresses, citySlugs, urls, photos, floors, years,
		balconies, bathrooms, houseTypes, renovations, kitchens, livings,
		sellers, postedAts, hashes,
	)
	if err != nil {
		return fmt.Errorf("failed to bulk upsert listings: %w", err)
	}
	return nil
}

// QueryActive is the dispatcher's read-through: active rows for the city
// inside the rooms/price window, newest-updated first. Rows with unknown
// rooms or unknown USD price are included; the filter evaluator decides on
// those downstream.
func (r *Repository) QueryActive(ctx context.Context, city string, minRooms, maxRooms int, minPrice, maxPrice int64, limit int) ([]models.CachedListing, error) {
	if limit <= 0 {
		limit = 200
	}
	if maxRooms >= models.MaxRoomsUnbounded {
		maxRooms = 1000
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+cachedListingColumns+`
		FROM listings_cache
		WHERE city = $1
		  AND status = 'active'
		  AND (rooms = 0 OR rooms BETWEEN $2 AND $3)
		  AND (price_usd = 0 OR price_usd BETWEEN $4 AND $5)
		ORDER BY updated_at DESC
		LIMIT $6
	`, city, minRooms, maxRooms, minPrice, maxPrice, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCachedListings(rows)
}

// ListingsByIDs fetches cached rows by listing id, deleted ones included, in
// the order the ids were given. Backs the building-group pagination flow.
func (r *Repository) ListingsByIDs(ctx context.Context, ids []string) ([]models.CachedListing, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+cachedListingColumns+`
		FROM listings_cache
		WHERE listing_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found, err := scanCachedListings(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.CachedListing, len(found))
	for _, c := range found {
		byID[c.ListingID] = c
	}
	out := make([]models.CachedListing, 0, len(found))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

const cachedListingColumns = `
	listing_id, source, title, price, price_usd, price_byn, currency,
	rooms, area_m2, address, city, url, photos, floor, year_built,
	balcony, bathroom, house_type, renovation, kitchen_area_m2,
	living_area_m2, seller_type, posted_at, content_hash,
	status, first_seen_at, last_seen_at, updated_at`

func scanCachedListings(rows pgx.Rows) ([]models.CachedListing, error) {
	var out []models.CachedListing
	for rows.Next() {
		var (
			c        models.CachedListing
			postedAt *time.Time
		)
		if err := rows.Scan(
			&c.ListingID, &c.Source, &c.Title, &c.Price, &c.PriceUSD,
			&c.PriceBYN, &c.Currency, &c.Rooms, &c.AreaM2, &c.Address,
			&c.City, &c.URL, &c.Photos, &c.Floor, &c.YearBuilt,
			&c.Balcony, &c.Bathroom, &c.HouseType, &c.Renovation,
			&c.KitchenAreaM2, &c.LivingAreaM2, &c.SellerType, &postedAt,
			&c.ContentHash, &c.Status, &c.FirstSeenAt, &c.LastSeenAt,
			&c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if postedAt != nil {
			c.CreatedAt = *postedAt
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SweepCache ages the cache: active rows not re-observed within a day flip
// to deleted, and deleted rows unseen for a week are purged.
func (r *Repository) SweepCache(ctx context.Context, now time.Time) (deactivated, purged int64, err error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE listings_cache
		SET status = 'deleted', updated_at = NOW()
		WHERE status = 'active' AND last_seen_at < $1
	`, now.Add(-24*time.Hour))
	if err != nil {
		return 0, 0, fmt.Errorf("deactivate stale listings: %w", err)
	}
	deactivated = tag.RowsAffected()

	tag, err = r.db.Exec(ctx, `
		DELETE FROM listings_cache
		WHERE status = 'deleted' AND last_seen_at < $1
	`, now.Add(-7*24*time.Hour))
	if err != nil {
		return deactivated, 0, fmt.Errorf("purge deleted listings: %w", err)
	}
	return deactivated, tag.RowsAffected(), nil
}

// CountActiveListings reports the current cache population for the ops
// status endpoint.
func (r *Repository) CountActiveListings(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM listings_cache WHERE status = 'active'`).Scan(&n)
	return n, err
}
