package sources

import (
	"context"
	"fmt"
	"strings"

	"flatradar/internal/models"
)

// Pagination defaults shared by every portal. Portals sort newest-first, so a
// short run of already-delivered listings means the rest of the page history
// is old too.
const (
	defaultPageCap  = 2
	defaultPageSize = 30
	oldStreakLimit  = 5
)

// Query is the search every portal adapter receives. Prices are USD.
type Query struct {
	CitySlug string
	MinRooms int
	MaxRooms int // models.MaxRoomsUnbounded = open upper bound
	MinPrice int64
	MaxPrice int64
}

// KnownIDs answers whether a listing id was ever delivered to anyone.
// Adapters use it for the old-streak pagination stop. A nil KnownIDs
// disables the stop.
type KnownIDs interface {
	Known(ctx context.Context, listingID string) bool
}

// Adapter turns one portal's responses into canonical listings. FetchListings
// never returns an error: a failed portal contributes an empty slice and the
// failure is logged where it happened.
type Adapter interface {
	Name() string
	FetchListings(ctx context.Context, q Query) []models.Listing
}

// listingID builds the canonical "<source>_<native_id>" identity.
func listingID(source, nativeID string) string {
	return fmt.Sprintf("%s_%s", source, nativeID)
}

// validListing is the minimal contract a portal record must meet: a title,
// an http(s) url, a source tag, and a non-negative price. Zero price stays
// (negotiable).
func validListing(l *models.Listing) bool {
	if strings.TrimSpace(l.Title) == "" || l.Source == "" {
		return false
	}
	if l.Price < 0 || l.PriceUSD < 0 || l.PriceBYN < 0 {
		return false
	}
	u := strings.TrimSpace(l.URL)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return false
	}
	return true
}

// recheckQuery drops listings whose known attributes fall outside the query.
// Portals sometimes ignore out-of-range URL parameters, so server-side
// filtering is never trusted. Unknown rooms and zero prices pass.
func recheckQuery(ls []models.Listing, q Query) []models.Listing {
	out := make([]models.Listing, 0, len(ls))
	for _, l := range ls {
		if l.Rooms > 0 {
			if l.Rooms < q.MinRooms {
				continue
			}
			if q.MaxRooms > 0 && q.MaxRooms < models.MaxRoomsUnbounded && l.Rooms > q.MaxRooms {
				continue
			}
		}
		if p := l.EffectivePrice(); p > 0 && q.MaxPrice > 0 {
			if p < q.MinPrice || p > q.MaxPrice {
				continue
			}
		}
		out = append(out, l)
	}
	return out
}

// oldStreak counts consecutive already-delivered listings during pagination.
type oldStreak struct {
	known KnownIDs
	run   int
}

// observe records one listing id and reports whether pagination should stop.
func (s *oldStreak) observe(ctx context.Context, id string) bool {
	if s.known == nil {
		return false
	}
	if s.known.Known(ctx, id) {
		s.run++
	} else {
		s.run = 0
	}
	return s.run >= oldStreakLimit
}
