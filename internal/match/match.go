package match

import (
	"fmt"

	"github.com/rs/zerolog"

	"flatradar/internal/cities"
	"flatradar/internal/models"
)

// FX converts whole BYN to whole USD with the current rate.
type FX interface {
	BYNToUSD(byn int64) int64
}

// EffectiveUSD resolves the price the filter compares against: the portal's
// USD quote when present, else the BYN quote converted, else the primary
// price when it is already USD. 0 means unknown or negotiable.
func EffectiveUSD(l *models.Listing, fx FX) int64 {
	if l.PriceUSD > 0 {
		return l.PriceUSD
	}
	if l.PriceBYN > 0 && fx != nil {
		return fx.BYNToUSD(l.PriceBYN)
	}
	if l.Currency == "USD" {
		return l.Price
	}
	return 0
}

// Matches reports whether the listing passes the subscriber's filter, with a
// short reason when it does not. Unknown rooms and unknown/negotiable prices
// are accepted; only the seller filter is allowed to drop on certainty.
func Matches(l *models.Listing, f models.FilterRecord, fx FX) (bool, string) {
	if l.Rooms > 0 {
		if l.Rooms < f.MinRooms {
			return false, fmt.Sprintf("rooms %d < %d", l.Rooms, f.MinRooms)
		}
		if f.MaxRooms < models.MaxRoomsUnbounded && l.Rooms > f.MaxRooms {
			return false, fmt.Sprintf("rooms %d > %d", l.Rooms, f.MaxRooms)
		}
	}

	if p := EffectiveUSD(l, fx); p > 0 {
		if p < f.MinPrice {
			return false, fmt.Sprintf("price %d < %d", p, f.MinPrice)
		}
		if p > f.MaxPrice {
			return false, fmt.Sprintf("price %d > %d", p, f.MaxPrice)
		}
	}

	if f.SellerType == models.SellerFilterOwner && l.SellerType == models.SellerCompany {
		return false, "seller is company"
	}

	return true, ""
}

// ValidateFilter enforces the invariants a filter must satisfy before a
// search may run. Used both at accept time in the bot gateway and at tick
// time in the dispatcher.
func ValidateFilter(f models.FilterRecord, resolver cities.Resolver) error {
	if !f.Complete() {
		return fmt.Errorf("filter incomplete")
	}
	if f.MinRooms < 1 || f.MaxRooms > models.MaxRoomsUnbounded {
		return fmt.Errorf("rooms outside 1..%d", models.MaxRoomsUnbounded)
	}
	if f.MinRooms > f.MaxRooms {
		return fmt.Errorf("min rooms %d > max rooms %d", f.MinRooms, f.MaxRooms)
	}
	if f.MinPrice < 0 || f.MinPrice > f.MaxPrice {
		return fmt.Errorf("price window %d..%d invalid", f.MinPrice, f.MaxPrice)
	}
	if f.MaxPrice-f.MinPrice > models.MaxPriceSpanUSD {
		return fmt.Errorf("price span %d exceeds %d USD", f.MaxPrice-f.MinPrice, models.MaxPriceSpanUSD)
	}
	if f.SellerType != models.SellerFilterAll && f.SellerType != models.SellerFilterOwner {
		return fmt.Errorf("unknown seller filter %q", f.SellerType)
	}
	if f.DeliveryMode != models.ModeBrief && f.DeliveryMode != models.ModeFull {
		return fmt.Errorf("unknown delivery mode %q", f.DeliveryMode)
	}
	if resolver != nil {
		if _, ok := resolver.Resolve(f.CitySlug); !ok {
			return fmt.Errorf("city %q does not resolve", f.CitySlug)
		}
	}
	return nil
}

// Log caps per subscriber per run keep verbose evaluator output bounded.
const (
	maxRejectLogs = 20
	maxAcceptLogs = 10
)

// RunLog counts evaluator decisions for one subscriber's run and logs the
// first few of each kind.
type RunLog struct {
	log      zerolog.Logger
	rejects  int
	accepts  int
	Rejected int
	Accepted int
}

func NewRunLog(log zerolog.Logger, telegramID int64) *RunLog {
	return &RunLog{log: log.With().Int64("subscriber", telegramID).Logger()}
}

func (r *RunLog) Accept(l *models.Listing) {
	r.Accepted++
	if r.accepts < maxAcceptLogs {
		r.accepts++
		r.log.Debug().Str("listing", l.ListingID).Msg("accepted")
	}
}

func (r *RunLog) Reject(l *models.Listing, reason string) {
	r.Rejected++
	if r.rejects < maxRejectLogs {
		r.rejects++
		r.log.Debug().Str("listing", l.ListingID).Str("reason", reason).Msg("rejected")
	}
}
