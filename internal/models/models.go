package models

import "time"

// Seller type values carried on a listing.
const (
	SellerOwner   = "owner"
	SellerCompany = "company"
	SellerUnknown = "unknown"
)

// Seller filter values a subscriber can choose.
const (
	SellerFilterAll   = "all"
	SellerFilterOwner = "owner"
)

// Delivery modes.
const (
	ModeBrief = "brief"
	ModeFull  = "full"
)

// Cached listing statuses.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// MaxRoomsUnbounded marks an open upper bound on the room filter.
const MaxRoomsUnbounded = 99

// MaxPriceSpanUSD bounds max_price - min_price at filter accept time.
const MaxPriceSpanUSD = 20000

// Listing is one apartment ad from one portal, normalized.
type Listing struct {
	ListingID     string    `json:"listing_id"` // "<source>_<native_id>", immutable
	Source        string    `json:"source"`
	Title         string    `json:"title"`
	Price         int64     `json:"price"` // primary currency; 0 = negotiable/unknown
	PriceUSD      int64     `json:"price_usd,omitempty"`
	PriceBYN      int64     `json:"price_byn,omitempty"`
	Currency      string    `json:"currency,omitempty"` // USD, BYN
	Rooms         int       `json:"rooms"`              // 0 = unknown
	AreaM2        float64   `json:"area_m2"`            // 0 = unknown
	Address       string    `json:"address"`
	City          string    `json:"city"` // canonical slug
	URL           string    `json:"url"`
	Photos        []string  `json:"photos,omitempty"`
	Floor         string    `json:"floor,omitempty"` // "n/N"
	YearBuilt     int       `json:"year_built,omitempty"`
	Balcony       string    `json:"balcony,omitempty"`
	Bathroom      string    `json:"bathroom,omitempty"`
	HouseType     string    `json:"house_type,omitempty"`
	Renovation    string    `json:"renovation,omitempty"`
	KitchenAreaM2 float64   `json:"kitchen_area_m2,omitempty"`
	LivingAreaM2  float64   `json:"living_area_m2,omitempty"`
	SellerType    string    `json:"seller_type"`          // owner, company, unknown
	CreatedAt     time.Time `json:"created_at,omitempty"` // source-reported, best effort
	ContentHash   string    `json:"content_hash,omitempty"`
}

// EffectivePrice returns the USD price when known, otherwise the primary
// price. Used for ordering and content hashing; the filter evaluator applies
// FX on top of this.
func (l *Listing) EffectivePrice() int64 {
	if l.PriceUSD > 0 {
		return l.PriceUSD
	}
	return l.Price
}

// PricePerSqm returns whole units per square meter, 0 when price or area is
// unknown.
func (l *Listing) PricePerSqm() int64 {
	p := l.EffectivePrice()
	if p <= 0 || l.AreaM2 <= 0 {
		return 0
	}
	return int64(float64(p) / l.AreaM2)
}

// FilterRecord is a subscriber's search configuration.
type FilterRecord struct {
	CitySlug     string `json:"city_slug"`
	MinRooms     int    `json:"min_rooms"` // 1..99
	MaxRooms     int    `json:"max_rooms"` // 99 = unbounded
	MinPrice     int64  `json:"min_price"` // USD
	MaxPrice     int64  `json:"max_price"` // USD
	SellerType   string `json:"seller_type"`   // all, owner
	DeliveryMode string `json:"delivery_mode"` // brief, full
}

// Complete reports whether the record carries enough to run a search.
func (f *FilterRecord) Complete() bool {
	return f.CitySlug != "" && f.MinRooms > 0 && f.MaxRooms > 0 && f.MaxPrice > 0
}

// Subscriber represents the 'subscribers' table: one chat identity plus its
// filter. Never deleted; the active flag gates dispatch.
type Subscriber struct {
	TelegramID int64        `json:"telegram_id"`
	Filter     FilterRecord `json:"filter"`
	Active     bool         `json:"active"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// CachedListing represents the 'listings_cache' table.
type CachedListing struct {
	Listing
	Status      string    `json:"status"` // active, deleted
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DeliveredEntry is one row of the global 'delivered_listings' table, the
// "ever sent to anyone" record keyed by content hash.
type DeliveredEntry struct {
	ListingID   string    `json:"listing_id"`
	ContentHash string    `json:"content_hash"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Short-link payload kinds.
const (
	LinkKindHouse = "house"
	LinkKindAd    = "ad"
)

// ShortLinkPayload is the JSON stored behind a 12-char callback code when the
// real payload would blow Telegram's 64-byte callback_data cap.
type ShortLinkPayload struct {
	Kind       string   `json:"kind"`
	Address    string   `json:"address,omitempty"`
	ListingIDs []string `json:"listing_ids,omitempty"`
	ListingID  string   `json:"listing_id,omitempty"`
	URL        string   `json:"url,omitempty"`
}

// DeliveryLogEntry represents the 'delivery_log' audit table.
type DeliveryLogEntry struct {
	ID           int64     `json:"id"`
	TelegramID   int64     `json:"telegram_id"`
	Mode         string    `json:"mode"`
	ListingsSent int       `json:"listings_sent"`
	GroupsSent   int       `json:"groups_sent"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
