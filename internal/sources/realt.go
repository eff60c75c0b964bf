package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"flatradar/internal/cities"
	"flatradar/internal/config"
	"flatradar/internal/httpx"
	"flatradar/internal/models"
)

var realtSearchURL = "https://realt.by/bff/api/search/flats-sale"

// Realt reads the realt.by search API. Prices are whole USD; the payload is
// flat and page-numbered.
type Realt struct {
	client *httpx.Client
	cities cities.Resolver
	known  KnownIDs
	log    zerolog.Logger
	cfg    config.SourceSettings
}

// NewRealt wires the realt.by adapter.
func NewRealt(client *httpx.Client, resolver cities.Resolver, known KnownIDs, log zerolog.Logger, cfg config.SourceSettings) *Realt {
	return &Realt{
		client: client,
		cities: resolver,
		known:  known,
		log:    log.With().Str("source", "realt").Logger(),
		cfg:    cfg,
	}
}

func (r *Realt) Name() string { return "realt" }

func (r *Realt) FetchListings(ctx context.Context, q Query) []models.Listing {
	city, ok := r.cities.PortalCode(q.CitySlug, "realt")
	if !ok {
		r.log.Debug().Str("city", q.CitySlug).Msg("no city code, skipping")
		return nil
	}

	pageCap, pageSize := r.cfg.PageCap, r.cfg.PageSize
	if pageCap <= 0 {
		pageCap = defaultPageCap
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	var (
		out    []models.Listing
		streak = oldStreak{known: r.known}
	)
pages:
	for page := 1; page <= pageCap; page++ {
		body := r.client.FetchJSON(ctx, httpx.Request{
			URL:     r.searchURL(city, q, page, pageSize),
			Source:  "realt",
			Referer: "https://realt.by/sale/flats/",
			Timeout: time.Duration(r.cfg.TimeoutSec) * time.Second,
		})
		if body == nil {
			break
		}

		objects, err := parseRealtPage(body)
		if err != nil {
			r.log.Warn().Err(err).Msg("bad search payload")
			break
		}

		for _, o := range objects {
			l := o.toListing(q.CitySlug)
			if !validListing(&l) {
				continue
			}
			if streak.observe(ctx, l.ListingID) {
				r.log.Debug().Int("collected", len(out)).Msg("old streak, stopping")
				break pages
			}
			out = append(out, l)
		}

		if len(objects) < pageSize {
			break
		}
	}

	return recheckQuery(out, q)
}

func (r *Realt) searchURL(city string, q Query, page, size int) string {
	v := url.Values{}
	v.Set("city", city)
	v.Set("page", strconv.Itoa(page))
	v.Set("size", strconv.Itoa(size))
	v.Set("sort", "createdAt:desc")
	if q.MinRooms > 1 {
		v.Set("roomsFrom", strconv.Itoa(q.MinRooms))
	}
	if q.MaxRooms > 0 && q.MaxRooms < models.MaxRoomsUnbounded {
		v.Set("roomsTo", strconv.Itoa(q.MaxRooms))
	}
	if q.MinPrice > 0 {
		v.Set("priceFrom", strconv.FormatInt(q.MinPrice, 10))
	}
	if q.MaxPrice > 0 {
		v.Set("priceTo", strconv.FormatInt(q.MaxPrice, 10))
	}
	v.Set("currency", "USD")
	return realtSearchURL + "?" + v.Encode()
}

type realtObject struct {
	Code        int64    `json:"code"`
	Title       string   `json:"title"`
	Price       int64    `json:"price"`    // USD
	PriceByn    int64    `json:"priceByn"` // whole BYN
	Rooms       int      `json:"rooms"`
	AreaTotal   float64  `json:"areaTotal"`
	AreaKitchen float64  `json:"areaKitchen"`
	AreaLiving  float64  `json:"areaLiving"`
	Storey      int      `json:"storey"`
	Storeys     int      `json:"storeys"`
	BuildYear   int      `json:"buildYear"`
	Address     string   `json:"address"`
	HouseType   string   `json:"houseType"`
	Repair      string   `json:"repairState"`
	Balcony     string   `json:"balcony"`
	Toilet      string   `json:"toilet"`
	Images      []string `json:"images"`
	SellerType  string   `json:"sellerType"` // owner | agency
	CreatedAt   string   `json:"createdAt"`
	URL         string   `json:"url"`
}

func parseRealtPage(body []byte) ([]realtObject, error) {
	var page struct {
		Objects []realtObject `json:"objects"`
		Total   int           `json:"total"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, err
	}
	return page.Objects, nil
}

func (o realtObject) toListing(citySlug string) models.Listing {
	l := models.Listing{
		ListingID:     listingID("realt", strconv.FormatInt(o.Code, 10)),
		Source:        "realt",
		Title:         strings.TrimSpace(o.Title),
		Price:         o.Price,
		PriceUSD:      o.Price,
		PriceBYN:      o.PriceByn,
		Currency:      "USD",
		Rooms:         o.Rooms,
		AreaM2:        o.AreaTotal,
		KitchenAreaM2: o.AreaKitchen,
		LivingAreaM2:  o.AreaLiving,
		YearBuilt:     o.BuildYear,
		Address:       strings.TrimSpace(o.Address),
		City:          citySlug,
		URL:           o.URL,
		Photos:        o.Images,
		HouseType:     o.HouseType,
		Renovation:    o.Repair,
		Balcony:       o.Balcony,
		Bathroom:      o.Toilet,
	}

	if o.URL != "" && !strings.HasPrefix(o.URL, "http") {
		l.URL = "https://realt.by" + ensureLeadingSlash(o.URL)
	}
	if o.Storey > 0 && o.Storeys > 0 {
		l.Floor = fmt.Sprintf("%d/%d", o.Storey, o.Storeys)
	}
	switch strings.ToLower(o.SellerType) {
	case "owner":
		l.SellerType = models.SellerOwner
	case "agency", "company":
		l.SellerType = models.SellerCompany
	default:
		l.SellerType = models.SellerUnknown
	}
	if t, err := time.Parse(time.RFC3339, o.CreatedAt); err == nil {
		l.CreatedAt = t
	}
	return l
}

func ensureLeadingSlash(s string) string {
	if strings.HasPrefix(s, "/") {
		return s
	}
	return "/" + s
}
