package sources

import (
	"context"
	"encoding/json"
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

var hataSearchURL = "https://www.hata.by/api/search/flats-sale"

// Hata reads the hata.by search API. Prices are BYN-first; the USD quote is
// optional, so downstream filtering converts through the FX provider when it
// is missing.
type Hata struct {
	client *httpx.Client
	cities cities.Resolver
	known  KnownIDs
	log    zerolog.Logger
	cfg    config.SourceSettings
}

// NewHata wires the hata.by adapter.
func NewHata(client *httpx.Client, resolver cities.Resolver, known KnownIDs, log zerolog.Logger, cfg config.SourceSettings) *Hata {
	return &Hata{
		client: client,
		cities: resolver,
		known:  known,
		log:    log.With().Str("source", "hata").Logger(),
		cfg:    cfg,
	}
}

func (h *Hata) Name() string { return "hata" }

func (h *Hata) FetchListings(ctx context.Context, q Query) []models.Listing {
	city, ok := h.cities.PortalCode(q.CitySlug, "hata")
	if !ok {
		h.log.Debug().Str("city", q.CitySlug).Msg("no city code, skipping")
		return nil
	}

	pageCap, pageSize := h.cfg.PageCap, h.cfg.PageSize
	if pageCap <= 0 {
		pageCap = defaultPageCap
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	var (
		out    []models.Listing
		streak = oldStreak{known: h.known}
	)
pages:
	for page := 1; page <= pageCap; page++ {
		body := h.client.FetchJSON(ctx, httpx.Request{
			URL:     h.searchURL(city, q, page, pageSize),
			Source:  "hata",
			Referer: "https://www.hata.by/sale-flat/",
			Timeout: time.Duration(h.cfg.TimeoutSec) * time.Second,
		})
		if body == nil {
			break
		}

		items, last, err := parseHataPage(body)
		if err != nil {
			h.log.Warn().Err(err).Msg("bad search payload")
			break
		}

		for _, it := range items {
			l := it.toListing(q.CitySlug)
			if !validListing(&l) {
				continue
			}
			if streak.observe(ctx, l.ListingID) {
				h.log.Debug().Int("collected", len(out)).Msg("old streak, stopping")
				break pages
			}
			out = append(out, l)
		}

		if len(items) < pageSize || page >= last {
			break
		}
	}

	return recheckQuery(out, q)
}

func (h *Hata) searchURL(city string, q Query, page, size int) string {
	v := url.Values{}
	v.Set("city", city)
	v.Set("page", strconv.Itoa(page))
	v.Set("per_page", strconv.Itoa(size))
	v.Set("order", "created.desc")
	if q.MinRooms > 1 {
		v.Set("room_from", strconv.Itoa(q.MinRooms))
	}
	if q.MaxRooms > 0 && q.MaxRooms < models.MaxRoomsUnbounded {
		v.Set("room_to", strconv.Itoa(q.MaxRooms))
	}
	if q.MinPrice > 0 {
		v.Set("cost_from", strconv.FormatInt(q.MinPrice, 10))
	}
	if q.MaxPrice > 0 {
		v.Set("cost_to", strconv.FormatInt(q.MaxPrice, 10))
	}
	v.Set("currency", "USD")
	return hataSearchURL + "?" + v.Encode()
}

type hataItem struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Price struct {
		BYN int64 `json:"byn"`
		USD int64 `json:"usd"`
	} `json:"price"`
	Params struct {
		Rooms     int     `json:"rooms"`
		AreaTotal float64 `json:"area_total"`
		Floor     string  `json:"floor"` // already "n/N"
		YearBuilt int     `json:"year_built"`
		HouseType string  `json:"house_type"`
	} `json:"params"`
	Address string   `json:"address"`
	URL     string   `json:"url"`
	Images  []string `json:"images"`
	Owner   bool     `json:"owner"`
	Created string   `json:"created"`
}

func parseHataPage(body []byte) (items []hataItem, lastPage int, err error) {
	var page struct {
		Results []hataItem `json:"results"`
		Page    struct {
			Current int `json:"current"`
			Last    int `json:"last"`
		} `json:"page"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, 0, err
	}
	last := page.Page.Last
	if last < 1 {
		last = 1
	}
	return page.Results, last, nil
}

func (it hataItem) toListing(citySlug string) models.Listing {
	l := models.Listing{
		ListingID:  listingID("hata", strconv.FormatInt(it.ID, 10)),
		Source:     "hata",
		Title:      strings.TrimSpace(it.Title),
		Price:      it.Price.BYN,
		PriceBYN:   it.Price.BYN,
		PriceUSD:   it.Price.USD,
		Currency:   "BYN",
		Rooms:      it.Params.Rooms,
		AreaM2:     it.Params.AreaTotal,
		Floor:      it.Params.Floor,
		YearBuilt:  it.Params.YearBuilt,
		HouseType:  it.Params.HouseType,
		Address:    strings.TrimSpace(it.Address),
		City:       citySlug,
		URL:        it.URL,
		Photos:     it.Images,
		SellerType: models.SellerUnknown,
	}
	if it.Owner {
		l.SellerType = models.SellerOwner
	}
	if !strings.HasPrefix(l.URL, "http") && l.URL != "" {
		l.URL = "https://www.hata.by" + ensureLeadingSlash(l.URL)
	}
	if t, err := time.Parse("2006-01-02T15:04:05Z07:00", it.Created); err == nil {
		l.CreatedAt = t
	}
	return l
}
