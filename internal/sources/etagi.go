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

var etagiSearchURL = "https://api.etagi.com/api/v2/objects/list"

// Etagi reads the etagi.com API. Offset pagination, USD and BYN prices side
// by side, photos as objects.
type Etagi struct {
	client *httpx.Client
	cities cities.Resolver
	known  KnownIDs
	log    zerolog.Logger
	cfg    config.SourceSettings
}

// NewEtagi wires the etagi.com adapter.
func NewEtagi(client *httpx.Client, resolver cities.Resolver, known KnownIDs, log zerolog.Logger, cfg config.SourceSettings) *Etagi {
	return &Etagi{
		client: client,
		cities: resolver,
		known:  known,
		log:    log.With().Str("source", "etagi").Logger(),
		cfg:    cfg,
	}
}

func (e *Etagi) Name() string { return "etagi" }

func (e *Etagi) FetchListings(ctx context.Context, q Query) []models.Listing {
	city, ok := e.cities.PortalCode(q.CitySlug, "etagi")
	if !ok {
		e.log.Debug().Str("city", q.CitySlug).Msg("no city code, skipping")
		return nil
	}

	pageCap, pageSize := e.cfg.PageCap, e.cfg.PageSize
	if pageCap <= 0 {
		pageCap = defaultPageCap
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	var (
		out    []models.Listing
		streak = oldStreak{known: e.known}
	)
pages:
	for page := 0; page < pageCap; page++ {
		body := e.client.FetchJSON(ctx, httpx.Request{
			URL:     e.searchURL(city, q, page*pageSize, pageSize),
			Source:  "etagi",
			Origin:  "https://etagi.com",
			Timeout: time.Duration(e.cfg.TimeoutSec) * time.Second,
		})
		if body == nil {
			break
		}

		objects, err := parseEtagiPage(body)
		if err != nil {
			e.log.Warn().Err(err).Msg("bad search payload")
			break
		}

		for _, o := range objects {
			l := o.toListing(city, q.CitySlug)
			if !validListing(&l) {
				continue
			}
			if streak.observe(ctx, l.ListingID) {
				e.log.Debug().Int("collected", len(out)).Msg("old streak, stopping")
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

func (e *Etagi) searchURL(city string, q Query, offset, limit int) string {
	v := url.Values{}
	v.Set("city", city)
	v.Set("class", "flats")
	v.Set("type", "sale")
	v.Set("sort", "date_desc")
	v.Set("offset", strconv.Itoa(offset))
	v.Set("limit", strconv.Itoa(limit))
	if q.MinRooms > 1 {
		v.Set("rooms_min", strconv.Itoa(q.MinRooms))
	}
	if q.MaxRooms > 0 && q.MaxRooms < models.MaxRoomsUnbounded {
		v.Set("rooms_max", strconv.Itoa(q.MaxRooms))
	}
	if q.MinPrice > 0 {
		v.Set("price_min", strconv.FormatInt(q.MinPrice, 10))
	}
	if q.MaxPrice > 0 {
		v.Set("price_max", strconv.FormatInt(q.MaxPrice, 10))
	}
	v.Set("currency", "usd")
	return etagiSearchURL + "?" + v.Encode()
}

type etagiObject struct {
	ID         int64   `json:"id"`
	Rooms      int     `json:"rooms"`
	AreaTotal  float64 `json:"area_total"`
	Floor      int     `json:"floor"`
	Floors     int     `json:"floors"`
	Address    string  `json:"address"`
	Price      int64   `json:"price"`     // USD
	PriceBYN   int64   `json:"price_byn"` // whole BYN
	YearBuild  int     `json:"year_build"`
	IsOwner    bool    `json:"is_owner"`
	DateCreate string  `json:"date_create"`
	Photos     []struct {
		URL string `json:"url"`
	} `json:"photos"`
}

func parseEtagiPage(body []byte) ([]etagiObject, error) {
	var page struct {
		Data struct {
			Objects []etagiObject `json:"objects"`
			Total   int           `json:"total"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, err
	}
	return page.Data.Objects, nil
}

func (o etagiObject) toListing(cityCode, citySlug string) models.Listing {
	l := models.Listing{
		ListingID:  listingID("etagi", strconv.FormatInt(o.ID, 10)),
		Source:     "etagi",
		Price:      o.Price,
		PriceUSD:   o.Price,
		PriceBYN:   o.PriceBYN,
		Currency:   "USD",
		Rooms:      o.Rooms,
		AreaM2:     o.AreaTotal,
		Address:    strings.TrimSpace(o.Address),
		City:       citySlug,
		URL:        fmt.Sprintf("https://%s.etagi.com/realty/%d/", cityCode, o.ID),
		YearBuilt:  o.YearBuild,
		SellerType: models.SellerCompany, // etagi is an agency marketplace
	}

	if o.IsOwner {
		l.SellerType = models.SellerOwner
	}
	if o.Rooms > 0 && o.AreaTotal > 0 {
		l.Title = fmt.Sprintf("%d-комн. квартира, %.0f м², %s", o.Rooms, o.AreaTotal, l.Address)
	} else {
		l.Title = "Квартира, " + l.Address
	}
	if o.Floor > 0 && o.Floors > 0 {
		l.Floor = fmt.Sprintf("%d/%d", o.Floor, o.Floors)
	}
	for _, p := range o.Photos {
		if p.URL != "" {
			l.Photos = append(l.Photos, p.URL)
		}
	}
	if t, err := time.Parse("2006-01-02 15:04:05", o.DateCreate); err == nil {
		l.CreatedAt = t
	}
	return l
}
