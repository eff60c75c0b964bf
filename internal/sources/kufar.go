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

var kufarSearchURL = "https://api.kufar.by/search-api/v2/search/rendered-paginated"

const kufarGalleryURL = "https://rms.kufar.by/v1/gallery/"

// Kufar reads the kufar.by search API. Prices arrive as cent strings; rooms,
// area and floor ride in a generic parameter list.
type Kufar struct {
	client *httpx.Client
	cities cities.Resolver
	known  KnownIDs
	log    zerolog.Logger
	cfg    config.SourceSettings
}

// NewKufar wires the kufar.by adapter.
func NewKufar(client *httpx.Client, resolver cities.Resolver, known KnownIDs, log zerolog.Logger, cfg config.SourceSettings) *Kufar {
	return &Kufar{
		client: client,
		cities: resolver,
		known:  known,
		log:    log.With().Str("source", "kufar").Logger(),
		cfg:    cfg,
	}
}

func (k *Kufar) Name() string { return "kufar" }

func (k *Kufar) FetchListings(ctx context.Context, q Query) []models.Listing {
	area, ok := k.cities.PortalCode(q.CitySlug, "kufar")
	if !ok {
		k.log.Debug().Str("city", q.CitySlug).Msg("no city code, skipping")
		return nil
	}

	pageCap, pageSize := k.cfg.PageCap, k.cfg.PageSize
	if pageCap <= 0 {
		pageCap = defaultPageCap
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	var (
		out    []models.Listing
		streak = oldStreak{known: k.known}
		cursor string
	)
pages:
	for page := 1; page <= pageCap; page++ {
		body := k.client.FetchJSON(ctx, httpx.Request{
			URL:     k.searchURL(area, q, pageSize, cursor),
			Source:  "kufar",
			Referer: "https://re.kufar.by/",
			Timeout: time.Duration(k.cfg.TimeoutSec) * time.Second,
		})
		if body == nil {
			break
		}

		ads, next, err := parseKufarPage(body)
		if err != nil {
			k.log.Warn().Err(err).Msg("bad search payload")
			break
		}

		for _, ad := range ads {
			l := ad.toListing(q.CitySlug)
			if !validListing(&l) {
				continue
			}
			if streak.observe(ctx, l.ListingID) {
				k.log.Debug().Int("collected", len(out)).Msg("old streak, stopping")
				break pages
			}
			out = append(out, l)
		}

		if len(ads) < pageSize || next == "" {
			break
		}
		cursor = next
	}

	return recheckQuery(out, q)
}

func (k *Kufar) searchURL(area string, q Query, size int, cursor string) string {
	v := url.Values{}
	v.Set("cat", "1010") // flats for sale
	v.Set("cur", "USD")
	v.Set("lang", "ru")
	v.Set("size", strconv.Itoa(size))
	v.Set("ar", area)
	if q.MinPrice > 0 || q.MaxPrice > 0 {
		v.Set("prc", fmt.Sprintf("r:%d,%d", q.MinPrice*100, q.MaxPrice*100))
	}
	if rms := kufarRoomsParam(q.MinRooms, q.MaxRooms); rms != "" {
		v.Set("rms", rms)
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	return kufarSearchURL + "?" + v.Encode()
}

// kufarRoomsParam encodes a rooms range as the portal's v.or list. Values
// above 6 collapse into the portal's "6+" bucket; a fully open range omits
// the parameter.
func kufarRoomsParam(min, max int) string {
	if min <= 1 && max >= models.MaxRoomsUnbounded {
		return ""
	}
	if min < 1 {
		min = 1
	}
	hi := max
	if hi > 6 {
		hi = 6
	}
	var vals []string
	for r := min; r <= hi; r++ {
		vals = append(vals, strconv.Itoa(r))
	}
	if len(vals) == 0 {
		return ""
	}
	return "v.or:" + strings.Join(vals, ",")
}

type kufarAd struct {
	AdID      int64           `json:"ad_id"`
	Subject   string          `json:"subject"`
	AdLink    string          `json:"ad_link"`
	PriceBYN  string          `json:"price_byn"` // cents
	PriceUSD  string          `json:"price_usd"` // cents
	ListTime  string          `json:"list_time"`
	CompanyAd bool            `json:"company_ad"`
	Images    []kufarImage    `json:"images"`
	Params    []kufarAdParam  `json:"ad_parameters"`
	Account   json.RawMessage `json:"account_parameters,omitempty"`
}

type kufarImage struct {
	Path string `json:"path"`
}

type kufarAdParam struct {
	P  string `json:"p"`
	V  any    `json:"v"`
	VL any    `json:"vl"`
}

type kufarPage struct {
	Ads        []kufarAd `json:"ads"`
	Pagination struct {
		Pages []struct {
			Label string `json:"label"`
			Token string `json:"token"`
		} `json:"pages"`
	} `json:"pagination"`
	Total int `json:"total"`
}

func parseKufarPage(body []byte) ([]kufarAd, string, error) {
	var page kufarPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", err
	}
	var next string
	for _, p := range page.Pagination.Pages {
		if p.Label == "next" {
			next = p.Token
			break
		}
	}
	return page.Ads, next, nil
}

func (ad kufarAd) toListing(citySlug string) models.Listing {
	l := models.Listing{
		ListingID:  listingID("kufar", strconv.FormatInt(ad.AdID, 10)),
		Source:     "kufar",
		Title:      strings.TrimSpace(ad.Subject),
		URL:        ad.AdLink,
		City:       citySlug,
		Currency:   "USD",
		SellerType: models.SellerOwner,
	}
	if ad.CompanyAd {
		l.SellerType = models.SellerCompany
	}

	l.PriceUSD = parseCentString(ad.PriceUSD)
	l.PriceBYN = parseCentString(ad.PriceBYN)
	l.Price = l.PriceUSD

	if t, err := time.Parse(time.RFC3339, ad.ListTime); err == nil {
		l.CreatedAt = t
	}

	for _, img := range ad.Images {
		if img.Path == "" {
			continue
		}
		if strings.HasPrefix(img.Path, "http") {
			l.Photos = append(l.Photos, img.Path)
		} else {
			l.Photos = append(l.Photos, kufarGalleryURL+img.Path)
		}
	}

	l.Rooms = int(ad.paramFloat("rooms"))
	l.AreaM2 = ad.paramFloat("size")
	l.YearBuilt = int(ad.paramFloat("year_built"))
	l.Balcony = ad.paramString("balcony")
	l.Bathroom = ad.paramString("bathroom")
	l.HouseType = ad.paramString("house_type")
	l.Renovation = ad.paramString("condition")

	floor := int(ad.paramFloat("floor"))
	total := int(ad.paramFloat("re_number_floors"))
	if floor > 0 && total > 0 {
		l.Floor = fmt.Sprintf("%d/%d", floor, total)
	} else if floor > 0 {
		l.Floor = strconv.Itoa(floor)
	}

	addr := ad.paramString("address")
	if addr == "" {
		addr = ad.paramString("area")
	}
	l.Address = strings.TrimSpace(addr)

	return l
}

func (ad kufarAd) param(name string) *kufarAdParam {
	for i := range ad.Params {
		if ad.Params[i].P == name {
			return &ad.Params[i]
		}
	}
	return nil
}

func (ad kufarAd) paramFloat(name string) float64 {
	p := ad.param(name)
	if p == nil {
		return 0
	}
	switch v := p.V.(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64)
		return f
	}
	return 0
}

func (ad kufarAd) paramString(name string) string {
	p := ad.param(name)
	if p == nil {
		return ""
	}
	switch v := p.VL.(type) {
	case string:
		return v
	}
	if s, ok := p.V.(string); ok {
		return s
	}
	return ""
}

// parseCentString turns the portal's "5000000" cent strings into whole
// units. Unparseable values become 0 (unknown); a negative stays negative so
// DTO validation drops the record.
func parseCentString(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	if n < 0 {
		return -1
	}
	return n / 100
}
