package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"

	"flatradar/internal/cities"
	"flatradar/internal/config"
	"flatradar/internal/httpx"
	"flatradar/internal/models"
)

var domovitaBaseURL = "https://domovita.by"

// Domovita scrapes the domovita.by listing pages. Cards carry the id and
// both prices as data attributes; rooms, area and floor come from the
// parameter line.
type Domovita struct {
	client *httpx.Client
	cities cities.Resolver
	known  KnownIDs
	log    zerolog.Logger
	cfg    config.SourceSettings
}

// NewDomovita wires the domovita.by adapter.
func NewDomovita(client *httpx.Client, resolver cities.Resolver, known KnownIDs, log zerolog.Logger, cfg config.SourceSettings) *Domovita {
	return &Domovita{
		client: client,
		cities: resolver,
		known:  known,
		log:    log.With().Str("source", "domovita").Logger(),
		cfg:    cfg,
	}
}

func (d *Domovita) Name() string { return "domovita" }

func (d *Domovita) FetchListings(ctx context.Context, q Query) []models.Listing {
	city, ok := d.cities.PortalCode(q.CitySlug, "domovita")
	if !ok {
		d.log.Debug().Str("city", q.CitySlug).Msg("no city code, skipping")
		return nil
	}

	pageCap := d.cfg.PageCap
	if pageCap <= 0 {
		pageCap = defaultPageCap
	}

	var (
		out    []models.Listing
		streak = oldStreak{known: d.known}
	)
pages:
	for page := 1; page <= pageCap; page++ {
		body := d.client.FetchHTML(ctx, httpx.Request{
			URL:     d.searchURL(city, q, page),
			Source:  "domovita",
			Referer: domovitaBaseURL + "/",
			Timeout: time.Duration(d.cfg.TimeoutSec) * time.Second,
		})
		if body == nil {
			break
		}

		items := parseDomovitaPage(body, q.CitySlug)
		if len(items) == 0 {
			break
		}

		for _, l := range items {
			if !validListing(&l) {
				continue
			}
			if streak.observe(ctx, l.ListingID) {
				d.log.Debug().Int("collected", len(out)).Msg("old streak, stopping")
				break pages
			}
			out = append(out, l)
		}
	}

	return recheckQuery(out, q)
}

func (d *Domovita) searchURL(city string, q Query, page int) string {
	v := url.Values{}
	v.Set("sort", "date.desc")
	if q.MinRooms > 1 {
		v.Set("rooms_from", strconv.Itoa(q.MinRooms))
	}
	if q.MaxRooms > 0 && q.MaxRooms < models.MaxRoomsUnbounded {
		v.Set("rooms_to", strconv.Itoa(q.MaxRooms))
	}
	if q.MinPrice > 0 {
		v.Set("price_from", strconv.FormatInt(q.MinPrice, 10))
	}
	if q.MaxPrice > 0 {
		v.Set("price_to", strconv.FormatInt(q.MaxPrice, 10))
	}
	v.Set("currency", "usd")
	if page > 1 {
		v.Set("page", strconv.Itoa(page))
	}
	return fmt.Sprintf("%s/%s/flats/sale?%s", domovitaBaseURL, city, v.Encode())
}

// parseDomovitaPage extracts listing cards from a search results page.
func parseDomovitaPage(body []byte, citySlug string) []models.Listing {
	doc, err := parseHTML(body)
	if err != nil {
		return nil
	}

	var out []models.Listing
	eachByClass(doc, "object-card", func(card *html.Node) {
		id := attrVal(card, "data-id")
		if id == "" {
			return
		}

		l := models.Listing{
			ListingID:  listingID("domovita", id),
			Source:     "domovita",
			City:       citySlug,
			Currency:   "USD",
			SellerType: models.SellerUnknown,
		}

		if a := firstByClass(card, "object-card__title"); a != nil {
			l.Title = nodeText(a)
			if href := attrVal(a, "href"); href != "" {
				if strings.HasPrefix(href, "http") {
					l.URL = href
				} else {
					l.URL = domovitaBaseURL + ensureLeadingSlash(href)
				}
			}
		}

		if p := firstByClass(card, "object-card__price"); p != nil {
			if usd := attrVal(p, "data-usd"); usd != "" {
				l.PriceUSD, _ = strconv.ParseInt(usd, 10, 64)
			}
			if byn := attrVal(p, "data-byn"); byn != "" {
				l.PriceBYN, _ = strconv.ParseInt(byn, 10, 64)
			}
			if l.PriceUSD == 0 {
				l.PriceUSD = parsePriceText(nodeText(p))
			}
			l.Price = l.PriceUSD
		}

		if params := firstByClass(card, "object-card__params"); params != nil {
			text := nodeText(params)
			l.Rooms = parseRoomsText(text)
			l.AreaM2 = parseAreaText(text)
			l.Floor = parseFloorText(text)
		}

		if addr := firstByClass(card, "object-card__address"); addr != nil {
			l.Address = nodeText(addr)
		}

		eachByClass(card, "object-card__photo", func(img *html.Node) {
			if src := attrVal(img, "src"); strings.HasPrefix(src, "http") {
				l.Photos = append(l.Photos, src)
			}
		})

		if firstByClass(card, "object-card__label--owner") != nil {
			l.SellerType = models.SellerOwner
		} else if firstByClass(card, "object-card__label--agency") != nil {
			l.SellerType = models.SellerCompany
		}

		out = append(out, l)
	})

	return out
}
