package sources

import (
	"context"
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

var gohomeBaseURL = "https://gohome.by"

// GoHome scrapes gohome.by result pages. The markup is text-heavy: both
// prices and all parameters have to be pulled out of the card text.
type GoHome struct {
	client *httpx.Client
	cities cities.Resolver
	known  KnownIDs
	log    zerolog.Logger
	cfg    config.SourceSettings
}

// NewGoHome wires the gohome.by adapter.
func NewGoHome(client *httpx.Client, resolver cities.Resolver, known KnownIDs, log zerolog.Logger, cfg config.SourceSettings) *GoHome {
	return &GoHome{
		client: client,
		cities: resolver,
		known:  known,
		log:    log.With().Str("source", "gohome").Logger(),
		cfg:    cfg,
	}
}

func (g *GoHome) Name() string { return "gohome" }

func (g *GoHome) FetchListings(ctx context.Context, q Query) []models.Listing {
	city, ok := g.cities.PortalCode(q.CitySlug, "gohome")
	if !ok {
		g.log.Debug().Str("city", q.CitySlug).Msg("no city code, skipping")
		return nil
	}

	pageCap := g.cfg.PageCap
	if pageCap <= 0 {
		pageCap = defaultPageCap
	}

	var (
		out    []models.Listing
		streak = oldStreak{known: g.known}
	)
pages:
	for page := 1; page <= pageCap; page++ {
		body := g.client.FetchHTML(ctx, httpx.Request{
			URL:     g.searchURL(city, q, page),
			Source:  "gohome",
			Referer: gohomeBaseURL + "/",
			Timeout: time.Duration(g.cfg.TimeoutSec) * time.Second,
		})
		if body == nil {
			break
		}

		items := parseGoHomePage(body, q.CitySlug)
		if len(items) == 0 {
			break
		}

		for _, l := range items {
			if !validListing(&l) {
				continue
			}
			if streak.observe(ctx, l.ListingID) {
				g.log.Debug().Int("collected", len(out)).Msg("old streak, stopping")
				break pages
			}
			out = append(out, l)
		}
	}

	return recheckQuery(out, q)
}

func (g *GoHome) searchURL(city string, q Query, page int) string {
	v := url.Values{}
	v.Set("w[0]", "city="+city)
	v.Set("sort", "-date")
	if q.MinRooms > 1 {
		v.Set("w[1]", "rooms>="+strconv.Itoa(q.MinRooms))
	}
	if q.MaxRooms > 0 && q.MaxRooms < models.MaxRoomsUnbounded {
		v.Set("w[2]", "rooms<="+strconv.Itoa(q.MaxRooms))
	}
	if q.MinPrice > 0 {
		v.Set("w[3]", "price_usd>="+strconv.FormatInt(q.MinPrice, 10))
	}
	if q.MaxPrice > 0 {
		v.Set("w[4]", "price_usd<="+strconv.FormatInt(q.MaxPrice, 10))
	}
	if page > 1 {
		v.Set("page", strconv.Itoa(page))
	}
	return gohomeBaseURL + "/sale/index?" + v.Encode()
}

// parseGoHomePage extracts listing cards from a search results page.
func parseGoHomePage(body []byte, citySlug string) []models.Listing {
	doc, err := parseHTML(body)
	if err != nil {
		return nil
	}

	var out []models.Listing
	eachByClass(doc, "ad-item", func(card *html.Node) {
		l := models.Listing{
			Source:     "gohome",
			City:       citySlug,
			Currency:   "USD",
			SellerType: models.SellerUnknown,
		}

		if a := firstByClass(card, "ad-item__title"); a != nil {
			l.Title = nodeText(a)
			href := attrVal(a, "href")
			if href != "" {
				if strings.HasPrefix(href, "http") {
					l.URL = href
				} else {
					l.URL = gohomeBaseURL + ensureLeadingSlash(href)
				}
				if id := gohomeIDFromHref(href); id != "" {
					l.ListingID = listingID("gohome", id)
				}
			}
		}
		if l.ListingID == "" {
			return
		}

		if p := firstByClass(card, "ad-item__price-usd"); p != nil {
			l.PriceUSD = parsePriceText(nodeText(p))
			l.Price = l.PriceUSD
		}
		if p := firstByClass(card, "ad-item__price-byn"); p != nil {
			l.PriceBYN = parsePriceText(nodeText(p))
		}

		if params := firstByClass(card, "ad-item__params"); params != nil {
			text := nodeText(params)
			l.Rooms = parseRoomsText(text)
			l.AreaM2 = parseAreaText(text)
			l.Floor = parseFloorText(text)
		}

		if addr := firstByClass(card, "ad-item__address"); addr != nil {
			l.Address = nodeText(addr)
		}

		eachByClass(card, "ad-item__photo", func(img *html.Node) {
			src := attrVal(img, "src")
			if src == "" {
				src = attrVal(img, "data-src")
			}
			if strings.HasPrefix(src, "http") {
				l.Photos = append(l.Photos, src)
			}
		})

		if firstByClass(card, "ad-item__owner") != nil {
			l.SellerType = models.SellerOwner
		}

		out = append(out, l)
	})

	return out
}

// gohomeIDFromHref pulls the numeric id out of hrefs like
// "/sale/flat/minsk/123456" or "/item/123456.html".
func gohomeIDFromHref(href string) string {
	href = strings.TrimSuffix(href, "/")
	href = strings.TrimSuffix(href, ".html")
	i := strings.LastIndexByte(href, '/')
	if i < 0 || i == len(href)-1 {
		return ""
	}
	id := href[i+1:]
	for _, r := range id {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return id
}
