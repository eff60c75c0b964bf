package scoring

import (
	"math"
	"sort"
	"strings"

	"flatradar/internal/models"
)

// MaxGroupsInSummary bounds the brief view; singleton buildings are dropped
// only when the batch produces more groups than this.
const MaxGroupsInSummary = 5

// countCap is where extra listings in a building stop raising its score.
const countCap = 6

// Group is one building's slice of the candidate batch, with the stats the
// brief summary renders. Transient: rebuilt on every run, never stored.
type Group struct {
	Key      string // normalized address, grouping identity
	Address  string // display address (first listing's)
	Listings []models.Listing

	HousePPM       float64 // median USD/m² within the group, 0 = unknown
	MedianPriceUSD int64   // median effective price within the group
	Score          float64
	PreviewURL     string // validated photo link, set by the dispatcher

	usable []float64 // USD/m² of listings with known price and area
}

// Count returns the group size, unknown-stat listings included.
func (g *Group) Count() int { return len(g.Listings) }

// Page returns a window of the group's listings for the "show variants"
// expansion and whether more remain past it.
func (g *Group) Page(offset, size int) ([]models.Listing, bool) {
	if offset < 0 || offset >= len(g.Listings) || size <= 0 {
		return nil, false
	}
	end := offset + size
	if end > len(g.Listings) {
		end = len(g.Listings)
	}
	return g.Listings[offset:end], end < len(g.Listings)
}

// BuildGroups buckets a candidate batch by building and ranks the buckets.
// With at least 3 usable prices in the batch the ranking is the weighted
// score against the batch median; with fewer there is no market reference
// and groups order by ascending house USD/m².
func BuildGroups(batch []models.Listing, cityNames ...string) []Group {
	byKey := make(map[string]*Group, len(batch))
	var order []string

	for _, l := range batch {
		key := models.NormalizeAddress(l.Address, cityNames...)
		if key == "" {
			continue
		}
		g, ok := byKey[key]
		if !ok {
			g = &Group{Key: key, Address: strings.TrimSpace(l.Address)}
			byKey[key] = g
			order = append(order, key)
		}
		g.Listings = append(g.Listings, l)
		if ppm := l.PricePerSqm(); ppm > 0 {
			g.usable = append(g.usable, float64(ppm))
		}
	}

	groups := make([]Group, 0, len(order))
	var batchPPM []float64
	for _, key := range order {
		g := byKey[key]
		g.HousePPM = median(g.usable)
		g.MedianPriceUSD = medianPrice(g.Listings)
		batchPPM = append(batchPPM, g.usable...)
		groups = append(groups, *g)
	}

	if len(groups) > MaxGroupsInSummary {
		kept := groups[:0]
		for _, g := range groups {
			if g.Count() > 1 {
				kept = append(kept, g)
			}
		}
		groups = kept
	}

	if len(batchPPM) < 3 {
		sortByHousePPM(groups)
		return groups
	}

	market := median(batchPPM)
	for i := range groups {
		groups[i].Score = score(&groups[i], market)
	}
	sortByScore(groups)
	return groups
}

// TopN trims the ranked groups to the summary size.
func TopN(groups []Group, n int) []Group {
	if n > len(groups) {
		n = len(groups)
	}
	if n < 0 {
		n = 0
	}
	return groups[:n]
}

// score weighs how far below market the building sits, how tight its prices
// are, and how many listings back the estimate. A group with no usable
// prices keeps only the count component.
func score(g *Group, marketPPM float64) float64 {
	countScore := math.Min(float64(g.Count()), countCap) / countCap
	if g.HousePPM <= 0 || marketPPM <= 0 {
		return 0.15 * countScore
	}

	priceScore := marketPPM / g.HousePPM
	deltaMarket := (marketPPM - g.HousePPM) / marketPPM

	lo, hi := g.usable[0], g.usable[0]
	for _, v := range g.usable[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	dispScore := math.Max(0, 1-(hi-lo)/g.HousePPM)

	return 0.45*priceScore + 0.25*deltaMarket + 0.15*dispScore + 0.15*countScore
}

func sortByScore(groups []Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		if math.Abs(groups[i].Score-groups[j].Score) > 1e-9 {
			return groups[i].Score > groups[j].Score
		}
		if groups[i].Count() != groups[j].Count() {
			return groups[i].Count() > groups[j].Count()
		}
		if groups[i].HousePPM != groups[j].HousePPM {
			return ppmLess(groups[i].HousePPM, groups[j].HousePPM)
		}
		return groups[i].Key < groups[j].Key
	})
}

func sortByHousePPM(groups []Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].HousePPM != groups[j].HousePPM {
			return ppmLess(groups[i].HousePPM, groups[j].HousePPM)
		}
		return groups[i].Key < groups[j].Key
	})
}

// ppmLess orders ascending with unknown (0) last.
func ppmLess(a, b float64) bool {
	if a == 0 {
		return false
	}
	if b == 0 {
		return true
	}
	return a < b
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func medianPrice(ls []models.Listing) int64 {
	var prices []float64
	for _, l := range ls {
		if p := l.EffectivePrice(); p > 0 {
			prices = append(prices, float64(p))
		}
	}
	return int64(math.Round(median(prices)))
}
