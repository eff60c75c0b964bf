package aggregator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"flatradar/internal/cities"
	"flatradar/internal/models"
	"flatradar/internal/ops"
	"flatradar/internal/sources"
)

// Per-adapter budget inside one fan-out. A slow portal forfeits its slice of
// the batch instead of stalling the whole run.
const defaultAdapterTimeout = 30 * time.Second

// CacheWriter receives every fetched batch for write-through persistence.
type CacheWriter interface {
	UpsertListings(ctx context.Context, ls []models.Listing) error
}

// Aggregator fans a query out over all enabled portal adapters and folds the
// results into one deduplicated, price-ordered batch.
type Aggregator struct {
	adapters []sources.Adapter
	cache    CacheWriter
	cities   cities.Resolver
	log      zerolog.Logger
	timeout  time.Duration
	nearDup  bool
}

// New builds an Aggregator. cache may be nil (no write-through, used by
// tests and diagnostic tools).
func New(adapters []sources.Adapter, cache CacheWriter, resolver cities.Resolver, nearDup bool, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		adapters: adapters,
		cache:    cache,
		cities:   resolver,
		log:      log.With().Str("component", "aggregator").Logger(),
		timeout:  defaultAdapterTimeout,
		nearDup:  nearDup,
	}
}

// FetchAll runs every adapter concurrently and returns the combined batch:
// unique by listing id (first adapter wins), content hashes filled, optional
// near-duplicate collapse, stable-sorted by ascending effective price with
// zero prices last. An adapter that times out or panics contributes nothing.
func (a *Aggregator) FetchAll(ctx context.Context, q sources.Query) []models.Listing {
	results := make([][]models.Listing, len(a.adapters))

	var wg sync.WaitGroup
	for i, ad := range a.adapters {
		wg.Add(1)
		go func(i int, ad sources.Adapter) {
			defer wg.Done()
			// A panicking portal parser must not take the whole tick down.
			defer func() {
				if r := recover(); r != nil {
					a.log.Error().Str("source", ad.Name()).Interface("panic", r).Msg("adapter panicked")
					ops.AdapterFailures.WithLabelValues(ad.Name()).Inc()
					results[i] = nil
				}
			}()

			cctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			ls := ad.FetchListings(cctx, q)
			if cctx.Err() != nil && len(ls) == 0 {
				ops.AdapterFailures.WithLabelValues(ad.Name()).Inc()
			}
			ops.ListingsFetched.WithLabelValues(ad.Name()).Add(float64(len(ls)))
			results[i] = ls
		}(i, ad)
	}
	wg.Wait()

	var total int
	for _, rs := range results {
		total += len(rs)
	}

	cityNames := a.cities.CityNames()

	seen := make(map[string]struct{}, total)
	batch := make([]models.Listing, 0, total)
	for _, rs := range results {
		for _, l := range rs {
			if _, dup := seen[l.ListingID]; dup {
				ops.DedupDropped.WithLabelValues("listing_id").Inc()
				continue
			}
			seen[l.ListingID] = struct{}{}
			l.FillContentHash(cityNames...)
			batch = append(batch, l)
		}
	}

	// Write-through happens before the near-dup collapse so every portal's
	// record reaches the cache, clones included.
	if a.cache != nil && len(batch) > 0 {
		if err := a.cache.UpsertListings(ctx, batch); err != nil {
			a.log.Warn().Err(err).Int("batch", len(batch)).Msg("cache write-through failed")
		}
	}

	if a.nearDup {
		batch = collapseNearDups(batch, cityNames, a.log)
	}

	SortByPrice(batch)

	a.log.Info().Str("city", q.CitySlug).Int("fetched", total).Int("unique", len(batch)).Msg("fan-out complete")
	return batch
}

// nearDupKey identifies one apartment across portals: same building, same
// seller kind, same 500-USD price bucket, same floor, same rounded area,
// same leading photo set.
type nearDupKey struct {
	addr   string
	seller string
	bucket int64
	floor  string
	area   int
	photos string
}

func collapseNearDups(ls []models.Listing, cityNames []string, log zerolog.Logger) []models.Listing {
	kept := make([]models.Listing, 0, len(ls))
	first := make(map[nearDupKey]string, len(ls))
	for _, l := range ls {
		k := nearDupKey{
			addr:   models.NormalizeAddress(l.Address, cityNames...),
			seller: l.SellerType,
			bucket: int64(math.Round(float64(l.EffectivePrice()) / 500.0)),
			floor:  l.Floor,
			area:   int(math.Round(l.AreaM2)),
			photos: photoSignature(l.Photos),
		}
		if prior, dup := first[k]; dup {
			ops.DedupDropped.WithLabelValues("near_dup").Inc()
			log.Debug().Str("listing", l.ListingID).Str("kept", prior).Msg("near-duplicate collapsed")
			continue
		}
		first[k] = l.ListingID
		kept = append(kept, l)
	}
	return kept
}

// photoSignature hashes the first three photo URLs verbatim.
func photoSignature(photos []string) string {
	if len(photos) > 3 {
		photos = photos[:3]
	}
	sum := md5.Sum([]byte(strings.Join(photos, "|")))
	return hex.EncodeToString(sum[:])
}

// SortByPrice orders ascending by effective price, zero (negotiable) last.
// The sort is stable so equal prices keep input order. The dispatcher applies
// it to cache-served batches so both origins deliver in the same order.
func SortByPrice(ls []models.Listing) {
	sort.SliceStable(ls, func(i, j int) bool {
		pi, pj := ls[i].EffectivePrice(), ls[j].EffectivePrice()
		if pi == 0 {
			return false
		}
		if pj == 0 {
			return true
		}
		return pi < pj
	})
}
