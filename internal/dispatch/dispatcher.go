package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"flatradar/internal/aggregator"
	"flatradar/internal/cities"
	"flatradar/internal/match"
	"flatradar/internal/models"
	"flatradar/internal/ops"
	"flatradar/internal/sources"
	"flatradar/internal/telegram"
)

const (
	// cacheMinRows is the read-through threshold: fewer active cache rows
	// than this and the dispatcher goes to the portals directly.
	cacheMinRows = 10

	// queryLimit bounds one subscriber's candidate batch.
	queryLimit = 200
)

// Store is the repository slice the dispatcher drives.
type Store interface {
	ActiveSubscribers(ctx context.Context) ([]models.Subscriber, error)
	GetSubscriber(ctx context.Context, telegramID int64) (*models.Subscriber, error)
	QueryActive(ctx context.Context, city string, minRooms, maxRooms int, minPrice, maxPrice int64, limit int) ([]models.CachedListing, error)
	FilterSeen(ctx context.Context, telegramID int64, ids []string) (map[string]struct{}, error)
	DeliveredHashes(ctx context.Context, hashes []string) (map[string]string, error)
	MarkDelivered(ctx context.Context, telegramID int64, l models.Listing) error
	SetSubscriberActive(ctx context.Context, telegramID int64, active bool) error
	PutShortLink(ctx context.Context, payload string) (string, error)
	AppendDeliveryLog(ctx context.Context, e models.DeliveryLogEntry) error
}

// Fetcher is the aggregator's fan-out entry point.
type Fetcher interface {
	FetchAll(ctx context.Context, q sources.Query) []models.Listing
}

// Sender is the messenger slice used for deliveries.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) telegram.Outcome
	SendAlbum(ctx context.Context, chatID int64, photos []string, caption string) telegram.Outcome
}

// Prober answers whether a photo URL is worth attaching.
type Prober interface {
	Probe(ctx context.Context, url string) bool
}

// Dispatcher walks active subscribers sequentially, evaluates each filter
// against the candidate batch, and hands fresh listings to the messenger.
// No failure crosses a subscriber boundary.
type Dispatcher struct {
	store     Store
	fetch     Fetcher
	msgr      Sender
	fx        match.FX
	cities    cities.Resolver
	probe     Prober
	maxPhotos int
	log       zerolog.Logger

	mu       sync.Mutex
	lastAt   time.Time
	lastDur  time.Duration
	lastSubs int
}

func New(store Store, fetch Fetcher, msgr Sender, fx match.FX, resolver cities.Resolver, probe Prober, maxPhotos int, log zerolog.Logger) *Dispatcher {
	if maxPhotos <= 0 {
		maxPhotos = 4
	}
	return &Dispatcher{
		store:     store,
		fetch:     fetch,
		msgr:      msgr,
		fx:        fx,
		cities:    resolver,
		probe:     probe,
		maxPhotos: maxPhotos,
		log:       log.With().Str("component", "dispatch").Logger(),
	}
}

// RunAll executes one scheduled tick over every active subscriber.
func (d *Dispatcher) RunAll(ctx context.Context) {
	start := time.Now()
	subs, err := d.store.ActiveSubscribers(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("active subscribers query failed, tick skipped")
		return
	}
	ops.SubscribersActive.Set(float64(len(subs)))

	for i := range subs {
		if ctx.Err() != nil {
			d.log.Warn().Int("done", i).Int("total", len(subs)).Msg("tick cancelled")
			return
		}
		d.runOne(ctx, &subs[i], false)
	}

	dur := time.Since(start)
	ops.CheckDuration.Observe(dur.Seconds())
	d.mu.Lock()
	d.lastAt, d.lastDur, d.lastSubs = time.Now(), dur, len(subs)
	d.mu.Unlock()
	d.log.Info().Int("subscribers", len(subs)).Dur("took", dur).Msg("tick complete")
}

// CheckNow runs one subscriber on demand, reporting an empty result instead
// of staying silent.
func (d *Dispatcher) CheckNow(ctx context.Context, telegramID int64) error {
	sub, err := d.store.GetSubscriber(ctx, telegramID)
	if err != nil {
		return err
	}
	d.runOne(ctx, sub, true)
	return nil
}

// LastTick reports the most recent completed scheduled tick.
func (d *Dispatcher) LastTick() (at time.Time, took time.Duration, subscribers int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAt, d.lastDur, d.lastSubs
}

func (d *Dispatcher) runOne(ctx context.Context, sub *models.Subscriber, onDemand bool) {
	log := d.log.With().Int64("telegram_id", sub.TelegramID).
		Str("mode", sub.Filter.DeliveryMode).Logger()

	if err := match.ValidateFilter(sub.Filter, d.cities); err != nil {
		log.Warn().Err(err).Msg("filter invalid, subscriber skipped")
		if onDemand {
			d.msgr.SendText(ctx, sub.TelegramID, "Фильтр неполон, поправьте его: /filters", nil)
		}
		return
	}

	batch, origin := d.candidates(ctx, sub.Filter, log)

	rl := match.NewRunLog(log, sub.TelegramID)
	var matched []models.Listing
	for i := range batch {
		if ok, reason := match.Matches(&batch[i], sub.Filter, d.fx); ok {
			rl.Accept(&batch[i])
			matched = append(matched, batch[i])
		} else {
			rl.Reject(&batch[i], reason)
		}
	}

	fresh, err := d.dropSeen(ctx, sub.TelegramID, matched)
	if err != nil {
		// Without the seen set every delivery decision is a guess; this
		// run is abandoned and the next tick retries.
		log.Error().Err(err).Msg("seen lookup failed, run aborted")
		return
	}
	if sub.Filter.DeliveryMode == models.ModeFull {
		fresh = d.dropDeliveredClones(ctx, fresh, log)
	}

	log.Info().Str("origin", origin).Int("candidates", len(batch)).
		Int("accepted", rl.Accepted).Int("rejected", rl.Rejected).
		Int("fresh", len(fresh)).Msg("evaluation complete")

	if len(fresh) == 0 {
		if onDemand {
			d.msgr.SendText(ctx, sub.TelegramID, "Ничего нового по вашему фильтру.", nil)
		}
		d.appendLog(ctx, sub, 0, 0, "ok", "")
		return
	}

	var (
		sent, groups    int
		status, errText string
	)
	if sub.Filter.DeliveryMode == models.ModeBrief {
		sent, groups, status, errText = d.deliverBrief(ctx, sub, fresh, log)
	} else {
		sent, status, errText = d.deliverFull(ctx, sub, fresh, log)
	}
	d.appendLog(ctx, sub, sent, groups, status, errText)
	log.Info().Int("sent", sent).Int("groups", groups).Str("status", status).Msg("dispatch complete")
}

// candidates resolves the batch via cache read-through: a healthy cache
// window serves directly, a thin one falls through to the live fan-out
// (which write-throughs back into the cache).
func (d *Dispatcher) candidates(ctx context.Context, f models.FilterRecord, log zerolog.Logger) ([]models.Listing, string) {
	rows, err := d.store.QueryActive(ctx, f.CitySlug, f.MinRooms, f.MaxRooms, f.MinPrice, f.MaxPrice, queryLimit)
	if err != nil {
		log.Warn().Err(err).Msg("cache query failed, going live")
	}
	if err == nil && len(rows) >= cacheMinRows {
		ops.CacheServed.WithLabelValues("cache").Inc()
		ls := make([]models.Listing, len(rows))
		for i := range rows {
			ls[i] = rows[i].Listing
		}
		aggregator.SortByPrice(ls)
		return ls, "cache"
	}

	ops.CacheServed.WithLabelValues("live").Inc()
	q := sources.Query{
		CitySlug: f.CitySlug,
		MinRooms: f.MinRooms,
		MaxRooms: f.MaxRooms,
		MinPrice: f.MinPrice,
		MaxPrice: f.MaxPrice,
	}
	return d.fetch.FetchAll(ctx, q), "live"
}

func (d *Dispatcher) dropSeen(ctx context.Context, telegramID int64, ls []models.Listing) ([]models.Listing, error) {
	if len(ls) == 0 {
		return nil, nil
	}
	ids := make([]string, len(ls))
	for i := range ls {
		ids[i] = ls[i].ListingID
	}
	seen, err := d.store.FilterSeen(ctx, telegramID, ids)
	if err != nil {
		return nil, err
	}
	fresh := make([]models.Listing, 0, len(ls))
	for _, l := range ls {
		if _, ok := seen[l.ListingID]; ok {
			ops.DedupDropped.WithLabelValues("seen").Inc()
			continue
		}
		fresh = append(fresh, l)
	}
	return fresh, nil
}

// dropDeliveredClones removes cross-source duplicates of listings the bot has
// already sent to anyone, keyed by content hash. A hash mapped to the same
// listing id stays: that is this listing's own history, the per-subscriber
// seen set already ruled on it.
func (d *Dispatcher) dropDeliveredClones(ctx context.Context, ls []models.Listing, log zerolog.Logger) []models.Listing {
	var hashes []string
	for i := range ls {
		if ls[i].ContentHash != "" {
			hashes = append(hashes, ls[i].ContentHash)
		}
	}
	if len(hashes) == 0 {
		return ls
	}
	delivered, err := d.store.DeliveredHashes(ctx, hashes)
	if err != nil {
		log.Warn().Err(err).Msg("delivered-hash lookup failed, clone layer skipped")
		return ls
	}
	kept := make([]models.Listing, 0, len(ls))
	for _, l := range ls {
		if prior, ok := delivered[l.ContentHash]; ok && prior != l.ListingID {
			ops.DedupDropped.WithLabelValues("content_hash").Inc()
			log.Debug().Str("listing", l.ListingID).Str("delivered_as", prior).
				Msg("cross-source clone dropped")
			continue
		}
		kept = append(kept, l)
	}
	return kept
}

func (d *Dispatcher) appendLog(ctx context.Context, sub *models.Subscriber, listings, groups int, status, errText string) {
	err := d.store.AppendDeliveryLog(ctx, models.DeliveryLogEntry{
		TelegramID:   sub.TelegramID,
		Mode:         sub.Filter.DeliveryMode,
		ListingsSent: listings,
		GroupsSent:   groups,
		Status:       status,
		Error:        errText,
	})
	if err != nil {
		d.log.Debug().Err(err).Int64("telegram_id", sub.TelegramID).Msg("delivery log append failed")
	}
}

func (d *Dispatcher) deactivate(ctx context.Context, sub *models.Subscriber, log zerolog.Logger) {
	if err := d.store.SetSubscriberActive(ctx, sub.TelegramID, false); err != nil {
		log.Error().Err(err).Msg("deactivate failed")
		return
	}
	log.Info().Msg("subscriber deactivated, chat unreachable")
}
