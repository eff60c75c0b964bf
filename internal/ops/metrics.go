package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors shared across the pipeline. Registered on the default registry
// and exposed by the ops server's /metrics route.
var (
	ListingsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatradar_listings_fetched_total",
		Help: "Listings collected per portal, after adapter-side validation.",
	}, []string{"source"})

	AdapterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatradar_adapter_failures_total",
		Help: "Adapter runs that produced no listings (timeout, panic, portal error).",
	}, []string{"source"})

	DedupDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatradar_dedup_dropped_total",
		Help: "Listings removed by a dedup layer (listing_id, near_dup, content_hash, seen).",
	}, []string{"layer"})

	CacheServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatradar_cache_served_total",
		Help: "Dispatcher candidate reads answered by the cache vs live fetch.",
	}, []string{"origin"})

	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatradar_deliveries_total",
		Help: "Delivery attempts per mode and outcome.",
	}, []string{"mode", "outcome"})

	TelegramCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatradar_telegram_calls_total",
		Help: "Bot API calls per method and outcome.",
	}, []string{"method", "outcome"})

	RateLimitSleeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flatradar_ratelimit_sleeps_total",
		Help: "Sleeps forced by an upstream rate-limit hint (429 / retry_after).",
	}, []string{"surface"})

	CheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flatradar_check_duration_seconds",
		Help:    "Wall time of one full dispatch pass over all subscribers.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	SubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flatradar_subscribers_active",
		Help: "Subscribers with monitoring enabled, refreshed each tick.",
	})

	FXRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flatradar_fx_byn_per_usd",
		Help: "BYN per USD rate currently used for price conversion.",
	})
)
