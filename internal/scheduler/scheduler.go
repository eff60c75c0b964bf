package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// sweepEvery is the maintenance cadence: cache sweep, short-link GC and the
// FX refresh all ride on the same daily tick.
const sweepEvery = 24 * time.Hour

// shortLinkTTL is how long a callback button keeps working after the message
// that carried it went out.
const shortLinkTTL = 14 * 24 * time.Hour

// Dispatcher runs one full pass over active subscribers.
type Dispatcher interface {
	RunAll(ctx context.Context)
}

// Maintainer is the repository slice behind the daily sweep.
type Maintainer interface {
	SweepCache(ctx context.Context, now time.Time) (deactivated, purged int64, err error)
	GCShortLinks(ctx context.Context, cutoff time.Time) (int64, error)
}

// RateSource refreshes the cached FX quote.
type RateSource interface {
	Refresh(ctx context.Context) error
}

// Scheduler owns the two periodic loops of the process: the subscriber check
// tick and the daily maintenance tick. Check ticks never overlap; a tick that
// arrives while the previous one still runs is skipped, not queued.
type Scheduler struct {
	disp     Dispatcher
	maint    Maintainer
	rates    RateSource
	interval time.Duration
	sweep    time.Duration
	ready    <-chan struct{}
	log      zerolog.Logger

	busy    atomic.Bool
	skipped atomic.Int64
}

// New builds a Scheduler. ready gates the first check tick on bot readiness;
// a nil channel starts immediately.
func New(disp Dispatcher, maint Maintainer, rates RateSource, interval time.Duration, ready <-chan struct{}, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	return &Scheduler{
		disp:     disp,
		maint:    maint,
		rates:    rates,
		interval: interval,
		sweep:    sweepEvery,
		ready:    ready,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks until ctx is cancelled. The first check tick fires right after
// the bot reports ready, maintenance runs once at startup and then daily.
func (s *Scheduler) Run(ctx context.Context) {
	if s.ready != nil {
		select {
		case <-ctx.Done():
			return
		case <-s.ready:
		}
	}
	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")

	s.runMaintenance(ctx)
	s.runCheck(ctx)

	check := time.NewTicker(s.interval)
	defer check.Stop()
	maint := time.NewTicker(s.sweep)
	defer maint.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopping")
			return
		case <-check.C:
			s.runCheck(ctx)
		case <-maint.C:
			s.runMaintenance(ctx)
		}
	}
}

// Skipped reports how many check ticks were dropped because the previous one
// still ran.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

func (s *Scheduler) runCheck(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Warn().Msg("previous check still running, tick skipped")
		return
	}
	go func() {
		defer s.busy.Store(false)
		s.disp.RunAll(ctx)
	}()
}

func (s *Scheduler) runMaintenance(ctx context.Context) {
	if s.rates != nil {
		if err := s.rates.Refresh(ctx); err != nil {
			s.log.Warn().Err(err).Msg("fx refresh failed, stale or fallback rate stays")
		}
	}
	if s.maint == nil {
		return
	}
	deactivated, purged, err := s.maint.SweepCache(ctx, time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("cache sweep failed")
	} else if deactivated > 0 || purged > 0 {
		s.log.Info().Int64("deactivated", deactivated).Int64("purged", purged).Msg("cache swept")
	}
	removed, err := s.maint.GCShortLinks(ctx, time.Now().Add(-shortLinkTTL))
	if err != nil {
		s.log.Error().Err(err).Msg("short link gc failed")
	} else if removed > 0 {
		s.log.Info().Int64("removed", removed).Msg("short links collected")
	}
}
