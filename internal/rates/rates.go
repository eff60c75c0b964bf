package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"flatradar/internal/ops"
)

// NBRB official USD quote. Cur_OfficialRate is BYN per Cur_Scale USD.
const nbrbUSDURL = "https://api.nbrb.by/exrates/rates/431"

// A quote older than this falls back to the static rate.
const maxQuoteAge = 48 * time.Hour

// Provider serves the BYN to USD conversion used by the price filter.
// The national bank publishes one quote per day; Refresh is driven by the
// daily maintenance tick. The static fallback keeps conversion working when
// the feed is down or has never answered.
type Provider struct {
	log      zerolog.Logger
	fallback float64
	url      string

	mu        sync.RWMutex
	bynPerUSD float64
	fetchedAt time.Time
}

// NewProvider builds a Provider with the given static fallback rate.
func NewProvider(log zerolog.Logger, fallback float64) *Provider {
	return &Provider{
		log:      log.With().Str("component", "rates").Logger(),
		fallback: fallback,
		url:      nbrbUSDURL,
	}
}

// BYNPerUSD returns the live rate when fresh, otherwise the fallback.
func (p *Provider) BYNPerUSD() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.bynPerUSD > 0 && time.Since(p.fetchedAt) <= maxQuoteAge {
		return p.bynPerUSD
	}
	return p.fallback
}

// BYNToUSD converts a whole-BYN amount to whole USD.
func (p *Provider) BYNToUSD(amount int64) int64 {
	rate := p.BYNPerUSD()
	if amount <= 0 || rate <= 0 {
		return 0
	}
	return int64(float64(amount) / rate)
}

// Refresh pulls the daily quote and caches it.
func (p *Provider) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "flatradar/1.0")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("nbrb status: %s", resp.Status)
	}

	var quote struct {
		Abbreviation string  `json:"Cur_Abbreviation"`
		Scale        float64 `json:"Cur_Scale"`
		OfficialRate float64 `json:"Cur_OfficialRate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return err
	}
	if quote.OfficialRate <= 0 || quote.Scale <= 0 {
		return fmt.Errorf("nbrb payload unusable: rate=%v scale=%v", quote.OfficialRate, quote.Scale)
	}

	rate := quote.OfficialRate / quote.Scale
	p.mu.Lock()
	p.bynPerUSD = rate
	p.fetchedAt = time.Now()
	p.mu.Unlock()
	ops.FXRate.Set(rate)

	p.log.Info().Float64("byn_per_usd", rate).Msg("fx rate refreshed")
	return nil
}
