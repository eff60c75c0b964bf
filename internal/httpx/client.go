package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"flatradar/internal/ops"
)

// Browser-like agent; several portals reject obvious bot agents.
const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Options tunes the shared client. Zero values take the defaults below.
type Options struct {
	JSONTimeout        time.Duration // default 10s
	HTMLTimeout        time.Duration // default 15s
	MaxAttempts        int           // default 3
	RetryBase          time.Duration // default 2s; sleep = attempt * base
	PerHostConcurrency int           // default 4
	PerHostSpacing     time.Duration // default 500ms between request starts
}

func (o *Options) withDefaults() {
	if o.JSONTimeout <= 0 {
		o.JSONTimeout = 10 * time.Second
	}
	if o.HTMLTimeout <= 0 {
		o.HTMLTimeout = 15 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	if o.PerHostConcurrency <= 0 {
		o.PerHostConcurrency = 4
	}
	if o.PerHostSpacing <= 0 {
		o.PerHostSpacing = 500 * time.Millisecond
	}
}

// Request describes one fetch on behalf of a portal adapter.
type Request struct {
	URL     string
	Source  string // log tag
	Referer string
	Origin  string
	Timeout time.Duration // 0 = kind default from Options
}

// Client is the pooled HTTP client shared by every adapter. It retries
// transient failures, honours server rate-limit hints exactly, and keeps
// per-host concurrency and spacing bounded. Terminal failures come back as
// nil payloads, never as errors or panics.
type Client struct {
	http *http.Client
	opts Options
	log  zerolog.Logger

	mu    sync.Mutex
	hosts map[string]*hostGate
}

type hostGate struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

// New builds the shared client.
func New(log zerolog.Logger, opts Options) *Client {
	opts.withDefaults()
	return &Client{
		// Per-attempt deadlines come from the request context; the transport
		// timeout is a safety net above the largest kind default.
		http:  &http.Client{Timeout: opts.HTMLTimeout + 5*time.Second},
		opts:  opts,
		log:   log.With().Str("component", "httpx").Logger(),
		hosts: make(map[string]*hostGate),
	}
}

// FetchJSON fetches the URL and returns the body when it is valid JSON.
// Network errors, 5xx and malformed JSON are retried; nil means the request
// terminally failed and was logged.
func (c *Client) FetchJSON(ctx context.Context, r Request) []byte {
	if r.Timeout <= 0 {
		r.Timeout = c.opts.JSONTimeout
	}
	return c.fetch(ctx, r, true)
}

// FetchHTML fetches the URL and returns the raw body, nil on terminal failure.
func (c *Client) FetchHTML(ctx context.Context, r Request) []byte {
	if r.Timeout <= 0 {
		r.Timeout = c.opts.HTMLTimeout
	}
	return c.fetch(ctx, r, false)
}

func (c *Client) fetch(ctx context.Context, r Request, wantJSON bool) []byte {
	gate, err := c.gateFor(r.URL)
	if err != nil {
		c.log.Error().Str("source", r.Source).Str("url", r.URL).Err(err).Msg("bad url")
		return nil
	}

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		body, retryIn, err := c.attempt(ctx, r, gate, wantJSON)
		if err == nil {
			return body
		}
		if ctx.Err() != nil {
			c.log.Warn().Str("source", r.Source).Str("url", r.URL).Msg("fetch cancelled")
			return nil
		}
		if retryIn < 0 { // permanent
			c.log.Warn().Str("source", r.Source).Str("url", r.URL).Err(err).Msg("fetch failed")
			return nil
		}
		hinted := retryIn > 0
		if !hinted {
			retryIn = time.Duration(attempt) * c.opts.RetryBase
		}
		if attempt == c.opts.MaxAttempts {
			break
		}
		if hinted {
			ops.RateLimitSleeps.WithLabelValues("portal").Inc()
		}
		c.log.Debug().Str("source", r.Source).Str("url", r.URL).
			Int("attempt", attempt).Dur("sleep", retryIn).Err(err).Msg("fetch retry")
		if !sleep(ctx, retryIn) {
			return nil
		}
	}

	c.log.Warn().Str("source", r.Source).Str("url", r.URL).
		Int("attempts", c.opts.MaxAttempts).Msg("fetch gave up")
	return nil
}

// attempt runs one guarded HTTP round trip. retryIn says how to continue:
// negative = permanent failure, zero = transient with default backoff,
// positive = transient with a server-mandated delay.
func (c *Client) attempt(ctx context.Context, r Request, gate *hostGate, wantJSON bool) (body []byte, retryIn time.Duration, err error) {
	if err := gate.limiter.Wait(ctx); err != nil {
		return nil, -1, err
	}
	select {
	case gate.slots <- struct{}{}:
		defer func() { <-gate.slots }()
	case <-ctx.Done():
		return nil, -1, ctx.Err()
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, -1, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.6")
	if r.Referer != "" {
		req.Header.Set("Referer", r.Referer)
	}
	if r.Origin != "" {
		req.Header.Set("Origin", r.Origin)
	}
	if wantJSON {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retryAfter(resp), fmt.Errorf("status %s", resp.Status)
	case resp.StatusCode >= 500:
		return nil, 0, fmt.Errorf("status %s", resp.Status)
	case resp.StatusCode >= 400:
		return nil, -1, fmt.Errorf("status %s", resp.Status)
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	if wantJSON && !json.Valid(body) {
		return nil, 0, fmt.Errorf("invalid json payload (%d bytes)", len(body))
	}
	return body, 0, nil
}

// Probe reports whether a URL answers a HEAD with 2xx/3xx. One attempt,
// short deadline, no host gate: callers bound their own concurrency and a
// failed probe only drops a photo from a message.
func (c *Client) Probe(ctx context.Context, rawURL string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 400
}

func (c *Client) gateFor(rawURL string) (*hostGate, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("url %q has no host", rawURL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.hosts[host]
	if g == nil {
		g = &hostGate{
			limiter: rate.NewLimiter(rate.Every(c.opts.PerHostSpacing), 1),
			slots:   make(chan struct{}, c.opts.PerHostConcurrency),
		}
		c.hosts[host] = g
	}
	return g, nil
}

// retryAfter reads the server hint in seconds; 0 when absent or unreadable.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// sleep waits d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
