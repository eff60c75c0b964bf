package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(opts Options) *Client {
	return New(zerolog.Nop(), opts)
}

func TestFetchJSONRetriesTransient(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient(Options{RetryBase: 5 * time.Millisecond, PerHostSpacing: time.Millisecond})
	body := c.FetchJSON(context.Background(), Request{URL: srv.URL, Source: "test"})
	if body == nil {
		t.Fatal("expected payload after retries")
	}
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Fatalf("server hit %d times, want 3", n)
	}
}

func TestFetchJSONPermanentFailureNoRetry(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(Options{RetryBase: time.Millisecond, PerHostSpacing: time.Millisecond})
	if body := c.FetchJSON(context.Background(), Request{URL: srv.URL, Source: "test"}); body != nil {
		t.Fatalf("expected nil on 404, got %q", body)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("404 must not be retried, server hit %d times", n)
	}
}

func TestFetchJSONHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(Options{RetryBase: time.Millisecond, PerHostSpacing: time.Millisecond})
	start := time.Now()
	body := c.FetchJSON(context.Background(), Request{URL: srv.URL, Source: "test"})
	if body == nil {
		t.Fatal("expected payload after rate-limit retry")
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("retry-after not honoured, elapsed %v", elapsed)
	}
}

func TestFetchJSONRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>overloaded</html>`))
	}))
	defer srv.Close()

	c := testClient(Options{RetryBase: time.Millisecond, PerHostSpacing: time.Millisecond})
	if body := c.FetchJSON(context.Background(), Request{URL: srv.URL, Source: "test"}); body != nil {
		t.Fatalf("expected nil for non-JSON payload, got %q", body)
	}
}

func TestFetchHTMLAllowsAnyBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>ok</body></html>`))
	}))
	defer srv.Close()

	c := testClient(Options{PerHostSpacing: time.Millisecond})
	if body := c.FetchHTML(context.Background(), Request{URL: srv.URL, Source: "test"}); body == nil {
		t.Fatal("expected html payload")
	}
}

func TestPerHostSpacing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	spacing := 200 * time.Millisecond
	c := testClient(Options{PerHostSpacing: spacing})

	start := time.Now()
	c.FetchJSON(context.Background(), Request{URL: srv.URL, Source: "test"})
	c.FetchJSON(context.Background(), Request{URL: srv.URL, Source: "test"})
	if elapsed := time.Since(start); elapsed < spacing {
		t.Fatalf("second fetch started %v after first, want >= %v", elapsed, spacing)
	}
}

func TestFetchCancelledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := testClient(Options{PerHostSpacing: time.Millisecond, RetryBase: time.Millisecond})
	if body := c.FetchJSON(ctx, Request{URL: srv.URL, Source: "test"}); body != nil {
		t.Fatal("expected nil when context expires")
	}
}
