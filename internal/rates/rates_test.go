package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFallbackBeforeFirstRefresh(t *testing.T) {
	t.Parallel()

	p := NewProvider(zerolog.Nop(), 2.95)
	if got := p.BYNPerUSD(); got != 2.95 {
		t.Fatalf("BYNPerUSD()=%v want fallback 2.95", got)
	}
	if got := p.BYNToUSD(295000); got != 100000 {
		t.Fatalf("BYNToUSD(295000)=%d want 100000", got)
	}
	if got := p.BYNToUSD(0); got != 0 {
		t.Fatalf("BYNToUSD(0)=%d want 0", got)
	}
}

func TestRefreshUsesFeedValue(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Cur_ID":431,"Cur_Abbreviation":"USD","Cur_Scale":1,"Cur_OfficialRate":3.10}`))
	}))
	defer srv.Close()

	p := NewProvider(zerolog.Nop(), 2.95)
	p.url = srv.URL
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := p.BYNPerUSD(); got != 3.10 {
		t.Fatalf("BYNPerUSD()=%v want 3.10", got)
	}
}

func TestRefreshRejectsBadPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Cur_OfficialRate":0}`))
	}))
	defer srv.Close()

	p := NewProvider(zerolog.Nop(), 2.95)
	p.url = srv.URL
	if err := p.Refresh(context.Background()); err == nil {
		t.Fatal("expected error for unusable payload")
	}
	if got := p.BYNPerUSD(); got != 2.95 {
		t.Fatalf("bad payload must not overwrite the rate, got %v", got)
	}
}

func TestStaleQuoteFallsBack(t *testing.T) {
	t.Parallel()

	p := NewProvider(zerolog.Nop(), 2.95)
	p.mu.Lock()
	p.bynPerUSD = 3.20
	p.fetchedAt = time.Now().Add(-72 * time.Hour)
	p.mu.Unlock()

	if got := p.BYNPerUSD(); got != 2.95 {
		t.Fatalf("stale quote should fall back, got %v", got)
	}
}
