package sources

import (
	"context"
	"testing"

	"flatradar/internal/models"
)

func TestValidListing(t *testing.T) {
	t.Parallel()

	base := models.Listing{
		Title: "2-комнатная квартира", URL: "https://example.com/ad/1",
		Source: "kufar", PriceUSD: 50000,
	}

	cases := []struct {
		name   string
		mutate func(*models.Listing)
		want   bool
	}{
		{"ok", func(l *models.Listing) {}, true},
		{"empty title", func(l *models.Listing) { l.Title = "  " }, false},
		{"empty url", func(l *models.Listing) { l.URL = "" }, false},
		{"non-http url", func(l *models.Listing) { l.URL = "ftp://example.com" }, false},
		{"empty source", func(l *models.Listing) { l.Source = "" }, false},
		{"negative price", func(l *models.Listing) { l.PriceUSD = -1 }, false},
		{"zero price kept", func(l *models.Listing) { l.PriceUSD = 0 }, true},
		{"http url ok", func(l *models.Listing) { l.URL = "http://example.com/1" }, true},
	}

	for _, tc := range cases {
		l := base
		tc.mutate(&l)
		if got := validListing(&l); got != tc.want {
			t.Fatalf("%s: validListing=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestRecheckQuery(t *testing.T) {
	t.Parallel()

	q := Query{CitySlug: "minsk", MinRooms: 2, MaxRooms: 3, MinPrice: 40000, MaxPrice: 60000}
	in := []models.Listing{
		{ListingID: "a", Rooms: 2, PriceUSD: 50000},
		{ListingID: "b", Rooms: 1, PriceUSD: 50000},  // rooms below range
		{ListingID: "c", Rooms: 4, PriceUSD: 50000},  // rooms above range
		{ListingID: "d", Rooms: 0, PriceUSD: 50000},  // unknown rooms pass
		{ListingID: "e", Rooms: 2, PriceUSD: 70000},  // price above range
		{ListingID: "f", Rooms: 2, PriceUSD: 30000},  // price below range
		{ListingID: "g", Rooms: 2},                   // zero price passes
		{ListingID: "h", Rooms: 3, PriceUSD: 60000},  // boundary
	}

	got := recheckQuery(in, q)
	want := []string{"a", "d", "g", "h"}
	if len(got) != len(want) {
		t.Fatalf("got %d listings, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ListingID != id {
			t.Fatalf("got[%d]=%s want %s", i, got[i].ListingID, id)
		}
	}
}

func TestRecheckQueryUnboundedRooms(t *testing.T) {
	t.Parallel()

	q := Query{MinRooms: 2, MaxRooms: models.MaxRoomsUnbounded, MaxPrice: 100000}
	in := []models.Listing{
		{ListingID: "a", Rooms: 7, PriceUSD: 90000},
		{ListingID: "b", Rooms: 1, PriceUSD: 90000},
	}
	got := recheckQuery(in, q)
	if len(got) != 1 || got[0].ListingID != "a" {
		t.Fatalf("unbounded max rooms: got %+v", got)
	}
}

type fakeKnown map[string]bool

func (f fakeKnown) Known(_ context.Context, id string) bool { return f[id] }

func TestOldStreakStopsAfterLimit(t *testing.T) {
	t.Parallel()

	known := fakeKnown{}
	for _, id := range []string{"k1", "k2", "k3", "k4", "k5"} {
		known[id] = true
	}

	s := oldStreak{known: known}
	ctx := context.Background()

	for _, id := range []string{"k1", "k2", "new", "k3", "k4"} {
		if s.observe(ctx, id) {
			t.Fatalf("stopped too early at %s", id)
		}
	}
	// A fresh listing resets the run; five more known ids trip the stop.
	stopped := false
	for i, id := range []string{"fresh", "k1", "k2", "k3", "k4", "k5"} {
		if s.observe(ctx, id) {
			if i != 5 {
				t.Fatalf("stopped at position %d, want 5", i)
			}
			stopped = true
		}
	}
	if !stopped {
		t.Fatal("streak of 5 known ids must stop pagination")
	}
}

func TestOldStreakNilKnown(t *testing.T) {
	t.Parallel()

	s := oldStreak{}
	for i := 0; i < 20; i++ {
		if s.observe(context.Background(), "x") {
			t.Fatal("nil KnownIDs must never stop pagination")
		}
	}
}
