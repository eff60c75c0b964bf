package match

import (
	"testing"

	"flatradar/internal/cities"
	"flatradar/internal/models"
)

// fxStub converts at a fixed 3.0 BYN per USD.
type fxStub struct{}

func (fxStub) BYNToUSD(byn int64) int64 { return byn / 3 }

func baseFilter() models.FilterRecord {
	return models.FilterRecord{
		CitySlug:     "minsk",
		MinRooms:     2,
		MaxRooms:     3,
		MinPrice:     30000,
		MaxPrice:     50000,
		SellerType:   models.SellerFilterAll,
		DeliveryMode: models.ModeFull,
	}
}

func TestMatchesPriceBoundaries(t *testing.T) {
	t.Parallel()

	f := baseFilter()
	cases := []struct {
		name string
		usd  int64
		want bool
	}{
		{"at max", 50000, true},
		{"below max", 49999, true},
		{"above max", 50001, false},
		{"at min", 30000, true},
		{"below min", 29999, false},
		{"negotiable", 0, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			l := models.Listing{Rooms: 2, PriceUSD: tc.usd, SellerType: models.SellerUnknown}
			got, reason := Matches(&l, f, fxStub{})
			if got != tc.want {
				t.Fatalf("Matches(usd=%d)=%t (%s) want %t", tc.usd, got, reason, tc.want)
			}
		})
	}
}

func TestMatchesRooms(t *testing.T) {
	t.Parallel()

	f := baseFilter()
	cases := []struct {
		rooms int
		want  bool
	}{
		{0, true}, // unknown accepted
		{1, false},
		{2, true},
		{3, true},
		{4, false},
	}
	for _, tc := range cases {
		l := models.Listing{Rooms: tc.rooms, PriceUSD: 40000}
		if got, _ := Matches(&l, f, fxStub{}); got != tc.want {
			t.Fatalf("rooms=%d: got %t want %t", tc.rooms, got, tc.want)
		}
	}

	unbounded := f
	unbounded.MaxRooms = models.MaxRoomsUnbounded
	l := models.Listing{Rooms: 12, PriceUSD: 40000}
	if got, _ := Matches(&l, unbounded, fxStub{}); !got {
		t.Fatal("max_rooms=99 must accept any room count")
	}
}

func TestMatchesBYNConversion(t *testing.T) {
	t.Parallel()

	f := baseFilter()

	inWindow := models.Listing{Rooms: 2, PriceBYN: 120000, Currency: "BYN"} // 40 000 USD
	if got, reason := Matches(&inWindow, f, fxStub{}); !got {
		t.Fatalf("byn in window rejected: %s", reason)
	}

	tooHigh := models.Listing{Rooms: 2, PriceBYN: 180000, Currency: "BYN"} // 60 000 USD
	if got, _ := Matches(&tooHigh, f, fxStub{}); got {
		t.Fatal("byn above window accepted")
	}
}

func TestEffectiveUSDPrecedence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		l    models.Listing
		want int64
	}{
		{"usd wins", models.Listing{PriceUSD: 100, PriceBYN: 900, Price: 5, Currency: "USD"}, 100},
		{"byn next", models.Listing{PriceBYN: 900, Price: 5, Currency: "BYN"}, 300},
		{"primary usd", models.Listing{Price: 5, Currency: "USD"}, 5},
		{"primary non-usd unknown", models.Listing{Price: 5, Currency: "BYN"}, 0},
	}
	for _, tc := range cases {
		if got := EffectiveUSD(&tc.l, fxStub{}); got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestMatchesSeller(t *testing.T) {
	t.Parallel()

	owner := baseFilter()
	owner.SellerType = models.SellerFilterOwner

	cases := []struct {
		seller string
		want   bool
	}{
		{models.SellerOwner, true},
		{models.SellerUnknown, true},
		{models.SellerCompany, false},
	}
	for _, tc := range cases {
		l := models.Listing{Rooms: 2, PriceUSD: 40000, SellerType: tc.seller}
		if got, _ := Matches(&l, owner, fxStub{}); got != tc.want {
			t.Fatalf("seller=%q: got %t want %t", tc.seller, got, tc.want)
		}
	}

	all := baseFilter()
	l := models.Listing{Rooms: 2, PriceUSD: 40000, SellerType: models.SellerCompany}
	if got, _ := Matches(&l, all, fxStub{}); !got {
		t.Fatal("seller filter 'all' must accept company")
	}
}

func TestValidateFilter(t *testing.T) {
	t.Parallel()

	resolver := cities.Default()

	good := baseFilter()
	if err := ValidateFilter(good, resolver); err != nil {
		t.Fatalf("valid filter rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*models.FilterRecord)
	}{
		{"incomplete", func(f *models.FilterRecord) { f.CitySlug = "" }},
		{"rooms order", func(f *models.FilterRecord) { f.MinRooms, f.MaxRooms = 3, 2 }},
		{"price order", func(f *models.FilterRecord) { f.MinPrice, f.MaxPrice = 50000, 30000 }},
		{"span too wide", func(f *models.FilterRecord) { f.MinPrice, f.MaxPrice = 10000, 40000 }},
		{"bad seller", func(f *models.FilterRecord) { f.SellerType = "bank" }},
		{"bad mode", func(f *models.FilterRecord) { f.DeliveryMode = "loud" }},
		{"unknown city", func(f *models.FilterRecord) { f.CitySlug = "atlantis" }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := baseFilter()
			tc.mutate(&f)
			if err := ValidateFilter(f, resolver); err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}

	span := baseFilter()
	span.MinPrice, span.MaxPrice = 30000, 50000
	if err := ValidateFilter(span, resolver); err != nil {
		t.Fatalf("span of exactly 20000 must pass: %v", err)
	}
}
