package sources

import "testing"

const gohomeFixture = `<!DOCTYPE html>
<html><body>
<div class="results">
  <div class="ad-item">
    <a class="ad-item__title" href="/sale/flat/baranovichi/778899">2-комнатная квартира на Ленина</a>
    <span class="ad-item__price-usd">$ 48 500</span>
    <span class="ad-item__price-byn">143 075 р.</span>
    <div class="ad-item__params">2 комн., 47.3 м², 4/5 этаж</div>
    <div class="ad-item__address">ул. Ленина, 17</div>
    <img class="ad-item__photo" data-src="https://img.gohome.by/778899.jpg">
    <span class="ad-item__owner">от собственника</span>
  </div>
  <div class="ad-item">
    <a class="ad-item__title" href="/sale/flat/weird/not-a-number">Битая карточка</a>
  </div>
</div>
</body></html>`

func TestParseGoHomePage(t *testing.T) {
	t.Parallel()

	got := parseGoHomePage([]byte(gohomeFixture), "baranovichi")
	if len(got) != 1 {
		t.Fatalf("got %d cards, want 1 (non-numeric id dropped)", len(got))
	}

	l := got[0]
	if l.ListingID != "gohome_778899" {
		t.Fatalf("ListingID=%q", l.ListingID)
	}
	if l.URL != "https://gohome.by/sale/flat/baranovichi/778899" {
		t.Fatalf("URL=%q", l.URL)
	}
	if l.PriceUSD != 48500 || l.PriceBYN != 143075 {
		t.Fatalf("prices usd=%d byn=%d", l.PriceUSD, l.PriceBYN)
	}
	if l.Rooms != 2 || l.AreaM2 != 47.3 || l.Floor != "4/5" {
		t.Fatalf("params rooms=%d area=%v floor=%q", l.Rooms, l.AreaM2, l.Floor)
	}
	if len(l.Photos) != 1 || l.Photos[0] != "https://img.gohome.by/778899.jpg" {
		t.Fatalf("photos=%v", l.Photos)
	}
	if l.SellerType != "owner" {
		t.Fatalf("seller=%q", l.SellerType)
	}
}

func TestGoHomeIDFromHref(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"/sale/flat/minsk/123456", "123456"},
		{"/item/123456.html", "123456"},
		{"/sale/flat/minsk/123456/", "123456"},
		{"/sale/flat/minsk/abc", ""},
		{"", ""},
		{"/", ""},
	}
	for _, tc := range cases {
		if got := gohomeIDFromHref(tc.in); got != tc.want {
			t.Fatalf("gohomeIDFromHref(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}
