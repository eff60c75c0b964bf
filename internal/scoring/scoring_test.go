package scoring

import (
	"testing"

	"flatradar/internal/models"
)

func mk(id, addr string, priceUSD int64, area float64) models.Listing {
	return models.Listing{
		ListingID: id,
		Source:    "test",
		Title:     "квартира",
		URL:       "https://example.com/" + id,
		Address:   addr,
		PriceUSD:  priceUSD,
		Price:     priceUSD,
		Rooms:     2,
		AreaM2:    area,
	}
}

func TestBuildGroupsRanksCheapBuildingFirst(t *testing.T) {
	t.Parallel()

	batch := []models.Listing{
		mk("a_1", "ул. Аистовая 1", 50000, 50), // 1000 USD/m²
		mk("a_2", "ул. Аистовая 1", 50000, 50),
		mk("b_1", "ул. Зубровая 2", 75000, 50), // 1500 USD/m²
		mk("b_2", "ул. Зубровая 2", 75000, 50),
	}

	groups := BuildGroups(batch)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].Address != "ул. Аистовая 1" {
		t.Fatalf("cheapest building must rank first, got %q", groups[0].Address)
	}
	if groups[0].Score <= groups[1].Score {
		t.Fatalf("scores not ordered: %v <= %v", groups[0].Score, groups[1].Score)
	}
	if groups[0].HousePPM != 1000 {
		t.Fatalf("house ppm=%v want 1000", groups[0].HousePPM)
	}
	if groups[0].MedianPriceUSD != 50000 {
		t.Fatalf("median price=%d want 50000", groups[0].MedianPriceUSD)
	}
}

func TestBuildGroupsSingletonDrop(t *testing.T) {
	t.Parallel()

	double := func(prefix, addr string) []models.Listing {
		return []models.Listing{
			mk(prefix+"_1", addr, 40000, 40),
			mk(prefix+"_2", addr, 42000, 40),
		}
	}

	// 6 groups: 2 doubles + 4 singletons. Over the cap, singletons go.
	var over []models.Listing
	over = append(over, double("a", "ул. Первая 1")...)
	over = append(over, double("b", "ул. Вторая 2")...)
	over = append(over,
		mk("c_1", "ул. Третья 3", 40000, 40),
		mk("d_1", "ул. Четвёртая 4", 40000, 40),
		mk("e_1", "ул. Пятая 5", 40000, 40),
		mk("f_1", "ул. Шестая 6", 40000, 40),
	)
	groups := BuildGroups(over)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2 after singleton drop", len(groups))
	}
	for _, g := range groups {
		if g.Count() < 2 {
			t.Fatalf("singleton %q survived the drop", g.Address)
		}
	}

	// Exactly 5 groups: singletons stay.
	var atCap []models.Listing
	atCap = append(atCap, double("a", "ул. Первая 1")...)
	atCap = append(atCap, double("b", "ул. Вторая 2")...)
	atCap = append(atCap,
		mk("c_1", "ул. Третья 3", 40000, 40),
		mk("d_1", "ул. Четвёртая 4", 40000, 40),
		mk("e_1", "ул. Пятая 5", 40000, 40),
	)
	if got := BuildGroups(atCap); len(got) != 5 {
		t.Fatalf("got %d groups, want all 5 kept at the cap", len(got))
	}
}

func TestBuildGroupsFallbackUnderThreeUsable(t *testing.T) {
	t.Parallel()

	batch := []models.Listing{
		mk("a_1", "ул. Дорогая 1", 60000, 50),  // 1200
		mk("b_1", "ул. Дешёвая 2", 40000, 50),  // 800
		mk("c_1", "ул. Немая 3", 0, 50),        // no usable price
	}

	groups := BuildGroups(batch)
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(groups))
	}
	if groups[0].Address != "ул. Дешёвая 2" || groups[1].Address != "ул. Дорогая 1" || groups[2].Address != "ул. Немая 3" {
		t.Fatalf("fallback order wrong: %q, %q, %q", groups[0].Address, groups[1].Address, groups[2].Address)
	}
	for _, g := range groups {
		if g.Score != 0 {
			t.Fatalf("fallback must not score, got %v for %q", g.Score, g.Address)
		}
	}
}

func TestBuildGroupsTieBreakLexicographic(t *testing.T) {
	t.Parallel()

	batch := []models.Listing{
		mk("a_1", "ул. Аистовая 1", 50000, 50),
		mk("a_2", "ул. Аистовая 1", 50000, 50),
		mk("b_1", "ул. Зубровая 2", 50000, 50),
		mk("b_2", "ул. Зубровая 2", 50000, 50),
	}

	groups := BuildGroups(batch)
	if len(groups) != 2 {
		t.Fatalf("got %d groups", len(groups))
	}
	if groups[0].Key >= groups[1].Key {
		t.Fatalf("equal stats must order by key: %q then %q", groups[0].Key, groups[1].Key)
	}
}

func TestBuildGroupsDeterministic(t *testing.T) {
	t.Parallel()

	batch := []models.Listing{
		mk("a_1", "ул. Аистовая 1", 52000, 48),
		mk("b_1", "ул. Зубровая 2", 61000, 55),
		mk("a_2", "ул. Аистовая 1", 50500, 47),
		mk("c_1", "ул. Рысья 3", 44000, 41),
		mk("b_2", "ул. Зубровая 2", 60000, 54),
	}

	first := BuildGroups(batch)
	second := BuildGroups(batch)
	if len(first) != len(second) {
		t.Fatalf("group counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Key != second[i].Key || first[i].Score != second[i].Score {
			t.Fatalf("run differs at %d: %q/%v vs %q/%v",
				i, first[i].Key, first[i].Score, second[i].Key, second[i].Score)
		}
	}
}

func TestGroupPage(t *testing.T) {
	t.Parallel()

	g := Group{}
	for i := 0; i < 7; i++ {
		g.Listings = append(g.Listings, mk(string(rune('a'+i))+"_1", "ул. Одна 1", 40000, 40))
	}

	page, more := g.Page(0, 5)
	if len(page) != 5 || !more {
		t.Fatalf("Page(0,5): len=%d more=%t", len(page), more)
	}
	page, more = g.Page(5, 5)
	if len(page) != 2 || more {
		t.Fatalf("Page(5,5): len=%d more=%t", len(page), more)
	}
	if page, more = g.Page(7, 5); page != nil || more {
		t.Fatalf("Page(7,5) must be empty, got len=%d", len(page))
	}
}

func TestMedian(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   []float64
		want float64
	}{
		{nil, 0},
		{[]float64{5}, 5},
		{[]float64{1, 9}, 5},
		{[]float64{9, 1, 5}, 5},
		{[]float64{4, 1, 9, 5}, 4.5},
	}
	for _, tc := range cases {
		if got := median(tc.in); got != tc.want {
			t.Fatalf("median(%v)=%v want %v", tc.in, got, tc.want)
		}
	}
}
