package cities

import (
	"testing"

	"flatradar/internal/config"
)

func TestTableResolve(t *testing.T) {
	t.Parallel()

	tbl := NewTable([]config.City{
		{Slug: "Minsk", Name: "Минск", Names: []string{"Minsk", "Менск"},
			Codes: map[string]string{"kufar": "7", "realt": "minsk"}},
		{Slug: "brest", Name: "Брест",
			Codes: map[string]string{"kufar": "18"}},
	})

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"минск", "minsk", true},
		{"МИНСК", "minsk", true},
		{"Менск", "minsk", true},
		{"minsk", "minsk", true},
		{" Брест ", "brest", true},
		{"brest", "brest", true},
		{"paris", "", false},
		{"", "", false},
	}

	for _, tc := range cases {
		got, ok := tbl.Resolve(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Resolve(%q)=(%q,%v) want (%q,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestTablePortalCode(t *testing.T) {
	t.Parallel()

	tbl := NewTable([]config.City{
		{Slug: "minsk", Name: "Минск", Codes: map[string]string{"kufar": "7"}},
	})

	if code, ok := tbl.PortalCode("minsk", "kufar"); !ok || code != "7" {
		t.Fatalf("PortalCode(minsk,kufar)=(%q,%v) want (7,true)", code, ok)
	}
	if _, ok := tbl.PortalCode("minsk", "etagi"); ok {
		t.Fatalf("missing portal code should not resolve")
	}
	if _, ok := tbl.PortalCode("paris", "kufar"); ok {
		t.Fatalf("unknown slug should not resolve")
	}
}

func TestDefaultTable(t *testing.T) {
	t.Parallel()

	tbl := Default()
	slug, ok := tbl.Resolve("Барановичи")
	if !ok || slug != "baranovichi" {
		t.Fatalf("Resolve(Барановичи)=(%q,%v)", slug, ok)
	}
	if len(tbl.CityNames()) == 0 {
		t.Fatal("default table has no display names")
	}
	if tbl.DisplayName("minsk") != "Минск" {
		t.Fatalf("DisplayName(minsk)=%q", tbl.DisplayName("minsk"))
	}
}
