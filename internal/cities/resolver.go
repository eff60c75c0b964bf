package cities

import (
	"sort"
	"strings"
	"sync"

	"flatradar/internal/config"
)

// Resolver turns user-facing city names into canonical slugs and canonical
// slugs into portal-local codes. Fuzzy matching lives outside this package;
// resolution here is exact after lower-casing and trimming.
type Resolver interface {
	// Resolve maps a city name or slug to the canonical slug.
	Resolve(name string) (string, bool)
	// PortalCode maps a canonical slug to one portal's local city code.
	PortalCode(slug, portal string) (string, bool)
	// DisplayName returns the human-readable name for a slug.
	DisplayName(slug string) string
	// CityNames returns every known display name and spelling. Address
	// normalization strips these from listing addresses.
	CityNames() []string
	// Slugs returns every canonical slug, sorted. The bot's city picker
	// renders from this.
	Slugs() []string
}

// Table is an immutable Resolver backed by the static city table.
type Table struct {
	bySlug map[string]config.City
	byName map[string]string
	names  []string
}

// NewTable builds a Table from the city rows of sources.yaml.
func NewTable(rows []config.City) *Table {
	t := &Table{
		bySlug: make(map[string]config.City, len(rows)),
		byName: make(map[string]string, len(rows)*2),
	}
	for _, c := range rows {
		slug := strings.ToLower(strings.TrimSpace(c.Slug))
		if slug == "" {
			continue
		}
		c.Slug = slug
		t.bySlug[slug] = c
		t.byName[slug] = slug
		for _, n := range append([]string{c.Name}, c.Names...) {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			t.byName[strings.ToLower(n)] = slug
			t.names = append(t.names, n)
		}
	}
	return t
}

func (t *Table) Resolve(name string) (string, bool) {
	slug, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]
	return slug, ok
}

func (t *Table) PortalCode(slug, portal string) (string, bool) {
	c, ok := t.bySlug[strings.ToLower(slug)]
	if !ok {
		return "", false
	}
	code, ok := c.Codes[portal]
	return code, ok && code != ""
}

func (t *Table) DisplayName(slug string) string {
	if c, ok := t.bySlug[strings.ToLower(slug)]; ok {
		return c.Name
	}
	return slug
}

func (t *Table) CityNames() []string {
	return t.names
}

func (t *Table) Slugs() []string {
	slugs := make([]string, 0, len(t.bySlug))
	for s := range t.bySlug {
		slugs = append(slugs, s)
	}
	sort.Strings(slugs)
	return slugs
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// Default returns the built-in table covering the cities the portals serve.
// sources.yaml overrides it in normal operation; tools and tests use this.
func Default() *Table {
	defaultOnce.Do(func() {
		defaultTable = NewTable(defaultCities)
	})
	return defaultTable
}

var defaultCities = []config.City{
	{Slug: "minsk", Name: "Минск", Names: []string{"Minsk"}, Codes: map[string]string{
		"kufar": "7", "realt": "minsk", "domovita": "minsk", "hata": "minsk", "gohome": "30", "etagi": "minsk",
	}},
	{Slug: "brest", Name: "Брест", Names: []string{"Brest"}, Codes: map[string]string{
		"kufar": "18", "realt": "brest", "domovita": "brest", "hata": "brest", "gohome": "373", "etagi": "brest",
	}},
	{Slug: "grodno", Name: "Гродно", Names: []string{"Grodno"}, Codes: map[string]string{
		"kufar": "48", "realt": "grodno", "domovita": "grodno", "hata": "grodno", "gohome": "482", "etagi": "grodno",
	}},
	{Slug: "gomel", Name: "Гомель", Names: []string{"Gomel"}, Codes: map[string]string{
		"kufar": "33", "realt": "gomel", "domovita": "gomel", "hata": "gomel", "gohome": "418", "etagi": "gomel",
	}},
	{Slug: "vitebsk", Name: "Витебск", Names: []string{"Vitebsk"}, Codes: map[string]string{
		"kufar": "26", "realt": "vitebsk", "domovita": "vitebsk", "hata": "vitebsk", "gohome": "401", "etagi": "vitebsk",
	}},
	{Slug: "mogilev", Name: "Могилёв", Names: []string{"Могилев", "Mogilev"}, Codes: map[string]string{
		"kufar": "57", "realt": "mogilev", "domovita": "mogilev", "hata": "mogilev", "gohome": "503", "etagi": "mogilev",
	}},
	{Slug: "baranovichi", Name: "Барановичи", Names: []string{"Baranovichi"}, Codes: map[string]string{
		"kufar": "19", "realt": "baranovichi", "domovita": "baranovichi", "hata": "baranovichi", "gohome": "374",
	}},
	{Slug: "bobruisk", Name: "Бобруйск", Names: []string{"Bobruisk"}, Codes: map[string]string{
		"kufar": "58", "realt": "bobruisk", "domovita": "bobruisk", "hata": "bobruisk", "gohome": "504",
	}},
	{Slug: "pinsk", Name: "Пинск", Names: []string{"Pinsk"}, Codes: map[string]string{
		"kufar": "20", "realt": "pinsk", "domovita": "pinsk", "hata": "pinsk", "gohome": "375",
	}},
	{Slug: "orsha", Name: "Орша", Names: []string{"Orsha"}, Codes: map[string]string{
		"kufar": "27", "realt": "orsha", "domovita": "orsha", "hata": "orsha", "gohome": "402",
	}},
}
