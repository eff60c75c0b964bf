package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// NormalizeAddress lower-cases the address, strips punctuation and any of the
// given city names, and collapses whitespace. The result is the grouping key
// for building summaries and one input of the content hash.
func NormalizeAddress(addr string, cityNames ...string) string {
	s := strings.ToLower(strings.TrimSpace(addr))
	for _, city := range cityNames {
		city = strings.ToLower(strings.TrimSpace(city))
		if city == "" {
			continue
		}
		s = strings.ReplaceAll(s, city, " ")
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ContentHashFor derives the cross-source identity of an apartment: the first
// 16 hex chars of MD5 over rooms, the area rounded to a whole meter, the
// normalized address, and the price rounded to the nearest 1000.
func ContentHashFor(rooms int, areaM2 float64, normalizedAddr string, price int64) string {
	area := int64(math.Round(areaM2))
	roundedPrice := int64(math.Round(float64(price)/1000)) * 1000
	sum := md5.Sum([]byte(fmt.Sprintf("%d|%d|%s|%d", rooms, area, normalizedAddr, roundedPrice)))
	return hex.EncodeToString(sum[:])[:16]
}

// FillContentHash computes and stores the listing's content hash unless one
// is already present. City names are stripped from the address first so the
// same building hashes identically across portals.
func (l *Listing) FillContentHash(cityNames ...string) {
	if l.ContentHash != "" {
		return
	}
	norm := NormalizeAddress(l.Address, cityNames...)
	l.ContentHash = ContentHashFor(l.Rooms, l.AreaM2, norm, l.EffectivePrice())
}
