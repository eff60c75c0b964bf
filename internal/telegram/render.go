package telegram

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"flatradar/internal/models"
	"flatradar/internal/scoring"
)

// MaxPhotosPerMessage caps the album size on a full-mode listing card.
const MaxPhotosPerMessage = 4

var sourceLabels = map[string]string{
	"kufar":    "Куфар",
	"realt":    "Realt.by",
	"domovita": "Domovita",
	"hata":     "Hata.by",
	"gohome":   "GoHome.by",
	"etagi":    "Этажи",
}

func sourceLabel(source string) string {
	if l, ok := sourceLabels[source]; ok {
		return l
	}
	return source
}

func sellerLabel(t string) string {
	switch t {
	case models.SellerOwner:
		return "собственник"
	case models.SellerCompany:
		return "агентство"
	default:
		return "продавец не указан"
	}
}

func esc(s string) string { return html.EscapeString(s) }

// fmtThousands renders 1234567 as "1 234 567".
func fmtThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s[i : i+3])
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// plural picks the Russian plural form for n.
func plural(n int, one, few, many string) string {
	m10, m100 := n%10, n%100
	switch {
	case m10 == 1 && m100 != 11:
		return one
	case m10 >= 2 && m10 <= 4 && (m100 < 12 || m100 > 14):
		return few
	default:
		return many
	}
}

func fmtArea(a float64) string {
	return strconv.FormatFloat(a, 'f', -1, 64)
}

func priceLine(l *models.Listing) string {
	var parts []string
	switch {
	case l.PriceUSD > 0:
		p := fmt.Sprintf("<b>%s $</b>", fmtThousands(l.PriceUSD))
		if ppm := l.PricePerSqm(); ppm > 0 {
			p += fmt.Sprintf(" (%s $/м²)", fmtThousands(ppm))
		}
		parts = append(parts, p)
		if l.PriceBYN > 0 {
			parts = append(parts, fmt.Sprintf("%s р.", fmtThousands(l.PriceBYN)))
		}
	case l.PriceBYN > 0:
		parts = append(parts, fmt.Sprintf("<b>%s р.</b>", fmtThousands(l.PriceBYN)))
	case l.Price > 0:
		cur := l.Currency
		if cur == "" {
			cur = "USD"
		}
		parts = append(parts, fmt.Sprintf("<b>%s %s</b>", fmtThousands(l.Price), esc(cur)))
	default:
		parts = append(parts, "<b>Цена договорная</b>")
	}
	return "💰 " + strings.Join(parts, " · ")
}

func detailsLine(l *models.Listing) string {
	var parts []string
	if l.Rooms > 0 {
		parts = append(parts, fmt.Sprintf("%d комн.", l.Rooms))
	}
	if l.AreaM2 > 0 {
		parts = append(parts, fmt.Sprintf("%s м²", fmtArea(l.AreaM2)))
	}
	if l.Floor != "" {
		parts = append(parts, "этаж "+esc(l.Floor))
	}
	if l.YearBuilt > 0 {
		parts = append(parts, fmt.Sprintf("%d г.", l.YearBuilt))
	}
	if len(parts) == 0 {
		return ""
	}
	return "🏠 " + strings.Join(parts, " · ")
}

func extrasLine(l *models.Listing) string {
	var parts []string
	if l.HouseType != "" {
		parts = append(parts, esc(l.HouseType))
	}
	if l.Renovation != "" {
		parts = append(parts, esc(l.Renovation))
	}
	if l.Balcony != "" {
		parts = append(parts, "балкон: "+esc(l.Balcony))
	}
	if l.KitchenAreaM2 > 0 {
		parts = append(parts, fmt.Sprintf("кухня %s м²", fmtArea(l.KitchenAreaM2)))
	}
	if len(parts) == 0 {
		return ""
	}
	return "🔧 " + strings.Join(parts, " · ")
}

// RenderListing builds the full-mode card for one listing.
func RenderListing(l *models.Listing) string {
	var b strings.Builder
	title := l.Title
	if title == "" {
		title = l.Address
	}
	fmt.Fprintf(&b, "<b><a href=\"%s\">%s</a></b>\n", esc(l.URL), esc(title))
	b.WriteString(priceLine(l))
	if d := detailsLine(l); d != "" {
		b.WriteString("\n" + d)
	}
	if e := extrasLine(l); e != "" {
		b.WriteString("\n" + e)
	}
	fmt.Fprintf(&b, "\n👤 %s · %s", sellerLabel(l.SellerType), sourceLabel(l.Source))
	if l.Address != "" {
		fmt.Fprintf(&b, "\n📍 %s", esc(l.Address))
	}
	if !l.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "\n🕐 %s", l.CreatedAt.Format("02.01.2006 15:04"))
	}
	return b.String()
}

// RenderSummary builds the brief-mode digest: a header plus one line per
// building group. totalListings and totalGroups describe the whole batch;
// groups carries only the top slice actually shown.
func RenderSummary(cityName string, groups []scoring.Group, totalListings, totalGroups int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔎 <b>%s: %d %s в %d %s</b>\n",
		esc(cityName),
		totalListings, plural(totalListings, "новое объявление", "новых объявления", "новых объявлений"),
		totalGroups, plural(totalGroups, "доме", "домах", "домах"))

	shown := 0
	for i, g := range groups {
		n := g.Count()
		shown += n
		fmt.Fprintf(&b, "\n%d. <b>%s</b> — %d %s", i+1, esc(g.Address),
			n, plural(n, "объявление", "объявления", "объявлений"))
		if min := minGroupPrice(g); min > 0 {
			fmt.Fprintf(&b, ", от %s $", fmtThousands(min))
		}
		if g.HousePPM > 0 {
			fmt.Fprintf(&b, ", ≈%s $/м²", fmtThousands(int64(g.HousePPM+0.5)))
		}
		if g.PreviewURL != "" {
			fmt.Fprintf(&b, " <a href=\"%s\">📷</a>", esc(g.PreviewURL))
		}
	}

	if rest := totalGroups - len(groups); rest > 0 {
		hidden := totalListings - shown
		fmt.Fprintf(&b, "\n\n… и ещё %d %s (%d %s)", rest,
			plural(rest, "дом", "дома", "домов"),
			hidden, plural(hidden, "объявление", "объявления", "объявлений"))
	}
	return b.String()
}

// RenderGroupPage builds one page of a building group for the show_house
// callback flow.
func RenderGroupPage(address string, page []models.Listing, offset, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏠 <b>%s</b> — %d–%d из %d\n", esc(address),
		offset+1, offset+len(page), total)
	for i, l := range page {
		var desc []string
		if l.Rooms > 0 {
			desc = append(desc, fmt.Sprintf("%d-комн.", l.Rooms))
		}
		if l.AreaM2 > 0 {
			desc = append(desc, fmt.Sprintf("%s м²", fmtArea(l.AreaM2)))
		}
		if l.Floor != "" {
			desc = append(desc, "этаж "+esc(l.Floor))
		}
		if len(desc) == 0 {
			desc = append(desc, "квартира")
		}
		fmt.Fprintf(&b, "\n%d. <a href=\"%s\">%s</a>", offset+i+1, esc(l.URL), strings.Join(desc, ", "))
		if p := l.EffectivePrice(); p > 0 {
			fmt.Fprintf(&b, " — %s $", fmtThousands(p))
		} else {
			b.WriteString(" — цена договорная")
		}
		fmt.Fprintf(&b, " (%s)", sourceLabel(l.Source))
	}
	return b.String()
}

// RenderFilter shows a subscriber their current search settings.
func RenderFilter(sub *models.Subscriber, cityName string) string {
	f := sub.Filter
	var b strings.Builder
	b.WriteString("⚙️ <b>Текущий фильтр</b>\n")
	if f.CitySlug == "" {
		b.WriteString("Город: не выбран\n")
	} else {
		fmt.Fprintf(&b, "Город: %s\n", esc(cityName))
	}
	if f.MinRooms > 0 {
		if f.MaxRooms >= models.MaxRoomsUnbounded {
			fmt.Fprintf(&b, "Комнаты: от %d\n", f.MinRooms)
		} else {
			fmt.Fprintf(&b, "Комнаты: %d–%d\n", f.MinRooms, f.MaxRooms)
		}
	} else {
		b.WriteString("Комнаты: не заданы\n")
	}
	if f.MaxPrice > 0 {
		fmt.Fprintf(&b, "Цена: %s–%s $\n", fmtThousands(f.MinPrice), fmtThousands(f.MaxPrice))
	} else {
		b.WriteString("Цена: не задана\n")
	}
	if f.SellerType == models.SellerFilterOwner {
		b.WriteString("Продавец: только собственники\n")
	} else {
		b.WriteString("Продавец: все\n")
	}
	if f.DeliveryMode == models.ModeFull {
		b.WriteString("Режим: подробный (каждое объявление)\n")
	} else {
		b.WriteString("Режим: краткий (сводка по домам)\n")
	}
	if sub.Active {
		b.WriteString("Мониторинг: включён")
	} else {
		b.WriteString("Мониторинг: выключен")
	}
	return b.String()
}

func minGroupPrice(g scoring.Group) int64 {
	var min int64
	for i := range g.Listings {
		p := g.Listings[i].EffectivePrice()
		if p <= 0 {
			continue
		}
		if min == 0 || p < min {
			min = p
		}
	}
	return min
}
