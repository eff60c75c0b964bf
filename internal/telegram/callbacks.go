package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"flatradar/internal/models"
)

const (
	groupPageSize = 5

	staleButtonText = "Кнопка устарела"
)

func (g *Gateway) handleCallback(ctx context.Context, cq *CallbackQuery) {
	chatID := cq.From.ID
	if cq.Message != nil {
		chatID = cq.Message.Chat.ID
	}

	if g.limiter.check(chatID, cq.Data) != inboundAllow {
		g.msgr.Answer(ctx, cq.ID, "")
		return
	}
	g.log.Info().Int64("chat_id", chatID).Str("data", cq.Data).Msg("inbound callback")

	switch {
	case strings.HasPrefix(cq.Data, "select_city|"):
		g.cbSelectCity(ctx, cq, chatID, strings.TrimPrefix(cq.Data, "select_city|"))
	case strings.HasPrefix(cq.Data, "filters:"):
		g.cbFilters(ctx, cq, chatID, strings.TrimPrefix(cq.Data, "filters:"))
	case strings.HasPrefix(cq.Data, "show_house|"):
		g.cbShowHouse(ctx, cq, chatID, strings.TrimPrefix(cq.Data, "show_house|"))
	case strings.HasPrefix(cq.Data, "open_ad:"):
		g.cbOpenAd(ctx, cq, chatID, strings.TrimPrefix(cq.Data, "open_ad:"))
	case strings.HasPrefix(cq.Data, "save_ad:"):
		g.cbSaveAd(ctx, cq, chatID, strings.TrimPrefix(cq.Data, "save_ad:"))
	case strings.HasPrefix(cq.Data, "mute_ad:"):
		g.cbMuteAd(ctx, cq, chatID, strings.TrimPrefix(cq.Data, "mute_ad:"))
	default:
		g.msgr.Answer(ctx, cq.ID, staleButtonText)
	}
}

func (g *Gateway) cbSelectCity(ctx context.Context, cq *CallbackQuery, chatID int64, raw string) {
	slug, ok := g.cities.Resolve(raw)
	if !ok {
		g.msgr.Answer(ctx, cq.ID, staleButtonText)
		return
	}
	g.setCity(ctx, chatID, slug)
	g.msgr.Answer(ctx, cq.ID, "Город: "+g.cities.DisplayName(slug))
}

// cbFilters mutates one filter field: "<uid>:<field>:<value>". The uid pin
// stops forwarded keyboards from editing someone else's filter.
func (g *Gateway) cbFilters(ctx context.Context, cq *CallbackQuery, chatID int64, raw string) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		g.msgr.Answer(ctx, cq.ID, staleButtonText)
		return
	}
	uid, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || uid != cq.From.ID {
		g.msgr.Answer(ctx, cq.ID, "Эта кнопка не для вас")
		return
	}
	field, value := parts[1], parts[2]

	if field == "city" {
		if cq.Message != nil {
			g.msgr.EditText(ctx, chatID, cq.Message.MessageID, "Выберите город:", g.cityKeyboard())
		} else {
			g.msgr.SendText(ctx, chatID, "Выберите город:", g.cityKeyboard())
		}
		g.msgr.Answer(ctx, cq.ID, "")
		return
	}

	sub, err := g.subscriber(ctx, chatID)
	if err != nil {
		g.msgr.Answer(ctx, cq.ID, "")
		return
	}
	f := sub.Filter

	switch field {
	case "rooms":
		lo, hi, ok := parseRange(value)
		if !ok {
			g.msgr.Answer(ctx, cq.ID, staleButtonText)
			return
		}
		f.MinRooms, f.MaxRooms = int(lo), int(hi)
	case "price":
		lo, hi, ok := parseRange(value)
		if !ok {
			g.msgr.Answer(ctx, cq.ID, staleButtonText)
			return
		}
		f.MinPrice, f.MaxPrice = lo, hi
	case "seller":
		if value != models.SellerFilterAll && value != models.SellerFilterOwner {
			g.msgr.Answer(ctx, cq.ID, staleButtonText)
			return
		}
		f.SellerType = value
	case "mode":
		if value != models.ModeBrief && value != models.ModeFull {
			g.msgr.Answer(ctx, cq.ID, staleButtonText)
			return
		}
		f.DeliveryMode = value
	default:
		g.msgr.Answer(ctx, cq.ID, staleButtonText)
		return
	}

	if err := g.store.SaveFilter(ctx, chatID, f); err != nil {
		g.log.Error().Err(err).Int64("chat_id", chatID).Msg("save filter failed")
		g.msgr.Answer(ctx, cq.ID, "⚠️ Не сохранилось, попробуйте ещё раз")
		return
	}
	sub.Filter = f

	if cq.Message != nil {
		city := g.cities.DisplayName(f.CitySlug)
		g.msgr.EditText(ctx, chatID, cq.Message.MessageID, RenderFilter(sub, city), g.filterKeyboard(chatID))
	}
	g.msgr.Answer(ctx, cq.ID, "Сохранено")
}

// cbShowHouse pages through one building group: "<code>|<offset>".
func (g *Gateway) cbShowHouse(ctx context.Context, cq *CallbackQuery, chatID int64, raw string) {
	sep := strings.LastIndex(raw, "|")
	if sep <= 0 {
		g.msgr.Answer(ctx, cq.ID, staleButtonText)
		return
	}
	code := raw[:sep]
	offset, err := strconv.Atoi(raw[sep+1:])
	if err != nil || offset < 0 {
		g.msgr.Answer(ctx, cq.ID, staleButtonText)
		return
	}

	p, ok := g.resolvePayload(ctx, cq, code, models.LinkKindHouse)
	if !ok {
		return
	}
	cached, err := g.store.ListingsByIDs(ctx, p.ListingIDs)
	if err != nil {
		g.log.Error().Err(err).Str("code", code).Msg("load group listings failed")
		g.msgr.Answer(ctx, cq.ID, "⚠️ Не получилось, попробуйте позже")
		return
	}
	if len(cached) == 0 {
		g.msgr.Answer(ctx, cq.ID, "Объявления уже не в кэше")
		return
	}

	listings := make([]models.Listing, len(cached))
	for i := range cached {
		listings[i] = cached[i].Listing
	}
	total := len(listings)
	if offset >= total {
		offset = 0
	}
	end := offset + groupPageSize
	if end > total {
		end = total
	}
	page := listings[offset:end]

	text := RenderGroupPage(p.Address, page, offset, total)
	kb := g.groupPageKeyboard(ctx, code, page, offset, end, total)
	if cq.Message != nil {
		g.msgr.EditText(ctx, chatID, cq.Message.MessageID, text, kb)
	} else {
		g.msgr.SendText(ctx, chatID, text, kb)
	}
	g.msgr.Answer(ctx, cq.ID, "")
}

func (g *Gateway) cbOpenAd(ctx context.Context, cq *CallbackQuery, chatID int64, code string) {
	p, ok := g.resolvePayload(ctx, cq, code, models.LinkKindAd)
	if !ok {
		return
	}
	g.msgr.SendText(ctx, chatID, fmt.Sprintf("🔗 <a href=\"%s\">Открыть объявление</a>", esc(p.URL)), nil)
	g.msgr.Answer(ctx, cq.ID, "")
}

// cbSaveAd sends the full card for one listing out of a brief summary.
func (g *Gateway) cbSaveAd(ctx context.Context, cq *CallbackQuery, chatID int64, code string) {
	p, ok := g.resolvePayload(ctx, cq, code, models.LinkKindAd)
	if !ok {
		return
	}
	cached, err := g.store.ListingsByIDs(ctx, []string{p.ListingID})
	if err != nil || len(cached) == 0 {
		// Purged from the cache; the portal link is all we still have.
		g.msgr.SendText(ctx, chatID, fmt.Sprintf("🔗 <a href=\"%s\">Открыть объявление</a>", esc(p.URL)), nil)
		g.msgr.Answer(ctx, cq.ID, "")
		return
	}
	l := cached[0].Listing
	kb := &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{{Text: "🔗 Открыть", URL: l.URL}},
	}}
	g.msgr.SendText(ctx, chatID, RenderListing(&l), kb)
	g.msgr.Answer(ctx, cq.ID, "")
}

func (g *Gateway) cbMuteAd(ctx context.Context, cq *CallbackQuery, chatID int64, code string) {
	p, ok := g.resolvePayload(ctx, cq, code, models.LinkKindAd)
	if !ok {
		return
	}
	if err := g.store.MarkSeen(ctx, cq.From.ID, p.ListingID); err != nil {
		g.log.Error().Err(err).Str("listing_id", p.ListingID).Msg("mute failed")
		g.msgr.Answer(ctx, cq.ID, "⚠️ Не получилось, попробуйте позже")
		return
	}
	g.msgr.Answer(ctx, cq.ID, "Больше не покажу это объявление")
}

// resolvePayload loads and decodes a short-link payload, answering the stale
// toast on any failure.
func (g *Gateway) resolvePayload(ctx context.Context, cq *CallbackQuery, code, wantKind string) (models.ShortLinkPayload, bool) {
	var p models.ShortLinkPayload
	raw, err := g.store.ResolveShortLink(ctx, code)
	if err != nil {
		g.msgr.Answer(ctx, cq.ID, staleButtonText)
		return p, false
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.Kind != wantKind {
		g.msgr.Answer(ctx, cq.ID, staleButtonText)
		return p, false
	}
	return p, true
}

func (g *Gateway) cityKeyboard() *InlineKeyboardMarkup {
	var rows [][]InlineKeyboardButton
	var row []InlineKeyboardButton
	for _, slug := range g.cities.Slugs() {
		row = append(row, InlineKeyboardButton{
			Text:         g.cities.DisplayName(slug),
			CallbackData: "select_city|" + slug,
		})
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return &InlineKeyboardMarkup{InlineKeyboard: rows}
}

// filterKeyboard offers preset windows. Price presets keep the span inside
// the accepted 20000 USD bound.
func (g *Gateway) filterKeyboard(uid int64) *InlineKeyboardMarkup {
	p := fmt.Sprintf("filters:%d:", uid)
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{
			{Text: "1 комн.", CallbackData: p + "rooms:1-1"},
			{Text: "1–2", CallbackData: p + "rooms:1-2"},
			{Text: "2–3", CallbackData: p + "rooms:2-3"},
			{Text: "3+", CallbackData: p + "rooms:3-99"},
		},
		{
			{Text: "20–40 тыс. $", CallbackData: p + "price:20000-40000"},
			{Text: "30–50 тыс. $", CallbackData: p + "price:30000-50000"},
		},
		{
			{Text: "50–70 тыс. $", CallbackData: p + "price:50000-70000"},
			{Text: "70–90 тыс. $", CallbackData: p + "price:70000-90000"},
		},
		{
			{Text: "Все продавцы", CallbackData: p + "seller:all"},
			{Text: "Только собственники", CallbackData: p + "seller:owner"},
		},
		{
			{Text: "📋 Кратко", CallbackData: p + "mode:brief"},
			{Text: "📄 Подробно", CallbackData: p + "mode:full"},
		},
		{
			{Text: "🏙 Сменить город", CallbackData: p + "city:pick"},
		},
	}}
}

// groupPageKeyboard builds per-listing card buttons plus pagination for one
// group page. Card buttons need fresh short codes; a failed insert just
// drops that button.
func (g *Gateway) groupPageKeyboard(ctx context.Context, code string, page []models.Listing, offset, end, total int) *InlineKeyboardMarkup {
	var rows [][]InlineKeyboardButton

	var cards []InlineKeyboardButton
	for i, l := range page {
		payload, err := json.Marshal(models.ShortLinkPayload{
			Kind:      models.LinkKindAd,
			ListingID: l.ListingID,
			URL:       l.URL,
		})
		if err != nil {
			continue
		}
		adCode, err := g.store.PutShortLink(ctx, string(payload))
		if err != nil {
			g.log.Warn().Err(err).Msg("short link insert failed")
			continue
		}
		cards = append(cards, InlineKeyboardButton{
			Text:         fmt.Sprintf("📄 %d", offset+i+1),
			CallbackData: "save_ad:" + adCode,
		})
	}
	if len(cards) > 0 {
		rows = append(rows, cards)
	}

	var nav []InlineKeyboardButton
	if offset > 0 {
		prev := offset - groupPageSize
		if prev < 0 {
			prev = 0
		}
		nav = append(nav, InlineKeyboardButton{
			Text:         "◀️ Назад",
			CallbackData: fmt.Sprintf("show_house|%s|%d", code, prev),
		})
	}
	if end < total {
		nav = append(nav, InlineKeyboardButton{
			Text:         "Ещё ▶️",
			CallbackData: fmt.Sprintf("show_house|%s|%d", code, end),
		})
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	if len(rows) == 0 {
		return nil
	}
	return &InlineKeyboardMarkup{InlineKeyboard: rows}
}

func parseRange(s string) (lo, hi int64, ok bool) {
	i := strings.Index(s, "-")
	if i <= 0 {
		return 0, 0, false
	}
	lo, err1 := strconv.ParseInt(s[:i], 10, 64)
	hi, err2 := strconv.ParseInt(s[i+1:], 10, 64)
	if err1 != nil || err2 != nil || lo > hi {
		return 0, 0, false
	}
	return lo, hi, true
}
