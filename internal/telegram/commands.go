package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"flatradar/internal/match"
	"flatradar/internal/models"
)

const (
	welcomeText = `👋 Я слежу за объявлениями о продаже квартир на Куфаре, Realt.by, Domovita, Hata.by, GoHome.by и Этажах.

Выберите город, затем настройте фильтр через /filters и включите мониторинг: /start_monitoring.

Команды:
/check — проверить прямо сейчас
/filters — настроить фильтр
/mode — переключить краткий/подробный режим
/start_monitoring — включить уведомления
/stop_monitoring — выключить уведомления`

	tooManyText    = "⏳ Слишком много одинаковых команд подряд. Сделайте паузу."
	unknownCmdText = "Не знаю такой команды. Список: /start"
	noFilterText   = "Сначала настройте фильтр: /filters"
)

func (g *Gateway) handleMessage(ctx context.Context, msg *Message) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	switch g.limiter.check(chatID, text) {
	case inboundDrop:
		g.log.Debug().Int64("chat_id", chatID).Msg("inbound message dropped")
		return
	case inboundWarn:
		g.msgr.SendText(ctx, chatID, tooManyText, nil)
		return
	}

	cmd, arg := splitCommand(text)
	g.log.Info().Int64("chat_id", chatID).Str("command", cmd).Msg("inbound command")

	switch cmd {
	case "/start", "/help":
		g.cmdStart(ctx, chatID)
	case "/check":
		g.cmdCheck(ctx, chatID)
	case "/start_monitoring":
		g.cmdSetMonitoring(ctx, chatID, true)
	case "/stop_monitoring":
		g.cmdSetMonitoring(ctx, chatID, false)
	case "/filters":
		g.cmdFilters(ctx, chatID)
	case "/mode":
		g.cmdMode(ctx, chatID)
	case "/admin_clear_sent":
		g.cmdAdminClearSent(ctx, chatID, arg)
	default:
		if strings.HasPrefix(cmd, "/") {
			g.msgr.SendText(ctx, chatID, unknownCmdText, nil)
			return
		}
		g.tryCityName(ctx, chatID, text)
	}
}

// splitCommand separates "/cmd@bot arg rest" into "/cmd" and "arg rest".
func splitCommand(text string) (cmd, arg string) {
	cmd = text
	if i := strings.IndexAny(text, " \n"); i >= 0 {
		cmd, arg = text[:i], strings.TrimSpace(text[i+1:])
	}
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), arg
}

func (g *Gateway) cmdStart(ctx context.Context, chatID int64) {
	created, err := g.store.EnsureSubscriber(ctx, chatID)
	if err != nil {
		g.log.Error().Err(err).Int64("chat_id", chatID).Msg("ensure subscriber failed")
		g.msgr.SendText(ctx, chatID, "⚠️ Внутренняя ошибка, попробуйте позже.", nil)
		return
	}
	if created {
		g.log.Info().Int64("chat_id", chatID).Msg("new subscriber")
	}
	g.msgr.SendText(ctx, chatID, welcomeText, g.cityKeyboard())
}

func (g *Gateway) cmdCheck(ctx context.Context, chatID int64) {
	sub, err := g.subscriber(ctx, chatID)
	if err != nil {
		return
	}
	if err := match.ValidateFilter(sub.Filter, g.cities); err != nil {
		g.msgr.SendText(ctx, chatID, noFilterText+"\n"+esc(err.Error()), nil)
		return
	}
	if !g.startCheck(ctx, chatID) {
		g.msgr.SendText(ctx, chatID, "Проверка уже идёт.", nil)
		return
	}
	g.msgr.SendText(ctx, chatID, "🔍 Проверяю порталы, это может занять минуту…", nil)
}

func (g *Gateway) cmdSetMonitoring(ctx context.Context, chatID int64, on bool) {
	sub, err := g.subscriber(ctx, chatID)
	if err != nil {
		return
	}
	if on {
		if err := match.ValidateFilter(sub.Filter, g.cities); err != nil {
			g.msgr.SendText(ctx, chatID, noFilterText+"\n"+esc(err.Error()), nil)
			return
		}
	}
	if err := g.store.SetSubscriberActive(ctx, chatID, on); err != nil {
		g.log.Error().Err(err).Int64("chat_id", chatID).Msg("set active failed")
		return
	}
	if on {
		g.msgr.SendText(ctx, chatID, fmt.Sprintf(
			"✅ Мониторинг включён. Проверка каждые %d ч, новые объявления придут сюда.",
			g.cfg.CheckIntervalMin/60), nil)
	} else {
		g.msgr.SendText(ctx, chatID, "⏸ Мониторинг выключен. Включить снова: /start_monitoring", nil)
	}
}

func (g *Gateway) cmdFilters(ctx context.Context, chatID int64) {
	sub, err := g.subscriber(ctx, chatID)
	if err != nil {
		return
	}
	city := g.cities.DisplayName(sub.Filter.CitySlug)
	g.msgr.SendText(ctx, chatID, RenderFilter(sub, city), g.filterKeyboard(chatID))
}

func (g *Gateway) cmdMode(ctx context.Context, chatID int64) {
	sub, err := g.subscriber(ctx, chatID)
	if err != nil {
		return
	}
	f := sub.Filter
	if f.DeliveryMode == models.ModeFull {
		f.DeliveryMode = models.ModeBrief
	} else {
		f.DeliveryMode = models.ModeFull
	}
	if err := g.store.SaveFilter(ctx, chatID, f); err != nil {
		g.log.Error().Err(err).Int64("chat_id", chatID).Msg("save filter failed")
		return
	}
	if f.DeliveryMode == models.ModeFull {
		g.msgr.SendText(ctx, chatID, "📄 Режим: подробный, каждое объявление отдельным сообщением.", nil)
	} else {
		g.msgr.SendText(ctx, chatID, "📋 Режим: краткий, одна сводка по домам.", nil)
	}
}

func (g *Gateway) cmdAdminClearSent(ctx context.Context, chatID int64, arg string) {
	if !g.cfg.IsAdmin(chatID) {
		g.msgr.SendText(ctx, chatID, unknownCmdText, nil)
		return
	}
	target, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		g.msgr.SendText(ctx, chatID, "Использование: /admin_clear_sent <telegram_id>", nil)
		return
	}
	n, err := g.store.ClearSeen(ctx, target)
	if err != nil {
		g.log.Error().Err(err).Int64("target", target).Msg("clear seen failed")
		g.msgr.SendText(ctx, chatID, "⚠️ Не получилось: "+esc(err.Error()), nil)
		return
	}
	g.log.Info().Int64("admin", chatID).Int64("target", target).Int64("cleared", n).
		Msg("seen set cleared")
	g.msgr.SendText(ctx, chatID, fmt.Sprintf("🧹 Удалено %d записей у %d.", n, target), nil)
}

// tryCityName treats plain text as a city pick so users can type "Минск"
// instead of tapping buttons.
func (g *Gateway) tryCityName(ctx context.Context, chatID int64, text string) {
	slug, ok := g.cities.Resolve(text)
	if !ok {
		g.msgr.SendText(ctx, chatID, "Не понял. Настройка фильтра: /filters, список команд: /start", nil)
		return
	}
	g.setCity(ctx, chatID, slug)
}

func (g *Gateway) setCity(ctx context.Context, chatID int64, slug string) {
	sub, err := g.subscriber(ctx, chatID)
	if err != nil {
		return
	}
	f := sub.Filter
	f.CitySlug = slug
	if err := g.store.SaveFilter(ctx, chatID, f); err != nil {
		g.log.Error().Err(err).Int64("chat_id", chatID).Msg("save filter failed")
		return
	}
	g.msgr.SendText(ctx, chatID, fmt.Sprintf(
		"🏙 Город: <b>%s</b>. Теперь комнаты и цена: /filters",
		esc(g.cities.DisplayName(slug))), nil)
}

// subscriber loads the caller's row, creating it when missing, and reports
// a generic failure to the chat on error.
func (g *Gateway) subscriber(ctx context.Context, chatID int64) (*models.Subscriber, error) {
	if _, err := g.store.EnsureSubscriber(ctx, chatID); err != nil {
		g.log.Error().Err(err).Int64("chat_id", chatID).Msg("ensure subscriber failed")
		g.msgr.SendText(ctx, chatID, "⚠️ Внутренняя ошибка, попробуйте позже.", nil)
		return nil, err
	}
	sub, err := g.store.GetSubscriber(ctx, chatID)
	if err != nil {
		g.log.Error().Err(err).Int64("chat_id", chatID).Msg("load subscriber failed")
		g.msgr.SendText(ctx, chatID, "⚠️ Внутренняя ошибка, попробуйте позже.", nil)
		return nil, err
	}
	return sub, nil
}
