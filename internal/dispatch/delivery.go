package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"flatradar/internal/models"
	"flatradar/internal/scoring"
	"flatradar/internal/telegram"
)

const (
	// prefetchBound caps concurrent photo probes during one delivery build.
	prefetchBound = 20

	// maxTransientRun is how many consecutive failed sends end a full-mode
	// batch early. The unacked tail redelivers next tick.
	maxTransientRun = 3

	// fallbackPageSize bounds the compact list sent when no building group
	// forms out of a brief batch.
	fallbackPageSize = 10
)

// deliverBrief sends one summary message for the top building groups. Only
// listings inside the shown groups are acknowledged; hidden groups stay
// unseen and surface on a later tick once the shown ones age out.
func (d *Dispatcher) deliverBrief(ctx context.Context, sub *models.Subscriber, fresh []models.Listing, log zerolog.Logger) (sent, groups int, status, errText string) {
	all := scoring.BuildGroups(fresh, d.cities.CityNames()...)
	if len(all) == 0 {
		return d.deliverCompact(ctx, sub, fresh, log)
	}
	top := scoring.TopN(all, scoring.MaxGroupsInSummary)
	d.attachPreviews(ctx, top)

	text := telegram.RenderSummary(d.cities.DisplayName(sub.Filter.CitySlug), top, len(fresh), len(all))
	switch d.msgr.SendText(ctx, sub.TelegramID, text, d.groupsKeyboard(ctx, top, log)) {
	case telegram.OutcomeOK:
	case telegram.OutcomeChatClosed:
		d.deactivate(ctx, sub, log)
		return 0, 0, "chat_closed", ""
	default:
		return 0, 0, "partial", "summary send failed"
	}

	for gi := range top {
		for li := range top[gi].Listings {
			l := top[gi].Listings[li]
			if err := d.store.MarkDelivered(ctx, sub.TelegramID, l); err != nil {
				log.Warn().Err(err).Str("listing", l.ListingID).Msg("mark delivered failed")
				continue
			}
			sent++
		}
	}
	return sent, len(top), "ok", ""
}

// deliverCompact is the brief fallback for batches where no address survives
// normalization: a single linked list, page-capped, acking only what it shows.
func (d *Dispatcher) deliverCompact(ctx context.Context, sub *models.Subscriber, fresh []models.Listing, log zerolog.Logger) (sent, groups int, status, errText string) {
	page := fresh
	if len(page) > fallbackPageSize {
		page = page[:fallbackPageSize]
	}
	text := telegram.RenderGroupPage("Новые объявления", page, 0, len(fresh))
	switch d.msgr.SendText(ctx, sub.TelegramID, text, nil) {
	case telegram.OutcomeOK:
	case telegram.OutcomeChatClosed:
		d.deactivate(ctx, sub, log)
		return 0, 0, "chat_closed", ""
	default:
		return 0, 0, "partial", "compact send failed"
	}
	for i := range page {
		if err := d.store.MarkDelivered(ctx, sub.TelegramID, page[i]); err != nil {
			log.Warn().Err(err).Str("listing", page[i].ListingID).Msg("mark delivered failed")
			continue
		}
		sent++
	}
	return sent, 0, "ok", ""
}

// deliverFull sends one card per listing. Each acked card is recorded before
// the next send; a transient failure leaves its listing unacked so the next
// tick retries it, and a run of them gives the batch up as partial.
func (d *Dispatcher) deliverFull(ctx context.Context, sub *models.Subscriber, fresh []models.Listing, log zerolog.Logger) (sent int, status, errText string) {
	d.prefetchPhotos(ctx, fresh)

	failures := 0
	for i := range fresh {
		l := &fresh[i]
		text := telegram.RenderListing(l)

		var out telegram.Outcome
		if len(l.Photos) > 0 {
			out = d.msgr.SendAlbum(ctx, sub.TelegramID, l.Photos, text)
		} else {
			out = d.msgr.SendText(ctx, sub.TelegramID, text, d.adKeyboard(ctx, l, log))
		}

		switch out {
		case telegram.OutcomeOK:
			failures = 0
			if err := d.store.MarkDelivered(ctx, sub.TelegramID, *l); err != nil {
				log.Warn().Err(err).Str("listing", l.ListingID).Msg("mark delivered failed")
			}
			sent++
		case telegram.OutcomeChatClosed:
			d.deactivate(ctx, sub, log)
			return sent, "chat_closed", ""
		default:
			failures++
			log.Warn().Str("listing", l.ListingID).Msg("send failed, left for next tick")
			if failures >= maxTransientRun {
				return sent, "partial", fmt.Sprintf("%d sends failed in a row", failures)
			}
		}
	}
	return sent, "ok", ""
}

// prefetchPhotos probes the album URLs ahead of the sends and drops dead
// ones, so a stale CDN link does not sink the whole sendMediaGroup call.
// At most maxPhotos per listing survive; probes run prefetchBound-parallel.
func (d *Dispatcher) prefetchPhotos(ctx context.Context, ls []models.Listing) {
	if d.probe == nil {
		return
	}
	sem := semaphore.NewWeighted(prefetchBound)
	var wg sync.WaitGroup
	alive := make([][]string, len(ls))

	for i := range ls {
		if len(ls[i].Photos) == 0 {
			continue
		}
		urls := ls[i].Photos
		if len(urls) > d.maxPhotos {
			urls = urls[:d.maxPhotos]
		}
		alive[i] = make([]string, len(urls))
		for j := range urls {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(slot *string, u string) {
				defer wg.Done()
				defer sem.Release(1)
				if d.probe.Probe(ctx, u) {
					*slot = u
				}
			}(&alive[i][j], urls[j])
		}
	}
	wg.Wait()

	for i := range ls {
		if alive[i] == nil {
			continue
		}
		kept := alive[i][:0]
		for _, u := range alive[i] {
			if u != "" {
				kept = append(kept, u)
			}
		}
		ls[i].Photos = kept
	}
}

// attachPreviews probes each group's lead photo so the summary can anchor a
// thumbnail. A dead or missing photo just leaves the line bare.
func (d *Dispatcher) attachPreviews(ctx context.Context, groups []scoring.Group) {
	if d.probe == nil {
		return
	}
	sem := semaphore.NewWeighted(prefetchBound)
	var wg sync.WaitGroup
	for i := range groups {
		url := leadPhoto(&groups[i])
		if url == "" {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(g *scoring.Group, u string) {
			defer wg.Done()
			defer sem.Release(1)
			if d.probe.Probe(ctx, u) {
				g.PreviewURL = u
			}
		}(&groups[i], url)
	}
	wg.Wait()
}

func leadPhoto(g *scoring.Group) string {
	for i := range g.Listings {
		if len(g.Listings[i].Photos) > 0 {
			return g.Listings[i].Photos[0]
		}
	}
	return ""
}

// groupsKeyboard builds one "variants" button per summary group, each backed
// by a short link so the callback payload stays under the 64-byte cap.
func (d *Dispatcher) groupsKeyboard(ctx context.Context, groups []scoring.Group, log zerolog.Logger) *telegram.InlineKeyboardMarkup {
	var rows [][]telegram.InlineKeyboardButton
	for i := range groups {
		g := &groups[i]
		ids := make([]string, len(g.Listings))
		for j := range g.Listings {
			ids[j] = g.Listings[j].ListingID
		}
		payload, err := json.Marshal(models.ShortLinkPayload{
			Kind:       models.LinkKindHouse,
			Address:    g.Address,
			ListingIDs: ids,
		})
		if err != nil {
			continue
		}
		code, err := d.store.PutShortLink(ctx, string(payload))
		if err != nil {
			log.Warn().Err(err).Str("address", g.Address).Msg("short link failed, button dropped")
			continue
		}
		rows = append(rows, []telegram.InlineKeyboardButton{{
			Text:         fmt.Sprintf("🏠 %d. Варианты (%d)", i+1, g.Count()),
			CallbackData: fmt.Sprintf("show_house|%s|0", code),
		}})
	}
	if len(rows) == 0 {
		return nil
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// adKeyboard pairs the portal link with a mute button on photo-less cards.
// Albums cannot carry keyboards, so those listings rely on the caption link.
func (d *Dispatcher) adKeyboard(ctx context.Context, l *models.Listing, log zerolog.Logger) *telegram.InlineKeyboardMarkup {
	row := []telegram.InlineKeyboardButton{{Text: "🔗 Открыть", URL: l.URL}}
	payload, err := json.Marshal(models.ShortLinkPayload{
		Kind:      models.LinkKindAd,
		ListingID: l.ListingID,
		URL:       l.URL,
	})
	if err == nil {
		if code, err := d.store.PutShortLink(ctx, string(payload)); err == nil {
			row = append(row, telegram.InlineKeyboardButton{Text: "🔇 Скрыть", CallbackData: "mute_ad:" + code})
		} else {
			log.Debug().Err(err).Str("listing", l.ListingID).Msg("short link failed, mute button dropped")
		}
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{row}}
}
