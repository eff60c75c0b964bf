package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"flatradar/internal/cities"
	"flatradar/internal/models"
	"flatradar/internal/sources"
	"flatradar/internal/telegram"
)

type fakeStore struct {
	mu sync.Mutex

	subs         []models.Subscriber
	cached       []models.CachedListing
	cacheErr     error
	seen         map[string]struct{}
	seenErr      error
	delivered    map[string]string
	hashLookups  int
	marked       []string
	deactivated  []int64
	linkPayloads []string
	linkErr      error
	logs         []models.DeliveryLogEntry
}

func (s *fakeStore) ActiveSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	return s.subs, nil
}

func (s *fakeStore) GetSubscriber(ctx context.Context, telegramID int64) (*models.Subscriber, error) {
	for i := range s.subs {
		if s.subs[i].TelegramID == telegramID {
			sub := s.subs[i]
			return &sub, nil
		}
	}
	return nil, errors.New("no such subscriber")
}

func (s *fakeStore) QueryActive(ctx context.Context, city string, minRooms, maxRooms int, minPrice, maxPrice int64, limit int) ([]models.CachedListing, error) {
	return s.cached, s.cacheErr
}

func (s *fakeStore) FilterSeen(ctx context.Context, telegramID int64, ids []string) (map[string]struct{}, error) {
	if s.seenErr != nil {
		return nil, s.seenErr
	}
	if s.seen == nil {
		return map[string]struct{}{}, nil
	}
	return s.seen, nil
}

func (s *fakeStore) DeliveredHashes(ctx context.Context, hashes []string) (map[string]string, error) {
	s.mu.Lock()
	s.hashLookups++
	s.mu.Unlock()
	if s.delivered == nil {
		return map[string]string{}, nil
	}
	return s.delivered, nil
}

func (s *fakeStore) MarkDelivered(ctx context.Context, telegramID int64, l models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, l.ListingID)
	return nil
}

func (s *fakeStore) SetSubscriberActive(ctx context.Context, telegramID int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !active {
		s.deactivated = append(s.deactivated, telegramID)
	}
	return nil
}

func (s *fakeStore) PutShortLink(ctx context.Context, payload string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linkErr != nil {
		return "", s.linkErr
	}
	s.linkPayloads = append(s.linkPayloads, payload)
	return fmt.Sprintf("c%06d", len(s.linkPayloads)), nil
}

func (s *fakeStore) AppendDeliveryLog(ctx context.Context, e models.DeliveryLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, e)
	return nil
}

func (s *fakeStore) markedSet() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]bool, len(s.marked))
	for _, id := range s.marked {
		set[id] = true
	}
	return set
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	out   []models.Listing
}

func (f *fakeFetcher) FetchAll(ctx context.Context, q sources.Query) []models.Listing {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.out
}

type sentText struct {
	chatID int64
	text   string
	markup *telegram.InlineKeyboardMarkup
}

type sentAlbum struct {
	chatID  int64
	photos  []string
	caption string
}

type fakeSender struct {
	mu       sync.Mutex
	texts    []sentText
	albums   []sentAlbum
	outcomes []telegram.Outcome
	calls    int
}

func (s *fakeSender) next() telegram.Outcome {
	out := telegram.OutcomeOK
	if s.calls < len(s.outcomes) {
		out = s.outcomes[s.calls]
	}
	s.calls++
	return out
}

func (s *fakeSender) SendText(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) telegram.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, sentText{chatID: chatID, text: text, markup: markup})
	return s.next()
}

func (s *fakeSender) SendAlbum(ctx context.Context, chatID int64, photos []string, caption string) telegram.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.albums = append(s.albums, sentAlbum{chatID: chatID, photos: photos, caption: caption})
	return s.next()
}

type fakeProber struct{ dead map[string]bool }

func (p *fakeProber) Probe(ctx context.Context, url string) bool { return !p.dead[url] }

type fxStub struct{}

func (fxStub) BYNToUSD(byn int64) int64 { return byn * 100 / 295 }

func newTestDispatcher(store *fakeStore, fetch *fakeFetcher, sender *fakeSender, probe Prober) *Dispatcher {
	return New(store, fetch, sender, fxStub{}, cities.Default(), probe, 4, zerolog.Nop())
}

func subWith(mode string) models.Subscriber {
	return models.Subscriber{
		TelegramID: 100,
		Active:     true,
		Filter: models.FilterRecord{
			CitySlug:     "minsk",
			MinRooms:     1,
			MaxRooms:     3,
			MinPrice:     40000,
			MaxPrice:     60000,
			SellerType:   models.SellerFilterAll,
			DeliveryMode: mode,
		},
	}
}

func cachedListing(id, addr string, priceUSD int64) models.CachedListing {
	return models.CachedListing{
		Listing: models.Listing{
			ListingID:   id,
			Source:      "kufar",
			Title:       "2-комнатная квартира",
			URL:         "https://example.com/" + id,
			Address:     addr,
			City:        "minsk",
			PriceUSD:    priceUSD,
			Price:       priceUSD,
			Currency:    "USD",
			Rooms:       2,
			AreaM2:      50,
			SellerType:  models.SellerOwner,
			ContentHash: "h_" + id,
		},
		Status: models.StatusActive,
	}
}

func TestBriefAcksOnlyShownGroups(t *testing.T) {
	t.Parallel()

	// 7 buildings, 2 listings each, cheapest building first. Top 5 fit the
	// summary; the last 2 must stay unacknowledged for the next tick.
	store := &fakeStore{subs: []models.Subscriber{subWith(models.ModeBrief)}}
	for k := 0; k < 7; k++ {
		addr := fmt.Sprintf("ул. Аистовая %d", k+1)
		price := int64(40000 + k*1000)
		store.cached = append(store.cached,
			cachedListing(fmt.Sprintf("kufar_%da", k), addr, price),
			cachedListing(fmt.Sprintf("kufar_%db", k), addr, price),
		)
	}
	fetch := &fakeFetcher{}
	sender := &fakeSender{}
	d := newTestDispatcher(store, fetch, sender, nil)

	d.RunAll(context.Background())

	if fetch.calls != 0 {
		t.Fatalf("live fetch called %d times, cache should have served", fetch.calls)
	}
	if len(sender.texts) != 1 {
		t.Fatalf("got %d messages, want 1 summary", len(sender.texts))
	}
	msg := sender.texts[0]
	if !strings.Contains(msg.text, "Минск") || !strings.Contains(msg.text, "ещё 2") {
		t.Fatalf("summary text off:\n%s", msg.text)
	}
	if msg.markup == nil || len(msg.markup.InlineKeyboard) != 5 {
		t.Fatalf("want 5 group buttons, got %+v", msg.markup)
	}
	if !strings.HasPrefix(msg.markup.InlineKeyboard[0][0].CallbackData, "show_house|") {
		t.Fatalf("group button callback = %q", msg.markup.InlineKeyboard[0][0].CallbackData)
	}

	marked := store.markedSet()
	if len(marked) != 10 {
		t.Fatalf("acked %d listings, want 10", len(marked))
	}
	if !marked["kufar_0a"] || marked["kufar_5a"] || marked["kufar_6b"] {
		t.Fatalf("ack scope wrong: %v", marked)
	}
	if store.hashLookups != 0 {
		t.Fatalf("brief mode consulted the delivered-hash layer %d times", store.hashLookups)
	}
	if len(store.logs) != 1 || store.logs[0].Status != "ok" || store.logs[0].GroupsSent != 5 {
		t.Fatalf("delivery log = %+v", store.logs)
	}
}

func TestThinCacheFallsThroughToLive(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		subs:   []models.Subscriber{subWith(models.ModeBrief)},
		cached: []models.CachedListing{cachedListing("kufar_1", "ул. Тихая 3", 45000)},
	}
	fetch := &fakeFetcher{out: []models.Listing{
		cachedListing("realt_9", "ул. Тихая 3", 44000).Listing,
		cachedListing("realt_10", "ул. Тихая 3", 45000).Listing,
	}}
	sender := &fakeSender{}
	d := newTestDispatcher(store, fetch, sender, nil)

	d.RunAll(context.Background())

	if fetch.calls != 1 {
		t.Fatalf("live fetch calls = %d, want 1", fetch.calls)
	}
	if len(sender.texts) != 1 {
		t.Fatalf("got %d messages, want 1", len(sender.texts))
	}
	marked := store.markedSet()
	if !marked["realt_9"] || !marked["realt_10"] {
		t.Fatalf("live batch not acked: %v", marked)
	}
}

func TestSeenListingsStayQuiet(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		subs: []models.Subscriber{subWith(models.ModeFull)},
		seen: map[string]struct{}{"kufar_seen": {}},
	}
	for i, id := range []string{"kufar_seen", "kufar_new"} {
		store.cached = append(store.cached, cachedListing(id, fmt.Sprintf("ул. Лесная %d", i+1), 45000))
	}
	// pad the cache over the read-through floor
	for i := 0; i < 9; i++ {
		store.cached = append(store.cached, cachedListing(fmt.Sprintf("pad_%d", i), "ул. Лесная 9", 45000))
	}
	store.seen = map[string]struct{}{"kufar_seen": {}}
	sender := &fakeSender{}
	d := newTestDispatcher(store, &fakeFetcher{}, sender, nil)

	d.RunAll(context.Background())

	for _, m := range sender.texts {
		if strings.Contains(m.text, "kufar_seen") {
			t.Fatalf("seen listing redelivered:\n%s", m.text)
		}
	}
	marked := store.markedSet()
	if marked["kufar_seen"] {
		t.Fatal("seen listing re-acked")
	}
	if !marked["kufar_new"] {
		t.Fatal("fresh listing not delivered")
	}
}

func TestSeenLookupFailureAbortsRun(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		subs:    []models.Subscriber{subWith(models.ModeFull)},
		seenErr: errors.New("pool down"),
	}
	for i := 0; i < 12; i++ {
		store.cached = append(store.cached, cachedListing(fmt.Sprintf("kufar_%d", i), "ул. Новая 1", 45000))
	}
	sender := &fakeSender{}
	d := newTestDispatcher(store, &fakeFetcher{}, sender, nil)

	d.RunAll(context.Background())

	if len(sender.texts)+len(sender.albums) != 0 {
		t.Fatal("delivery ran without the seen set")
	}
	if len(store.marked) != 0 || len(store.logs) != 0 {
		t.Fatalf("aborted run left writes: marked=%v logs=%v", store.marked, store.logs)
	}
}

func TestFullModeDropsDeliveredClones(t *testing.T) {
	t.Parallel()

	store := &fakeStore{subs: []models.Subscriber{subWith(models.ModeFull)}}
	for i := 0; i < 12; i++ {
		store.cached = append(store.cached, cachedListing(fmt.Sprintf("kufar_%d", i), fmt.Sprintf("ул. Разная %d", i), 45000))
	}
	store.delivered = map[string]string{
		"h_kufar_3": "realt_77", // same ad already sent from another portal
		"h_kufar_5": "kufar_5",  // own history, must not drop
	}
	sender := &fakeSender{}
	d := newTestDispatcher(store, &fakeFetcher{}, sender, nil)

	d.RunAll(context.Background())

	if len(sender.texts) != 11 {
		t.Fatalf("sent %d cards, want 11 (clone dropped)", len(sender.texts))
	}
	marked := store.markedSet()
	if marked["kufar_3"] {
		t.Fatal("cross-source clone delivered")
	}
	if !marked["kufar_5"] {
		t.Fatal("own delivered hash must not drop the listing")
	}
}

func TestChatClosedDeactivatesSubscriber(t *testing.T) {
	t.Parallel()

	store := &fakeStore{subs: []models.Subscriber{subWith(models.ModeFull)}}
	for i := 0; i < 12; i++ {
		store.cached = append(store.cached, cachedListing(fmt.Sprintf("kufar_%d", i), "ул. Южная 2", 45000))
	}
	sender := &fakeSender{outcomes: []telegram.Outcome{telegram.OutcomeChatClosed}}
	d := newTestDispatcher(store, &fakeFetcher{}, sender, nil)

	d.RunAll(context.Background())

	if sender.calls != 1 {
		t.Fatalf("sends after chat closed: %d calls", sender.calls)
	}
	if len(store.deactivated) != 1 || store.deactivated[0] != 100 {
		t.Fatalf("deactivated = %v, want [100]", store.deactivated)
	}
	if len(store.marked) != 0 {
		t.Fatalf("closed chat acked listings: %v", store.marked)
	}
	if len(store.logs) != 1 || store.logs[0].Status != "chat_closed" {
		t.Fatalf("delivery log = %+v", store.logs)
	}
}

func TestTransientRunGivesUpAsPartial(t *testing.T) {
	t.Parallel()

	store := &fakeStore{subs: []models.Subscriber{subWith(models.ModeFull)}}
	for i := 0; i < 12; i++ {
		store.cached = append(store.cached, cachedListing(fmt.Sprintf("kufar_%d", i), "ул. Западная 4", 45000))
	}
	sender := &fakeSender{outcomes: []telegram.Outcome{
		telegram.OutcomeTransient, telegram.OutcomeTransient, telegram.OutcomeTransient,
	}}
	d := newTestDispatcher(store, &fakeFetcher{}, sender, nil)

	d.RunAll(context.Background())

	if sender.calls != 3 {
		t.Fatalf("calls = %d, want exactly 3 before giving up", sender.calls)
	}
	if len(store.marked) != 0 {
		t.Fatalf("failed sends acked listings: %v", store.marked)
	}
	if len(store.logs) != 1 || store.logs[0].Status != "partial" {
		t.Fatalf("delivery log = %+v", store.logs)
	}
}

func TestTransientFailureSkipsOnlyThatListing(t *testing.T) {
	t.Parallel()

	store := &fakeStore{subs: []models.Subscriber{subWith(models.ModeFull)}}
	for i := 0; i < 12; i++ {
		store.cached = append(store.cached, cachedListing(fmt.Sprintf("kufar_%d", i), "ул. Восточная 5", 45000))
	}
	sender := &fakeSender{outcomes: []telegram.Outcome{telegram.OutcomeTransient}}
	d := newTestDispatcher(store, &fakeFetcher{}, sender, nil)

	d.RunAll(context.Background())

	if sender.calls != 12 {
		t.Fatalf("calls = %d, want 12 (one retryable skip)", sender.calls)
	}
	marked := store.markedSet()
	if marked["kufar_0"] {
		t.Fatal("failed listing was acked")
	}
	if len(marked) != 11 {
		t.Fatalf("acked %d, want 11", len(marked))
	}
	if len(store.logs) != 1 || store.logs[0].Status != "ok" || store.logs[0].ListingsSent != 11 {
		t.Fatalf("delivery log = %+v", store.logs)
	}
}

func TestCheckNowReportsEmptyResult(t *testing.T) {
	t.Parallel()

	store := &fakeStore{subs: []models.Subscriber{subWith(models.ModeBrief)}}
	sender := &fakeSender{}
	d := newTestDispatcher(store, &fakeFetcher{}, sender, nil)

	if err := d.CheckNow(context.Background(), 100); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if len(sender.texts) != 1 || !strings.Contains(sender.texts[0].text, "Ничего нового") {
		t.Fatalf("texts = %+v", sender.texts)
	}
}

func TestCheckNowRejectsIncompleteFilter(t *testing.T) {
	t.Parallel()

	sub := subWith(models.ModeBrief)
	sub.Filter.CitySlug = ""
	store := &fakeStore{subs: []models.Subscriber{sub}}
	fetch := &fakeFetcher{}
	sender := &fakeSender{}
	d := newTestDispatcher(store, fetch, sender, nil)

	if err := d.CheckNow(context.Background(), 100); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if len(sender.texts) != 1 || !strings.Contains(sender.texts[0].text, "Фильтр") {
		t.Fatalf("texts = %+v", sender.texts)
	}
	if fetch.calls != 0 {
		t.Fatal("invalid filter still fetched")
	}
	if len(store.logs) != 0 {
		t.Fatalf("invalid filter logged a dispatch: %+v", store.logs)
	}
}

func TestScheduledTickSkipsInvalidFilterSilently(t *testing.T) {
	t.Parallel()

	bad := subWith(models.ModeBrief)
	bad.Filter.MaxPrice = 0
	good := subWith(models.ModeBrief)
	good.TelegramID = 200

	store := &fakeStore{subs: []models.Subscriber{bad, good}}
	for i := 0; i < 10; i++ {
		store.cached = append(store.cached, cachedListing(fmt.Sprintf("kufar_%d", i), "ул. Общая 7", 45000))
	}
	sender := &fakeSender{}
	d := newTestDispatcher(store, &fakeFetcher{}, sender, nil)

	d.RunAll(context.Background())

	if len(sender.texts) != 1 {
		t.Fatalf("got %d messages, want 1 (good subscriber only)", len(sender.texts))
	}
	if sender.texts[0].chatID != 200 {
		t.Fatalf("message went to %d", sender.texts[0].chatID)
	}
	if _, _, subs := d.LastTick(); subs != 2 {
		t.Fatalf("tick stats subscribers = %d, want 2", subs)
	}
}

func TestPrefetchDropsDeadPhotos(t *testing.T) {
	t.Parallel()

	withPhotos := cachedListing("kufar_p", "ул. Фотогеничная 1", 45000)
	withPhotos.Photos = []string{
		"https://cdn.example.com/ok1.jpg",
		"https://cdn.example.com/dead.jpg",
		"https://cdn.example.com/ok2.jpg",
	}
	allDead := cachedListing("kufar_q", "ул. Фотогеничная 2", 45000)
	allDead.Photos = []string{"https://cdn.example.com/gone.jpg"}

	store := &fakeStore{subs: []models.Subscriber{subWith(models.ModeFull)}}
	store.cached = append(store.cached, withPhotos, allDead)
	for i := 0; i < 10; i++ {
		store.cached = append(store.cached, cachedListing(fmt.Sprintf("pad_%d", i), "ул. Фотогеничная 3", 45000))
	}
	probe := &fakeProber{dead: map[string]bool{
		"https://cdn.example.com/dead.jpg": true,
		"https://cdn.example.com/gone.jpg": true,
	}}
	sender := &fakeSender{}
	d := newTestDispatcher(store, &fakeFetcher{}, sender, probe)

	d.RunAll(context.Background())

	if len(sender.albums) != 1 {
		t.Fatalf("albums = %d, want 1", len(sender.albums))
	}
	got := sender.albums[0].photos
	want := []string{"https://cdn.example.com/ok1.jpg", "https://cdn.example.com/ok2.jpg"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("album photos = %v, want %v", got, want)
	}
	// the all-dead listing degrades to a text card with buttons
	var textCard *sentText
	for i := range sender.texts {
		if strings.Contains(sender.texts[i].text, "kufar_q") {
			textCard = &sender.texts[i]
			break
		}
	}
	if textCard == nil || textCard.markup == nil {
		t.Fatalf("all-dead listing did not fall back to keyboard card: %+v", textCard)
	}
}

func TestBriefSummaryCarriesPreviewLink(t *testing.T) {
	t.Parallel()

	a := cachedListing("kufar_a", "ул. Видовая 1", 45000)
	a.Photos = []string{"https://cdn.example.com/view.jpg"}
	b := cachedListing("kufar_b", "ул. Видовая 1", 46000)

	store := &fakeStore{subs: []models.Subscriber{subWith(models.ModeBrief)}}
	store.cached = append(store.cached, a, b)
	for i := 0; i < 9; i++ {
		store.cached = append(store.cached, cachedListing(fmt.Sprintf("pad_%d", i), "ул. Видовая 2", 45000))
	}
	sender := &fakeSender{}
	d := newTestDispatcher(store, &fakeFetcher{}, sender, &fakeProber{})

	d.RunAll(context.Background())

	if len(sender.texts) != 1 {
		t.Fatalf("got %d messages, want 1", len(sender.texts))
	}
	if !strings.Contains(sender.texts[0].text, `<a href="https://cdn.example.com/view.jpg">📷</a>`) {
		t.Fatalf("summary lost the preview anchor:\n%s", sender.texts[0].text)
	}
}

func TestMuteButtonRidesOnTextCards(t *testing.T) {
	t.Parallel()

	store := &fakeStore{subs: []models.Subscriber{subWith(models.ModeFull)}}
	for i := 0; i < 10; i++ {
		store.cached = append(store.cached, cachedListing(fmt.Sprintf("kufar_%d", i), "ул. Кнопочная 1", 45000))
	}
	sender := &fakeSender{}
	d := newTestDispatcher(store, &fakeFetcher{}, sender, nil)

	d.RunAll(context.Background())

	if len(sender.texts) == 0 {
		t.Fatal("no cards sent")
	}
	kb := sender.texts[0].markup
	if kb == nil || len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("card keyboard = %+v", kb)
	}
	if kb.InlineKeyboard[0][0].URL == "" {
		t.Fatal("first button must carry the portal URL")
	}
	if !strings.HasPrefix(kb.InlineKeyboard[0][1].CallbackData, "mute_ad:") {
		t.Fatalf("second button callback = %q", kb.InlineKeyboard[0][1].CallbackData)
	}
}
