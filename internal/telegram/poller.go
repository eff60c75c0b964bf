package telegram

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"flatradar/internal/cities"
	"flatradar/internal/config"
	"flatradar/internal/models"
)

const (
	pollTimeoutSec = 50
	pollRetryPause = 3 * time.Second
)

// Store is the slice of the repository the gateway needs. Tests swap in a
// fake; *repository.Repository satisfies it.
type Store interface {
	EnsureSubscriber(ctx context.Context, telegramID int64) (bool, error)
	GetSubscriber(ctx context.Context, telegramID int64) (*models.Subscriber, error)
	SaveFilter(ctx context.Context, telegramID int64, f models.FilterRecord) error
	SetSubscriberActive(ctx context.Context, telegramID int64, active bool) error
	ClearSeen(ctx context.Context, telegramID int64) (int64, error)
	MarkSeen(ctx context.Context, telegramID int64, listingID string) error
	PutShortLink(ctx context.Context, payload string) (string, error)
	ResolveShortLink(ctx context.Context, code string) (string, error)
	ListingsByIDs(ctx context.Context, ids []string) ([]models.CachedListing, error)
}

// Checker runs one subscriber's dispatch outside the schedule. The dispatcher
// implements it; the gateway calls it for /check.
type Checker interface {
	CheckNow(ctx context.Context, telegramID int64) error
}

// Gateway owns the inbound side of the bot: the getUpdates loop, command
// handling, and callback handling. Outbound traffic goes through the
// Messenger so inbound replies share the same rate budget as deliveries.
type Gateway struct {
	client  *Client
	msgr    *Messenger
	store   Store
	cities  cities.Resolver
	checker Checker
	cfg     *config.Config
	limiter *inboundLimiter
	log     zerolog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	inflight map[int64]bool
}

func NewGateway(client *Client, msgr *Messenger, store Store, resolver cities.Resolver, checker Checker, cfg *config.Config, log zerolog.Logger) *Gateway {
	return &Gateway{
		client:   client,
		msgr:     msgr,
		store:    store,
		cities:   resolver,
		checker:  checker,
		cfg:      cfg,
		limiter:  newInboundLimiter(),
		log:      log.With().Str("component", "gateway").Logger(),
		ready:    make(chan struct{}),
		inflight: make(map[int64]bool),
	}
}

// Ready closes once getMe has succeeded. The scheduler holds its first tick
// on this.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Run blocks on the long-poll loop until the context is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		me, err := g.client.GetMe(ctx)
		if err == nil {
			g.log.Info().Str("username", me.Username).Int64("bot_id", me.ID).Msg("bot authorized")
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.log.Warn().Err(err).Msg("getMe failed, retrying")
		if err := sleepCtx(ctx, 5*time.Second); err != nil {
			return err
		}
	}
	g.readyOnce.Do(func() { close(g.ready) })

	var offset int64
	lastGC := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := g.client.GetUpdates(ctx, offset, pollTimeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.log.Warn().Err(err).Msg("getUpdates failed")
			if err := sleepCtx(ctx, pollRetryPause); err != nil {
				return err
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			g.handleUpdate(ctx, u)
		}
		if time.Since(lastGC) > 10*time.Minute {
			g.limiter.gc()
			lastGC = time.Now()
		}
	}
}

func (g *Gateway) handleUpdate(ctx context.Context, u Update) {
	defer func() {
		if rec := recover(); rec != nil {
			g.log.Error().Interface("panic", rec).Int64("update_id", u.UpdateID).
				Msg("update handler panicked")
		}
	}()

	switch {
	case u.CallbackQuery != nil:
		g.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.Text != "":
		g.handleMessage(ctx, u.Message)
	}
}

// startCheck launches an on-demand dispatch for one subscriber, at most one
// at a time per chat.
func (g *Gateway) startCheck(ctx context.Context, chatID int64) bool {
	g.mu.Lock()
	if g.inflight[chatID] {
		g.mu.Unlock()
		return false
	}
	g.inflight[chatID] = true
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.inflight, chatID)
			g.mu.Unlock()
			if rec := recover(); rec != nil {
				g.log.Error().Interface("panic", rec).Int64("chat_id", chatID).
					Msg("on-demand check panicked")
			}
		}()
		if err := g.checker.CheckNow(ctx, chatID); err != nil {
			g.log.Error().Err(err).Int64("chat_id", chatID).Msg("on-demand check failed")
			g.msgr.SendText(ctx, chatID, "⚠️ Проверка не удалась, попробуйте позже.", nil)
		}
	}()
	return true
}
