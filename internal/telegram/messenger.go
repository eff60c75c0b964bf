package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"flatradar/internal/ops"
)

const (
	// maxMessageLen is the Bot API hard cap for a single text message.
	maxMessageLen = 4096

	// perChatGap is the minimum spacing between sends into one chat.
	perChatGap = time.Second

	maxSendAttempts = 3
)

// Outcome is the terminal result of a delivery attempt after retries.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeChatClosed
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeChatClosed:
		return "chat_closed"
	default:
		return "transient"
	}
}

// BotAPI is the slice of Client the Messenger drives. Tests substitute it.
type BotAPI interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) (*Message, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string, markup *InlineKeyboardMarkup) error
	SendMediaGroup(ctx context.Context, chatID int64, photoURLs []string, caption string) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

// Messenger serializes outbound traffic: at most one send per chat per
// second, a global per-minute budget, and honoring retry_after on floods.
type Messenger struct {
	api    BotAPI
	global *rate.Limiter
	log    zerolog.Logger

	mu       sync.Mutex
	lastSend map[int64]time.Time

	// sleep is swapped out in tests to keep them fast.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewMessenger(api BotAPI, sendsPerMinute int, log zerolog.Logger) *Messenger {
	if sendsPerMinute <= 0 {
		sendsPerMinute = 25
	}
	return &Messenger{
		api:      api,
		global:   rate.NewLimiter(rate.Limit(float64(sendsPerMinute)/60.0), sendsPerMinute),
		log:      log.With().Str("component", "messenger").Logger(),
		lastSend: make(map[int64]time.Time),
		sleep:    sleepCtx,
	}
}

// SendText delivers text, segmenting on paragraph boundaries when it exceeds
// the Bot API cap. The keyboard rides on the final segment so it lands under
// the complete message.
func (m *Messenger) SendText(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) Outcome {
	segments := splitMessage(text, maxMessageLen)
	for i, seg := range segments {
		var kb *InlineKeyboardMarkup
		if i == len(segments)-1 {
			kb = markup
		}
		out := m.deliver(ctx, chatID, func(ctx context.Context) error {
			_, err := m.api.SendMessage(ctx, chatID, seg, kb)
			return err
		})
		if out != OutcomeOK {
			return out
		}
	}
	return OutcomeOK
}

// SendAlbum sends a photo album with a caption. Caption overflow falls back
// to a plain text send; an album that fails transiently degrades the same way
// so a broken photo URL never suppresses a listing.
func (m *Messenger) SendAlbum(ctx context.Context, chatID int64, photos []string, caption string) Outcome {
	if len(photos) == 0 || runeLen(caption) > 1024 {
		return m.SendText(ctx, chatID, caption, nil)
	}
	out := m.deliver(ctx, chatID, func(ctx context.Context) error {
		return m.api.SendMediaGroup(ctx, chatID, photos, caption)
	})
	if out == OutcomeTransient {
		return m.SendText(ctx, chatID, caption, nil)
	}
	return out
}

// EditText rewrites an existing message. The two no-op edit errors count as
// success so repeated pagination taps stay idempotent.
func (m *Messenger) EditText(ctx context.Context, chatID int64, messageID int, text string, markup *InlineKeyboardMarkup) Outcome {
	return m.deliver(ctx, chatID, func(ctx context.Context) error {
		err := m.api.EditMessageText(ctx, chatID, messageID, text, markup)
		if err != nil && IsNotModified(err) {
			return nil
		}
		return err
	})
}

// Answer acks a callback query. Best effort: a stale ack is not worth a retry.
func (m *Messenger) Answer(ctx context.Context, callbackID, text string) {
	if err := m.api.AnswerCallbackQuery(ctx, callbackID, text); err != nil {
		m.log.Debug().Err(err).Msg("answerCallbackQuery failed")
	}
}

func (m *Messenger) deliver(ctx context.Context, chatID int64, do func(ctx context.Context) error) Outcome {
	if err := m.waitChatGap(ctx, chatID); err != nil {
		return OutcomeTransient
	}
	if err := m.global.Wait(ctx); err != nil {
		return OutcomeTransient
	}

	var err error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		err = do(ctx)
		m.markSent(chatID)
		if err == nil {
			ops.DeliveriesTotal.WithLabelValues("send", "ok").Inc()
			return OutcomeOK
		}
		if errors.Is(err, ErrChatClosed) {
			ops.DeliveriesTotal.WithLabelValues("send", "chat_closed").Inc()
			return OutcomeChatClosed
		}
		pause := RetryAfter(err)
		hinted := pause > 0
		if !hinted {
			pause = time.Duration(attempt) * 500 * time.Millisecond
		}
		m.log.Warn().Err(err).Int64("chat_id", chatID).Int("attempt", attempt).
			Dur("pause", pause).Msg("send failed, retrying")
		if attempt < maxSendAttempts {
			if hinted {
				ops.RateLimitSleeps.WithLabelValues("telegram").Inc()
			}
			if serr := m.sleep(ctx, pause); serr != nil {
				break
			}
		}
	}
	ops.DeliveriesTotal.WithLabelValues("send", "transient").Inc()
	m.log.Error().Err(err).Int64("chat_id", chatID).Msg("send gave up")
	return OutcomeTransient
}

func (m *Messenger) waitChatGap(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	last, ok := m.lastSend[chatID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	gap := perChatGap - time.Since(last)
	if gap <= 0 {
		return nil
	}
	return m.sleep(ctx, gap)
}

func (m *Messenger) markSent(chatID int64) {
	m.mu.Lock()
	m.lastSend[chatID] = time.Now()
	m.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// splitMessage breaks text into chunks of at most limit runes, preferring
// blank-line boundaries, then line boundaries, then a hard rune cut.
func splitMessage(text string, limit int) []string {
	if runeLen(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
			curLen = 0
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		pl := runeLen(para)
		if pl > limit {
			flush()
			chunks = append(chunks, splitLong(para, limit)...)
			continue
		}
		// +2 accounts for the separator we re-insert.
		if curLen > 0 && curLen+2+pl > limit {
			flush()
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(para)
		curLen += pl
	}
	flush()
	return chunks
}

// splitLong handles a single oversized paragraph: line-wise first, then a
// hard cut for a single oversized line.
func splitLong(para string, limit int) []string {
	var chunks []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
			curLen = 0
		}
	}

	for _, line := range strings.Split(para, "\n") {
		ll := runeLen(line)
		if ll > limit {
			flush()
			runes := []rune(line)
			for len(runes) > limit {
				chunks = append(chunks, string(runes[:limit]))
				runes = runes[limit:]
			}
			if len(runes) > 0 {
				cur.WriteString(string(runes))
				curLen = len(runes)
			}
			continue
		}
		if curLen > 0 && curLen+1+ll > limit {
			flush()
		}
		if curLen > 0 {
			cur.WriteString("\n")
			curLen++
		}
		cur.WriteString(line)
		curLen += ll
	}
	flush()
	return chunks
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
