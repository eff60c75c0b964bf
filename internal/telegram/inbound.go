package telegram

import (
	"sync"
	"time"
)

const (
	inboundPerMinute      = 10
	inboundPerHour        = 50
	identicalCooldown     = 2 * time.Second
	identicalRunThreshold = 5
)

type inboundVerdict int

const (
	inboundAllow inboundVerdict = iota
	inboundDrop
	inboundWarn
)

type chatActivity struct {
	stamps    []time.Time
	lastCmd   string
	lastCmdAt time.Time
	runLen    int
}

// inboundLimiter throttles command traffic per chat so a stuck client or a
// hostile user cannot drive the bot into Telegram's flood limits.
type inboundLimiter struct {
	mu    sync.Mutex
	chats map[int64]*chatActivity
	now   func() time.Time
}

func newInboundLimiter() *inboundLimiter {
	return &inboundLimiter{
		chats: make(map[int64]*chatActivity),
		now:   time.Now,
	}
}

// check records one inbound command and rules on it. Identical commands
// repeated within the cooldown are dropped silently; a long identical run
// earns a single warning instead of processing.
func (il *inboundLimiter) check(chatID int64, cmd string) inboundVerdict {
	il.mu.Lock()
	defer il.mu.Unlock()

	now := il.now()
	a, ok := il.chats[chatID]
	if !ok {
		a = &chatActivity{}
		il.chats[chatID] = a
	}

	cutoff := now.Add(-time.Hour)
	kept := a.stamps[:0]
	for _, t := range a.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.stamps = kept

	if len(a.stamps) >= inboundPerHour {
		return inboundDrop
	}
	minuteAgo := now.Add(-time.Minute)
	inMinute := 0
	for _, t := range a.stamps {
		if t.After(minuteAgo) {
			inMinute++
		}
	}
	if inMinute >= inboundPerMinute {
		return inboundDrop
	}

	identical := cmd != "" && cmd == a.lastCmd
	if identical && now.Sub(a.lastCmdAt) < identicalCooldown {
		a.lastCmdAt = now
		return inboundDrop
	}

	if identical {
		a.runLen++
	} else {
		a.runLen = 1
	}
	a.lastCmd = cmd
	a.lastCmdAt = now
	a.stamps = append(a.stamps, now)

	if a.runLen >= identicalRunThreshold {
		return inboundWarn
	}
	return inboundAllow
}

// gc drops chats idle longer than an hour. Called from the poll loop on a
// slow cadence.
func (il *inboundLimiter) gc() {
	il.mu.Lock()
	defer il.mu.Unlock()
	cutoff := il.now().Add(-time.Hour)
	for id, a := range il.chats {
		if a.lastCmdAt.Before(cutoff) {
			delete(il.chats, id)
		}
	}
}
