package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// shortLinkCodeLen is the callback-safe code length (6 random bytes, hex).
const shortLinkCodeLen = 12

// PutShortLink stores a payload too long for an inline-button callback and
// returns its 12-char code. Collisions regenerate the code.
func (r *Repository) PutShortLink(ctx context.Context, payload string) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		code, err := newShortCode()
		if err != nil {
			return "", err
		}
		tag, err := r.db.Exec(ctx, `
			INSERT INTO short_links (code, payload, created_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (code) DO NOTHING
		`, code, payload)
		if err != nil {
			return "", fmt.Errorf("insert short link: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("short link code space exhausted after 3 attempts")
}

// ResolveShortLink returns the payload for a code, ErrNotFound when the code
// is unknown or already collected.
func (r *Repository) ResolveShortLink(ctx context.Context, code string) (string, error) {
	var payload string
	err := r.db.QueryRow(ctx, `
		SELECT payload FROM short_links WHERE code = $1
	`, code).Scan(&payload)
	if IsNoRows(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return payload, nil
}

// GCShortLinks removes codes older than the cutoff. Stale buttons in old
// messages then answer with the polite unknown-action text.
func (r *Repository) GCShortLinks(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM short_links WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gc short links: %w", err)
	}
	return tag.RowsAffected(), nil
}

func newShortCode() (string, error) {
	buf := make([]byte, shortLinkCodeLen/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate short code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
