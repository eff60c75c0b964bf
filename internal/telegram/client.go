package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"flatradar/internal/ops"
)

// apiBase is a var so tests can point the client at an httptest server.
var apiBase = "https://api.telegram.org"

// ErrChatClosed marks a chat the bot can never reach again: blocked, kicked,
// deleted account, or never started.
var ErrChatClosed = errors.New("telegram: chat closed")

// APIError is a non-OK Bot API response.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %s (%d)", e.Method, e.Description, e.Code)
}

// IsNotModified reports the harmless edit failures that count as success.
func IsNotModified(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return strings.Contains(ae.Description, "message is not modified") ||
		strings.Contains(ae.Description, "message to edit not found")
}

// RetryAfter returns the server-requested pause for flood-limited calls,
// 0 when the error carries none.
func RetryAfter(err error) time.Duration {
	var ae *APIError
	if errors.As(err, &ae) && ae.Code == http.StatusTooManyRequests {
		return ae.RetryAfter
	}
	return 0
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type Message struct {
	MessageID int    `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message"`
	Data    string   `json:"data"`
}

type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

type inputMediaPhoto struct {
	Type      string `json:"type"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// Client is a thin Bot API wrapper: JSON in, JSON out, errors classified.
// Rate limiting and retries live in the Messenger.
type Client struct {
	token string
	http  *http.Client
	log   zerolog.Logger
}

func NewClient(token string, log zerolog.Logger) *Client {
	return &Client{
		token: token,
		// Long-poll calls hold the connection up to the poll timeout.
		http: &http.Client{Timeout: 70 * time.Second},
		log:  log.With().Str("component", "telegram").Logger(),
	}
}

func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", map[string]any{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for inbound traffic. offset acknowledges everything
// below it.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         timeoutSec,
		"allowed_updates": []string{"message", "callback_query"},
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) (*Message, error) {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}
	var msg Message
	if err := c.call(ctx, "sendMessage", payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, markup *InlineKeyboardMarkup) error {
	payload := map[string]any{
		"chat_id":                  chatID,
		"message_id":               messageID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}
	return c.call(ctx, "editMessageText", payload, nil)
}

// SendMediaGroup sends up to 10 photo URLs as one album; the caption rides
// on the first photo.
func (c *Client) SendMediaGroup(ctx context.Context, chatID int64, photoURLs []string, caption string) error {
	if len(photoURLs) == 0 {
		return nil
	}
	if len(photoURLs) > 10 {
		photoURLs = photoURLs[:10]
	}
	media := make([]inputMediaPhoto, len(photoURLs))
	for i, u := range photoURLs {
		media[i] = inputMediaPhoto{Type: "photo", Media: u}
	}
	media[0].Caption = caption
	media[0].ParseMode = "HTML"

	return c.call(ctx, "sendMediaGroup", map[string]any{
		"chat_id": chatID,
		"media":   media,
	}, nil)
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		ops.TelegramCalls.WithLabelValues(method, "network_error").Inc()
		return fmt.Errorf("POST %s: %w", method, err)
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		ops.TelegramCalls.WithLabelValues(method, "bad_response").Inc()
		return fmt.Errorf("decode %s response: %w", method, err)
	}

	if !ar.OK {
		ops.TelegramCalls.WithLabelValues(method, "api_error").Inc()
		if chatClosed(ar.ErrorCode, ar.Description) {
			return fmt.Errorf("%s: %w", ar.Description, ErrChatClosed)
		}
		ae := &APIError{Method: method, Code: ar.ErrorCode, Description: ar.Description}
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			ae.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		return ae
	}

	ops.TelegramCalls.WithLabelValues(method, "ok").Inc()
	if result != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// chatClosed classifies the unrecoverable recipient errors.
func chatClosed(code int, desc string) bool {
	if code == http.StatusForbidden {
		return true
	}
	d := strings.ToLower(desc)
	return strings.Contains(d, "chat not found") ||
		strings.Contains(d, "user is deactivated") ||
		strings.Contains(d, "bot was blocked")
}
