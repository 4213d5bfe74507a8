// Package telegram implements the operator interface: a Bot API client, a
// single-instance long poller guarded by a database advisory lock, and the
// Spanish command set.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

// ErrConflict is returned when Telegram answers 409: another process is
// long-polling getUpdates with the same token.
var ErrConflict = errors.New("telegram: another poller holds this token")

// Client is a minimal Bot API client. It only speaks the handful of
// methods the bot needs; parse mode is always HTML.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(token string) *Client {
	return &Client{
		token:   token,
		baseURL: "https://api.telegram.org",
		// Long polls hold the connection for up to 60s; leave headroom.
		httpClient: &http.Client{Timeout: 75 * time.Second},
		logger:     logging.Component("telegram"),
	}
}

// apiResponse is the envelope every Bot API method answers with.
type apiResponse struct {
	Ok          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Update is a Telegram update, reduced to the fields the bot reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot"`
}

// BotCommand is one entry of the command menu shown by Telegram clients.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

func (c *Client) call(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	var body *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
		}
		body = bytes.NewBuffer(data)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("telegram: decode %s: %w", method, err)
	}
	if !envelope.Ok {
		if envelope.ErrorCode == http.StatusConflict {
			return nil, ErrConflict
		}
		if envelope.ErrorCode == http.StatusTooManyRequests && envelope.Parameters != nil {
			return nil, &RetryAfterError{Seconds: envelope.Parameters.RetryAfter, Description: envelope.Description}
		}
		return nil, fmt.Errorf("telegram: %s: %s (code %d)", method, envelope.Description, envelope.ErrorCode)
	}
	return envelope.Result, nil
}

// RetryAfterError is Telegram's 429 with its mandated pause.
type RetryAfterError struct {
	Seconds     int
	Description string
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("telegram: rate limited, retry after %ds", e.Seconds)
}

// SendMessage delivers HTML to one chat. A 429 is honored once with the
// pause Telegram asks for; a second 429 is returned to the caller.
func (c *Client) SendMessage(ctx context.Context, chatID int64, html string) error {
	payload := map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     html,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}

	_, err := c.call(ctx, "sendMessage", payload)
	var retry *RetryAfterError
	if errors.As(err, &retry) {
		wait := time.Duration(retry.Seconds) * time.Second
		c.logger.Warn().Int64("chat_id", chatID).Dur("wait", wait).Msg("Telegram rate limit, backing off")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		_, err = c.call(ctx, "sendMessage", payload)
	}
	return err
}

// GetUpdates long-polls for updates after offset. timeoutSec is the server
// side hold; Telegram answers early when something arrives.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeoutSec))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.methodURL("getUpdates")+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: getUpdates: %w", err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("telegram: decode getUpdates: %w", err)
	}
	if !envelope.Ok {
		if envelope.ErrorCode == http.StatusConflict {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("telegram: getUpdates: %s (code %d)", envelope.Description, envelope.ErrorCode)
	}

	var updates []Update
	if err := json.Unmarshal(envelope.Result, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parse updates: %w", err)
	}
	return updates, nil
}

// SetMyCommands publishes the command menu.
func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	_, err := c.call(ctx, "setMyCommands", map[string]interface{}{"commands": commands})
	return err
}

// DeleteWebhook clears any webhook so long polling can take over.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	_, err := c.call(ctx, "deleteWebhook", map[string]interface{}{"drop_pending_updates": false})
	return err
}
