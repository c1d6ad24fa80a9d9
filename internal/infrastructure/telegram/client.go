// Package telegram is the Bot API gateway used by the chat link poll loop.
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
	"strings"
	"time"

	"github.com/go-chat-link/internal/domain"
)

// Client calls the Telegram Bot API. Only private chats can be linked, so
// updates from groups and channels come back with an empty sender identity.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Client{
		Token:      token,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Result      json.RawMessage `json:"result"`
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
}

type message struct {
	Text string `json:"text"`
	Chat struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	} `json:"chat"`
}

func (c *Client) SendMessage(ctx context.Context, identity, text string) error {
	chatID, err := strconv.ParseInt(identity, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", identity, err)
	}
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

// FetchUpdates returns updates after sinceOffset. Passing sinceOffset+1
// also acknowledges everything up to sinceOffset on Telegram's side.
func (c *Client) FetchUpdates(ctx context.Context, sinceOffset int64) ([]domain.InboundMessage, error) {
	var updates []update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          sinceOffset + 1,
		"timeout":         0,
		"allowed_updates": []string{"message"},
	}, &updates)
	if err != nil {
		return nil, err
	}

	out := make([]domain.InboundMessage, 0, len(updates))
	for _, u := range updates {
		m := domain.InboundMessage{Offset: u.UpdateID}
		if u.Message != nil {
			m.Text = u.Message.Text
			if u.Message.Chat.Type == "private" {
				m.SenderIdentity = strconv.FormatInt(u.Message.Chat.ID, 10)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("telegram bot token not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.BaseURL, c.Token, method)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := c.HTTPClient.Do(request)
	if err != nil {
		// The URL carries the token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer response.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return fmt.Errorf("telegram %s: status %d: decode response: %w", method, response.StatusCode, err)
	}
	if response.StatusCode >= 300 || !body.OK {
		return fmt.Errorf("telegram %s failed with status %d: %s", method, response.StatusCode, body.Description)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(body.Result, result)
}
