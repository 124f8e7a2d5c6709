// Package telegram is the Bot API surface: a long-poll listener that
// feeds parsed channel messages into the bot, and a notifier for
// operator alerts. Credentials missing means both degrade to no-ops;
// signals still arrive via the webhook.
package telegram

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
)

const apiBase = "https://api.telegram.org"

// Chat identifies where an update came from.
type Chat struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Username string `json:"username"`
}

// Message is the partial Bot API message schema we consume.
type Message struct {
	Text string `json:"text"`
	Chat Chat   `json:"chat"`
}

// Update is one Bot API update. Channel signals arrive as ChannelPost,
// direct operator commands as Message.
type Update struct {
	UpdateID    int      `json:"update_id"`
	Message     *Message `json:"message"`
	ChannelPost *Message `json:"channel_post"`
}

type updatesResponse struct {
	Ok          bool     `json:"ok"`
	Result      []Update `json:"result"`
	Description string   `json:"description"`
	ErrorCode   int      `json:"error_code"`
}

type sendResponse struct {
	Ok          bool   `json:"ok"`
	Description string `json:"description"`
}

// Client is a minimal Bot API client.
type Client struct {
	http  *resty.Client
	token string
}

// NewClient creates a Bot API client for the given bot token.
func NewClient(token string) *Client {
	return NewClientWithURL(token, apiBase)
}

// NewClientWithURL points the client at an alternate API host, for tests.
func NewClientWithURL(token, baseURL string) *Client {
	// Timeout covers the long-poll window plus headroom.
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(pollWindow + 15*time.Second)
	return &Client{
		http:  httpClient,
		token: token,
	}
}

// Configured reports whether the client has a token to work with.
func (c *Client) Configured() bool { return c.token != "" }

// GetUpdates long-polls for updates past offset.
func (c *Client) GetUpdates(ctx context.Context, offset, timeoutSec int) ([]Update, error) {
	var out updatesResponse
	_, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("offset", fmt.Sprintf("%d", offset)).
		SetQueryParam("timeout", fmt.Sprintf("%d", timeoutSec)).
		SetQueryParam("allowed_updates", `["message","channel_post"]`).
		SetResult(&out).
		Get(fmt.Sprintf("/bot%s/getUpdates", c.token))
	if err != nil {
		return nil, err
	}
	if !out.Ok {
		return nil, fmt.Errorf("telegram getUpdates: %s (code %d)", out.Description, out.ErrorCode)
	}
	return out.Result, nil
}

// SendMessage posts a Markdown message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	var out sendResponse
	_, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		SetResult(&out).
		Post(fmt.Sprintf("/bot%s/sendMessage", c.token))
	if err != nil {
		return err
	}
	if !out.Ok {
		return fmt.Errorf("telegram sendMessage: %s", out.Description)
	}
	return nil
}

// Notifier pushes operator alerts to one chat. Fire and forget: a
// notification failure is logged, never propagated.
type Notifier struct {
	client *Client
	chatID string
	logger *log.Logger
}

// NewNotifier creates a notifier. An empty chat id disables it.
func NewNotifier(client *Client, chatID string, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Notifier{client: client, chatID: chatID, logger: logger}
}

// Notify sends text to the operator chat.
func (n *Notifier) Notify(ctx context.Context, text string) {
	if n == nil || n.chatID == "" || !n.client.Configured() {
		return
	}
	if err := n.client.SendMessage(ctx, n.chatID, text); err != nil {
		n.logger.Printf("Telegram notify failed: %v", err)
	}
}
