package telegram

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/parser"
)

const (
	pollWindow = 60 * time.Second
	retryDelay = 5 * time.Second
)

// Handlers receive parsed channel events. Nil handlers are skipped.
type Handlers struct {
	OnSignal func(models.Signal)
	OnClose  func(models.CloseCommand)
	OnTPHit  func(models.TPHit)
}

// Listener long-polls the Bot API and forwards channel messages that
// parse as trading events.
type Listener struct {
	client   *Client
	channel  string // numeric id, title, or @username; empty accepts all
	handlers Handlers
	logger   *log.Logger

	offset int
}

// NewListener creates a channel listener.
func NewListener(client *Client, channel string, handlers Handlers, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{
		client:   client,
		channel:  channel,
		handlers: handlers,
		logger:   logger,
	}
}

// Run polls until the context is cancelled. Poll errors back off and
// retry; the listener never terminates on its own.
func (l *Listener) Run(ctx context.Context) {
	if !l.client.Configured() {
		l.logger.Printf("Telegram not configured, signals arrive via webhook only")
		return
	}
	l.logger.Printf("Telegram listener started, channel filter: %q", l.channel)

	for {
		updates, err := l.client.GetUpdates(ctx, l.offset, int(pollWindow/time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Printf("Telegram poll failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= l.offset {
				l.offset = u.UpdateID + 1
			}
			msg := u.ChannelPost
			if msg == nil {
				msg = u.Message
			}
			if msg == nil || msg.Text == "" {
				continue
			}
			if !l.matchChat(msg.Chat) {
				continue
			}
			l.dispatch(msg.Text)
		}
	}
}

// matchChat applies the channel filter: numeric chat id first, then
// case-insensitive title or username.
func (l *Listener) matchChat(chat Chat) bool {
	if l.channel == "" {
		return true
	}
	filter := strings.TrimPrefix(l.channel, "@")
	if id, err := strconv.ParseInt(l.channel, 10, 64); err == nil {
		return chat.ID == id
	}
	return strings.EqualFold(chat.Title, filter) || strings.EqualFold(chat.Username, filter)
}

// dispatch tries the three message shapes in order of specificity.
func (l *Listener) dispatch(text string) {
	if sig := parser.ParseSignal(text); sig != nil {
		l.logger.Printf("TG signal: %s %s @ %.6g (lev %dx)",
			sig.Side, sig.Display, sig.EntryPrice, sig.Leverage)
		if l.handlers.OnSignal != nil {
			l.handlers.OnSignal(*sig)
		}
		return
	}
	if cmd := parser.ParseClose(text); cmd != nil {
		l.logger.Printf("TG close: %s", cmd.Display)
		if l.handlers.OnClose != nil {
			l.handlers.OnClose(*cmd)
		}
		return
	}
	if hit := parser.ParseTPHit(text); hit != nil {
		l.logger.Printf("TG target done: %s #%d", hit.Display, hit.TPNumber)
		if l.handlers.OnTPHit != nil {
			l.handlers.OnTPHit(*hit)
		}
		return
	}

	preview := text
	if len(preview) > 80 {
		preview = preview[:80]
	}
	l.logger.Printf("TG message ignored: %s", strings.ReplaceAll(preview, "\n", " "))
}
