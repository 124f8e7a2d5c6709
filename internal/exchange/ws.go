// ws.go implements the public ticker feed.
//
// The monitor loop prefers streamed mark prices and falls back to REST
// quotes when the stream is stale. Bybit sends a tickers snapshot on
// subscribe and deltas afterwards; deltas only carry changed fields, so a
// mark price is kept until the next message that includes one. The feed
// auto-reconnects with exponential backoff (1s up to 30s) and
// re-subscribes to every tracked symbol.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	mainnetWSURL = "wss://stream.bybit.com/v5/public/linear"
	testnetWSURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	wsPingInterval     = 20 * time.Second
	wsReadTimeout      = 60 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second

	// MarkStaleAfter bounds how old a streamed mark price may be before
	// Mark reports it as unusable.
	MarkStaleAfter = 10 * time.Second
)

type markEntry struct {
	price float64
	at    time.Time
}

// TickerFeed maintains a mark-price cache fed by the public tickers
// stream.
type TickerFeed struct {
	url    string
	logger *log.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	mu         sync.RWMutex
	subscribed map[string]bool
	marks      map[string]markEntry

	now func() time.Time // stubbed in tests
}

// NewTickerFeed creates a feed against mainnet or testnet.
func NewTickerFeed(testnet bool, logger *log.Logger) *TickerFeed {
	url := mainnetWSURL
	if testnet {
		url = testnetWSURL
	}
	return NewTickerFeedWithURL(url, logger)
}

// NewTickerFeedWithURL creates a feed against an explicit stream URL.
func NewTickerFeedWithURL(url string, logger *log.Logger) *TickerFeed {
	if logger == nil {
		logger = log.Default()
	}
	return &TickerFeed{
		url:        url,
		logger:     logger,
		subscribed: make(map[string]bool),
		marks:      make(map[string]markEntry),
		now:        time.Now,
	}
}

// Subscribe starts tracking a symbol. Safe to call before Run; the
// subscription is replayed on every (re)connect.
func (f *TickerFeed) Subscribe(symbol string) {
	f.mu.Lock()
	already := f.subscribed[symbol]
	f.subscribed[symbol] = true
	f.mu.Unlock()
	if already {
		return
	}
	// Best effort while connected; the reconnect path resends everything.
	if err := f.writeJSON(map[string]any{
		"op":   "subscribe",
		"args": []string{"tickers." + symbol},
	}); err != nil {
		f.logger.Printf("Ticker subscribe %s deferred: %v", symbol, err)
	}
}

// Mark returns the latest streamed mark price for a symbol. ok is false
// when no fresh price is available and the caller should fall back to a
// REST quote.
func (f *TickerFeed) Mark(symbol string) (float64, bool) {
	f.mu.RLock()
	entry, found := f.marks[symbol]
	f.mu.RUnlock()
	if !found || f.now().Sub(entry.at) > MarkStaleAfter {
		return 0, false
	}
	return entry.price, true
}

// Run connects and maintains the stream until ctx is cancelled.
func (f *TickerFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Printf("Ticker stream disconnected, reconnecting in %s: %v", backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (f *TickerFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleMessage(msg)
	}
}

func (f *TickerFeed) resubscribe() error {
	f.mu.RLock()
	args := make([]string, 0, len(f.subscribed))
	for symbol := range f.subscribed {
		args = append(args, "tickers."+symbol)
	}
	f.mu.RUnlock()

	if len(args) == 0 {
		return nil
	}
	return f.writeJSON(map[string]any{"op": "subscribe", "args": args})
}

func (f *TickerFeed) handleMessage(data []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			MarkPrice string `json:"markPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") || msg.Data.MarkPrice == "" {
		// Subscription acks, pongs, and deltas without a mark price.
		return
	}
	symbol := msg.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(msg.Topic, "tickers.")
	}

	f.mu.Lock()
	f.marks[symbol] = markEntry{price: num(msg.Data.MarkPrice), at: f.now()}
	f.mu.Unlock()
}

func (f *TickerFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(map[string]any{"op": "ping"}); err != nil {
				f.logger.Printf("Ticker ping failed: %v", err)
				return
			}
		}
	}
}

func (f *TickerFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("ticker stream not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}
