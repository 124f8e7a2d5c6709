// Package retry wraps the exchange calls that must not silently fail.
// Flattening a position is the main one: a close that gives up leaves
// live exposure with no orders guarding it.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/fleetfox/signal_dca/internal/exchange"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/orders"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries transient exchange failures with jittered backoff.
type Client struct {
	exchange exchange.Exchange
	logger   *log.Logger
	config   Config
}

func NewClient(ex exchange.Exchange, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		exchange: ex,
		logger:   logger,
		config:   cfg,
	}
}

// ClosePositionWithRetry flattens qty of a position with a reduce-only
// market order. Transient errors back off and retry; validation errors
// fail immediately. A not-found position counts as already flat.
func (c *Client) ClosePositionWithRetry(ctx context.Context, tradeID, symbol string, side models.Side, qty float64) (string, error) {
	closeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req := exchange.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Kind:       exchange.Market,
		Qty:        qty,
		ReduceOnly: true,
		LinkID:     orders.CloseLink(tradeID),
	}

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if closeCtx.Err() != nil {
			return "", fmt.Errorf("close %s timed out after %v: %w", symbol, c.config.Timeout, closeCtx.Err())
		}

		c.logger.Printf("Close attempt %d/%d for %s (%s qty %.8g)",
			attempt+1, c.config.MaxRetries+1, symbol, tradeID, qty)

		orderID, err := c.exchange.PlaceOrder(closeCtx, req)
		if err == nil {
			c.logger.Printf("Close order placed on attempt %d: %s", attempt+1, orderID)
			return orderID, nil
		}
		if exchange.IsInvalidQty(err) {
			// Position already flat or dust below min: nothing to close.
			c.logger.Printf("Close for %s not needed: %v", symbol, err)
			return "", nil
		}

		lastErr = err
		c.logger.Printf("Close attempt %d failed: %v", attempt+1, err)

		if !exchange.IsTransient(err) || attempt >= c.config.MaxRetries {
			break
		}
		c.logger.Printf("Transient error, retrying in %v", backoff)
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-closeCtx.Done():
			return "", fmt.Errorf("close %s timed out during backoff: %w", symbol, closeCtx.Err())
		}
	}

	return "", fmt.Errorf("failed to close %s after %d attempts: %w", symbol, c.config.MaxRetries+1, lastErr)
}

// CancelAllWithRetry clears a symbol's resting orders, retrying
// transient failures. Used before flattening so nothing re-fills.
func (c *Client) CancelAllWithRetry(ctx context.Context, symbol string) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		err := c.exchange.CancelAll(ctx, symbol)
		if err == nil || exchange.IsNotFound(err) {
			return nil
		}
		lastErr = err
		if !exchange.IsTransient(err) || attempt >= c.config.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("cancel-all %s: %w", symbol, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}
