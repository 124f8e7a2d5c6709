// Package exchange implements the Bybit v5 perpetuals client.
//
// The client is a thin capability layer: it owns no trade state beyond a
// hedge/one-way mode flag and per-symbol instrument and leverage caches.
// Quantities are floored to the instrument step; limit prices are floored
// to tick for longs and ceiled for shorts so a rounded order never lands
// on the unfavorable side of the requested price.
package exchange

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fleetfox/signal_dca/internal/models"
)

// OrderKind selects market or limit execution.
type OrderKind string

const (
	Market OrderKind = "Market"
	Limit  OrderKind = "Limit"
)

// OrderState is the normalized exchange order status.
type OrderState string

const (
	OrderOpen            OrderState = "Open"
	OrderPartiallyFilled OrderState = "PartiallyFilled"
	OrderFilled          OrderState = "Filled"
	OrderCancelled       OrderState = "Cancelled"
	OrderRejected        OrderState = "Rejected"
)

// Quote is a point-in-time price snapshot.
type Quote struct {
	Bid  float64
	Ask  float64
	Mark float64
}

// Instrument holds the static trading rules for a symbol.
type Instrument struct {
	MinQty      float64
	QtyStep     float64
	TickSize    float64
	MinPrice    float64
	MaxLeverage float64
}

// OrderRequest describes one order. Side is the POSITION side: a
// reduce-only request for a long is sent to the exchange as a Sell, the
// client derives the wire direction itself.
type OrderRequest struct {
	Symbol     string
	Side       models.Side
	Kind       OrderKind
	Qty        float64
	Price      float64 // limit orders only
	ReduceOnly bool
	LinkID     string
}

// OrderStatus is the observed state of one order.
type OrderStatus struct {
	State        OrderState
	FilledQty    float64
	AvgFillPrice float64
}

// Position is the exchange-side view of an open position.
type Position struct {
	Qty           float64
	AvgPrice      float64
	StopLoss      float64
	TrailingStop  float64
	UnrealizedPnL float64
}

// ClosedPnL is one record from the exchange's post-close ledger. Side is
// the side of the closed POSITION, already mapped from the closing
// order's direction.
type ClosedPnL struct {
	Symbol      string
	Side        models.Side
	Qty         float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	OrderType   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StopParams carries the optional trading-stop fields. Zero means "leave
// unchanged"; the ladder only ever tightens a stop, never clears one.
type StopParams struct {
	StopLoss         float64
	TrailingDistance float64
	ActivationPrice  float64
}

// Candle is one OHLCV bar, oldest-first in Klines results.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Exchange defines the capability surface the trading loops depend on.
type Exchange interface {
	// Market data
	Quote(ctx context.Context, symbol string) (*Quote, error)
	Instrument(ctx context.Context, symbol string) (*Instrument, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	AmendPrice(ctx context.Context, symbol, orderID string, newPrice float64) error
	Cancel(ctx context.Context, symbol, orderID string) error
	CancelAll(ctx context.Context, symbol string) error
	OrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error)

	// Position state
	Position(ctx context.Context, symbol string, side models.Side) (*Position, error)
	ClosedPnL(ctx context.Context, since time.Time, limit int) ([]ClosedPnL, error)
	// SetConditionalStop returns verified=true iff the exchange
	// acknowledged the new value or reported it already in place.
	SetConditionalStop(ctx context.Context, symbol string, side models.Side, params StopParams) (bool, error)

	// Account
	Equity(ctx context.Context) (float64, error)
	EnsureLeverage(ctx context.Context, symbol string, leverage int) error
}

// CircuitBreakerExchange wraps an Exchange so that a run of API failures
// opens the circuit and fails calls fast instead of hammering the venue.
type CircuitBreakerExchange struct {
	ex      Exchange
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures trip behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // allowed through while half-open
	Interval     time.Duration // count reset interval
	Timeout      time.Duration // open duration
	MinRequests  uint32        // minimum requests before tripping
	FailureRatio float64
}

// NewCircuitBreakerExchange wraps ex with default settings.
func NewCircuitBreakerExchange(ex Exchange) *CircuitBreakerExchange {
	return NewCircuitBreakerExchangeWithSettings(ex, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerExchangeWithSettings wraps ex with custom settings.
// Client-side validation errors and "order not found" do not count as
// failures; they say nothing about venue health.
func NewCircuitBreakerExchangeWithSettings(ex Exchange, settings CircuitBreakerSettings) *CircuitBreakerExchange {
	gbSettings := gobreaker.Settings{
		Name:        "ExchangeCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return IsNotFound(err) || IsInvalidQty(err) || IsInvalidPrice(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerExchange{
		ex:      ex,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure CircuitBreakerExchange implements Exchange at compile time.
var _ Exchange = (*CircuitBreakerExchange)(nil)

// execBreaker is a generic helper for the wrapper methods.
func execBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	ex Exchange,
	fn func(Exchange) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(ex) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// execBreakerErr wraps calls that return only an error.
func execBreakerErr(breaker *gobreaker.CircuitBreaker, ex Exchange, fn func(Exchange) error) error {
	_, err := breaker.Execute(func() (interface{}, error) { return nil, fn(ex) })
	return err
}

// Quote wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) Quote(ctx context.Context, symbol string) (*Quote, error) {
	return execBreaker(c.breaker, c.ex, func(e Exchange) (*Quote, error) { return e.Quote(ctx, symbol) })
}

// Instrument wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) Instrument(ctx context.Context, symbol string) (*Instrument, error) {
	return execBreaker(c.breaker, c.ex, func(e Exchange) (*Instrument, error) { return e.Instrument(ctx, symbol) })
}

// Klines wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return execBreaker(c.breaker, c.ex, func(e Exchange) ([]Candle, error) {
		return e.Klines(ctx, symbol, interval, limit)
	})
}

// PlaceOrder wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	return execBreaker(c.breaker, c.ex, func(e Exchange) (string, error) { return e.PlaceOrder(ctx, req) })
}

// AmendPrice wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) AmendPrice(ctx context.Context, symbol, orderID string, newPrice float64) error {
	return execBreakerErr(c.breaker, c.ex, func(e Exchange) error {
		return e.AmendPrice(ctx, symbol, orderID, newPrice)
	})
}

// Cancel wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) Cancel(ctx context.Context, symbol, orderID string) error {
	return execBreakerErr(c.breaker, c.ex, func(e Exchange) error { return e.Cancel(ctx, symbol, orderID) })
}

// CancelAll wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) CancelAll(ctx context.Context, symbol string) error {
	return execBreakerErr(c.breaker, c.ex, func(e Exchange) error { return e.CancelAll(ctx, symbol) })
}

// OrderStatus wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) OrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	return execBreaker(c.breaker, c.ex, func(e Exchange) (*OrderStatus, error) {
		return e.OrderStatus(ctx, symbol, orderID)
	})
}

// Position wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) Position(ctx context.Context, symbol string, side models.Side) (*Position, error) {
	return execBreaker(c.breaker, c.ex, func(e Exchange) (*Position, error) {
		return e.Position(ctx, symbol, side)
	})
}

// ClosedPnL wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) ClosedPnL(ctx context.Context, since time.Time, limit int) ([]ClosedPnL, error) {
	return execBreaker(c.breaker, c.ex, func(e Exchange) ([]ClosedPnL, error) {
		return e.ClosedPnL(ctx, since, limit)
	})
}

// SetConditionalStop wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) SetConditionalStop(ctx context.Context, symbol string, side models.Side, params StopParams) (bool, error) {
	return execBreaker(c.breaker, c.ex, func(e Exchange) (bool, error) {
		return e.SetConditionalStop(ctx, symbol, side, params)
	})
}

// Equity wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) Equity(ctx context.Context) (float64, error) {
	return execBreaker(c.breaker, c.ex, func(e Exchange) (float64, error) { return e.Equity(ctx) })
}

// EnsureLeverage wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerExchange) EnsureLeverage(ctx context.Context, symbol string, leverage int) error {
	return execBreakerErr(c.breaker, c.ex, func(e Exchange) error {
		return e.EnsureLeverage(ctx, symbol, leverage)
	})
}
