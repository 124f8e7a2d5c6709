package exchange

import (
	"context"
	"time"

	"github.com/fleetfox/signal_dca/internal/models"
)

// MockExchange implements Exchange with per-method hooks. Unset hooks
// return zero values, so a test only scripts the calls it cares about.
type MockExchange struct {
	QuoteFunc              func(ctx context.Context, symbol string) (*Quote, error)
	InstrumentFunc         func(ctx context.Context, symbol string) (*Instrument, error)
	KlinesFunc             func(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	PlaceOrderFunc         func(ctx context.Context, req OrderRequest) (string, error)
	AmendPriceFunc         func(ctx context.Context, symbol, orderID string, newPrice float64) error
	CancelFunc             func(ctx context.Context, symbol, orderID string) error
	CancelAllFunc          func(ctx context.Context, symbol string) error
	OrderStatusFunc        func(ctx context.Context, symbol, orderID string) (*OrderStatus, error)
	PositionFunc           func(ctx context.Context, symbol string, side models.Side) (*Position, error)
	ClosedPnLFunc          func(ctx context.Context, since time.Time, limit int) ([]ClosedPnL, error)
	SetConditionalStopFunc func(ctx context.Context, symbol string, side models.Side, params StopParams) (bool, error)
	EquityFunc             func(ctx context.Context) (float64, error)
	EnsureLeverageFunc     func(ctx context.Context, symbol string, leverage int) error

	// Orders records every PlaceOrder request, whatever the hook returns.
	Orders []OrderRequest
}

// Compile-time interface check
var _ Exchange = (*MockExchange)(nil)

// DefaultInstrument is what an unscripted Instrument call returns.
var DefaultInstrument = Instrument{MinQty: 0.001, QtyStep: 0.001, TickSize: 0.0001, MinPrice: 0.0001, MaxLeverage: 100}

func (m *MockExchange) Quote(ctx context.Context, symbol string) (*Quote, error) {
	if m.QuoteFunc != nil {
		return m.QuoteFunc(ctx, symbol)
	}
	return &Quote{}, nil
}

func (m *MockExchange) Instrument(ctx context.Context, symbol string) (*Instrument, error) {
	if m.InstrumentFunc != nil {
		return m.InstrumentFunc(ctx, symbol)
	}
	inst := DefaultInstrument
	return &inst, nil
}

func (m *MockExchange) Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if m.KlinesFunc != nil {
		return m.KlinesFunc(ctx, symbol, interval, limit)
	}
	return nil, nil
}

func (m *MockExchange) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	m.Orders = append(m.Orders, req)
	if m.PlaceOrderFunc != nil {
		return m.PlaceOrderFunc(ctx, req)
	}
	return "mock-order", nil
}

func (m *MockExchange) AmendPrice(ctx context.Context, symbol, orderID string, newPrice float64) error {
	if m.AmendPriceFunc != nil {
		return m.AmendPriceFunc(ctx, symbol, orderID, newPrice)
	}
	return nil
}

func (m *MockExchange) Cancel(ctx context.Context, symbol, orderID string) error {
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, symbol, orderID)
	}
	return nil
}

func (m *MockExchange) CancelAll(ctx context.Context, symbol string) error {
	if m.CancelAllFunc != nil {
		return m.CancelAllFunc(ctx, symbol)
	}
	return nil
}

func (m *MockExchange) OrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	if m.OrderStatusFunc != nil {
		return m.OrderStatusFunc(ctx, symbol, orderID)
	}
	return &OrderStatus{State: OrderOpen}, nil
}

func (m *MockExchange) Position(ctx context.Context, symbol string, side models.Side) (*Position, error) {
	if m.PositionFunc != nil {
		return m.PositionFunc(ctx, symbol, side)
	}
	return nil, nil
}

func (m *MockExchange) ClosedPnL(ctx context.Context, since time.Time, limit int) ([]ClosedPnL, error) {
	if m.ClosedPnLFunc != nil {
		return m.ClosedPnLFunc(ctx, since, limit)
	}
	return nil, nil
}

func (m *MockExchange) SetConditionalStop(ctx context.Context, symbol string, side models.Side, params StopParams) (bool, error) {
	if m.SetConditionalStopFunc != nil {
		return m.SetConditionalStopFunc(ctx, symbol, side, params)
	}
	return true, nil
}

func (m *MockExchange) Equity(ctx context.Context) (float64, error) {
	if m.EquityFunc != nil {
		return m.EquityFunc(ctx)
	}
	return 0, nil
}

func (m *MockExchange) EnsureLeverage(ctx context.Context, symbol string, leverage int) error {
	if m.EnsureLeverageFunc != nil {
		return m.EnsureLeverageFunc(ctx, symbol, leverage)
	}
	return nil
}
