package models

import (
	"math"
	"time"
)

// Result classifies a closed trade.
type Result string

const (
	// ResultWin closed with positive PnL
	ResultWin Result = "win"
	// ResultLoss closed with negative PnL
	ResultLoss Result = "loss"
	// ResultBreakeven closed within the deadband around zero
	ResultBreakeven Result = "breakeven"
)

// breakevenBand is the PnL deadband (in quote currency) inside which a
// close counts as breakeven rather than win or loss.
const breakevenBand = 0.01

// ClassifyPnL maps a realized PnL to a result.
func ClassifyPnL(pnl float64) Result {
	switch {
	case pnl > breakevenBand:
		return ResultWin
	case pnl < -breakevenBand:
		return ResultLoss
	default:
		return ResultBreakeven
	}
}

// ClosedTrade is the immutable journal entry written when a trade
// reaches CLOSED. Append-only; duplicate writes may refresh PnL and
// reason but never OpenedAt.
type ClosedTrade struct {
	TradeID       string    `json:"trade_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	EntryPrice    float64   `json:"entry_price"`
	AvgPrice      float64   `json:"avg_price"`
	ClosePrice    float64   `json:"close_price"` // fees-inclusive effective exit
	TotalQty      float64   `json:"total_qty"`
	TotalMargin   float64   `json:"total_margin"`
	Leverage      int       `json:"leverage"`
	RealizedPnL   float64   `json:"realized_pnl"`
	TPRealized    float64   `json:"tp_realized"`
	PnLPctMargin  float64   `json:"pnl_pct_margin"`
	TrailPnLPct   float64   `json:"trail_pnl_pct"`
	Result        Result    `json:"result"`
	Reason        string    `json:"reason"`
	MaxDCAReached int       `json:"max_dca_reached"`
	TPsHit        int       `json:"tps_hit"`
	TP1Hit        bool      `json:"tp1_hit"`
	OpenedAt      time.Time `json:"opened_at"`
	ClosedAt      time.Time `json:"closed_at"`
	DurationMin   float64   `json:"duration_minutes"`
	EquityAtEntry float64   `json:"equity_at_entry"`
	EquityAtClose float64   `json:"equity_at_close"`
}

// NewClosedTrade snapshots a trade at close time.
func NewClosedTrade(t *Trade, closePrice, realizedPnL, equityAtClose float64, reason string) *ClosedTrade {
	closedAt := t.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	ct := &ClosedTrade{
		TradeID:       t.ID,
		Symbol:        t.Symbol,
		Side:          t.Side,
		EntryPrice:    t.SignalEntry,
		AvgPrice:      t.AvgPrice,
		ClosePrice:    closePrice,
		TotalQty:      t.TotalQty,
		TotalMargin:   t.TotalMargin,
		Leverage:      t.Leverage,
		RealizedPnL:   realizedPnL,
		TPRealized:    t.TPRealized,
		Result:        ClassifyPnL(realizedPnL),
		Reason:        reason,
		MaxDCAReached: t.CurrentDCA,
		TPsHit:        t.TPsHit,
		TP1Hit:        t.TPsHit >= 1,
		OpenedAt:      t.OpenedAt,
		ClosedAt:      closedAt,
		EquityAtEntry: t.EquityAtEntry,
		EquityAtClose: equityAtClose,
	}

	if !t.OpenedAt.IsZero() {
		ct.DurationMin = closedAt.Sub(t.OpenedAt).Minutes()
	}
	if t.TotalMargin > 0 {
		ct.PnLPctMargin = realizedPnL / t.TotalMargin * 100
		// Contribution of the trailing portion, size-normalized: total
		// realized minus what the TP legs banked, over total margin.
		ct.TrailPnLPct = (realizedPnL - t.TPRealized) / t.TotalMargin * 100
	}
	if math.IsNaN(ct.TrailPnLPct) || math.IsInf(ct.TrailPnLPct, 0) {
		ct.TrailPnLPct = 0
	}

	return ct
}
