// Package storage persists trades, zones, equity and trend markers.
//
// The store is a dependency of the trading loops but never a hard one: every
// call is failure-isolated, callers degrade to in-memory behavior when a
// write or read errors.
package storage

import (
	"time"

	"github.com/fleetfox/signal_dca/internal/models"
)

// DailyEquity is one row of the equity time series.
type DailyEquity struct {
	Date   string  `json:"date"` // YYYY-MM-DD (UTC)
	Equity float64 `json:"equity"`
	PnL    float64 `json:"pnl"`
	Wins   int     `json:"wins"`
	Losses int     `json:"losses"`
}

// TradeStats aggregates the closed-trade journal.
type TradeStats struct {
	Total     int     `json:"total"`
	Wins      int     `json:"wins"`
	Losses    int     `json:"losses"`
	Breakeven int     `json:"breakeven"`
	TotalPnL  float64 `json:"total_pnl"`
}

// WinRate returns wins over decided trades (breakevens excluded).
func (s TradeStats) WinRate() float64 {
	decided := s.Wins + s.Losses
	if decided == 0 {
		return 0
	}
	return float64(s.Wins) / float64(decided) * 100
}

// Interface defines the persistence contract. Five logical tables, each
// with a single writer: zones (zone source), closed_trades and
// active_trades (trade manager), daily_equity and trend_markers
// (orchestrator).
type Interface interface {
	// Active-trade snapshots, written on every state change.
	SaveActiveTrade(trade *models.Trade) error
	DeleteActiveTrade(tradeID string) error
	LoadActiveTrades() ([]*models.Trade, error)
	ClearActiveTrades() error

	// Closed-trade journal, append-only. Idempotent on trade id: a
	// duplicate write refreshes PnL and reason but never opened_at.
	SaveClosedTrade(ct *models.ClosedTrade) error
	GetClosedTrades(limit int) ([]*models.ClosedTrade, error)
	// HasOverlappingClose reports whether the journal already covers a
	// (symbol, side) close whose lifetime touches [start, end]. Used by
	// the closed-PnL sync to dedupe exchange records.
	HasOverlappingClose(symbol string, side models.Side, start, end time.Time) (bool, error)
	GetStats() (TradeStats, error)

	// Zones, upserted by the zone source.
	SaveZones(zones *models.CoinZones) error
	GetZones(symbol string) (*models.CoinZones, error)
	AllZones() ([]*models.CoinZones, error)

	// Trend markers, one per symbol.
	SaveTrendMarker(symbol string, dir models.TrendDirection) error
	GetTrendMarker(symbol string) (models.TrendDirection, error)
	AllTrendMarkers() (map[string]models.TrendDirection, error)

	// Daily equity series, one row per UTC day.
	RecordDailyEquity(row DailyEquity) error
	EquitySeries(days int) ([]DailyEquity, error)

	Close() error
}
