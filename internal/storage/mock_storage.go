package storage

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/fleetfox/signal_dca/internal/models"
)

// MockStorage is an in-memory Interface implementation for tests.
// Optional error hooks simulate store outages.
type MockStorage struct {
	mu sync.RWMutex

	active map[string]string // trade_id -> snapshot json
	closed map[string]*models.ClosedTrade
	zones  map[string]*models.CoinZones
	trends map[string]models.TrendDirection
	equity map[string]DailyEquity

	// FailWrites makes every mutating call return this error when set.
	FailWrites error
	// SaveCount tracks snapshot writes, for asserting persistence behavior.
	SaveCount int
}

// Compile-time interface check
var _ Interface = (*MockStorage)(nil)

// NewMockStorage creates an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		active: make(map[string]string),
		closed: make(map[string]*models.ClosedTrade),
		zones:  make(map[string]*models.CoinZones),
		trends: make(map[string]models.TrendDirection),
		equity: make(map[string]DailyEquity),
	}
}

// SaveActiveTrade stores a deep snapshot of the trade.
func (m *MockStorage) SaveActiveTrade(trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	blob, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	m.active[trade.ID] = string(blob)
	m.SaveCount++
	return nil
}

// DeleteActiveTrade removes the snapshot.
func (m *MockStorage) DeleteActiveTrade(tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	delete(m.active, tradeID)
	return nil
}

// LoadActiveTrades rebuilds trades from their snapshots.
func (m *MockStorage) LoadActiveTrades() ([]*models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var trades []*models.Trade
	for _, id := range ids {
		var trade models.Trade
		if err := json.Unmarshal([]byte(m.active[id]), &trade); err != nil {
			return nil, err
		}
		trades = append(trades, &trade)
	}
	return trades, nil
}

// ClearActiveTrades wipes all snapshots.
func (m *MockStorage) ClearActiveTrades() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.active = make(map[string]string)
	return nil
}

// SaveClosedTrade mirrors the journal idempotency: opened_at never changes.
func (m *MockStorage) SaveClosedTrade(ct *models.ClosedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	cp := *ct
	if existing, ok := m.closed[ct.TradeID]; ok {
		cp.OpenedAt = existing.OpenedAt
	}
	m.closed[ct.TradeID] = &cp
	return nil
}

// GetClosedTrades returns entries newest first.
func (m *MockStorage) GetClosedTrades(limit int) ([]*models.ClosedTrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.ClosedTrade
	for _, ct := range m.closed {
		cp := *ct
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ClosedAt.After(result[j].ClosedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// HasOverlappingClose mirrors the SQLite overlap query.
func (m *MockStorage) HasOverlappingClose(symbol string, side models.Side, start, end time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ct := range m.closed {
		if ct.Symbol != symbol || ct.Side != side {
			continue
		}
		if !ct.OpenedAt.After(end) && !ct.ClosedAt.Before(start) {
			return true, nil
		}
	}
	return false, nil
}

// GetStats aggregates the in-memory journal.
func (m *MockStorage) GetStats() (TradeStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats TradeStats
	for _, ct := range m.closed {
		stats.Total++
		stats.TotalPnL += ct.RealizedPnL
		switch ct.Result {
		case models.ResultWin:
			stats.Wins++
		case models.ResultLoss:
			stats.Losses++
		default:
			stats.Breakeven++
		}
	}
	return stats, nil
}

// SaveZones upserts the snapshot.
func (m *MockStorage) SaveZones(zones *models.CoinZones) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	cp := *zones
	m.zones[zones.Symbol] = &cp
	return nil
}

// GetZones returns the snapshot or ErrNotFound.
func (m *MockStorage) GetZones(symbol string) (*models.CoinZones, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zones[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *z
	return &cp, nil
}

// AllZones returns all snapshots sorted by symbol.
func (m *MockStorage) AllZones() ([]*models.CoinZones, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.CoinZones
	for _, z := range m.zones {
		cp := *z
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

// SaveTrendMarker upserts the direction.
func (m *MockStorage) SaveTrendMarker(symbol string, dir models.TrendDirection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.trends[symbol] = dir
	return nil
}

// GetTrendMarker returns the direction or ErrNotFound.
func (m *MockStorage) GetTrendMarker(symbol string) (models.TrendDirection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dir, ok := m.trends[symbol]
	if !ok {
		return "", ErrNotFound
	}
	return dir, nil
}

// AllTrendMarkers returns a copy of the marker map.
func (m *MockStorage) AllTrendMarkers() (map[string]models.TrendDirection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]models.TrendDirection, len(m.trends))
	for k, v := range m.trends {
		result[k] = v
	}
	return result, nil
}

// RecordDailyEquity upserts the row.
func (m *MockStorage) RecordDailyEquity(row DailyEquity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.equity[row.Date] = row
	return nil
}

// EquitySeries returns rows oldest first.
func (m *MockStorage) EquitySeries(days int) ([]DailyEquity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []DailyEquity
	for _, row := range m.equity {
		result = append(result, row)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	if days > 0 && len(result) > days {
		result = result[len(result)-days:]
	}
	return result, nil
}

// Close is a no-op.
func (m *MockStorage) Close() error {
	return nil
}
