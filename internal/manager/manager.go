// Package manager owns the active Trade set. It is the only component
// that mutates Trade fields: the loops and handlers deliver events
// through its methods and receive deep copies back. Every mutation is
// followed by a snapshot write; a store outage degrades persistence, not
// trading.
package manager

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/fleetfox/signal_dca/internal/config"
	"github.com/fleetfox/signal_dca/internal/exchange"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/storage"
	"github.com/fleetfox/signal_dca/internal/util"
	"github.com/fleetfox/signal_dca/internal/zones"
)

var (
	// ErrTradeNotFound means the trade id is not in the active set.
	ErrTradeNotFound = errors.New("manager: trade not found")
	// ErrSymbolActive rejects a second trade on a symbol already held.
	ErrSymbolActive = errors.New("manager: symbol already has an active trade")
	// ErrNoFreeSlots rejects admission past the position cap.
	ErrNoFreeSlots = errors.New("manager: no free trade slots")
	// ErrSymbolBlocked rejects symbols outside the configured filters.
	ErrSymbolBlocked = errors.New("manager: symbol not allowed")
)

// TPOrder is one take-profit leg the orchestrator should place.
type TPOrder struct {
	Index int // position in the trade's TP arrays
	Price float64
	Qty   float64
}

// CloseRequest carries everything a terminal close needs.
type CloseRequest struct {
	Price         float64 // close price for the journal
	RealizedPnL   float64 // authoritative PnL; zero means estimate from price
	EquityAtClose float64
	Reason        string
	Condition     string // state machine condition, e.g. "position_closed"
}

// Manager is the Trade-set owner.
type Manager struct {
	cfg    *config.Config
	store  storage.Interface
	logger *log.Logger

	mu      sync.Mutex
	trades  map[string]*models.Trade
	counter int

	now func() time.Time
}

// New creates an empty manager.
func New(cfg *config.Config, store storage.Interface, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: logger,
		trades: make(map[string]*models.Trade),
		now:    time.Now,
	}
}

// LoadFromStore loads persisted active-trade snapshots, for startup
// recovery. Returns the number of recovered trades.
func (m *Manager) LoadFromStore() (int, error) {
	loaded, err := m.store.LoadActiveTrades()
	if err != nil {
		return 0, fmt.Errorf("load active trades: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range loaded {
		m.trades[t.ID] = t
	}
	return len(loaded), nil
}

// persist writes a snapshot outside the trade-set lock.
func (m *Manager) persist(t *models.Trade) {
	if err := m.store.SaveActiveTrade(t); err != nil {
		m.logger.Printf("WARNING: snapshot persist failed for %s: %v", t.ID, err)
	}
}

// update runs a mutation under the lock and persists the result.
func (m *Manager) update(id string, fn func(*models.Trade) error) (*models.Trade, error) {
	m.mu.Lock()
	t, ok := m.trades[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	if err := fn(t); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	cp := t.Copy()
	m.mu.Unlock()

	m.persist(cp)
	return cp, nil
}

// ActiveCount returns the number of non-terminal trades.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.trades {
		if !t.IsTerminal() {
			count++
		}
	}
	return count
}

// All returns deep copies of every tracked trade, ordered by id.
func (m *Manager) All() []*models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, t.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a deep copy of one trade.
func (m *Manager) Get(id string) (*models.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, false
	}
	return t.Copy(), true
}

// BySymbol returns the non-terminal trade on a symbol, if any.
func (m *Manager) BySymbol(symbol string) (*models.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trades {
		if t.Symbol == symbol && !t.IsTerminal() {
			return t.Copy(), true
		}
	}
	return nil, false
}

// CanOpenTrade applies the admission gates: symbol filters, per-symbol
// uniqueness, and the global position cap.
func (m *Manager) CanOpenTrade(symbol string) error {
	if !m.cfg.SymbolAllowed(symbol) {
		return fmt.Errorf("%w: %s", ErrSymbolBlocked, symbol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, t := range m.trades {
		if t.IsTerminal() {
			continue
		}
		if t.Symbol == symbol {
			return fmt.Errorf("%w: %s", ErrSymbolActive, symbol)
		}
		active++
	}
	if active >= m.cfg.Trading.MaxSimultaneousTrades {
		return ErrNoFreeSlots
	}
	return nil
}

// Create sizes and registers a new PENDING trade. The ladder comes from
// the snapped levels; base margin is equity x equity_pct / sum of
// multipliers, each level scaled by its multiplier, qty = margin x
// leverage / price.
func (m *Manager) Create(sig models.Signal, equity float64, levels []zones.Level, batchID string) (*models.Trade, error) {
	if err := m.CanOpenTrade(sig.Symbol); err != nil {
		return nil, err
	}
	if sig.EntryPrice <= 0 {
		return nil, fmt.Errorf("manager: signal for %s has no entry price", sig.Symbol)
	}

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = m.cfg.Trading.Leverage
	}

	m.mu.Lock()
	m.counter++
	id := fmt.Sprintf("%s_%d_%d", sig.Symbol, m.now().Unix(), m.counter)
	m.mu.Unlock()

	t := models.NewTrade(id, sig.Symbol, sig.Side, sig.EntryPrice, leverage)
	t.CreatedAt = m.now().UTC()
	t.BatchID = batchID
	t.SignalTargets = append([]float64(nil), sig.Targets...)
	t.MaxDCA = m.cfg.DCA.MaxLevels
	t.EquityAtEntry = equity
	t.TrailingPct = m.cfg.TakeProfit.TrailingCallbackPct

	count := len(levels)
	if count > len(m.cfg.DCA.Multipliers) {
		count = len(m.cfg.DCA.Multipliers)
	}
	for i := 0; i < count; i++ {
		margin := m.cfg.LevelMargin(equity, i)
		t.DCALevels = append(t.DCALevels, models.DCALevel{
			Price:  levels[i].Price,
			Qty:    margin * float64(leverage) / levels[i].Price,
			Margin: margin,
			Source: levels[i].Source,
		})
	}
	if len(t.DCALevels) == 0 {
		return nil, fmt.Errorf("manager: no ladder levels for %s", sig.Symbol)
	}
	if t.MaxDCA > len(t.DCALevels)-1 {
		t.MaxDCA = len(t.DCALevels) - 1
	}

	m.mu.Lock()
	m.trades[id] = t
	cp := t.Copy()
	m.mu.Unlock()

	m.persist(cp)
	m.logger.Printf("Trade created: %s %s %s entry=%.6g levels=%d equity=%.2f",
		id, sig.Side, sig.Symbol, sig.EntryPrice, len(cp.DCALevels), equity)
	return cp, nil
}

// SetEntryOrder records the exchange order id of the E1 entry.
func (m *Manager) SetEntryOrder(id, orderID string) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		if len(t.DCALevels) == 0 {
			return fmt.Errorf("trade %s has no ladder", t.ID)
		}
		t.DCALevels[0].OrderID = orderID
		return nil
	})
}

// SetDCAOrder records the exchange order id of an averaging limit.
func (m *Manager) SetDCAOrder(id string, level int, orderID string) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		if level < 1 || level >= len(t.DCALevels) {
			return fmt.Errorf("trade %s: dca level %d out of range", t.ID, level)
		}
		t.DCALevels[level].OrderID = orderID
		return nil
	})
}

// AmendDCAPrice records a re-snapped ladder price.
func (m *Manager) AmendDCAPrice(id string, level int, price float64, source string) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		if level < 1 || level >= len(t.DCALevels) {
			return fmt.Errorf("trade %s: dca level %d out of range", t.ID, level)
		}
		if t.DCALevels[level].Filled {
			return fmt.Errorf("trade %s: dca level %d already filled", t.ID, level)
		}
		t.DCALevels[level].Price = price
		t.DCALevels[level].Source = source
		return nil
	})
}

// RecordEntryFill moves a PENDING trade to OPEN with the observed fill.
func (m *Manager) RecordEntryFill(id string, fillQty, fillPrice float64) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		if len(t.DCALevels) == 0 {
			return fmt.Errorf("trade %s has no ladder", t.ID)
		}
		e1 := &t.DCALevels[0]
		if fillQty > 0 {
			e1.Qty = fillQty
		}
		e1.Filled = true
		e1.FillPrice = fillPrice

		t.TotalQty = e1.Qty
		t.TotalMargin = e1.Margin
		t.AvgPrice = fillPrice
		return t.TransitionState(models.StateOpen, "entry_filled")
	})
}

// FillDCA records a filled averaging limit: totals and the weighted
// average move, and the hard SL re-anchors on the deepest fill rather
// than the average.
func (m *Manager) FillDCA(id string, level int, fillPrice float64) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		if level < 1 || level >= len(t.DCALevels) {
			return fmt.Errorf("trade %s: dca level %d out of range", t.ID, level)
		}
		lvl := &t.DCALevels[level]
		if lvl.Filled {
			return fmt.Errorf("trade %s: dca level %d already filled", t.ID, level)
		}
		lvl.Filled = true
		lvl.FillPrice = fillPrice

		t.AvgPrice = util.WeightedAvg(t.AvgPrice, t.TotalQty, fillPrice, lvl.Qty)
		t.TotalQty += lvl.Qty
		t.TotalMargin += lvl.Margin
		if level > t.CurrentDCA {
			t.CurrentDCA = level
		}

		deepest := t.DeepestFilledPrice()
		t.HardSLPrice = deepest * (1 - t.Side.Sign()*m.cfg.StopLoss.HardSLPct/100)

		return t.TransitionState(models.StateDCAActive, "dca_filled")
	})
}

// consolidate drops TP legs whose floored qty is below the instrument
// minimum; their share folds into the trailing remainder. Returns the
// surviving orders. When everything drops, the trade goes straight to
// TRAILING.
func consolidate(t *models.Trade, prices, pcts []float64, inst *exchange.Instrument) ([]TPOrder, error) {
	t.TPPrices = nil
	t.TPClosePcts = nil
	t.TPCloseQtys = nil
	t.TPFilled = nil
	t.TPOrderIDs = nil
	t.TPsHit = 0

	var orders []TPOrder
	for i := range prices {
		qty := util.FloorToStep(t.TotalQty*pcts[i]/100, inst.QtyStep)
		if qty < inst.MinQty || qty <= 0 {
			// Dropped: the share trails instead.
			continue
		}
		idx := len(t.TPPrices)
		t.TPPrices = append(t.TPPrices, prices[i])
		t.TPClosePcts = append(t.TPClosePcts, pcts[i])
		t.TPCloseQtys = append(t.TPCloseQtys, qty)
		t.TPFilled = append(t.TPFilled, false)
		t.TPOrderIDs = append(t.TPOrderIDs, "")
		orders = append(orders, TPOrder{Index: idx, Price: prices[i], Qty: qty})
	}

	if len(orders) == 0 {
		t.TrailingActive = true
		return nil, t.TransitionState(models.StateTrailing, "tps_consolidated")
	}
	return orders, nil
}

// SetupSignalTPs builds the signal-target ladder from the signal's
// targets and the configured close percentages.
func (m *Manager) SetupSignalTPs(id string, inst *exchange.Instrument) ([]TPOrder, error) {
	var orders []TPOrder
	_, err := m.update(id, func(t *models.Trade) error {
		count := len(t.SignalTargets)
		if count > len(m.cfg.TakeProfit.ClosePcts) {
			count = len(m.cfg.TakeProfit.ClosePcts)
		}
		if count == 0 {
			return fmt.Errorf("trade %s has no signal targets", t.ID)
		}
		t.TPMode = models.TPModeSignal

		var innerErr error
		orders, innerErr = consolidate(t, t.SignalTargets[:count], m.cfg.TakeProfit.ClosePcts[:count], inst)
		return innerErr
	})
	return orders, err
}

// SetupAvgTPs builds the avg-based ladder used after a DCA fill. Prices
// hang off the new average, direction per side.
func (m *Manager) SetupAvgTPs(id string, inst *exchange.Instrument) ([]TPOrder, error) {
	var orders []TPOrder
	_, err := m.update(id, func(t *models.Trade) error {
		count := len(m.cfg.DCA.TPPcts)
		if count > len(m.cfg.DCA.TPShares) {
			count = len(m.cfg.DCA.TPShares)
		}
		if count == 0 {
			return fmt.Errorf("no avg-based TP ladder configured")
		}
		t.TPMode = models.TPModeAvg

		prices := make([]float64, count)
		for i := 0; i < count; i++ {
			prices[i] = t.TPPrice(t.AvgPrice, m.cfg.DCA.TPPcts[i])
		}

		var innerErr error
		orders, innerErr = consolidate(t, prices, m.cfg.DCA.TPShares[:count], inst)
		return innerErr
	})
	return orders, err
}

// SetTPOrder records the exchange order id of one TP leg.
func (m *Manager) SetTPOrder(id string, index int, orderID string) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		if index < 0 || index >= len(t.TPOrderIDs) {
			return fmt.Errorf("trade %s: tp index %d out of range", t.ID, index)
		}
		t.TPOrderIDs[index] = orderID
		return nil
	})
}

// RecordTPFill books one filled TP leg. The leg's estimated PnL
// accumulates in TPRealized; the authoritative number still comes from
// the exchange ledger at close. Filling the last leg moves the trade to
// TRAILING.
func (m *Manager) RecordTPFill(id string, index int, fillPrice float64) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		if index < 0 || index >= len(t.TPFilled) {
			return fmt.Errorf("trade %s: tp index %d out of range", t.ID, index)
		}
		if t.TPFilled[index] {
			return fmt.Errorf("trade %s: tp %d already filled", t.ID, index)
		}
		qty := t.TPCloseQtys[index]
		t.TPFilled[index] = true
		t.TPsHit++
		t.TPRealized += t.PnLAt(fillPrice, qty)
		t.TotalQty -= qty
		if t.TotalQty < 0 {
			t.TotalQty = 0
		}

		if t.AllTPsFilled() {
			t.TrailingActive = true
			return t.TransitionState(models.StateTrailing, "all_tps_filled")
		}
		return nil
	})
}

// SetStopLoss records the stop currently installed on the exchange.
func (m *Manager) SetStopLoss(id string, price float64) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		t.CurrentSL = price
		return nil
	})
}

// ActivateQuickTrail performs the one-shot DCA quick-trail tighten.
func (m *Manager) ActivateQuickTrail(id string, slPrice float64) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		if t.QuickTrailActive {
			return fmt.Errorf("trade %s: quick trail already active", t.ID)
		}
		t.QuickTrailActive = true
		t.CurrentSL = slPrice
		return nil
	})
}

// MarkTrailing records that a trailing stop is installed on the
// exchange.
func (m *Manager) MarkTrailing(id string) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		t.TrailingActive = true
		return nil
	})
}

// StartScaleIn records a resting scale-in limit.
func (m *Manager) StartScaleIn(id, orderID string, qty, price, margin float64) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		if t.ScaleInPending || t.ScaleInFilled {
			return fmt.Errorf("trade %s: scale-in already in flight", t.ID)
		}
		t.ScaleInPending = true
		t.ScaleInOrderID = orderID
		t.ScaleInQty = qty
		t.ScaleInPrice = price
		t.ScaleInMargin = margin
		return nil
	})
}

// CompleteScaleIn adopts the exchange's position as truth after the
// scale-in limit filled. The exchange average and quantity beat any
// replayed arithmetic.
func (m *Manager) CompleteScaleIn(id string, exchangeAvg, exchangeQty float64) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		if !t.ScaleInPending {
			return fmt.Errorf("trade %s: no scale-in pending", t.ID)
		}
		t.ScaleInPending = false
		t.ScaleInFilled = true
		// Keep the accounting identity intact under the adopted qty.
		t.ScaleInQty = exchangeQty - t.TotalQty
		t.TotalQty = exchangeQty
		t.AvgPrice = exchangeAvg
		t.TotalMargin += t.ScaleInMargin
		return nil
	})
}

// RecalcTPsAfterScaleIn redistributes the unfilled TP share plus the
// trailing share across the enlarged position. Prices do not move.
func (m *Manager) RecalcTPsAfterScaleIn(id string, inst *exchange.Instrument) ([]TPOrder, error) {
	var orders []TPOrder
	_, err := m.update(id, func(t *models.Trade) error {
		totalPct := 0.0
		for _, pct := range t.TPClosePcts {
			totalPct += pct
		}
		trailPct := 100 - totalPct
		if trailPct < 0 {
			trailPct = 0
		}

		unfilledPct := trailPct
		for i, filled := range t.TPFilled {
			if !filled {
				unfilledPct += t.TPClosePcts[i]
			}
		}
		if unfilledPct <= 0 {
			return fmt.Errorf("trade %s: nothing left to redistribute", t.ID)
		}

		for i, filled := range t.TPFilled {
			if filled {
				continue
			}
			qty := util.FloorToStep(t.TotalQty*t.TPClosePcts[i]/unfilledPct, inst.QtyStep)
			if qty < inst.MinQty || qty <= 0 {
				continue
			}
			t.TPCloseQtys[i] = qty
			t.TPOrderIDs[i] = ""
			orders = append(orders, TPOrder{Index: i, Price: t.TPPrices[i], Qty: qty})
		}
		return nil
	})
	return orders, err
}

// AdoptExchangeTruth overwrites avg price and quantity from the
// exchange's position during recovery.
func (m *Manager) AdoptExchangeTruth(id string, avgPrice, qty float64) (*models.Trade, error) {
	return m.update(id, func(t *models.Trade) error {
		if qty > 0 {
			// Absorb any drift into the entry slot so the fill
			// accounting still balances.
			drift := qty - t.TotalQty
			if len(t.DCALevels) > 0 && t.DCALevels[0].Filled {
				t.DCALevels[0].Qty += drift
			}
			t.TotalQty = qty
		}
		if avgPrice > 0 {
			t.AvgPrice = avgPrice
		}
		return nil
	})
}

// Close terminates a trade: the journal entry is written idempotently,
// the active snapshot is deleted, and the trade leaves the set.
func (m *Manager) Close(id string, req CloseRequest) (*models.ClosedTrade, error) {
	if req.Condition == "" {
		req.Condition = "position_closed"
	}
	if req.Reason == "" {
		req.Reason = "Closed"
	}

	m.mu.Lock()
	t, ok := m.trades[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	if err := t.TransitionState(models.StateClosed, req.Condition); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	t.CloseReason = req.Reason

	pnl := req.RealizedPnL
	if pnl == 0 {
		switch {
		case t.TotalQty > 0 && req.Price > 0:
			// Mark-price estimate until the exchange ledger catches up.
			pnl = t.TPRealized + t.PnLAt(req.Price, t.TotalQty)
		case t.TotalQty <= 0:
			// Nothing left on the exchange: the TP legs are the whole
			// realized result.
			pnl = t.TPRealized
		}
	}
	t.RealizedPnL = pnl

	ct := models.NewClosedTrade(t, req.Price, pnl, req.EquityAtClose, req.Reason)
	delete(m.trades, id)
	m.mu.Unlock()

	if err := m.store.SaveClosedTrade(ct); err != nil {
		m.logger.Printf("WARNING: journal write failed for %s: %v", id, err)
	}
	if err := m.store.DeleteActiveTrade(id); err != nil {
		m.logger.Printf("WARNING: snapshot delete failed for %s: %v", id, err)
	}

	m.logger.Printf("Trade closed: %s %s | %s | pnl=%.4f", id, t.Symbol, req.Reason, pnl)
	return ct, nil
}

// Reset drops every tracked trade and clears the snapshots. Exchange
// orders are untouched; this is the operator's escape hatch.
func (m *Manager) Reset() error {
	m.mu.Lock()
	m.trades = make(map[string]*models.Trade)
	m.mu.Unlock()
	return m.store.ClearActiveTrades()
}
