package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Side is the direction of a trade
type Side string

const (
	// SideLong buys the perpetual
	SideLong Side = "long"
	// SideShort sells the perpetual
	SideShort Side = "short"
)

// Valid returns true if the Side is one of the defined constants
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign returns +1 for long, -1 for short. Multiplying a favorable price
// move by Sign gives positive PnL for both directions.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// TPMode selects which TP ladder is active (at most one at a time)
type TPMode string

const (
	// TPModeSignal uses the targets from the incoming signal
	TPModeSignal TPMode = "signal"
	// TPModeAvg derives TP prices from the post-DCA average entry
	TPModeAvg TPMode = "avg"
)

// DCALevel is one slot of the entry ladder. Index 0 is E1, the primary
// entry; higher indexes fill at progressively worse prices.
type DCALevel struct {
	Price     float64 `json:"price"`
	Qty       float64 `json:"qty"`
	Margin    float64 `json:"margin"`
	Filled    bool    `json:"filled"`
	FillPrice float64 `json:"fill_price,omitempty"`
	OrderID   string  `json:"order_id,omitempty"`
	Source    string  `json:"source,omitempty"` // entry, fixed, zone
}

// Trade is the central entity: one intended position per symbol per side.
// Mutated exclusively by the trade manager; everything else gets copies.
type Trade struct {
	StateMachine *StateMachine `json:"-"`      // Runtime only, excluded from JSON
	Status       TradeState    `json:"status"` // Canonical persisted state

	ID      string `json:"trade_id"`
	Symbol  string `json:"symbol"`
	Side    Side   `json:"side"`
	BatchID string `json:"batch_id,omitempty"`

	SignalEntry   float64   `json:"signal_entry"`
	SignalTargets []float64 `json:"signal_targets,omitempty"`
	Leverage      int       `json:"leverage"`

	DCALevels  []DCALevel `json:"dca_levels"`
	CurrentDCA int        `json:"current_dca"` // highest filled index, 0 = only E1
	MaxDCA     int        `json:"max_dca"`

	TotalQty    float64 `json:"total_qty"`
	TotalMargin float64 `json:"total_margin"`
	AvgPrice    float64 `json:"avg_price"`

	TPMode      TPMode    `json:"tp_mode,omitempty"`
	TPPrices    []float64 `json:"tp_prices,omitempty"`
	TPClosePcts []float64 `json:"tp_close_pcts,omitempty"`
	TPCloseQtys []float64 `json:"tp_close_qtys,omitempty"`
	TPFilled    []bool    `json:"tp_filled,omitempty"`
	TPOrderIDs  []string  `json:"tp_order_ids,omitempty"`
	TPsHit      int       `json:"tps_hit"`
	TPRealized  float64   `json:"tp_realized"` // accumulated PnL from TP legs
	TrailingPct float64   `json:"trailing_pct"`

	HardSLPrice      float64 `json:"hard_sl_price,omitempty"`
	CurrentSL        float64 `json:"current_sl,omitempty"`
	TrailingActive   bool    `json:"trailing_active,omitempty"`
	QuickTrailActive bool    `json:"quick_trail_active,omitempty"`

	ScaleInPending bool    `json:"scale_in_pending,omitempty"`
	ScaleInFilled  bool    `json:"scale_in_filled,omitempty"`
	ScaleInOrderID string  `json:"scale_in_order_id,omitempty"`
	ScaleInQty     float64 `json:"scale_in_qty,omitempty"`
	ScaleInPrice   float64 `json:"scale_in_price,omitempty"`
	ScaleInMargin  float64 `json:"scale_in_margin,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	ClosedAt      time.Time `json:"closed_at,omitempty"`
	CloseReason   string    `json:"close_reason,omitempty"`
	RealizedPnL   float64   `json:"realized_pnl"`
	EquityAtEntry float64   `json:"equity_at_entry"`
}

// NewTrade creates a trade in PENDING with an initialized state machine.
// Sizing and ladders are filled in by the trade manager.
func NewTrade(id, symbol string, side Side, signalEntry float64, leverage int) *Trade {
	return &Trade{
		ID:           id,
		Symbol:       symbol,
		Side:         side,
		SignalEntry:  signalEntry,
		Leverage:     leverage,
		StateMachine: NewStateMachine(),
		Status:       StatePending,
		CreatedAt:    time.Now().UTC(),
	}
}

// TransitionState moves the trade to a new state
func (t *Trade) TransitionState(to TradeState, condition string) error {
	if err := t.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("trade %s state transition failed: %w", t.ID, err)
	}

	t.Status = to

	if to == StateOpen && t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now().UTC()
	}
	if to == StateClosed && t.ClosedAt.IsZero() {
		t.ClosedAt = time.Now().UTC()
	}

	return nil
}

// ensureMachine ensures the StateMachine is initialized from persisted state
func (t *Trade) ensureMachine() *StateMachine {
	if t.StateMachine == nil {
		t.StateMachine = NewStateMachineFromState(t.Status)
	}
	return t.StateMachine
}

// GetCurrentState returns the canonical persisted state
func (t *Trade) GetCurrentState() TradeState {
	return t.Status
}

// IsLive returns true while the trade holds exchange exposure
func (t *Trade) IsLive() bool {
	return t.Status == StateOpen || t.Status == StateDCAActive || t.Status == StateTrailing
}

// IsTerminal returns true once the trade reached CLOSED
func (t *Trade) IsTerminal() bool {
	return t.Status == StateClosed
}

// EntryOrderID returns the exchange order id of the E1 entry, if known
func (t *Trade) EntryOrderID() string {
	if len(t.DCALevels) == 0 {
		return ""
	}
	return t.DCALevels[0].OrderID
}

// DeepestFilledPrice returns the fill price of the deepest filled DCA slot.
// The hard SL hangs off this price, not the average, so it is never placed
// on the wrong side of the last fill when DCA spacing is steep.
func (t *Trade) DeepestFilledPrice() float64 {
	price := 0.0
	for _, lvl := range t.DCALevels {
		if lvl.Filled {
			price = lvl.FillPrice
			if price == 0 {
				price = lvl.Price
			}
		}
	}
	return price
}

// FilledAddQty sums the quantity of every filled add event (E1, DCAs, scale-in)
func (t *Trade) FilledAddQty() float64 {
	total := 0.0
	for _, lvl := range t.DCALevels {
		if lvl.Filled {
			total += lvl.Qty
		}
	}
	if t.ScaleInFilled {
		total += t.ScaleInQty
	}
	return total
}

// TotalTPClosedQty sums quantity closed by filled TP legs
func (t *Trade) TotalTPClosedQty() float64 {
	total := 0.0
	for i, filled := range t.TPFilled {
		if filled && i < len(t.TPCloseQtys) {
			total += t.TPCloseQtys[i]
		}
	}
	return total
}

// AllTPsFilled reports whether every TP leg has filled. False when no TP
// ladder is set.
func (t *Trade) AllTPsFilled() bool {
	if len(t.TPFilled) == 0 {
		return false
	}
	for _, filled := range t.TPFilled {
		if !filled {
			return false
		}
	}
	return true
}

// TPPrice computes a TP price at pct distance from base, direction per side
func (t *Trade) TPPrice(base, pct float64) float64 {
	if t.Side == SideLong {
		return base * (1 + pct/100)
	}
	return base * (1 - pct/100)
}

// PnLAt returns the unrealized PnL of qty closed at price against the average
func (t *Trade) PnLAt(price, qty float64) float64 {
	return (price - t.AvgPrice) * qty * t.Side.Sign()
}

// DurationMinutes returns how long the trade has been open
func (t *Trade) DurationMinutes() float64 {
	if t.OpenedAt.IsZero() {
		return 0
	}
	end := t.ClosedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(t.OpenedAt).Minutes()
}

// ValidateState ensures the trade is consistent with strong invariants
func (t *Trade) ValidateState() error {
	if err := t.ensureMachine().ValidateStateConsistency(); err != nil {
		return fmt.Errorf("trade %s state validation failed: %w", t.ID, err)
	}

	if !t.Side.Valid() {
		return fmt.Errorf("trade %s: invalid side %q", t.ID, t.Side)
	}
	if t.CurrentDCA < 0 || t.CurrentDCA > t.MaxDCA {
		return fmt.Errorf("trade %s: current_dca %d outside [0, %d]", t.ID, t.CurrentDCA, t.MaxDCA)
	}
	if t.TotalQty < 0 || t.TotalMargin < 0 {
		return fmt.Errorf("trade %s: negative qty/margin (%.8f / %.8f)", t.ID, t.TotalQty, t.TotalMargin)
	}

	// Accounting identity: total = filled adds - filled TP closes
	expected := t.FilledAddQty() - t.TotalTPClosedQty()
	if math.Abs(expected-t.TotalQty) > 1e-6*math.Max(1, expected) {
		return fmt.Errorf("trade %s: total_qty %.8f does not match fills %.8f",
			t.ID, t.TotalQty, expected)
	}

	hit := 0
	for _, filled := range t.TPFilled {
		if filled {
			hit++
		}
	}
	if hit != t.TPsHit {
		return fmt.Errorf("trade %s: tps_hit %d does not match filled flags %d", t.ID, t.TPsHit, hit)
	}

	switch t.Status {
	case StatePending:
		if len(t.DCALevels) > 0 && t.DCALevels[0].Filled {
			return fmt.Errorf("trade %s in state %s: E1 must be unfilled", t.ID, t.Status)
		}
		if t.TotalQty != 0 {
			return fmt.Errorf("trade %s in state %s: total_qty must be zero (current: %.8f)",
				t.ID, t.Status, t.TotalQty)
		}
	case StateOpen, StateTrailing:
		if t.TotalQty <= 0 || t.AvgPrice <= 0 {
			return fmt.Errorf("trade %s in state %s: total_qty and avg_price must be positive (%.8f / %.8f)",
				t.ID, t.Status, t.TotalQty, t.AvgPrice)
		}
		if t.OpenedAt.IsZero() {
			return fmt.Errorf("trade %s in state %s: opened_at must be set", t.ID, t.Status)
		}
	case StateDCAActive:
		if t.TotalQty <= 0 || t.AvgPrice <= 0 {
			return fmt.Errorf("trade %s in state %s: total_qty and avg_price must be positive (%.8f / %.8f)",
				t.ID, t.Status, t.TotalQty, t.AvgPrice)
		}
		if t.CurrentDCA < 1 {
			return fmt.Errorf("trade %s in state %s: current_dca must be >= 1 (current: %d)",
				t.ID, t.Status, t.CurrentDCA)
		}
	case StateClosed:
		if t.ClosedAt.IsZero() {
			return fmt.Errorf("trade %s in state %s: closed_at must be set", t.ID, t.Status)
		}
		if strings.TrimSpace(t.CloseReason) == "" {
			return fmt.Errorf("trade %s in state %s: close_reason must be set", t.ID, t.Status)
		}
	default:
		return fmt.Errorf("trade %s: unknown state %q", t.ID, t.Status)
	}

	return nil
}

// Copy creates a deep copy of the trade for lock-free readers
func (t *Trade) Copy() *Trade {
	if t == nil {
		return nil
	}

	c := *t
	c.StateMachine = t.StateMachine.Copy()

	c.SignalTargets = append([]float64(nil), t.SignalTargets...)
	c.DCALevels = append([]DCALevel(nil), t.DCALevels...)
	c.TPPrices = append([]float64(nil), t.TPPrices...)
	c.TPClosePcts = append([]float64(nil), t.TPClosePcts...)
	c.TPCloseQtys = append([]float64(nil), t.TPCloseQtys...)
	c.TPFilled = append([]bool(nil), t.TPFilled...)
	c.TPOrderIDs = append([]string(nil), t.TPOrderIDs...)

	return &c
}
