package models

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func newOpenTrade(t *testing.T) *Trade {
	t.Helper()

	tr := NewTrade("FOOUSDT_1700000000_1", "FOOUSDT", SideLong, 100, 20)
	tr.MaxDCA = 2
	tr.DCALevels = []DCALevel{
		{Price: 100, Qty: 8, Margin: 40, Source: "entry"},
		{Price: 95, Qty: 16, Margin: 80, Source: "fixed"},
		{Price: 90, Qty: 32, Margin: 160, Source: "fixed"},
	}
	if err := tr.TransitionState(StateOpen, "entry_filled"); err != nil {
		t.Fatalf("open: %v", err)
	}
	tr.DCALevels[0].Filled = true
	tr.DCALevels[0].FillPrice = 100
	tr.TotalQty = 8
	tr.TotalMargin = 40
	tr.AvgPrice = 100
	return tr
}

func TestTradeTransitionsSetTimestamps(t *testing.T) {
	tr := newOpenTrade(t)

	if tr.OpenedAt.IsZero() {
		t.Error("OpenedAt not set on OPEN transition")
	}

	tr.CloseReason = "manual"
	if err := tr.TransitionState(StateClosed, "manual_close"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if tr.ClosedAt.IsZero() {
		t.Error("ClosedAt not set on CLOSED transition")
	}
}

func TestTradeValidateState(t *testing.T) {
	t.Run("open trade is valid", func(t *testing.T) {
		tr := newOpenTrade(t)
		if err := tr.ValidateState(); err != nil {
			t.Errorf("expected valid, got: %v", err)
		}
	})

	t.Run("pending with qty is invalid", func(t *testing.T) {
		tr := NewTrade("id", "FOOUSDT", SideLong, 100, 20)
		tr.TotalQty = 5
		if err := tr.ValidateState(); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("dca_active requires current_dca >= 1", func(t *testing.T) {
		tr := newOpenTrade(t)
		if err := tr.TransitionState(StateDCAActive, "dca_filled"); err != nil {
			t.Fatalf("dca: %v", err)
		}
		if err := tr.ValidateState(); err == nil {
			t.Error("expected error with current_dca == 0")
		}
	})

	t.Run("qty identity violation detected", func(t *testing.T) {
		tr := newOpenTrade(t)
		tr.TotalQty = 42 // does not match filled levels
		if err := tr.ValidateState(); err == nil {
			t.Error("expected accounting identity error")
		}
	})

	t.Run("tps_hit must match filled flags", func(t *testing.T) {
		tr := newOpenTrade(t)
		tr.TPFilled = []bool{true, false}
		tr.TPCloseQtys = []float64{0, 0}
		tr.TPsHit = 0
		if err := tr.ValidateState(); err == nil {
			t.Error("expected tps_hit mismatch error")
		}
	})

	t.Run("closed requires reason", func(t *testing.T) {
		tr := newOpenTrade(t)
		if err := tr.TransitionState(StateClosed, "position_closed"); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := tr.ValidateState(); err == nil {
			t.Error("expected missing close_reason error")
		}
	})
}

func TestDeepestFilledPrice(t *testing.T) {
	tr := newOpenTrade(t)

	if got := tr.DeepestFilledPrice(); got != 100 {
		t.Errorf("E1 only: expected 100, got %v", got)
	}

	tr.DCALevels[1].Filled = true
	tr.DCALevels[1].FillPrice = 94.8
	if got := tr.DeepestFilledPrice(); got != 94.8 {
		t.Errorf("after DCA1: expected 94.8, got %v", got)
	}

	// Unfilled deeper level must not count.
	if tr.DCALevels[2].Filled {
		t.Fatal("test setup broken")
	}
}

func TestTPPriceBySide(t *testing.T) {
	long := &Trade{Side: SideLong}
	short := &Trade{Side: SideShort}

	if got := long.TPPrice(100, 1); math.Abs(got-101) > 1e-9 {
		t.Errorf("long TP: expected 101, got %v", got)
	}
	if got := short.TPPrice(100, 1); math.Abs(got-99) > 1e-9 {
		t.Errorf("short TP: expected 99, got %v", got)
	}
}

func TestPnLAt(t *testing.T) {
	long := &Trade{Side: SideLong, AvgPrice: 100}
	short := &Trade{Side: SideShort, AvgPrice: 100}

	if got := long.PnLAt(101, 4); math.Abs(got-4) > 1e-9 {
		t.Errorf("long pnl: expected 4, got %v", got)
	}
	if got := short.PnLAt(101, 4); math.Abs(got-(-4)) > 1e-9 {
		t.Errorf("short pnl: expected -4, got %v", got)
	}
}

// Serialization round trip: a snapshot written on a state change must
// rebuild the identical observable trade after a restart.
func TestTradeJSONRoundTrip(t *testing.T) {
	tr := newOpenTrade(t)
	tr.BatchID = "0f8f1c3a"
	tr.SignalTargets = []float64{101, 102, 103, 104}
	tr.TPMode = TPModeSignal
	tr.TPPrices = []float64{101, 102, 103, 104}
	tr.TPClosePcts = []float64{50, 10, 10, 10}
	tr.TPCloseQtys = []float64{4, 0.8, 0.8, 0.8}
	tr.TPFilled = []bool{true, false, false, false}
	tr.TPOrderIDs = []string{"o1", "o2", "o3", "o4"}
	tr.TPsHit = 1
	tr.TPRealized = 4
	tr.TotalQty = 4
	tr.HardSLPrice = 92.15
	tr.EquityAtEntry = 2400
	tr.OpenedAt = time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)

	data, err := json.Marshal(tr)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Trade
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.StateMachine != nil {
		t.Error("StateMachine must not round trip through JSON")
	}
	if got.Status != StateOpen {
		t.Errorf("status: expected OPEN, got %s", got.Status)
	}
	if got.ID != tr.ID || got.Symbol != tr.Symbol || got.Side != tr.Side {
		t.Error("identity fields did not round trip")
	}
	if len(got.DCALevels) != 3 || !got.DCALevels[0].Filled || got.DCALevels[0].FillPrice != 100 {
		t.Error("dca levels did not round trip")
	}
	if got.TPsHit != 1 || math.Abs(got.TPRealized-4) > 1e-9 {
		t.Error("tp accounting did not round trip")
	}
	if math.Abs(got.HardSLPrice-92.15) > 1e-9 {
		t.Error("hard SL did not round trip")
	}
	if !got.OpenedAt.Equal(tr.OpenedAt) {
		t.Error("opened_at did not round trip")
	}

	// The rebuilt machine must accept the next legal transition.
	if err := got.TransitionState(StateDCAActive, "dca_filled"); err != nil {
		t.Errorf("rebuilt trade rejected legal transition: %v", err)
	}
}

func TestTradeCopyIsDeep(t *testing.T) {
	tr := newOpenTrade(t)
	tr.TPPrices = []float64{101, 102}
	tr.TPFilled = []bool{false, false}

	cp := tr.Copy()
	cp.TPPrices[0] = 999
	cp.TPFilled[0] = true
	cp.DCALevels[1].Filled = true

	if tr.TPPrices[0] == 999 || tr.TPFilled[0] || tr.DCALevels[1].Filled {
		t.Error("Copy shares backing arrays with original")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"AAVE/USDT", "AAVEUSDT"},
		{"aave/usdt", "AAVEUSDT"},
		{"BTC-USDT", "BTCUSDT"},
		{"ONDO", "ONDOUSDT"},
		{" foo/usdt ", "FOOUSDT"},
	}

	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in); got != tt.expected {
			t.Errorf("NormalizeSymbol(%q) = %q, expected %q", tt.in, got, tt.expected)
		}
	}
}

func TestClassifyPnL(t *testing.T) {
	tests := []struct {
		pnl      float64
		expected Result
	}{
		{5.0, ResultWin},
		{-5.0, ResultLoss},
		{0.005, ResultBreakeven},
		{-0.005, ResultBreakeven},
		{0.011, ResultWin},
		{-0.011, ResultLoss},
	}

	for _, tt := range tests {
		if got := ClassifyPnL(tt.pnl); got != tt.expected {
			t.Errorf("ClassifyPnL(%v) = %s, expected %s", tt.pnl, got, tt.expected)
		}
	}
}

func TestNewClosedTradeTrailMetric(t *testing.T) {
	tr := newOpenTrade(t)
	tr.TPRealized = 6
	tr.TPsHit = 2
	tr.TPFilled = []bool{true, true}
	tr.TPCloseQtys = []float64{4, 0.8}
	tr.TotalQty = 3.2
	tr.CloseReason = "Trailing stop"
	if err := tr.TransitionState(StateClosed, "position_closed"); err != nil {
		t.Fatalf("close: %v", err)
	}

	ct := NewClosedTrade(tr, 104.5, 10, 2410, "Trailing stop")

	if ct.Result != ResultWin {
		t.Errorf("expected win, got %s", ct.Result)
	}
	// (10 total - 6 from TPs) / 40 margin * 100 = 10%
	if math.Abs(ct.TrailPnLPct-10) > 1e-9 {
		t.Errorf("trail_pnl_pct: expected 10, got %v", ct.TrailPnLPct)
	}
	if math.Abs(ct.PnLPctMargin-25) > 1e-9 {
		t.Errorf("pnl_pct_margin: expected 25, got %v", ct.PnLPctMargin)
	}
	if !ct.TP1Hit || ct.TPsHit != 2 {
		t.Error("tp counters wrong on journal entry")
	}
}
