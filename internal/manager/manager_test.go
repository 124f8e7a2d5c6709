package manager

import (
	"errors"
	"log"
	"math"
	"os"
	"testing"
	"time"

	"github.com/fleetfox/signal_dca/internal/config"
	"github.com/fleetfox/signal_dca/internal/exchange"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/storage"
	"github.com/fleetfox/signal_dca/internal/zones"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Trading.Leverage = 1
	cfg.Trading.EquityPctPerTrade = 10
	cfg.Trading.MaxSimultaneousTrades = 2
	cfg.DCA.Multipliers = []float64{1, 2}
	cfg.DCA.MaxLevels = 1
	cfg.DCA.TPPcts = []float64{1, 2}
	cfg.DCA.TPShares = []float64{60, 40}
	cfg.TakeProfit.ClosePcts = []float64{50, 10, 10, 10}
	cfg.TakeProfit.TrailingCallbackPct = 1.0
	cfg.StopLoss.HardSLPct = 3.0
	return cfg
}

func newTestManager(t *testing.T) (*Manager, *storage.MockStorage) {
	t.Helper()
	store := storage.NewMockStorage()
	m := New(testConfig(), store, log.New(os.Stderr, "", 0))
	m.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return m, store
}

func longSignal(symbol string) models.Signal {
	return models.Signal{
		Side:       models.SideLong,
		Symbol:     symbol,
		EntryPrice: 100,
		Targets:    []float64{102, 104, 106, 110},
	}
}

// ladder: entry at 100, one averaging level at 50.
func twoLevels() []zones.Level {
	return []zones.Level{
		{Price: 100, Source: zones.SourceEntry},
		{Price: 50, Source: zones.SourceFixed},
	}
}

func inst(minQty, step float64) *exchange.Instrument {
	return &exchange.Instrument{MinQty: minQty, QtyStep: step, TickSize: 0.0001}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// openTrade creates and fills E1 so tests can start from OPEN.
func openTrade(t *testing.T, m *Manager, symbol string) *models.Trade {
	t.Helper()
	tr, err := m.Create(longSignal(symbol), 3000, twoLevels(), "batch-1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	tr, err = m.RecordEntryFill(tr.ID, 0, 100)
	if err != nil {
		t.Fatalf("RecordEntryFill() error: %v", err)
	}
	return tr
}

func TestCreateSizesLadder(t *testing.T) {
	m, store := newTestManager(t)

	// equity 3000, 10% per trade = 300 budget, multipliers 1+2 -> E1
	// margin 100, level 1 margin 200. Leverage 1.
	tr, err := m.Create(longSignal("FOOUSDT"), 3000, twoLevels(), "batch-1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if tr.GetCurrentState() != models.StatePending {
		t.Errorf("state = %s, want PENDING", tr.GetCurrentState())
	}
	if tr.BatchID != "batch-1" || tr.EquityAtEntry != 3000 {
		t.Errorf("batch/equity = %s/%v", tr.BatchID, tr.EquityAtEntry)
	}
	if len(tr.DCALevels) != 2 {
		t.Fatalf("got %d ladder levels, want 2", len(tr.DCALevels))
	}
	if !approx(tr.DCALevels[0].Margin, 100) || !approx(tr.DCALevels[0].Qty, 1) {
		t.Errorf("E1 margin/qty = %v/%v, want 100/1", tr.DCALevels[0].Margin, tr.DCALevels[0].Qty)
	}
	if !approx(tr.DCALevels[1].Margin, 200) || !approx(tr.DCALevels[1].Qty, 4) {
		t.Errorf("level 1 margin/qty = %v/%v, want 200/4", tr.DCALevels[1].Margin, tr.DCALevels[1].Qty)
	}

	// Snapshot written.
	loaded, err := store.LoadActiveTrades()
	if err != nil || len(loaded) != 1 {
		t.Fatalf("LoadActiveTrades() = %d trades, err %v", len(loaded), err)
	}
	if loaded[0].ID != tr.ID {
		t.Errorf("persisted id = %s, want %s", loaded[0].ID, tr.ID)
	}
}

func TestCanOpenTradeGates(t *testing.T) {
	m, _ := newTestManager(t)
	m.cfg.Filters.BlockedSymbols = []string{"SCAMUSDT"}

	if err := m.CanOpenTrade("SCAMUSDT"); !errors.Is(err, ErrSymbolBlocked) {
		t.Errorf("blocked symbol: err = %v", err)
	}

	openTrade(t, m, "FOOUSDT")
	if err := m.CanOpenTrade("FOOUSDT"); !errors.Is(err, ErrSymbolActive) {
		t.Errorf("duplicate symbol: err = %v", err)
	}

	openTrade(t, m, "BARUSDT")
	if err := m.CanOpenTrade("BAZUSDT"); !errors.Is(err, ErrNoFreeSlots) {
		t.Errorf("slots full: err = %v", err)
	}
}

func TestRecordEntryFill(t *testing.T) {
	m, _ := newTestManager(t)

	tr, err := m.Create(longSignal("FOOUSDT"), 3000, twoLevels(), "")
	if err != nil {
		t.Fatal(err)
	}
	tr, err = m.RecordEntryFill(tr.ID, 0.998, 100.2)
	if err != nil {
		t.Fatalf("RecordEntryFill() error: %v", err)
	}
	if tr.GetCurrentState() != models.StateOpen {
		t.Errorf("state = %s, want OPEN", tr.GetCurrentState())
	}
	// Observed fill overrides the planned qty.
	if !approx(tr.TotalQty, 0.998) || !approx(tr.AvgPrice, 100.2) {
		t.Errorf("qty/avg = %v/%v", tr.TotalQty, tr.AvgPrice)
	}
	if tr.OpenedAt.IsZero() {
		t.Error("OpenedAt not set")
	}
}

func TestFillDCARecomputesAvgAndHardSL(t *testing.T) {
	m, _ := newTestManager(t)
	tr := openTrade(t, m, "FOOUSDT")

	// qty 1 @ 100 plus qty 4 @ 50 -> avg (100 + 200) / 5 = 60.
	tr, err := m.FillDCA(tr.ID, 1, 50)
	if err != nil {
		t.Fatalf("FillDCA() error: %v", err)
	}
	if tr.GetCurrentState() != models.StateDCAActive {
		t.Errorf("state = %s, want DCA_ACTIVE", tr.GetCurrentState())
	}
	if !approx(tr.AvgPrice, 60) || !approx(tr.TotalQty, 5) {
		t.Errorf("avg/qty = %v/%v, want 60/5", tr.AvgPrice, tr.TotalQty)
	}
	if tr.CurrentDCA != 1 {
		t.Errorf("CurrentDCA = %d, want 1", tr.CurrentDCA)
	}
	// Hard SL anchors on the deepest fill, not the average: 50 * 0.97.
	if !approx(tr.HardSLPrice, 48.5) {
		t.Errorf("HardSLPrice = %v, want 48.5", tr.HardSLPrice)
	}
	if !approx(tr.TotalMargin, 300) {
		t.Errorf("TotalMargin = %v, want 300", tr.TotalMargin)
	}

	// Double fill of the same level is rejected.
	if _, err := m.FillDCA(tr.ID, 1, 50); err == nil {
		t.Error("second fill of level 1 accepted")
	}
}

func TestSetupSignalTPs(t *testing.T) {
	m, _ := newTestManager(t)
	tr := openTrade(t, m, "FOOUSDT")

	orders, err := m.SetupSignalTPs(tr.ID, inst(0.01, 0.01))
	if err != nil {
		t.Fatalf("SetupSignalTPs() error: %v", err)
	}
	// qty 1 split 50/10/10/10 over the four targets.
	if len(orders) != 4 {
		t.Fatalf("got %d orders, want 4", len(orders))
	}
	wantQty := []float64{0.5, 0.1, 0.1, 0.1}
	wantPrice := []float64{102, 104, 106, 110}
	for i, o := range orders {
		if !approx(o.Qty, wantQty[i]) || !approx(o.Price, wantPrice[i]) {
			t.Errorf("order %d = %+v, want qty %v price %v", i, o, wantQty[i], wantPrice[i])
		}
	}

	tr, _ = m.Get(tr.ID)
	if tr.TPMode != models.TPModeSignal {
		t.Errorf("TPMode = %s", tr.TPMode)
	}
}

func TestSetupSignalTPsConsolidatesSmallLegs(t *testing.T) {
	m, _ := newTestManager(t)
	tr := openTrade(t, m, "FOOUSDT")

	// min qty 0.2: the 0.1 legs drop, their share trails.
	orders, err := m.SetupSignalTPs(tr.ID, inst(0.2, 0.01))
	if err != nil {
		t.Fatalf("SetupSignalTPs() error: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	if !approx(orders[0].Qty, 0.5) || !approx(orders[0].Price, 102) {
		t.Errorf("surviving order = %+v", orders[0])
	}

	tr, _ = m.Get(tr.ID)
	if len(tr.TPPrices) != 1 {
		t.Errorf("trade keeps %d legs, want 1", len(tr.TPPrices))
	}
	if tr.GetCurrentState() != models.StateOpen {
		t.Errorf("state = %s, want OPEN while a leg survives", tr.GetCurrentState())
	}
}

func TestSetupSignalTPsAllDroppedGoesTrailing(t *testing.T) {
	m, _ := newTestManager(t)
	tr := openTrade(t, m, "FOOUSDT")

	// min qty above every leg: nothing placeable, whole position trails.
	orders, err := m.SetupSignalTPs(tr.ID, inst(2, 0.01))
	if err != nil {
		t.Fatalf("SetupSignalTPs() error: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("got %d orders, want 0", len(orders))
	}

	tr, _ = m.Get(tr.ID)
	if tr.GetCurrentState() != models.StateTrailing {
		t.Errorf("state = %s, want TRAILING", tr.GetCurrentState())
	}
	if !tr.TrailingActive {
		t.Error("TrailingActive not set")
	}
}

func TestSetupAvgTPs(t *testing.T) {
	m, _ := newTestManager(t)
	tr := openTrade(t, m, "FOOUSDT")
	tr, err := m.FillDCA(tr.ID, 1, 50)
	if err != nil {
		t.Fatal(err)
	}

	orders, err := m.SetupAvgTPs(tr.ID, inst(0.01, 0.01))
	if err != nil {
		t.Fatalf("SetupAvgTPs() error: %v", err)
	}
	// avg 60, pcts 1/2 above it, shares 60/40 of qty 5.
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(orders))
	}
	if !approx(orders[0].Price, 60.6) || !approx(orders[0].Qty, 3) {
		t.Errorf("leg 1 = %+v, want 60.6 x 3", orders[0])
	}
	if !approx(orders[1].Price, 61.2) || !approx(orders[1].Qty, 2) {
		t.Errorf("leg 2 = %+v, want 61.2 x 2", orders[1])
	}

	tr, _ = m.Get(tr.ID)
	if tr.TPMode != models.TPModeAvg {
		t.Errorf("TPMode = %s", tr.TPMode)
	}
}

func TestRecordTPFillAccounting(t *testing.T) {
	m, _ := newTestManager(t)
	tr := openTrade(t, m, "FOOUSDT")
	if _, err := m.SetupSignalTPs(tr.ID, inst(0.01, 0.01)); err != nil {
		t.Fatal(err)
	}

	tr, err := m.RecordTPFill(tr.ID, 0, 102)
	if err != nil {
		t.Fatalf("RecordTPFill() error: %v", err)
	}
	// (102 - 100) * 0.5 long.
	if !approx(tr.TPRealized, 1.0) {
		t.Errorf("TPRealized = %v, want 1.0", tr.TPRealized)
	}
	if !approx(tr.TotalQty, 0.5) || tr.TPsHit != 1 {
		t.Errorf("qty/hit = %v/%d", tr.TotalQty, tr.TPsHit)
	}
	if tr.GetCurrentState() != models.StateOpen {
		t.Errorf("state = %s after partial fills", tr.GetCurrentState())
	}

	// Replay of the same leg is rejected.
	if _, err := m.RecordTPFill(tr.ID, 0, 102); err == nil {
		t.Error("duplicate TP fill accepted")
	}

	for i := 1; i < 4; i++ {
		if tr, err = m.RecordTPFill(tr.ID, i, tr.TPPrices[i]); err != nil {
			t.Fatalf("RecordTPFill(%d) error: %v", i, err)
		}
	}
	if tr.GetCurrentState() != models.StateTrailing {
		t.Errorf("state = %s after last leg, want TRAILING", tr.GetCurrentState())
	}
	if !tr.TrailingActive || tr.TPsHit != 4 {
		t.Errorf("trailing/hit = %v/%d", tr.TrailingActive, tr.TPsHit)
	}
}

func TestScaleInLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	tr := openTrade(t, m, "FOOUSDT")
	if _, err := m.SetupSignalTPs(tr.ID, inst(0.01, 0.01)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordTPFill(tr.ID, 0, 102); err != nil {
		t.Fatal(err)
	}

	tr, err := m.StartScaleIn(tr.ID, "si-1", 0.5, 101, 50)
	if err != nil {
		t.Fatalf("StartScaleIn() error: %v", err)
	}
	if !tr.ScaleInPending || tr.ScaleInOrderID != "si-1" {
		t.Errorf("pending/order = %v/%s", tr.ScaleInPending, tr.ScaleInOrderID)
	}
	if _, err := m.StartScaleIn(tr.ID, "si-2", 0.5, 101, 50); err == nil {
		t.Error("second scale-in accepted while one is in flight")
	}

	// Exchange reports the merged position: qty 1.0 at avg 100.5.
	tr, err = m.CompleteScaleIn(tr.ID, 100.5, 1.0)
	if err != nil {
		t.Fatalf("CompleteScaleIn() error: %v", err)
	}
	if !tr.ScaleInFilled || tr.ScaleInPending {
		t.Errorf("filled/pending = %v/%v", tr.ScaleInFilled, tr.ScaleInPending)
	}
	if !approx(tr.TotalQty, 1.0) || !approx(tr.AvgPrice, 100.5) {
		t.Errorf("qty/avg = %v/%v, want 1.0/100.5", tr.TotalQty, tr.AvgPrice)
	}
	// Identity: recorded adds minus TP closes equals position qty.
	if err := tr.ValidateState(); err != nil {
		t.Errorf("ValidateState() after scale-in: %v", err)
	}

	// Redistribution: unfilled legs 10/10/10 plus 20 trailing share 50
	// total -> each unfilled leg takes 10/50 of qty 1.0 = 0.2.
	orders, err := m.RecalcTPsAfterScaleIn(tr.ID, inst(0.01, 0.01))
	if err != nil {
		t.Fatalf("RecalcTPsAfterScaleIn() error: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("got %d orders, want 3", len(orders))
	}
	for _, o := range orders {
		if !approx(o.Qty, 0.2) {
			t.Errorf("order %d qty = %v, want 0.2", o.Index, o.Qty)
		}
	}
	// Prices never move on recalc.
	if !approx(orders[0].Price, 104) || !approx(orders[2].Price, 110) {
		t.Errorf("prices moved: %+v", orders)
	}
}

func TestStopBookkeeping(t *testing.T) {
	m, _ := newTestManager(t)
	tr := openTrade(t, m, "FOOUSDT")

	tr, err := m.SetStopLoss(tr.ID, 99)
	if err != nil || !approx(tr.CurrentSL, 99) {
		t.Fatalf("SetStopLoss() = %v, err %v", tr.CurrentSL, err)
	}

	tr, err = m.ActivateQuickTrail(tr.ID, 99.5)
	if err != nil || !tr.QuickTrailActive || !approx(tr.CurrentSL, 99.5) {
		t.Fatalf("ActivateQuickTrail() = %+v, err %v", tr, err)
	}
	// One-shot.
	if _, err := m.ActivateQuickTrail(tr.ID, 99.6); err == nil {
		t.Error("second quick-trail accepted")
	}
}

func TestCloseWritesJournalOnce(t *testing.T) {
	m, store := newTestManager(t)
	tr := openTrade(t, m, "FOOUSDT")

	ct, err := m.Close(tr.ID, CloseRequest{
		Price:         101,
		RealizedPnL:   1.0,
		EquityAtClose: 3001,
		Reason:        "Stop loss hit",
		Condition:     "position_closed",
	})
	if err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if ct.Reason != "Stop loss hit" || !approx(ct.RealizedPnL, 1.0) {
		t.Errorf("journal = %+v", ct)
	}

	// Gone from the active set and the snapshot store.
	if _, ok := m.Get(tr.ID); ok {
		t.Error("closed trade still tracked")
	}
	if loaded, _ := store.LoadActiveTrades(); len(loaded) != 0 {
		t.Errorf("%d snapshots remain", len(loaded))
	}
	closed, _ := store.GetClosedTrades(10)
	if len(closed) != 1 {
		t.Fatalf("%d journal rows, want 1", len(closed))
	}

	// Replays cannot double-journal.
	if _, err := m.Close(tr.ID, CloseRequest{Condition: "position_closed"}); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("second close err = %v", err)
	}
}

func TestCloseEstimatesPnLFromPrice(t *testing.T) {
	m, _ := newTestManager(t)
	tr := openTrade(t, m, "FOOUSDT")

	// qty 1 long from 100 closed at 103 with no ledger number yet.
	ct, err := m.Close(tr.ID, CloseRequest{Price: 103, Condition: "manual_close", Reason: "Manual"})
	if err != nil {
		t.Fatal(err)
	}
	if !approx(ct.RealizedPnL, 3.0) {
		t.Errorf("estimated pnl = %v, want 3.0", ct.RealizedPnL)
	}
}

func TestCloseKeepsTPRealizedWhenFlat(t *testing.T) {
	m, _ := newTestManager(t)
	m.cfg.TakeProfit.ClosePcts = []float64{50, 50}
	tr := openTrade(t, m, "FOOUSDT")
	if _, err := m.SetupSignalTPs(tr.ID, inst(0.01, 0.01)); err != nil {
		t.Fatal(err)
	}

	// Two legs consume the whole qty: 0.5 @ 102 and 0.5 @ 104.
	if _, err := m.RecordTPFill(tr.ID, 0, 102); err != nil {
		t.Fatal(err)
	}
	tr, err := m.RecordTPFill(tr.ID, 1, 104)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(tr.TotalQty, 0) {
		t.Fatalf("TotalQty = %v, want 0", tr.TotalQty)
	}

	// No ledger number and nothing left to mark: the journal still
	// carries the TP legs' realized total.
	ct, err := m.Close(tr.ID, CloseRequest{Reason: "Position closed", Condition: "position_closed"})
	if err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !approx(ct.RealizedPnL, 3.0) {
		t.Errorf("journal pnl = %v, want 3.0", ct.RealizedPnL)
	}
}

func TestClosePendingEntryTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	tr, err := m.Create(longSignal("FOOUSDT"), 3000, twoLevels(), "")
	if err != nil {
		t.Fatal(err)
	}

	ct, err := m.Close(tr.ID, CloseRequest{Reason: "Entry timeout", Condition: "entry_timeout"})
	if err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if ct.RealizedPnL != 0 {
		t.Errorf("stillborn close pnl = %v", ct.RealizedPnL)
	}
}

func TestCloseRejectsInvalidCondition(t *testing.T) {
	m, _ := newTestManager(t)
	tr, err := m.Create(longSignal("FOOUSDT"), 3000, twoLevels(), "")
	if err != nil {
		t.Fatal(err)
	}
	// all_tps_filled is not a valid transition out of PENDING.
	if _, err := m.Close(tr.ID, CloseRequest{Condition: "all_tps_filled"}); err == nil {
		t.Error("invalid transition accepted")
	}
	// Trade survives the rejected close.
	if _, ok := m.Get(tr.ID); !ok {
		t.Error("trade evicted by failed close")
	}
}

func TestLoadFromStore(t *testing.T) {
	m, store := newTestManager(t)
	tr := openTrade(t, m, "FOOUSDT")

	// Fresh manager over the same store, as after a restart.
	m2 := New(testConfig(), store, log.New(os.Stderr, "", 0))
	n, err := m2.LoadFromStore()
	if err != nil || n != 1 {
		t.Fatalf("LoadFromStore() = %d, err %v", n, err)
	}
	got, ok := m2.Get(tr.ID)
	if !ok {
		t.Fatal("recovered trade missing")
	}
	if got.GetCurrentState() != models.StateOpen || !approx(got.TotalQty, 1) {
		t.Errorf("recovered = %s qty %v", got.GetCurrentState(), got.TotalQty)
	}
}

func TestPersistFailureDoesNotBlockTrading(t *testing.T) {
	m, store := newTestManager(t)
	tr := openTrade(t, m, "FOOUSDT")
	store.FailWrites = errors.New("disk full")

	// Mutations still apply in memory.
	tr, err := m.SetStopLoss(tr.ID, 99)
	if err != nil {
		t.Fatalf("SetStopLoss() with store down: %v", err)
	}
	if !approx(tr.CurrentSL, 99) {
		t.Errorf("CurrentSL = %v", tr.CurrentSL)
	}
}
