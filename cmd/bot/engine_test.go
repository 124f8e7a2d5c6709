package main

import (
	"context"
	"io"
	"log"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/fleetfox/signal_dca/internal/config"
	"github.com/fleetfox/signal_dca/internal/exchange"
	"github.com/fleetfox/signal_dca/internal/manager"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/storage"
	"github.com/fleetfox/signal_dca/internal/zones"
)

func scenarioConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Trading.Leverage = 20
	cfg.Trading.EquityPctPerTrade = 5
	cfg.Trading.MaxSimultaneousTrades = 2
	cfg.Trading.E1TimeoutMinutes = 30
	cfg.DCA.Multipliers = []float64{1, 2}
	cfg.DCA.SpacingPct = []float64{0, 3}
	cfg.DCA.MaxLevels = 1
	cfg.DCA.TPPcts = []float64{1, 2}
	cfg.DCA.TPShares = []float64{60, 40}
	cfg.TakeProfit.ClosePcts = []float64{50, 10, 10, 10}
	cfg.TakeProfit.TrailingCallbackPct = 0.5
	cfg.TakeProfit.BEBufferPct = 0.1
	cfg.StopLoss.HardSLPct = 3
	cfg.StopLoss.SafetySLPct = 5
	cfg.StopLoss.QuickTrailTriggerPct = 1
	cfg.StopLoss.QuickTrailBufferPct = 0.2
	cfg.ScaleIn.Enabled = true
	cfg.Zones.SnapMinPct = 2
	cfg.Zones.LimitBufferPct = 0.2
	cfg.Zones.ResnapThresholdPct = 0.3
	cfg.Zones.SwingLookback = 5
	cfg.Zones.CandleCount = 100
	cfg.Batch.WindowSeconds = 60
	cfg.Batch.MaxFillsPerBatch = 2
	return cfg
}

type scenario struct {
	cfg    *config.Config
	ex     *exchange.MockExchange
	store  *storage.MockStorage
	trades *manager.Manager
	engine *Engine

	stops   []exchange.StopParams
	cancels []string
}

// newScenario wires an engine on mocks. Order ids equal link ids, stops
// and cancels are captured, the position defaults to alive.
func newScenario(t *testing.T) *scenario {
	t.Helper()
	s := &scenario{
		cfg:   scenarioConfig(),
		ex:    &exchange.MockExchange{},
		store: storage.NewMockStorage(),
	}
	logger := log.New(io.Discard, "", 0)
	s.trades = manager.New(s.cfg, s.store, logger)
	s.engine = NewEngine(s.cfg, s.ex, nil, s.trades, zones.NewSource(s.store, logger), s.store, nil, logger)
	s.engine.sleep = func(time.Duration) {}

	s.ex.EquityFunc = func(context.Context) (float64, error) { return 2400, nil }
	s.ex.PlaceOrderFunc = func(_ context.Context, req exchange.OrderRequest) (string, error) {
		return req.LinkID, nil
	}
	s.ex.SetConditionalStopFunc = func(_ context.Context, _ string, _ models.Side, p exchange.StopParams) (bool, error) {
		s.stops = append(s.stops, p)
		return true, nil
	}
	s.ex.CancelFunc = func(_ context.Context, _ string, orderID string) error {
		s.cancels = append(s.cancels, orderID)
		return nil
	}
	s.ex.PositionFunc = func(_ context.Context, symbol string, side models.Side) (*exchange.Position, error) {
		tr, ok := s.trades.BySymbol(symbol)
		if !ok || tr.TotalQty <= 0 {
			return nil, nil
		}
		return &exchange.Position{Qty: tr.TotalQty, AvgPrice: tr.AvgPrice, StopLoss: tr.CurrentSL}, nil
	}
	return s
}

func longSignal(symbol string) models.Signal {
	return models.Signal{
		Side:       models.SideLong,
		Symbol:     symbol,
		Display:    symbol,
		EntryPrice: 100,
		Targets:    []float64{102, 104, 106, 110},
	}
}

// fillOrders marks the given order ids as filled at the given price for
// subsequent status queries.
func (s *scenario) fillOrders(price float64, suffixes ...string) {
	s.ex.OrderStatusFunc = func(_ context.Context, _ string, orderID string) (*exchange.OrderStatus, error) {
		for _, suf := range suffixes {
			if strings.HasSuffix(orderID, suf) {
				return &exchange.OrderStatus{State: exchange.OrderFilled, AvgFillPrice: price}, nil
			}
		}
		return &exchange.OrderStatus{State: exchange.OrderOpen}, nil
	}
}

func (s *scenario) openLong(t *testing.T, symbol string) *models.Trade {
	t.Helper()
	if got := s.engine.EnqueueSignal(longSignal(symbol)); got != "buffered" {
		t.Fatalf("enqueue = %s", got)
	}
	s.engine.FlushBatch()
	tr, ok := s.trades.BySymbol(symbol)
	if !ok {
		t.Fatal("trade not created")
	}
	return tr
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestMarketEntryPlacesFullLadder(t *testing.T) {
	s := newScenario(t)
	tr := s.openLong(t, "FOOUSDT")

	if tr.GetCurrentState() != models.StateOpen {
		t.Fatalf("state = %s", tr.GetCurrentState())
	}
	// Equity 2400, 5% per trade, multipliers 1+2: E1 margin 40, 20x at
	// 100 is qty 8.
	if !near(tr.TotalQty, 8) || !near(tr.AvgPrice, 100) {
		t.Errorf("qty %.4f avg %.4f", tr.TotalQty, tr.AvgPrice)
	}

	var entry, dca, tps int
	for _, req := range s.ex.Orders {
		switch {
		case strings.HasSuffix(req.LinkID, "_E1"):
			entry++
			if req.Kind != exchange.Market {
				t.Errorf("entry kind = %v", req.Kind)
			}
		case strings.Contains(req.LinkID, "_DCA"):
			dca++
			if !near(req.Price, 97) {
				t.Errorf("DCA1 price = %.4f", req.Price)
			}
		case strings.Contains(req.LinkID, "_TP"):
			tps++
			if !req.ReduceOnly {
				t.Errorf("TP %s not reduce-only", req.LinkID)
			}
		}
	}
	if entry != 1 || dca != 1 || tps != 4 {
		t.Errorf("orders: %d entry, %d dca, %d tps", entry, dca, tps)
	}
	// 50/10/10/10 of qty 8.
	wantQtys := []float64{4, 0.8, 0.8, 0.8}
	for i, q := range tr.TPCloseQtys {
		if !near(q, wantQtys[i]) {
			t.Errorf("TP%d qty = %.4f, want %.4f", i+1, q, wantQtys[i])
		}
	}
	// Safety stop 5% under entry.
	if len(s.stops) != 1 || !near(s.stops[0].StopLoss, 95) {
		t.Errorf("stops = %+v", s.stops)
	}
}

func TestAdmissionFilters(t *testing.T) {
	s := newScenario(t)

	// Trend marker down rejects longs on that symbol.
	s.store.SaveTrendMarker("BARUSDT", models.TrendDown)

	s.engine.EnqueueSignal(longSignal("FOOUSDT"))
	s.engine.EnqueueSignal(longSignal("BARUSDT"))
	s.engine.EnqueueSignal(longSignal("FOOUSDT")) // duplicate symbol
	s.engine.EnqueueSignal(longSignal("BAZUSDT"))
	s.engine.EnqueueSignal(longSignal("QUXUSDT")) // third survivor, two slots
	s.engine.FlushBatch()

	if _, ok := s.trades.BySymbol("FOOUSDT"); !ok {
		t.Error("FOOUSDT not admitted")
	}
	if _, ok := s.trades.BySymbol("BAZUSDT"); !ok {
		t.Error("BAZUSDT not admitted")
	}
	if _, ok := s.trades.BySymbol("BARUSDT"); ok {
		t.Error("trend-blocked signal admitted")
	}
	if _, ok := s.trades.BySymbol("QUXUSDT"); ok {
		t.Error("admitted past the slot limit")
	}

	// Both survivors share one batch id.
	a, _ := s.trades.BySymbol("FOOUSDT")
	b, _ := s.trades.BySymbol("BAZUSDT")
	if a.BatchID == "" || a.BatchID != b.BatchID {
		t.Errorf("batch ids %q vs %q", a.BatchID, b.BatchID)
	}
}

func TestPendingEntryTimesOut(t *testing.T) {
	s := newScenario(t)
	s.cfg.Trading.E1LimitOrder = true
	tr := s.openLong(t, "FOOUSDT")
	if tr.GetCurrentState() != models.StatePending {
		t.Fatalf("state = %s", tr.GetCurrentState())
	}

	// Half the window: still waiting.
	s.engine.now = func() time.Time { return time.Now().Add(15 * time.Minute) }
	s.engine.monitorTick(context.Background())
	if _, ok := s.trades.Get(tr.ID); !ok {
		t.Fatal("trade closed before timeout")
	}

	s.engine.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	s.engine.monitorTick(context.Background())
	if _, ok := s.trades.Get(tr.ID); ok {
		t.Fatal("trade survived timeout")
	}
	if len(s.cancels) != 1 || !strings.HasSuffix(s.cancels[0], "_E1") {
		t.Errorf("cancels = %v", s.cancels)
	}
	closed, _ := s.store.GetClosedTrades(10)
	if len(closed) != 1 || closed[0].Reason != "E1 timeout" {
		t.Errorf("journal = %+v", closed)
	}
}

func TestPendingEntryTimeoutFlattensPartialFill(t *testing.T) {
	s := newScenario(t)
	s.cfg.Trading.E1LimitOrder = true
	tr := s.openLong(t, "FOOUSDT")

	// The E1 limit caught 3 of 8 before the cancel landed.
	s.ex.OrderStatusFunc = func(_ context.Context, _ string, orderID string) (*exchange.OrderStatus, error) {
		if strings.HasSuffix(orderID, "_E1") {
			return &exchange.OrderStatus{State: exchange.OrderPartiallyFilled, FilledQty: 3, AvgFillPrice: 100}, nil
		}
		return &exchange.OrderStatus{State: exchange.OrderOpen}, nil
	}
	s.ex.ClosedPnLFunc = func(context.Context, time.Time, int) ([]exchange.ClosedPnL, error) {
		return []exchange.ClosedPnL{{Symbol: "FOOUSDT", Side: models.SideLong, RealizedPnL: -1.2}}, nil
	}

	s.engine.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	s.engine.monitorTick(context.Background())

	if _, ok := s.trades.Get(tr.ID); ok {
		t.Fatal("trade survived timeout")
	}
	// The residual position was flattened reduce-only, not orphaned.
	var flattened *exchange.OrderRequest
	for i, req := range s.ex.Orders {
		if strings.HasSuffix(req.LinkID, "_CLOSE") {
			flattened = &s.ex.Orders[i]
		}
	}
	if flattened == nil {
		t.Fatal("no reduce-only close placed for the partial fill")
	}
	if !flattened.ReduceOnly || flattened.Kind != exchange.Market || !near(flattened.Qty, 3) {
		t.Errorf("close order = %+v", flattened)
	}
	closed, _ := s.store.GetClosedTrades(10)
	if len(closed) != 1 || closed[0].Reason != "E1 timeout" {
		t.Fatalf("journal = %+v", closed)
	}
	if !near(closed[0].RealizedPnL, -1.2) {
		t.Errorf("pnl = %v, want ledger -1.2", closed[0].RealizedPnL)
	}
}

func TestZonePushResnapsRestingDCA(t *testing.T) {
	s := newScenario(t)
	tr := s.openLong(t, "FOOUSDT") // DCA1 resting at the fixed 3% rung, 97

	var amends []float64
	s.ex.AmendPriceFunc = func(_ context.Context, _ string, _ string, price float64) error {
		amends = append(amends, price)
		return nil
	}

	// S1 lands 4.5% under entry: eligible, claims the 97 rung. The limit
	// buffer pushes the order 0.2% into the zone.
	push := zones.Push{Symbol: "FOOUSDT", S1: 95.5, R1: 104}
	if _, err := s.engine.zones.ApplyPush(push); err != nil {
		t.Fatalf("ApplyPush() error: %v", err)
	}
	if err := s.engine.ResnapSymbol(context.Background(), "FOOUSDT"); err != nil {
		t.Fatalf("ResnapSymbol() error: %v", err)
	}

	want := alignPrice(95.5*0.998, models.SideLong, exchange.DefaultInstrument.TickSize)
	if len(amends) != 1 || !near(amends[0], want) {
		t.Fatalf("amends = %v, want one at %.4f", amends, want)
	}
	cur, _ := s.trades.Get(tr.ID)
	if !near(cur.DCALevels[1].Price, want) || cur.DCALevels[1].Source != zones.SourceZone {
		t.Errorf("level 1 = %+v", cur.DCALevels[1])
	}

	// An identical re-push moves nothing past the amend threshold.
	if _, err := s.engine.zones.ApplyPush(push); err != nil {
		t.Fatal(err)
	}
	if err := s.engine.ResnapSymbol(context.Background(), "FOOUSDT"); err != nil {
		t.Fatal(err)
	}
	if len(amends) != 1 {
		t.Errorf("identical push re-amended: %v", amends)
	}
}

func TestBatchCapCancelsPendingSiblings(t *testing.T) {
	s := newScenario(t)
	s.cfg.Trading.E1LimitOrder = true
	s.cfg.Batch.MaxFillsPerBatch = 1

	s.engine.EnqueueSignal(longSignal("AAAUSDT"))
	s.engine.EnqueueSignal(longSignal("BBBUSDT"))
	s.engine.FlushBatch()

	a, _ := s.trades.BySymbol("AAAUSDT")
	s.ex.OrderStatusFunc = func(_ context.Context, symbol, orderID string) (*exchange.OrderStatus, error) {
		if symbol == "AAAUSDT" && strings.HasSuffix(orderID, "_E1") {
			return &exchange.OrderStatus{State: exchange.OrderFilled, FilledQty: 8, AvgFillPrice: 100}, nil
		}
		return &exchange.OrderStatus{State: exchange.OrderOpen}, nil
	}
	s.engine.monitorTick(context.Background())

	if a, _ = s.trades.Get(a.ID); a == nil || a.GetCurrentState() != models.StateOpen {
		t.Fatal("filled entry did not open")
	}
	if _, ok := s.trades.BySymbol("BBBUSDT"); ok {
		t.Fatal("pending sibling survived the batch cap")
	}
	closed, _ := s.store.GetClosedTrades(10)
	if len(closed) != 1 || closed[0].Reason != "Batch cap" {
		t.Errorf("journal = %+v", closed)
	}
}

func TestTP1MovesStopToBreakevenAndRetiresDCAs(t *testing.T) {
	s := newScenario(t)
	tr := s.openLong(t, "FOOUSDT")
	s.stops, s.cancels = nil, nil

	s.fillOrders(102, "_TP1")
	s.engine.monitorTick(context.Background())

	cur, _ := s.trades.Get(tr.ID)
	if cur.TPsHit != 1 || !near(cur.TPRealized, 8) { // (102-100)*4
		t.Errorf("tps_hit %d realized %.4f", cur.TPsHit, cur.TPRealized)
	}
	if len(s.stops) == 0 || !near(s.stops[0].StopLoss, 100.1) {
		t.Errorf("stops = %+v", s.stops)
	}
	found := false
	for _, id := range s.cancels {
		if strings.Contains(id, "_DCA") {
			found = true
		}
	}
	if !found {
		t.Errorf("DCA not cancelled, cancels = %v", s.cancels)
	}
}

func TestTP2StartsScaleInAndFillRebalances(t *testing.T) {
	s := newScenario(t)
	tr := s.openLong(t, "FOOUSDT")

	s.fillOrders(102, "_TP1")
	s.engine.monitorTick(context.Background())
	s.fillOrders(104, "_TP2")
	s.engine.monitorTick(context.Background())

	cur, _ := s.trades.Get(tr.ID)
	if !cur.ScaleInPending || cur.ScaleInOrderID == "" {
		t.Fatalf("scale-in not started: %+v", cur)
	}
	// Sized like E1 at the TP2 fill price.
	if !near(cur.ScaleInQty, 8) || !near(cur.ScaleInPrice, 104) {
		t.Errorf("scale-in qty %.4f price %.4f", cur.ScaleInQty, cur.ScaleInPrice)
	}

	// The add fills; the exchange reports the merged position.
	s.fillOrders(104, "_SI")
	s.ex.PositionFunc = func(context.Context, string, models.Side) (*exchange.Position, error) {
		return &exchange.Position{Qty: 11.2, AvgPrice: 102.5714286}, nil
	}
	s.stops, s.ex.Orders = nil, nil
	s.engine.monitorTick(context.Background())

	cur, _ = s.trades.Get(tr.ID)
	if !cur.ScaleInFilled || !near(cur.TotalQty, 11.2) {
		t.Fatalf("after completion: %+v", cur)
	}
	if err := cur.ValidateState(); err != nil {
		t.Errorf("accounting identity: %v", err)
	}
	// Remaining legs re-placed under the scale-in tag, prices unchanged.
	stps := 0
	for _, req := range s.ex.Orders {
		if strings.Contains(req.LinkID, "_STP") {
			stps++
			if req.Price != 106 && req.Price != 110 {
				t.Errorf("STP price = %.4f", req.Price)
			}
		}
	}
	if stps != 2 {
		t.Errorf("%d scale TPs placed", stps)
	}
	// Stop sits exactly at the new average.
	if len(s.stops) == 0 || !near(s.stops[len(s.stops)-1].StopLoss, 102.5714286) {
		t.Errorf("stops = %+v", s.stops)
	}
}

func TestLastTPArmsTrailing(t *testing.T) {
	s := newScenario(t)
	tr := s.openLong(t, "FOOUSDT")
	s.cfg.ScaleIn.Enabled = false

	for _, step := range []struct {
		suffix string
		price  float64
	}{{"_TP1", 102}, {"_TP2", 104}, {"_TP3", 106}, {"_TP4", 110}} {
		s.fillOrders(step.price, step.suffix)
		s.engine.monitorTick(context.Background())
	}

	cur, _ := s.trades.Get(tr.ID)
	if cur == nil {
		t.Fatal("trade settled prematurely")
	}
	if cur.GetCurrentState() != models.StateTrailing || !cur.TrailingActive {
		t.Fatalf("state = %s trailing = %v", cur.GetCurrentState(), cur.TrailingActive)
	}
	last := s.stops[len(s.stops)-1]
	if !near(last.TrailingDistance, 0.55) { // 110 * 0.5%
		t.Errorf("trailing distance = %.4f", last.TrailingDistance)
	}
	if !near(last.StopLoss, 106) { // floor at TP3
		t.Errorf("floor = %.4f", last.StopLoss)
	}
}

func TestDCAFillSwapsToAvgLadder(t *testing.T) {
	s := newScenario(t)
	tr := s.openLong(t, "FOOUSDT")
	s.cancels, s.stops, s.ex.Orders = nil, nil, nil

	s.fillOrders(97, "_DCA1")
	s.engine.monitorTick(context.Background())

	cur, _ := s.trades.Get(tr.ID)
	if cur.GetCurrentState() != models.StateDCAActive || cur.CurrentDCA != 1 {
		t.Fatalf("state %s current_dca %d", cur.GetCurrentState(), cur.CurrentDCA)
	}
	// qty1 = 80 margin * 20x / 97; avg = (100*8 + 97*qty1) / (8+qty1)
	qty1 := 80.0 * 20 / 97
	wantAvg := (100*8 + 97*qty1) / (8 + qty1)
	if !near(cur.AvgPrice, wantAvg) {
		t.Errorf("avg = %.6f, want %.6f", cur.AvgPrice, wantAvg)
	}
	// Hard SL 3% under the deepest fill.
	if !near(cur.HardSLPrice, 97*0.97) {
		t.Errorf("hard SL = %.4f", cur.HardSLPrice)
	}
	if len(s.stops) == 0 || !near(s.stops[len(s.stops)-1].StopLoss, 97*0.97) {
		t.Errorf("stops = %+v", s.stops)
	}

	// Signal TPs cancelled, avg TPs placed.
	cancelled := 0
	for _, id := range s.cancels {
		if strings.Contains(id, "_TP") {
			cancelled++
		}
	}
	if cancelled != 4 {
		t.Errorf("%d signal TPs cancelled", cancelled)
	}
	avgTPs := 0
	for _, req := range s.ex.Orders {
		if strings.Contains(req.LinkID, "_DTP") {
			avgTPs++
			if !req.ReduceOnly {
				t.Errorf("avg TP %s not reduce-only", req.LinkID)
			}
		}
	}
	if avgTPs != 2 {
		t.Errorf("%d avg TPs placed", avgTPs)
	}
	if cur.TPMode != models.TPModeAvg {
		t.Errorf("tp mode = %s", cur.TPMode)
	}
}

func TestQuickTrailFiresOnce(t *testing.T) {
	s := newScenario(t)
	tr := s.openLong(t, "FOOUSDT")
	s.fillOrders(97, "_DCA1")
	s.engine.monitorTick(context.Background())

	cur, _ := s.trades.Get(tr.ID)
	avg := cur.AvgPrice
	s.ex.QuoteFunc = func(context.Context, string) (*exchange.Quote, error) {
		return &exchange.Quote{Mark: avg * 1.015}, nil
	}
	s.ex.OrderStatusFunc = nil
	s.stops = nil
	s.engine.monitorTick(context.Background())

	cur, _ = s.trades.Get(tr.ID)
	if !cur.QuickTrailActive {
		t.Fatal("quick trail not armed")
	}
	if len(s.stops) != 1 || !near(s.stops[0].StopLoss, avg*1.002) {
		t.Errorf("stops = %+v", s.stops)
	}

	// No re-arm on the next tick.
	s.stops = nil
	s.engine.monitorTick(context.Background())
	if len(s.stops) != 0 {
		t.Errorf("quick trail re-armed: %+v", s.stops)
	}
}

func TestVanishedPositionSettlesFromLedger(t *testing.T) {
	s := newScenario(t)
	tr := s.openLong(t, "FOOUSDT")

	s.ex.PositionFunc = func(context.Context, string, models.Side) (*exchange.Position, error) {
		return nil, nil
	}
	s.ex.ClosedPnLFunc = func(context.Context, time.Time, int) ([]exchange.ClosedPnL, error) {
		return []exchange.ClosedPnL{
			{Symbol: "FOOUSDT", Side: models.SideLong, RealizedPnL: 12.5, UpdatedAt: time.Now()},
			{Symbol: "OTHERUSDT", Side: models.SideLong, RealizedPnL: 99, UpdatedAt: time.Now()},
		}, nil
	}
	s.engine.monitorTick(context.Background())

	if _, ok := s.trades.Get(tr.ID); ok {
		t.Fatal("vanished trade still tracked")
	}
	closed, _ := s.store.GetClosedTrades(10)
	if len(closed) != 1 {
		t.Fatalf("journal rows = %d", len(closed))
	}
	if closed[0].Reason != "SL hit" || !near(closed[0].RealizedPnL, 12.5) {
		t.Errorf("journal = %+v", closed[0])
	}
}

func TestCloseSymbolFlattensAndJournals(t *testing.T) {
	s := newScenario(t)
	s.openLong(t, "FOOUSDT")
	s.ex.Orders = nil

	if err := s.engine.CloseSymbol(context.Background(), "FOOUSDT", "Close signal"); err != nil {
		t.Fatal(err)
	}
	var reduceClose bool
	for _, req := range s.ex.Orders {
		if strings.HasSuffix(req.LinkID, "_CLOSE") && req.ReduceOnly && req.Kind == exchange.Market {
			reduceClose = true
		}
	}
	if !reduceClose {
		t.Errorf("no reduce-only close order: %+v", s.ex.Orders)
	}
	closed, _ := s.store.GetClosedTrades(10)
	if len(closed) != 1 || closed[0].Reason != "Close signal" {
		t.Errorf("journal = %+v", closed)
	}
}

func TestTrendSwitchClosesOpposingTrade(t *testing.T) {
	s := newScenario(t)
	s.openLong(t, "FOOUSDT")

	if err := s.engine.TrendSwitch(context.Background(), "FOOUSDT", models.TrendDown); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.trades.BySymbol("FOOUSDT"); ok {
		t.Fatal("opposing trade survived trend switch")
	}
	if dir, _ := s.store.GetTrendMarker("FOOUSDT"); dir != models.TrendDown {
		t.Errorf("marker = %s", dir)
	}
	// An aligned trend switch leaves the trade alone.
	s.openLong(t, "BARUSDT")
	if err := s.engine.TrendSwitch(context.Background(), "BARUSDT", models.TrendUp); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.trades.BySymbol("BARUSDT"); !ok {
		t.Error("aligned trade closed by trend switch")
	}
}

func TestTPHitCancelsUnfilledEntryOnly(t *testing.T) {
	s := newScenario(t)
	s.cfg.Trading.E1LimitOrder = true
	tr := s.openLong(t, "FOOUSDT")

	s.engine.HandleTPHit(context.Background(), models.TPHit{Symbol: "FOOUSDT", TPNumber: 1})
	if _, ok := s.trades.Get(tr.ID); ok {
		t.Fatal("pending trade survived TP-hit")
	}
	closed, _ := s.store.GetClosedTrades(10)
	if len(closed) != 1 || !strings.Contains(closed[0].Reason, "already hit") {
		t.Errorf("journal = %+v", closed)
	}

	// A live trade ignores the event.
	s.cfg.Trading.E1LimitOrder = false
	live := s.openLong(t, "BARUSDT")
	s.engine.HandleTPHit(context.Background(), models.TPHit{Symbol: "BARUSDT", TPNumber: 1})
	if _, ok := s.trades.Get(live.ID); !ok {
		t.Error("live trade closed by TP-hit event")
	}
}
