package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetfox/signal_dca/internal/config"
	"github.com/fleetfox/signal_dca/internal/exchange"
	"github.com/fleetfox/signal_dca/internal/manager"
	"github.com/fleetfox/signal_dca/internal/metrics"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/orders"
	"github.com/fleetfox/signal_dca/internal/retry"
	"github.com/fleetfox/signal_dca/internal/storage"
	"github.com/fleetfox/signal_dca/internal/telegram"
	"github.com/fleetfox/signal_dca/internal/util"
	"github.com/fleetfox/signal_dca/internal/zones"
)

// markSource is the fast price path. The websocket feed implements it;
// the engine falls back to REST quotes when a mark is stale or absent.
type markSource interface {
	Mark(symbol string) (float64, bool)
	Subscribe(symbol string)
}

// Engine owns the admission buffer and the event handlers, and drives
// the trading loops. It implements dashboard.Core.
type Engine struct {
	cfg      *config.Config
	ex       exchange.Exchange
	feed     markSource
	trades   *manager.Manager
	zones    *zones.Source
	store    storage.Interface
	closer   *retry.Client
	notifier *telegram.Notifier
	logger   *log.Logger

	startTime time.Time

	batchMu    sync.Mutex
	batchBuf   []models.Signal
	batchTimer *time.Timer

	// sleep is swapped out in tests.
	sleep func(time.Duration)
	now   func() time.Time
}

func NewEngine(cfg *config.Config, ex exchange.Exchange, feed markSource, trades *manager.Manager,
	zoneSrc *zones.Source, store storage.Interface, notifier *telegram.Notifier, logger *log.Logger) *Engine {

	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		cfg:       cfg,
		ex:        ex,
		feed:      feed,
		trades:    trades,
		zones:     zoneSrc,
		store:     store,
		closer:    retry.NewClient(ex, logger),
		notifier:  notifier,
		logger:    logger,
		startTime: time.Now().UTC(),
		sleep:     time.Sleep,
		now:       time.Now,
	}
}

// mark returns the freshest price for a symbol: websocket mark when
// live, REST quote otherwise.
func (e *Engine) mark(ctx context.Context, symbol string) (float64, error) {
	if e.feed != nil {
		if price, ok := e.feed.Mark(symbol); ok {
			return price, nil
		}
	}
	q, err := e.ex.Quote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return q.Mark, nil
}

func (e *Engine) notify(text string) {
	if e.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.notifier.Notify(ctx, text)
}

// ---- Admission -------------------------------------------------------

// EnqueueSignal buffers a signal and (re)arms the debounce timer. A new
// arrival within the window defers the flush.
func (e *Engine) EnqueueSignal(sig models.Signal) string {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	for _, buffered := range e.batchBuf {
		if buffered.Symbol == sig.Symbol {
			metrics.IncSignal("duplicate")
			return "duplicate"
		}
	}
	e.batchBuf = append(e.batchBuf, sig)

	if e.batchTimer != nil {
		e.batchTimer.Stop()
	}
	e.batchTimer = time.AfterFunc(e.cfg.BatchWindow(), func() {
		e.flushBatch(context.Background())
	})

	e.logger.Printf("Signal buffered: %s %s (batch size %d, window %s)",
		sig.Side, sig.Symbol, len(e.batchBuf), e.cfg.BatchWindow())
	return "buffered"
}

// FlushBatch force-admits the buffer, for the /flush endpoint.
func (e *Engine) FlushBatch() int {
	e.batchMu.Lock()
	n := len(e.batchBuf)
	e.batchMu.Unlock()
	e.flushBatch(context.Background())
	return n
}

// flushBatch snapshots the buffer and runs admission: arrival-order
// pre-filter, then the first free_slots survivors share one batch id.
func (e *Engine) flushBatch(ctx context.Context) {
	e.batchMu.Lock()
	if e.batchTimer != nil {
		e.batchTimer.Stop()
		e.batchTimer = nil
	}
	batch := e.batchBuf
	e.batchBuf = nil
	e.batchMu.Unlock()

	if len(batch) == 0 {
		return
	}

	freeSlots := e.cfg.Trading.MaxSimultaneousTrades - e.trades.ActiveCount()
	e.logger.Printf("Batch flush: %d candidates, %d free slots", len(batch), freeSlots)

	var survivors []models.Signal
	for _, sig := range batch {
		if len(survivors) >= freeSlots {
			metrics.IncSignal("slots_full")
			e.logger.Printf("Rejected %s: no free slots", sig.Symbol)
			continue
		}
		if reason := e.admissible(ctx, sig); reason != "" {
			metrics.IncSignal("filtered")
			e.logger.Printf("Rejected %s: %s", sig.Symbol, reason)
			continue
		}
		survivors = append(survivors, sig)
	}
	if len(survivors) == 0 {
		return
	}

	batchID := uuid.NewString()
	for _, sig := range survivors {
		if err := e.openTrade(ctx, sig, batchID); err != nil {
			metrics.IncSignal("error")
			e.logger.Printf("ERROR: open %s failed: %v", sig.Symbol, err)
			continue
		}
		metrics.IncSignal("admitted")
	}
	metrics.SetActiveTrades(e.trades.ActiveCount())
}

// admissible applies the pre-filters. Empty string means admitted.
func (e *Engine) admissible(ctx context.Context, sig models.Signal) string {
	if err := e.trades.CanOpenTrade(sig.Symbol); err != nil {
		return err.Error()
	}
	if !e.cfg.LeverageAllowed(sig.Leverage) {
		return fmt.Sprintf("signal leverage %dx outside configured bounds", sig.Leverage)
	}

	// Trend filter: a stored marker admits only aligned signals.
	if dir, err := e.store.GetTrendMarker(sig.Symbol); err == nil && dir != "" && !dir.Allows(sig.Side) {
		return fmt.Sprintf("trend marker %s rejects %s", dir, sig.Side)
	}

	// Zone filter: no shorting into support, no longing into resistance.
	if z := e.zones.FreshSnapshot(sig.Symbol); z != nil {
		price, err := e.mark(ctx, sig.Symbol)
		if err == nil && price > 0 {
			if sig.Side == models.SideShort && z.S1 > 0 && price < z.S1 {
				return fmt.Sprintf("price %.6g below S1 %.6g, short into support", price, z.S1)
			}
			if sig.Side == models.SideLong && z.R1 > 0 && price > z.R1 {
				return fmt.Sprintf("price %.6g above R1 %.6g, long into resistance", price, z.R1)
			}
		}
	}
	return ""
}

// openTrade is the create-and-place sequence for one admitted signal.
func (e *Engine) openTrade(ctx context.Context, sig models.Signal, batchID string) error {
	equity, err := e.ex.Equity(ctx)
	if err != nil {
		return fmt.Errorf("equity: %w", err)
	}
	inst, err := e.ex.Instrument(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("instrument: %w", err)
	}

	z := e.zones.FreshSnapshot(sig.Symbol)
	levels := zones.SnapDCALevels(sig.EntryPrice, e.cfg.DCA.SpacingPct, z, sig.Side,
		e.cfg.Zones.SnapMinPct, e.cfg.Zones.LimitBufferPct, nil)

	tr, err := e.trades.Create(sig, equity, levels, batchID)
	if err != nil {
		return err
	}
	if e.feed != nil {
		e.feed.Subscribe(sig.Symbol)
	}

	if err := e.ex.EnsureLeverage(ctx, sig.Symbol, tr.Leverage); err != nil {
		e.logger.Printf("WARNING: leverage set failed for %s: %v", sig.Symbol, err)
	}

	if e.cfg.Trading.E1LimitOrder {
		orderID, err := e.ex.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol: sig.Symbol,
			Side:   sig.Side,
			Kind:   exchange.Limit,
			Qty:    tr.DCALevels[0].Qty,
			Price:  alignPrice(sig.EntryPrice, sig.Side, inst.TickSize),
			LinkID: orders.EntryLink(tr.ID),
		})
		if err != nil {
			e.closeStillborn(tr.ID, "Entry order rejected", "entry_failed")
			return fmt.Errorf("place entry limit: %w", err)
		}
		if _, err := e.trades.SetEntryOrder(tr.ID, orderID); err != nil {
			return err
		}
		e.logger.Printf("E1 limit resting: %s @ %.6g (order %s)", tr.ID, sig.EntryPrice, orderID)
		return nil
	}

	// Market entry: fill is immediate, run the post-fill sequence now.
	orderID, err := e.ex.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol: sig.Symbol,
		Side:   sig.Side,
		Kind:   exchange.Market,
		Qty:    tr.DCALevels[0].Qty,
		LinkID: orders.EntryLink(tr.ID),
	})
	if err != nil {
		e.closeStillborn(tr.ID, "Entry order rejected", "entry_failed")
		return fmt.Errorf("place entry market: %w", err)
	}
	if _, err := e.trades.SetEntryOrder(tr.ID, orderID); err != nil {
		return err
	}

	fillQty, fillPrice := 0.0, sig.EntryPrice
	if st, err := e.ex.OrderStatus(ctx, sig.Symbol, orderID); err == nil && st.AvgFillPrice > 0 {
		fillQty, fillPrice = st.FilledQty, st.AvgFillPrice
	}
	if _, err := e.trades.RecordEntryFill(tr.ID, fillQty, fillPrice); err != nil {
		return err
	}
	return e.afterEntryFill(ctx, tr.ID)
}

// closeStillborn terminates a trade that never reached the exchange.
func (e *Engine) closeStillborn(tradeID, reason, condition string) {
	if _, err := e.trades.Close(tradeID, manager.CloseRequest{Reason: reason, Condition: condition}); err != nil {
		e.logger.Printf("WARNING: stillborn close failed for %s: %v", tradeID, err)
	}
}

// afterEntryFill runs once E1 is filled: DCA ladder, signal TPs, safety
// stop.
func (e *Engine) afterEntryFill(ctx context.Context, tradeID string) error {
	tr, ok := e.trades.Get(tradeID)
	if !ok {
		return fmt.Errorf("trade %s vanished after entry fill", tradeID)
	}
	inst, err := e.ex.Instrument(ctx, tr.Symbol)
	if err != nil {
		return fmt.Errorf("instrument: %w", err)
	}
	metrics.IncTradeOpened(string(tr.Side))

	// Averaging limits below (above for shorts) the entry.
	for i := 1; i <= tr.MaxDCA && i < len(tr.DCALevels); i++ {
		lvl := tr.DCALevels[i]
		orderID, err := e.ex.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol: tr.Symbol,
			Side:   tr.Side,
			Kind:   exchange.Limit,
			Qty:    lvl.Qty,
			Price:  alignPrice(lvl.Price, tr.Side, inst.TickSize),
			LinkID: orders.DCALink(tr.ID, i),
		})
		if err != nil {
			e.logger.Printf("WARNING: DCA%d placement failed for %s: %v", i, tr.ID, err)
			continue
		}
		if _, err := e.trades.SetDCAOrder(tr.ID, i, orderID); err != nil {
			e.logger.Printf("WARNING: %v", err)
		}
	}

	tpOrders, err := e.trades.SetupSignalTPs(tr.ID, inst)
	if err != nil {
		return fmt.Errorf("setup signal TPs: %w", err)
	}
	e.placeTPs(ctx, tr.ID, tr.Symbol, tr.Side, tpOrders, inst, orders.TPLink)

	// Safety stop until the ladder takes over.
	safetySL := tr.AvgPrice * (1 - tr.Side.Sign()*e.cfg.StopLoss.SafetySLPct/100)
	e.setStop(ctx, tr.ID, tr.Symbol, tr.Side, safetySL)

	e.notify(fmt.Sprintf("Opened *%s* %s @ %.6g (qty %.6g, lev %dx)",
		tr.Symbol, tr.Side, tr.AvgPrice, tr.TotalQty, tr.Leverage))
	return nil
}

// placeTPs places reduce-only TP limits and records their order ids.
func (e *Engine) placeTPs(ctx context.Context, tradeID, symbol string, side models.Side,
	tpOrders []manager.TPOrder, inst *exchange.Instrument, link func(string, int) string) {

	for _, tp := range tpOrders {
		orderID, err := e.ex.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:     symbol,
			Side:       side,
			Kind:       exchange.Limit,
			Qty:        tp.Qty,
			Price:      alignTPPrice(tp.Price, side, inst.TickSize),
			ReduceOnly: true,
			LinkID:     link(tradeID, tp.Index+1),
		})
		if err != nil {
			e.logger.Printf("WARNING: TP%d placement failed for %s: %v", tp.Index+1, tradeID, err)
			continue
		}
		if _, err := e.trades.SetTPOrder(tradeID, tp.Index, orderID); err != nil {
			e.logger.Printf("WARNING: %v", err)
		}
	}
}

// setStop installs a stop on the exchange and mirrors it in the trade.
// Unverified placements are critical: the safety loop converges later.
func (e *Engine) setStop(ctx context.Context, tradeID, symbol string, side models.Side, slPrice float64) {
	verified, err := e.ex.SetConditionalStop(ctx, symbol, side, exchange.StopParams{StopLoss: slPrice})
	if err != nil || !verified {
		metrics.IncExchangeError("verification")
		e.logger.Printf("CRITICAL: SL %.6g on %s unverified (err: %v)", slPrice, symbol, err)
		return
	}
	if _, err := e.trades.SetStopLoss(tradeID, slPrice); err != nil {
		e.logger.Printf("WARNING: %v", err)
	}
}

// ---- Event handlers --------------------------------------------------

// CloseSymbol flattens the symbol's trade: cancel, reduce-only market
// close, then the formal close with ledger PnL.
func (e *Engine) CloseSymbol(ctx context.Context, symbol, reason string) error {
	tr, ok := e.trades.BySymbol(symbol)
	if !ok {
		return fmt.Errorf("no active trade on %s", symbol)
	}
	return e.closeTrade(ctx, tr, reason, "manual_close")
}

// closeTrade is the shared teardown used by manual closes and trend
// switches.
func (e *Engine) closeTrade(ctx context.Context, tr *models.Trade, reason, condition string) error {
	if err := e.closer.CancelAllWithRetry(ctx, tr.Symbol); err != nil {
		e.logger.Printf("WARNING: cancel-all %s: %v", tr.Symbol, err)
	}

	if tr.GetCurrentState() == models.StatePending {
		_, err := e.trades.Close(tr.ID, manager.CloseRequest{Reason: reason, Condition: condition})
		return err
	}

	if tr.TotalQty > 0 {
		if _, err := e.closer.ClosePositionWithRetry(ctx, tr.ID, tr.Symbol, tr.Side, tr.TotalQty); err != nil {
			return fmt.Errorf("flatten %s: %w", tr.Symbol, err)
		}
	}

	e.sleep(time.Second)
	price, _ := e.mark(ctx, tr.Symbol)
	pnl := e.ledgerPnL(ctx, tr)
	equity, _ := e.ex.Equity(ctx)

	ct, err := e.trades.Close(tr.ID, manager.CloseRequest{
		Price:         price,
		RealizedPnL:   pnl,
		EquityAtClose: equity,
		Reason:        reason,
		Condition:     condition,
	})
	if err != nil {
		return err
	}
	metrics.IncTradeClosed(metrics.CloseReasonBucket(reason))
	metrics.AddRealizedPnL(ct.RealizedPnL)
	metrics.SetActiveTrades(e.trades.ActiveCount())
	e.notify(fmt.Sprintf("Closed *%s* | %s | %+.4f USDT", tr.Symbol, reason, ct.RealizedPnL))
	return nil
}

// ledgerPnL sums the exchange's closed-pnl records for this trade. Zero
// means not yet available; the close path falls back to a mark estimate.
func (e *Engine) ledgerPnL(ctx context.Context, tr *models.Trade) float64 {
	since := tr.OpenedAt
	if since.IsZero() {
		since = e.startTime
	}
	records, err := e.ex.ClosedPnL(ctx, since, 50)
	if err != nil {
		e.logger.Printf("WARNING: closed-pnl query failed for %s: %v", tr.Symbol, err)
		return 0
	}
	total := 0.0
	for _, rec := range records {
		if rec.Symbol == tr.Symbol && rec.Side == tr.Side {
			total += rec.RealizedPnL
		}
	}
	return total
}

// TrendSwitch persists the marker and closes opposing positions on the
// symbol.
func (e *Engine) TrendSwitch(ctx context.Context, symbol string, dir models.TrendDirection) error {
	if err := e.store.SaveTrendMarker(symbol, dir); err != nil {
		e.logger.Printf("WARNING: trend marker persist failed for %s: %v", symbol, err)
	}
	e.logger.Printf("Trend switch: %s -> %s", symbol, dir)

	tr, ok := e.trades.BySymbol(symbol)
	if !ok || dir.Allows(tr.Side) {
		return nil
	}
	reason := fmt.Sprintf("Trend switch to %s", dir)
	if tr.GetCurrentState() == models.StatePending {
		return e.closeTrade(ctx, tr, reason, "manual_close")
	}
	return e.closeTrade(ctx, tr, reason, "trend_switch")
}

// HandleTPHit cancels a still-unfilled entry whose first target already
// printed; chasing it would buy the top of the move.
func (e *Engine) HandleTPHit(ctx context.Context, hit models.TPHit) {
	tr, ok := e.trades.BySymbol(hit.Symbol)
	if !ok || tr.GetCurrentState() != models.StatePending {
		return
	}
	if err := e.ex.Cancel(ctx, tr.Symbol, tr.EntryOrderID()); err != nil && !exchange.IsNotFound(err) {
		e.logger.Printf("WARNING: cancel entry %s: %v", tr.ID, err)
	}
	if _, err := e.trades.Close(tr.ID, manager.CloseRequest{
		Reason:    fmt.Sprintf("TP%d already hit (unfilled)", hit.TPNumber),
		Condition: "tp_already_hit",
	}); err != nil {
		e.logger.Printf("WARNING: %v", err)
	}
}

// RecoveryReset clears the in-memory set and snapshots. Exchange orders
// stay; the operator asked for a clean slate, not a flatten.
func (e *Engine) RecoveryReset() error {
	return e.trades.Reset()
}

// Equity reports wallet equity for the dashboard.
func (e *Engine) Equity(ctx context.Context) (float64, error) {
	return e.ex.Equity(ctx)
}

// ---- Price alignment helpers ----------------------------------------

// alignPrice rounds an entry/DCA limit to tick on the favorable side:
// floor for longs, ceil for shorts.
func alignPrice(price float64, side models.Side, tick float64) float64 {
	if side == models.SideLong {
		return util.FloorToTick(price, tick)
	}
	return util.CeilToTick(price, tick)
}

// alignTPPrice rounds a reduce-only TP to tick without crossing to the
// unfavorable side: ceil for longs, floor for shorts.
func alignTPPrice(price float64, side models.Side, tick float64) float64 {
	if side == models.SideLong {
		return util.CeilToTick(price, tick)
	}
	return util.FloorToTick(price, tick)
}
