package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetfox/signal_dca/internal/exchange"
	"github.com/fleetfox/signal_dca/internal/manager"
	"github.com/fleetfox/signal_dca/internal/metrics"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/orders"
)

// RunMonitor is the fast loop: order fills, the SL ladder, scale-in
// completion, quick trail, and position-vanished detection.
func (e *Engine) RunMonitor(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.MonitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.monitorTick(ctx)
		}
	}
}

func (e *Engine) monitorTick(ctx context.Context) {
	trades := e.trades.All()
	for i, tr := range trades {
		if i > 0 {
			e.sleep(e.cfg.InterTradeDelay())
		}
		if err := e.superviseTrade(ctx, tr); err != nil {
			e.logger.Printf("WARNING: monitor %s: %v", tr.ID, err)
		}
	}
	metrics.SetActiveTrades(e.trades.ActiveCount())
}

// superviseTrade runs the checks for one trade in priority order. Each
// step re-reads the trade because earlier steps may have mutated it.
func (e *Engine) superviseTrade(ctx context.Context, tr *models.Trade) error {
	switch tr.GetCurrentState() {
	case models.StatePending:
		return e.checkPendingEntry(ctx, tr)
	case models.StateClosed:
		return nil
	}

	if tr.ScaleInPending {
		if err := e.checkScaleIn(ctx, tr); err != nil {
			return err
		}
	}
	if err := e.checkTPFills(ctx, tr.ID); err != nil {
		return err
	}
	if err := e.checkDCAFills(ctx, tr.ID); err != nil {
		return err
	}
	if err := e.checkQuickTrail(ctx, tr.ID); err != nil {
		return err
	}
	return e.checkPositionAlive(ctx, tr.ID)
}

// ---- PENDING ---------------------------------------------------------

// checkPendingEntry watches a resting E1 limit: fill, timeout, or the
// batch fill cap.
func (e *Engine) checkPendingEntry(ctx context.Context, tr *models.Trade) error {
	entryID := tr.EntryOrderID()
	if entryID == "" {
		return nil
	}
	st, err := e.ex.OrderStatus(ctx, tr.Symbol, entryID)
	if err != nil {
		return fmt.Errorf("entry status: %w", err)
	}

	switch st.State {
	case exchange.OrderFilled:
		if _, err := e.trades.RecordEntryFill(tr.ID, st.FilledQty, st.AvgFillPrice); err != nil {
			return err
		}
		if err := e.afterEntryFill(ctx, tr.ID); err != nil {
			return err
		}
		e.enforceBatchCap(ctx, tr.BatchID)
		return nil

	case exchange.OrderCancelled, exchange.OrderRejected:
		_, err := e.trades.Close(tr.ID, manager.CloseRequest{
			Reason:    "Entry order cancelled on exchange",
			Condition: "entry_failed",
		})
		return err
	}

	// Unfilled entries expire: a stale signal entry is a worse price,
	// not a discount.
	if age := e.now().UTC().Sub(tr.CreatedAt); age >= e.cfg.E1Timeout() {
		e.logger.Printf("E1 timeout on %s after %s, cancelling", tr.ID, age.Round(time.Second))
		if err := e.ex.Cancel(ctx, tr.Symbol, entryID); err != nil && !exchange.IsNotFound(err) {
			return fmt.Errorf("cancel timed-out entry: %w", err)
		}
		// The cancel races the fill: whatever executed before it landed
		// is live exposure and must be flattened, not orphaned.
		final, err := e.ex.OrderStatus(ctx, tr.Symbol, entryID)
		if err != nil {
			return fmt.Errorf("final entry status: %w", err)
		}
		if final.FilledQty > 0 {
			cur, err := e.trades.RecordEntryFill(tr.ID, final.FilledQty, final.AvgFillPrice)
			if err != nil {
				return err
			}
			return e.closeTrade(ctx, cur, "E1 timeout", "position_closed")
		}
		_, err = e.trades.Close(tr.ID, manager.CloseRequest{
			Reason:    "E1 timeout",
			Condition: "entry_timeout",
		})
		return err
	}
	return nil
}

// enforceBatchCap cancels the batch's remaining PENDING siblings once
// enough of its entries have filled. Correlated signals tend to fill
// together on the same move; the cap limits that exposure.
func (e *Engine) enforceBatchCap(ctx context.Context, batchID string) {
	if batchID == "" {
		return
	}
	filled := 0
	var pending []*models.Trade
	for _, tr := range e.trades.All() {
		if tr.BatchID != batchID {
			continue
		}
		if tr.GetCurrentState() == models.StatePending {
			pending = append(pending, tr)
		} else {
			filled++
		}
	}
	if filled < e.cfg.Batch.MaxFillsPerBatch || len(pending) == 0 {
		return
	}

	e.logger.Printf("Batch cap: %d fills in batch %s, cancelling %d pending siblings",
		filled, batchID, len(pending))
	for _, tr := range pending {
		if id := tr.EntryOrderID(); id != "" {
			if err := e.ex.Cancel(ctx, tr.Symbol, id); err != nil && !exchange.IsNotFound(err) {
				e.logger.Printf("WARNING: batch-cap cancel %s: %v", tr.ID, err)
			}
		}
		if _, err := e.trades.Close(tr.ID, manager.CloseRequest{
			Reason:    "Batch cap",
			Condition: "batch_cap",
		}); err != nil {
			e.logger.Printf("WARNING: %v", err)
		}
	}
}

// ---- Scale-in --------------------------------------------------------

// checkScaleIn completes a filled scale-in: adopt the exchange average,
// rebalance the remaining TP legs, move the stop to the new average.
func (e *Engine) checkScaleIn(ctx context.Context, tr *models.Trade) error {
	st, err := e.ex.OrderStatus(ctx, tr.Symbol, tr.ScaleInOrderID)
	if err != nil {
		return fmt.Errorf("scale-in status: %w", err)
	}
	if st.State != exchange.OrderFilled {
		return nil
	}

	pos, err := e.ex.Position(ctx, tr.Symbol, tr.Side)
	if err != nil {
		return fmt.Errorf("scale-in position: %w", err)
	}
	if pos == nil || pos.Qty <= 0 {
		// Filled then flattened before we saw it; the vanish check
		// settles the trade.
		return nil
	}

	if _, err := e.trades.CompleteScaleIn(tr.ID, pos.AvgPrice, pos.Qty); err != nil {
		return err
	}
	e.logger.Printf("Scale-in complete on %s: avg %.6g qty %.6g", tr.ID, pos.AvgPrice, pos.Qty)

	// Unfilled TP legs are cancelled and re-placed with qtys rebalanced
	// to the enlarged position. Prices do not move.
	cur, _ := e.trades.Get(tr.ID)
	if cur != nil {
		for i, id := range cur.TPOrderIDs {
			if id == "" || (i < len(cur.TPFilled) && cur.TPFilled[i]) {
				continue
			}
			if err := e.ex.Cancel(ctx, tr.Symbol, id); err != nil && !exchange.IsNotFound(err) {
				e.logger.Printf("WARNING: cancel TP%d on %s: %v", i+1, tr.ID, err)
			}
		}
	}

	inst, err := e.ex.Instrument(ctx, tr.Symbol)
	if err != nil {
		return fmt.Errorf("instrument: %w", err)
	}
	tpOrders, err := e.trades.RecalcTPsAfterScaleIn(tr.ID, inst)
	if err != nil {
		return err
	}
	e.placeTPs(ctx, tr.ID, tr.Symbol, tr.Side, tpOrders, inst, orders.ScaleTPLink)

	// The stop moves to the exact new average. The position is bigger
	// now; breakeven is the tolerance.
	e.setStop(ctx, tr.ID, tr.Symbol, tr.Side, pos.AvgPrice)
	e.notify(fmt.Sprintf("Scale-in filled on *%s*: new avg %.6g, qty %.6g", tr.Symbol, pos.AvgPrice, pos.Qty))
	return nil
}

// ---- TP fills and the SL ladder -------------------------------------

// checkTPFills scans unfilled TP legs in ladder order and applies the
// stop ladder for each fill.
func (e *Engine) checkTPFills(ctx context.Context, tradeID string) error {
	tr, ok := e.trades.Get(tradeID)
	if !ok {
		return nil
	}
	for i := range tr.TPOrderIDs {
		if tr.TPFilled[i] || tr.TPOrderIDs[i] == "" {
			continue
		}
		st, err := e.ex.OrderStatus(ctx, tr.Symbol, tr.TPOrderIDs[i])
		if err != nil {
			e.logger.Printf("WARNING: TP%d status on %s: %v", i+1, tr.ID, err)
			continue
		}
		if st.State != exchange.OrderFilled {
			continue
		}

		fillPrice := st.AvgFillPrice
		if fillPrice <= 0 {
			fillPrice = tr.TPPrices[i]
		}
		updated, err := e.trades.RecordTPFill(tr.ID, i, fillPrice)
		if err != nil {
			return err
		}
		metrics.IncTPFill()
		e.logger.Printf("TP%d filled on %s @ %.6g (realized %.4f)", i+1, tr.ID, fillPrice, updated.TPRealized)
		e.notify(fmt.Sprintf("TP%d hit on *%s* @ %.6g", i+1, tr.Symbol, fillPrice))

		if err := e.applySLLadder(ctx, updated, i, fillPrice); err != nil {
			e.logger.Printf("WARNING: SL ladder after TP%d on %s: %v", i+1, tr.ID, err)
		}
		tr = updated
	}
	return nil
}

// applySLLadder moves the stop after a TP fill. index is the position in
// the trade's (possibly consolidated) TP arrays.
func (e *Engine) applySLLadder(ctx context.Context, tr *models.Trade, index int, fillPrice float64) error {
	sign := tr.Side.Sign()
	last := index == len(tr.TPPrices)-1

	if tr.TPMode == models.TPModeAvg {
		switch {
		case last:
			return e.startTrailing(ctx, tr, fillPrice, tr.TPPrices[0])
		case index == 0:
			sl := tr.AvgPrice * (1 + sign*e.cfg.TakeProfit.BEBufferPct/100)
			e.setStop(ctx, tr.ID, tr.Symbol, tr.Side, sl)
		}
		return nil
	}

	switch {
	case last:
		floor := tr.AvgPrice * (1 + sign*e.cfg.TakeProfit.BEBufferPct/100)
		if index > 0 {
			floor = tr.TPPrices[index-1]
		}
		return e.startTrailing(ctx, tr, fillPrice, floor)

	case index == 0:
		// Breakeven plus buffer, and the averaging ladder retires: the
		// trade is paying out, adding at worse prices no longer helps.
		sl := tr.AvgPrice * (1 + sign*e.cfg.TakeProfit.BEBufferPct/100)
		e.setStop(ctx, tr.ID, tr.Symbol, tr.Side, sl)
		e.cancelUnfilledDCAs(ctx, tr)

	case index == 1:
		if e.cfg.ScaleIn.Enabled && tr.CurrentDCA == 0 && !tr.ScaleInPending && !tr.ScaleInFilled {
			return e.placeScaleIn(ctx, tr, fillPrice)
		}
		// Stop stays at breakeven.

	case index == 2:
		ref := tr.TPPrices[0]
		if tr.ScaleInPending || tr.ScaleInFilled {
			ref = tr.TPPrices[1]
		}
		e.setStop(ctx, tr.ID, tr.Symbol, tr.Side, ref)
	}
	return nil
}

// startTrailing arms the exchange-side trailing stop for the remainder
// and floors it with a fixed stop.
func (e *Engine) startTrailing(ctx context.Context, tr *models.Trade, refPrice, floorSL float64) error {
	distance := refPrice * e.cfg.TakeProfit.TrailingCallbackPct / 100
	verified, err := e.ex.SetConditionalStop(ctx, tr.Symbol, tr.Side, exchange.StopParams{
		StopLoss:         floorSL,
		TrailingDistance: distance,
	})
	if err != nil || !verified {
		metrics.IncExchangeError("verification")
		e.logger.Printf("CRITICAL: trailing stop on %s unverified (err: %v)", tr.Symbol, err)
		return err
	}
	if _, err := e.trades.SetStopLoss(tr.ID, floorSL); err != nil {
		return err
	}
	if _, err := e.trades.MarkTrailing(tr.ID); err != nil {
		return err
	}
	e.logger.Printf("Trailing armed on %s: distance %.6g, floor %.6g", tr.ID, distance, floorSL)
	return nil
}

func (e *Engine) cancelUnfilledDCAs(ctx context.Context, tr *models.Trade) {
	for i := 1; i < len(tr.DCALevels); i++ {
		lvl := tr.DCALevels[i]
		if lvl.Filled || lvl.OrderID == "" {
			continue
		}
		if err := e.ex.Cancel(ctx, tr.Symbol, lvl.OrderID); err != nil && !exchange.IsNotFound(err) {
			e.logger.Printf("WARNING: cancel DCA%d on %s: %v", i, tr.ID, err)
		}
	}
}

// placeScaleIn rests a limit at the TP2 fill price sized like E1. The
// momentum case: two targets printed without a single averaging fill.
func (e *Engine) placeScaleIn(ctx context.Context, tr *models.Trade, price float64) error {
	qty := tr.DCALevels[0].Qty
	margin := qty * price / float64(tr.Leverage)

	orderID, err := e.ex.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol: tr.Symbol,
		Side:   tr.Side,
		Kind:   exchange.Limit,
		Qty:    qty,
		Price:  price,
		LinkID: orders.ScaleInLink(tr.ID),
	})
	if err != nil {
		return fmt.Errorf("place scale-in: %w", err)
	}
	if _, err := e.trades.StartScaleIn(tr.ID, orderID, qty, price, margin); err != nil {
		return err
	}
	e.logger.Printf("Scale-in resting on %s: %.6g @ %.6g", tr.ID, qty, price)
	return nil
}

// ---- DCA fills -------------------------------------------------------

// checkDCAFills advances the averaging ladder: a fill recomputes the
// average, swaps the TP ladder to avg mode, and installs the hard stop.
func (e *Engine) checkDCAFills(ctx context.Context, tradeID string) error {
	tr, ok := e.trades.Get(tradeID)
	if !ok {
		return nil
	}
	for i := 1; i <= tr.MaxDCA && i < len(tr.DCALevels); i++ {
		lvl := tr.DCALevels[i]
		if lvl.Filled || lvl.OrderID == "" {
			continue
		}
		st, err := e.ex.OrderStatus(ctx, tr.Symbol, lvl.OrderID)
		if err != nil {
			e.logger.Printf("WARNING: DCA%d status on %s: %v", i, tr.ID, err)
			continue
		}
		if st.State != exchange.OrderFilled {
			continue
		}

		fillPrice := st.AvgFillPrice
		if fillPrice <= 0 {
			fillPrice = lvl.Price
		}
		updated, err := e.trades.FillDCA(tr.ID, i, fillPrice)
		if err != nil {
			return err
		}
		metrics.IncDCAFill()
		e.logger.Printf("DCA%d filled on %s @ %.6g, avg now %.6g", i, tr.ID, fillPrice, updated.AvgPrice)

		if err := e.afterDCAFill(ctx, updated); err != nil {
			return err
		}
		tr, _ = e.trades.Get(tradeID)
		if tr == nil {
			return nil
		}
	}
	return nil
}

// afterDCAFill replaces the signal TPs with average-anchored ones and
// sets the hard stop below the deepest fill.
func (e *Engine) afterDCAFill(ctx context.Context, tr *models.Trade) error {
	for i, id := range tr.TPOrderIDs {
		if id == "" || tr.TPFilled[i] {
			continue
		}
		if err := e.ex.Cancel(ctx, tr.Symbol, id); err != nil && !exchange.IsNotFound(err) {
			e.logger.Printf("WARNING: cancel signal TP%d on %s: %v", i+1, tr.ID, err)
		}
	}

	inst, err := e.ex.Instrument(ctx, tr.Symbol)
	if err != nil {
		return fmt.Errorf("instrument: %w", err)
	}
	tpOrders, err := e.trades.SetupAvgTPs(tr.ID, inst)
	if err != nil {
		return err
	}
	e.placeTPs(ctx, tr.ID, tr.Symbol, tr.Side, tpOrders, inst, orders.AvgTPLink)

	if cur, ok := e.trades.Get(tr.ID); ok && cur.HardSLPrice > 0 {
		e.setStop(ctx, cur.ID, cur.Symbol, cur.Side, cur.HardSLPrice)
	}
	e.notify(fmt.Sprintf("DCA filled on *%s*: avg %.6g, qty %.6g", tr.Symbol, tr.AvgPrice, tr.TotalQty))
	return nil
}

// ---- Quick trail -----------------------------------------------------

// checkQuickTrail fires once per trade: a DCA-heavy position that claws
// back above its average gets its stop snapped there before any TP
// prints, converting a rescued trade into a free ride.
func (e *Engine) checkQuickTrail(ctx context.Context, tradeID string) error {
	tr, ok := e.trades.Get(tradeID)
	if !ok {
		return nil
	}
	if tr.GetCurrentState() != models.StateDCAActive || tr.TPsHit > 0 || tr.QuickTrailActive {
		return nil
	}

	price, err := e.mark(ctx, tr.Symbol)
	if err != nil || price <= 0 {
		return nil
	}
	sign := tr.Side.Sign()
	movePct := sign * (price - tr.AvgPrice) / tr.AvgPrice * 100
	if movePct < e.cfg.StopLoss.QuickTrailTriggerPct {
		return nil
	}

	sl := tr.AvgPrice * (1 + sign*e.cfg.StopLoss.QuickTrailBufferPct/100)
	e.setStop(ctx, tr.ID, tr.Symbol, tr.Side, sl)
	if _, err := e.trades.ActivateQuickTrail(tr.ID, sl); err != nil {
		return err
	}
	e.logger.Printf("Quick trail on %s: price %.6g is %.2f%% past avg, SL -> %.6g", tr.ID, price, movePct, sl)
	return nil
}

// ---- Position vanished ----------------------------------------------

// checkPositionAlive settles trades whose exchange position is gone: a
// stop or trailing stop fired server-side. The closed-pnl ledger is the
// authoritative number.
func (e *Engine) checkPositionAlive(ctx context.Context, tradeID string) error {
	tr, ok := e.trades.Get(tradeID)
	if !ok {
		return nil
	}
	switch tr.GetCurrentState() {
	case models.StatePending, models.StateClosed:
		return nil
	}

	pos, err := e.ex.Position(ctx, tr.Symbol, tr.Side)
	if err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if pos != nil && pos.Qty > 0 {
		return nil
	}

	e.logger.Printf("Position vanished on %s, settling", tr.ID)
	if err := e.closer.CancelAllWithRetry(ctx, tr.Symbol); err != nil {
		e.logger.Printf("WARNING: cancel-all %s: %v", tr.Symbol, err)
	}

	// Re-query; cancel-all may race a partial refill of a reduce-only.
	if pos, err = e.ex.Position(ctx, tr.Symbol, tr.Side); err == nil && pos != nil && pos.Qty > 0 {
		if _, err := e.closer.ClosePositionWithRetry(ctx, tr.ID, tr.Symbol, tr.Side, pos.Qty); err != nil {
			return fmt.Errorf("flatten residual: %w", err)
		}
	}

	e.sleep(time.Second)
	pnl := e.ledgerPnL(ctx, tr)
	price, _ := e.mark(ctx, tr.Symbol)
	equity, _ := e.ex.Equity(ctx)

	reason := "SL hit"
	switch {
	case tr.TrailingActive:
		reason = "Trailing stop"
	case tr.TPsHit > 0:
		reason = fmt.Sprintf("SL hit (after TP%d)", tr.TPsHit)
	}

	ct, err := e.trades.Close(tr.ID, manager.CloseRequest{
		Price:         price,
		RealizedPnL:   pnl,
		EquityAtClose: equity,
		Reason:        reason,
		Condition:     "position_closed",
	})
	if err != nil {
		return err
	}
	metrics.IncTradeClosed(metrics.CloseReasonBucket(reason))
	metrics.AddRealizedPnL(ct.RealizedPnL)
	e.notify(fmt.Sprintf("Closed *%s* | %s | %+.4f USDT", tr.Symbol, reason, ct.RealizedPnL))
	return nil
}
