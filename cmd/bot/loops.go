package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetfox/signal_dca/internal/exchange"
	"github.com/fleetfox/signal_dca/internal/manager"
	"github.com/fleetfox/signal_dca/internal/metrics"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/zones"
)

// ---- Zone refresh ----------------------------------------------------

// RunZoneRefresh keeps zones fresh for every symbol with an active
// trade and re-snaps resting DCA limits when a zone moved enough.
func (e *Engine) RunZoneRefresh(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ZoneRefresh())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.zoneRefreshTick(ctx)
		}
	}
}

func (e *Engine) zoneRefreshTick(ctx context.Context) {
	seen := make(map[string]bool)
	for _, tr := range e.trades.All() {
		if seen[tr.Symbol] {
			continue
		}
		seen[tr.Symbol] = true

		if !e.zones.Fresh(tr.Symbol) {
			candles, err := e.ex.Klines(ctx, tr.Symbol, e.cfg.Zones.CandleInterval, e.cfg.Zones.CandleCount)
			if err != nil {
				e.logger.Printf("WARNING: klines for %s: %v", tr.Symbol, err)
				continue
			}
			if z := e.zones.DeriveFromCandles(tr.Symbol, candles, e.cfg.Zones.SwingLookback); z != nil {
				e.logger.Printf("Zones derived for %s: S1 %.6g R1 %.6g", tr.Symbol, z.S1, z.R1)
			}
		}
		if err := e.resnapTrade(ctx, tr.ID); err != nil {
			e.logger.Printf("WARNING: re-snap %s: %v", tr.ID, err)
		}
	}
}

// ResnapSymbol re-snaps every active trade on a symbol immediately.
// Called when a zone update arrives over HTTP, so a moved S1/R1 amends
// the resting DCA limits without waiting for the refresh tick.
func (e *Engine) ResnapSymbol(ctx context.Context, symbol string) error {
	var firstErr error
	for _, tr := range e.trades.All() {
		if tr.Symbol != symbol {
			continue
		}
		if err := e.resnapTrade(ctx, tr.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resnapTrade recomputes the ladder against current zones and amends
// any resting DCA limit that drifted past the threshold.
func (e *Engine) resnapTrade(ctx context.Context, tradeID string) error {
	tr, ok := e.trades.Get(tradeID)
	if !ok {
		return nil
	}
	z := e.zones.FreshSnapshot(tr.Symbol)
	if z == nil {
		return nil
	}

	filled := make([]bool, len(tr.DCALevels))
	for i, lvl := range tr.DCALevels {
		filled[i] = lvl.Filled
	}
	fresh := zones.SnapDCALevels(tr.SignalEntry, e.cfg.DCA.SpacingPct, z, tr.Side,
		e.cfg.Zones.SnapMinPct, e.cfg.Zones.LimitBufferPct, filled)

	var inst *exchange.Instrument
	for i := 1; i <= tr.MaxDCA && i < len(tr.DCALevels) && i < len(fresh); i++ {
		lvl := tr.DCALevels[i]
		if lvl.Filled || lvl.OrderID == "" {
			continue
		}
		if !zones.NeedsAmend(lvl.Price, fresh[i].Price, e.cfg.Zones.ResnapThresholdPct) {
			continue
		}
		if inst == nil {
			var err error
			if inst, err = e.ex.Instrument(ctx, tr.Symbol); err != nil {
				return fmt.Errorf("instrument: %w", err)
			}
		}
		newPrice := alignPrice(fresh[i].Price, tr.Side, inst.TickSize)
		if err := e.ex.AmendPrice(ctx, tr.Symbol, lvl.OrderID, newPrice); err != nil {
			e.logger.Printf("WARNING: amend DCA%d on %s: %v", i, tr.ID, err)
			continue
		}
		if _, err := e.trades.AmendDCAPrice(tr.ID, i, newPrice, fresh[i].Source); err != nil {
			return err
		}
		e.logger.Printf("DCA%d re-snapped on %s: %.6g -> %.6g (%s)", i, tr.ID, lvl.Price, newPrice, fresh[i].Source)
	}
	return nil
}

// ---- Safety loop -----------------------------------------------------

// RunSafety is the slow watchdog: any live position without a stop gets
// one reinstalled.
func (e *Engine) RunSafety(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SafetyInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.safetyTick(ctx)
		}
	}
}

func (e *Engine) safetyTick(ctx context.Context) {
	for _, tr := range e.trades.All() {
		switch tr.GetCurrentState() {
		case models.StatePending, models.StateClosed:
			continue
		}

		pos, err := e.ex.Position(ctx, tr.Symbol, tr.Side)
		if err != nil {
			e.logger.Printf("WARNING: safety position query %s: %v", tr.Symbol, err)
			continue
		}
		if pos == nil || pos.Qty <= 0 {
			continue // vanish detection belongs to the monitor loop
		}
		if pos.StopLoss > 0 || pos.TrailingStop > 0 {
			continue
		}

		sl := tr.HardSLPrice
		if sl <= 0 {
			sl = tr.AvgPrice * (1 - tr.Side.Sign()*e.cfg.StopLoss.SafetySLPct/100)
		}
		e.logger.Printf("CRITICAL: %s has no stop on exchange, reinstalling SL %.6g", tr.ID, sl)
		metrics.IncSLReinstall()
		e.setStop(ctx, tr.ID, tr.Symbol, tr.Side, sl)
	}
}

// ---- Startup recovery ------------------------------------------------

// Recover reconciles persisted trades against the exchange. Runs once,
// before any steady-state loop starts.
func (e *Engine) Recover(ctx context.Context) error {
	n, err := e.trades.LoadFromStore()
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}
	if n == 0 {
		e.logger.Printf("Recovery: no persisted trades")
		return nil
	}
	e.logger.Printf("Recovery: reconciling %d persisted trades", n)

	for _, tr := range e.trades.All() {
		if err := e.recoverTrade(ctx, tr); err != nil {
			e.logger.Printf("WARNING: recovery of %s: %v", tr.ID, err)
		}
	}
	e.logOrphanPositions(ctx)
	metrics.SetActiveTrades(e.trades.ActiveCount())
	return nil
}

func (e *Engine) recoverTrade(ctx context.Context, tr *models.Trade) error {
	if tr.GetCurrentState() == models.StatePending {
		// The monitor loop resumes watching the entry order.
		return nil
	}

	pos, err := e.ex.Position(ctx, tr.Symbol, tr.Side)
	if err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if pos == nil || pos.Qty <= 0 {
		price, _ := e.mark(ctx, tr.Symbol)
		ct, err := e.trades.Close(tr.ID, manager.CloseRequest{
			Price:     price,
			Reason:    "Closed during downtime",
			Condition: "position_closed",
		})
		if err != nil {
			return err
		}
		e.logger.Printf("Recovery: %s closed during downtime, est PnL %.4f", tr.ID, ct.RealizedPnL)
		metrics.IncTradeClosed(metrics.CloseReasonBucket(ct.Reason))
		return nil
	}

	if _, err := e.trades.AdoptExchangeTruth(tr.ID, pos.AvgPrice, pos.Qty); err != nil {
		return err
	}
	e.logger.Printf("Recovery: %s adopted exchange truth avg %.6g qty %.6g", tr.ID, pos.AvgPrice, pos.Qty)

	// Replay fills that happened while we were down.
	highest := -1
	cur, _ := e.trades.Get(tr.ID)
	for i := range cur.TPOrderIDs {
		if cur.TPFilled[i] || cur.TPOrderIDs[i] == "" {
			continue
		}
		st, err := e.ex.OrderStatus(ctx, cur.Symbol, cur.TPOrderIDs[i])
		if err != nil || st.State != exchange.OrderFilled {
			continue
		}
		fillPrice := st.AvgFillPrice
		if fillPrice <= 0 {
			fillPrice = cur.TPPrices[i]
		}
		if cur, err = e.trades.RecordTPFill(tr.ID, i, fillPrice); err != nil {
			return err
		}
		highest = i
		e.logger.Printf("Recovery: %s TP%d filled during downtime @ %.6g", tr.ID, i+1, fillPrice)
	}
	if highest >= 0 && cur != nil {
		if err := e.applySLLadder(ctx, cur, highest, cur.TPPrices[highest]); err != nil {
			e.logger.Printf("WARNING: recovery SL ladder %s: %v", tr.ID, err)
		}
	}

	if cur, _ = e.trades.Get(tr.ID); cur != nil {
		for i := 1; i <= cur.MaxDCA && i < len(cur.DCALevels); i++ {
			lvl := cur.DCALevels[i]
			if lvl.Filled || lvl.OrderID == "" {
				continue
			}
			st, err := e.ex.OrderStatus(ctx, cur.Symbol, lvl.OrderID)
			if err != nil || st.State != exchange.OrderFilled {
				continue
			}
			fillPrice := st.AvgFillPrice
			if fillPrice <= 0 {
				fillPrice = lvl.Price
			}
			updated, err := e.trades.FillDCA(cur.ID, i, fillPrice)
			if err != nil {
				return err
			}
			e.logger.Printf("Recovery: %s DCA%d filled during downtime @ %.6g", cur.ID, i, fillPrice)
			if err := e.afterDCAFill(ctx, updated); err != nil {
				return err
			}
			cur, _ = e.trades.Get(cur.ID)
			if cur == nil {
				return nil
			}
		}
	}

	if pos.StopLoss == 0 && pos.TrailingStop == 0 {
		if cur, _ := e.trades.Get(tr.ID); cur != nil && cur.HardSLPrice > 0 {
			e.setStop(ctx, cur.ID, cur.Symbol, cur.Side, cur.HardSLPrice)
			metrics.IncSLReinstall()
		}
	}
	return nil
}

// logOrphanPositions reports exchange positions we do not track. No
// automated close: the operator may be running something else on the
// same account.
func (e *Engine) logOrphanPositions(ctx context.Context) {
	tracked := make(map[string]bool)
	for _, tr := range e.trades.All() {
		tracked[tr.Symbol] = true
	}
	for _, symbol := range e.cfg.Filters.AllowedSymbols {
		if tracked[symbol] {
			continue
		}
		for _, side := range []models.Side{models.SideLong, models.SideShort} {
			pos, err := e.ex.Position(ctx, symbol, side)
			if err == nil && pos != nil && pos.Qty > 0 {
				e.logger.Printf("WARNING: orphan position %s %s qty %.6g not tracked", symbol, side, pos.Qty)
			}
		}
	}
}
