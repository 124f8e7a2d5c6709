package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fleetfox/signal_dca/internal/exchange"
	"github.com/fleetfox/signal_dca/internal/metrics"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/storage"
)

// aggregationWindow folds the execution fills of one close order into a
// single logical close.
const aggregationWindow = 60 * time.Second

// RunPnLSync periodically imports exchange-side closes the bot did not
// drive (manual closes, liquidations) into the journal, and records the
// daily equity point.
func (e *Engine) RunPnLSync(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PnLSyncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.syncClosedPnL(ctx); err != nil {
				e.logger.Printf("WARNING: pnl sync: %v", err)
			}
			e.recordDailyEquity(ctx)
		}
	}
}

// syncClosedPnL fetches recent ledger records, aggregates them into
// logical closes, and persists the ones no tracked trade accounts for.
func (e *Engine) syncClosedPnL(ctx context.Context) error {
	records, err := e.ex.ClosedPnL(ctx, e.startTime, 100)
	if err != nil {
		return fmt.Errorf("closed-pnl query: %w", err)
	}

	// Only closes after bot start; history is not ours to import.
	recent := records[:0]
	for _, rec := range records {
		if rec.UpdatedAt.After(e.startTime) {
			recent = append(recent, rec)
		}
	}
	if len(recent) == 0 {
		return nil
	}

	tracked := make(map[string]bool)
	for _, tr := range e.trades.All() {
		tracked[tr.Symbol] = true
	}

	for _, agg := range aggregateCloses(recent) {
		if tracked[agg.Symbol] {
			continue
		}
		overlap, err := e.store.HasOverlappingClose(agg.Symbol, agg.Side, agg.start, agg.end)
		if err != nil {
			e.logger.Printf("WARNING: overlap check %s: %v", agg.Symbol, err)
			continue
		}
		if overlap {
			continue
		}

		ct := syncedClose(agg)
		if err := e.store.SaveClosedTrade(ct); err != nil {
			e.logger.Printf("WARNING: persist synced close %s: %v", agg.Symbol, err)
			continue
		}
		metrics.IncTradeClosed(metrics.CloseReasonBucket(ct.Reason))
		e.logger.Printf("Synced exchange close: %s %s pnl %.4f (%d fills)",
			agg.Symbol, agg.Side, agg.RealizedPnL, agg.fills)
	}
	return nil
}

// aggregatedClose is one logical close reconstructed from ledger fills.
type aggregatedClose struct {
	Symbol      string
	Side        models.Side
	Qty         float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	start, end  time.Time
	fills       int
}

// aggregateCloses groups records by (symbol, side) and merges those
// within aggregationWindow of each other.
func aggregateCloses(records []exchange.ClosedPnL) []aggregatedClose {
	sorted := append([]exchange.ClosedPnL(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt) })

	var out []aggregatedClose
	open := make(map[string]int) // (symbol|side) -> index into out
	for _, rec := range sorted {
		key := rec.Symbol + "|" + string(rec.Side)
		if i, ok := open[key]; ok && rec.UpdatedAt.Sub(out[i].end) <= aggregationWindow {
			agg := &out[i]
			// Entry and exit become qty-weighted across fills.
			total := agg.Qty + rec.Qty
			if total > 0 {
				agg.EntryPrice = (agg.EntryPrice*agg.Qty + rec.EntryPrice*rec.Qty) / total
				agg.ExitPrice = (agg.ExitPrice*agg.Qty + rec.ExitPrice*rec.Qty) / total
			}
			agg.Qty = total
			agg.RealizedPnL += rec.RealizedPnL
			agg.end = rec.UpdatedAt
			agg.fills++
			continue
		}
		out = append(out, aggregatedClose{
			Symbol:      rec.Symbol,
			Side:        rec.Side,
			Qty:         rec.Qty,
			EntryPrice:  rec.EntryPrice,
			ExitPrice:   rec.ExitPrice,
			RealizedPnL: rec.RealizedPnL,
			start:       rec.CreatedAt,
			end:         rec.UpdatedAt,
			fills:       1,
		})
		open[key] = len(out) - 1
	}
	return out
}

// syncedClose builds a journal entry for a close the bot did not drive.
func syncedClose(agg aggregatedClose) *models.ClosedTrade {
	return &models.ClosedTrade{
		TradeID:     fmt.Sprintf("sync_%s_%d", agg.Symbol, agg.end.Unix()),
		Symbol:      agg.Symbol,
		Side:        agg.Side,
		EntryPrice:  agg.EntryPrice,
		AvgPrice:    agg.EntryPrice,
		ClosePrice:  agg.ExitPrice,
		TotalQty:    agg.Qty,
		RealizedPnL: agg.RealizedPnL,
		Result:      models.ClassifyPnL(agg.RealizedPnL),
		Reason:      "Exchange sync",
		OpenedAt:    agg.start,
		ClosedAt:    agg.end,
		DurationMin: agg.end.Sub(agg.start).Minutes(),
	}
}

// recordDailyEquity upserts today's equity point with a stats snapshot.
func (e *Engine) recordDailyEquity(ctx context.Context) {
	equity, err := e.ex.Equity(ctx)
	if err != nil {
		e.logger.Printf("WARNING: equity for daily record: %v", err)
		return
	}
	metrics.SetEquity(equity)

	stats, err := e.store.GetStats()
	if err != nil {
		e.logger.Printf("WARNING: stats for daily record: %v", err)
		return
	}
	row := storage.DailyEquity{
		Date:   e.now().UTC().Format("2006-01-02"),
		Equity: equity,
		PnL:    stats.TotalPnL,
		Wins:   stats.Wins,
		Losses: stats.Losses,
	}
	if err := e.store.RecordDailyEquity(row); err != nil {
		e.logger.Printf("WARNING: daily equity persist: %v", err)
	}
}
