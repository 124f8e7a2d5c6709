package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fleetfox/signal_dca/internal/config"
	"github.com/fleetfox/signal_dca/internal/exchange"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/orders"
	"github.com/fleetfox/signal_dca/internal/storage"
)

// End-to-end smoke check against the Bybit testnet. Exercises the real
// exchange client with throwaway orders, never against a live account.
func main() {
	fmt.Println("=== signal-dca - Testnet Integration Check ===")
	fmt.Println()

	configPath := flag.String("config", "config.yaml", "path to configuration file")
	symbol := flag.String("symbol", "BTCUSDT", "instrument to exercise")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.IsTestnet() {
		log.Fatalf("Integration checks must run against the testnet. Set environment.mode: 'testnet' in config.yaml")
	}

	logger := log.New(os.Stdout, "[E2E] ", log.LstdFlags)
	ex := exchange.NewBybitClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, true, logger)

	testStoragePath := "data/integration_test.db"
	store, err := storage.New(testStoragePath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		store.Close()
		if err := os.Remove(testStoragePath); err != nil && !os.IsNotExist(err) {
			logger.Printf("Warning: failed to remove test storage file: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	passed, total := 0, 5
	run := func(name string, fn func() error) {
		fmt.Println("Check: " + name)
		if err := fn(); err != nil {
			fmt.Printf("FAILED: %v\n\n", err)
			return
		}
		passed++
		fmt.Print("PASSED\n\n")
	}

	run("exchange connectivity", func() error {
		equity, err := ex.Equity(ctx)
		if err != nil {
			return err
		}
		logger.Printf("testnet equity: %.2f USDT", equity)
		return nil
	})

	run("market data", func() error {
		q, err := ex.Quote(ctx, *symbol)
		if err != nil {
			return err
		}
		inst, err := ex.Instrument(ctx, *symbol)
		if err != nil {
			return err
		}
		if q.Mark <= 0 {
			return fmt.Errorf("zero mark price for %s", *symbol)
		}
		logger.Printf("%s mark=%.2f tick=%.6g minQty=%.6g", *symbol, q.Mark, inst.TickSize, inst.MinQty)
		return nil
	})

	run("order place, amend, cancel", func() error {
		q, err := ex.Quote(ctx, *symbol)
		if err != nil {
			return err
		}
		inst, err := ex.Instrument(ctx, *symbol)
		if err != nil {
			return err
		}
		// A buy limit 20% under the mark never fills.
		price := q.Mark * 0.8
		orderID, err := ex.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol: *symbol,
			Side:   models.SideLong,
			Kind:   exchange.Limit,
			Qty:    inst.MinQty,
			Price:  price,
			LinkID: orders.EntryLink(fmt.Sprintf("e2e_%d", time.Now().Unix())),
		})
		if err != nil {
			return fmt.Errorf("place: %w", err)
		}
		if err := ex.AmendPrice(ctx, *symbol, orderID, q.Mark*0.79); err != nil {
			return fmt.Errorf("amend: %w", err)
		}
		if err := ex.Cancel(ctx, *symbol, orderID); err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		logger.Printf("order %s placed, amended, cancelled", orderID)
		return nil
	})

	run("closed-pnl ledger", func() error {
		records, err := ex.ClosedPnL(ctx, time.Now().Add(-24*time.Hour), 10)
		if err != nil {
			return err
		}
		logger.Printf("%d closed-pnl records in the last 24h", len(records))
		return nil
	})

	run("storage round trip", func() error {
		tr := models.NewTrade("e2e_TESTUSDT_1", "TESTUSDT", models.SideLong, 100, 10)
		if err := store.SaveActiveTrade(tr); err != nil {
			return err
		}
		loaded, err := store.LoadActiveTrades()
		if err != nil {
			return err
		}
		if len(loaded) != 1 || loaded[0].ID != tr.ID {
			return fmt.Errorf("round trip mismatch: %d trades", len(loaded))
		}
		return store.DeleteActiveTrade(tr.ID)
	})

	fmt.Printf("=== %d/%d checks passed ===\n", passed, total)
	if passed != total {
		os.Exit(1)
	}
}
