package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fleetfox/signal_dca/internal/config"
	"github.com/fleetfox/signal_dca/internal/dashboard"
	"github.com/fleetfox/signal_dca/internal/exchange"
	"github.com/fleetfox/signal_dca/internal/manager"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/storage"
	"github.com/fleetfox/signal_dca/internal/telegram"
	"github.com/fleetfox/signal_dca/internal/zones"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags|log.LUTC)
	logger.Printf("Starting signal-dca bot (mode=%s)", cfg.Environment.Mode)

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	var ex exchange.Exchange
	if cfg.Exchange.BaseURL != "" {
		ex = exchange.NewBybitClientWithURL(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.BaseURL, logger)
	} else {
		ex = exchange.NewBybitClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.IsTestnet(), logger)
	}
	ex = exchange.NewCircuitBreakerExchange(ex)

	var feed *exchange.TickerFeed
	if cfg.Exchange.WSURL != "" {
		feed = exchange.NewTickerFeedWithURL(cfg.Exchange.WSURL, logger)
	} else {
		feed = exchange.NewTickerFeed(cfg.IsTestnet(), logger)
	}

	zoneSrc := zones.NewSource(store, logger)
	zoneSrc.SetMaxAge(cfg.ZoneStale())
	zoneSrc.Warm()

	trades := manager.New(cfg, store, logger)

	tgClient := telegram.NewClient(cfg.Telegram.BotToken)
	notifier := telegram.NewNotifier(tgClient, cfg.Telegram.NotifyChatID, logger)

	engine := NewEngine(cfg, ex, feed, trades, zoneSrc, store, notifier, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Recovery reconciles persisted trades before anything else moves.
	if err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	for _, tr := range trades.All() {
		feed.Subscribe(tr.Symbol)
	}

	listener := telegram.NewListener(tgClient, cfg.Telegram.Channel, telegram.Handlers{
		OnSignal: func(sig models.Signal) { engine.EnqueueSignal(sig) },
		OnClose: func(cmd models.CloseCommand) {
			cctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			if err := engine.CloseSymbol(cctx, cmd.Symbol, "Close signal"); err != nil {
				logger.Printf("WARNING: close signal %s: %v", cmd.Symbol, err)
			}
		},
		OnTPHit: func(hit models.TPHit) {
			hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			engine.HandleTPHit(hctx, hit)
		},
	}, logger)

	srvLogger := logrus.New()
	if cfg.Environment.LogLevel == "debug" {
		srvLogger.SetLevel(logrus.DebugLevel)
	}
	server := dashboard.NewServer(cfg, engine, trades, zoneSrc, store, srvLogger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(gctx) })
	g.Go(func() error { listener.Run(gctx); return nil })
	g.Go(func() error { return engine.RunMonitor(gctx) })
	g.Go(func() error { return engine.RunZoneRefresh(gctx) })
	g.Go(func() error { return engine.RunSafety(gctx) })
	g.Go(func() error { return engine.RunPnLSync(gctx) })
	g.Go(func() error {
		logger.Printf("Dashboard listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})

	err = g.Wait()
	if err == context.Canceled || ctx.Err() != nil {
		logger.Printf("Shutdown complete")
		return nil
	}
	return err
}
