// Package dashboard is the HTTP surface: signal ingestion, operator
// commands, zone pushes, and read-only status endpoints.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/fleetfox/signal_dca/internal/config"
	"github.com/fleetfox/signal_dca/internal/manager"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/parser"
	"github.com/fleetfox/signal_dca/internal/storage"
	"github.com/fleetfox/signal_dca/internal/zones"
)

// Core is the orchestrator surface the HTTP handlers drive. Implemented
// by the bot's event layer; the server never touches the exchange
// directly.
type Core interface {
	// EnqueueSignal buffers a parsed signal for batched admission and
	// returns a short status string ("buffered", "duplicate", ...).
	EnqueueSignal(sig models.Signal) string
	// FlushBatch force-admits the buffer; returns how many signals it held.
	FlushBatch() int
	// CloseSymbol flattens a symbol's trade.
	CloseSymbol(ctx context.Context, symbol, reason string) error
	// TrendSwitch persists the marker and closes opposing positions.
	TrendSwitch(ctx context.Context, symbol string, dir models.TrendDirection) error
	// ResnapSymbol re-snaps resting DCA limits on a symbol's active
	// trades against the current zones.
	ResnapSymbol(ctx context.Context, symbol string) error
	// RecoveryReset clears the in-memory trade set and snapshots.
	RecoveryReset() error
	// Equity reports the current wallet equity.
	Equity(ctx context.Context) (float64, error)
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	cfg       *config.Config
	core      Core
	trades    *manager.Manager
	zones     *zones.Source
	store     storage.Interface
	logger    *logrus.Logger
	addr      string
	authToken string
	startedAt time.Time
}

func NewServer(cfg *config.Config, core Core, trades *manager.Manager, zoneSrc *zones.Source,
	store storage.Interface, logger *logrus.Logger) *Server {

	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		core:      core,
		trades:    trades,
		zones:     zoneSrc,
		store:     store,
		logger:    logger,
		addr:      fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		authToken: cfg.Server.AuthToken,
		startedAt: time.Now().UTC(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Post("/webhook", s.handleWebhook)
	s.router.Post("/close/{symbol}", s.handleClose)
	s.router.Post("/flush", s.handleFlush)
	s.router.Post("/signal/trend-switch", s.handleTrendSwitch)

	s.router.Post("/zones/push", s.handleZonePush)
	s.router.Post("/zones/{symbol}", s.handleZoneSet)
	s.router.Get("/zones", s.handleZoneList)

	s.router.Get("/status", s.handleStatus)
	s.router.Get("/trades", s.handleTrades)
	s.router.Get("/equity", s.handleEquity)
	s.router.Post("/recovery/reset", s.handleRecoveryReset)

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("addr", s.addr).Info("Dashboard server starting")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// handleWebhook accepts raw signal text or JSON with a "message" field,
// runs the parser, and buffers valid signals for admission.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	text := string(body)
	var wrapped struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Message != "" {
		text = wrapped.Message
	}

	sig := parser.ParseSignal(text)
	if sig == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	status := s.core.EnqueueSignal(*sig)
	s.logger.WithFields(logrus.Fields{
		"symbol": sig.Symbol,
		"side":   sig.Side,
		"status": status,
	}).Info("Webhook signal")
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": status,
		"symbol": sig.Symbol,
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	symbol := models.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if err := s.core.CloseSymbol(r.Context(), symbol, "Manual close via API"); err != nil {
		s.logger.WithError(err).WithField("symbol", symbol).Error("Manual close failed")
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "symbol": symbol})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	n := s.core.FlushBatch()
	s.writeJSON(w, http.StatusOK, map[string]int{"flushed": n})
}

// handleTrendSwitch takes {"symbol": ..., "direction": "up|down"} or a
// plain "SYM dir" body.
func (s *Server) handleTrendSwitch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var req struct {
		Symbol    string `json:"symbol"`
		Direction string `json:"direction"`
	}
	if json.Unmarshal(body, &req) != nil || req.Symbol == "" {
		fields := strings.Fields(string(body))
		if len(fields) == 2 {
			req.Symbol, req.Direction = fields[0], fields[1]
		}
	}

	dir, ok := models.ParseTrendDirection(req.Direction)
	if req.Symbol == "" || !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "expected {symbol, direction in {up,down}}",
		})
		return
	}

	symbol := models.NormalizeSymbol(req.Symbol)
	if err := s.core.TrendSwitch(r.Context(), symbol, dir); err != nil {
		s.logger.WithError(err).WithField("symbol", symbol).Error("Trend switch failed")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok", "symbol": symbol, "direction": string(dir),
	})
}

// handleZonePush ingests an external zone event. A trend scalar in the
// payload doubles as a trend switch: its sign selects the direction.
func (s *Server) handleZonePush(w http.ResponseWriter, r *http.Request) {
	var push zones.Push
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	push.Symbol = models.NormalizeSymbol(push.Symbol)

	z, err := s.zones.ApplyPush(push)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if push.Trend != nil {
		dir := models.TrendUp
		if *push.Trend < 0 {
			dir = models.TrendDown
		}
		if err := s.core.TrendSwitch(r.Context(), push.Symbol, dir); err != nil {
			s.logger.WithError(err).WithField("symbol", push.Symbol).Error("Push trend switch failed")
		}
	}
	// A moved zone re-snaps resting DCA limits now, not on the next
	// refresh tick.
	if err := s.core.ResnapSymbol(r.Context(), push.Symbol); err != nil {
		s.logger.WithError(err).WithField("symbol", push.Symbol).Error("Push re-snap failed")
	}
	s.writeJSON(w, http.StatusOK, z)
}

func (s *Server) handleZoneSet(w http.ResponseWriter, r *http.Request) {
	var z models.CoinZones
	if err := json.NewDecoder(r.Body).Decode(&z); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	z.Symbol = models.NormalizeSymbol(chi.URLParam(r, "symbol"))

	saved, err := s.zones.SetManual(z)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.core.ResnapSymbol(r.Context(), saved.Symbol); err != nil {
		s.logger.WithError(err).WithField("symbol", saved.Symbol).Error("Manual-zone re-snap failed")
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleZoneList(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.AllZones()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active := s.trades.All()
	stats, err := s.store.GetStats()
	if err != nil {
		s.logger.WithError(err).Warn("Stats unavailable")
	}

	equity, err := s.core.Equity(r.Context())
	if err != nil {
		s.logger.WithError(err).Warn("Equity unavailable")
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"active_trades":  active,
		"slots": map[string]int{
			"used": s.trades.ActiveCount(),
			"max":  s.cfg.Trading.MaxSimultaneousTrades,
		},
		"stats":  stats,
		"equity": equity,
		"config": map[string]any{
			"leverage":         s.cfg.Trading.Leverage,
			"equity_pct":       s.cfg.Trading.EquityPctPerTrade,
			"max_trades":       s.cfg.Trading.MaxSimultaneousTrades,
			"dca_multipliers":  s.cfg.DCA.Multipliers,
			"dca_spacing_pct":  s.cfg.DCA.SpacingPct,
			"tp_close_pcts":    s.cfg.TakeProfit.ClosePcts,
			"trailing_pct":     s.cfg.TakeProfit.TrailingCallbackPct,
			"hard_sl_pct":      s.cfg.StopLoss.HardSLPct,
			"scale_in_enabled": s.cfg.ScaleIn.Enabled,
			"mode":             s.cfg.Environment.Mode,
		},
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	closed, err := s.store.GetClosedTrades(100)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	stats, err := s.store.GetStats()
	if err != nil {
		s.logger.WithError(err).Warn("Stats unavailable")
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"trades":   closed,
		"stats":    stats,
		"win_rate": stats.WinRate(),
	})
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	series, err := s.store.EquitySeries(90)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleRecoveryReset(w http.ResponseWriter, r *http.Request) {
	if err := s.core.RecoveryReset(); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Warn("Recovery reset: in-memory trades and snapshots cleared")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}
