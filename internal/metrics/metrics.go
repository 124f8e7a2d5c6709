// Package metrics exposes the bot's Prometheus series:
//   - bot_signals_total{result}         - signals by admission outcome
//   - bot_trades_opened_total{side}     - trades that reached OPEN
//   - bot_trades_closed_total{reason}   - closes by reason bucket
//   - bot_tp_fills_total                - take-profit leg fills
//   - bot_dca_fills_total               - averaging fills
//   - bot_active_trades                 - current non-terminal trades (gauge)
//   - bot_equity_usdt                   - last observed equity (gauge)
//   - bot_realized_pnl_usdt_total       - cumulative realized PnL
//   - bot_exchange_errors_total{kind}   - exchange failures by kind
//   - bot_sl_reinstalls_total           - safety-loop stop reinstalls
//
// Registered in init() and served at /metrics by the dashboard.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_signals_total",
			Help: "Signals by admission outcome",
		},
		[]string{"result"}, // admitted|duplicate|filtered|slots_full|error
	)

	tradesOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_trades_opened_total",
			Help: "Trades that reached OPEN",
		},
		[]string{"side"},
	)

	tradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_trades_closed_total",
			Help: "Closed trades by reason bucket",
		},
		[]string{"reason"},
	)

	tpFills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_tp_fills_total",
			Help: "Take-profit leg fills",
		},
	)

	dcaFills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_dca_fills_total",
			Help: "Averaging level fills",
		},
	)

	activeTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_active_trades",
			Help: "Current non-terminal trades",
		},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_equity_usdt",
			Help: "Last observed wallet equity in USDT",
		},
	)

	realizedPnL = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_realized_pnl_usdt_total",
			Help: "Cumulative realized profit in USDT (losses excluded)",
		},
	)

	exchangeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exchange_errors_total",
			Help: "Exchange call failures by kind",
		},
		[]string{"kind"}, // transient|validation|verification|other
	)

	slReinstalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_sl_reinstalls_total",
			Help: "Stops reinstalled by the safety loop",
		},
	)
)

func init() {
	prometheus.MustRegister(signals, tradesOpened, tradesClosed)
	prometheus.MustRegister(tpFills, dcaFills, activeTrades)
	prometheus.MustRegister(equity, realizedPnL)
	prometheus.MustRegister(exchangeErrors, slReinstalls)
}

func IncSignal(result string)      { signals.WithLabelValues(result).Inc() }
func IncTradeOpened(side string)   { tradesOpened.WithLabelValues(side).Inc() }
func IncTradeClosed(reason string) { tradesClosed.WithLabelValues(reason).Inc() }
func IncTPFill()                   { tpFills.Inc() }
func IncDCAFill()                  { dcaFills.Inc() }
func SetActiveTrades(n int)        { activeTrades.Set(float64(n)) }
func SetEquity(v float64)          { equity.Set(v) }
func IncExchangeError(kind string) { exchangeErrors.WithLabelValues(kind).Inc() }
func IncSLReinstall()              { slReinstalls.Inc() }

// AddRealizedPnL records a close's PnL. Prometheus counters cannot go
// down, so losses land on a zero add; the accurate signed series lives
// in the journal, this one tracks profit flow for alerting.
func AddRealizedPnL(v float64) {
	if v > 0 {
		realizedPnL.Add(v)
	}
}

// CloseReasonBucket folds free-text close reasons into a small label
// set so the series stays bounded.
func CloseReasonBucket(reason string) string {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "trailing"):
		return "trailing_stop"
	case strings.Contains(r, "stop"):
		return "stop_loss"
	case strings.Contains(r, "timeout"):
		return "entry_timeout"
	case strings.Contains(r, "manual"), strings.Contains(r, "close signal"):
		return "manual"
	case strings.Contains(r, "trend"):
		return "trend_switch"
	case strings.Contains(r, "sync"), strings.Contains(r, "downtime"):
		return "exchange_sync"
	default:
		return "other"
	}
}
