package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetfox/signal_dca/internal/models"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// SQLiteStore implements Interface on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time interface check
var _ Interface = (*SQLiteStore)(nil)

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite supports a single writer; serialize everything through one conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Support/resistance snapshot per symbol, upserted by the zone source
	CREATE TABLE IF NOT EXISTS zones (
		symbol     TEXT PRIMARY KEY,
		s1         REAL NOT NULL DEFAULT 0,
		s2         REAL NOT NULL DEFAULT 0,
		s3         REAL NOT NULL DEFAULT 0,
		r1         REAL NOT NULL DEFAULT 0,
		r2         REAL NOT NULL DEFAULT 0,
		r3         REAL NOT NULL DEFAULT 0,
		origin     TEXT NOT NULL DEFAULT 'external',
		updated_at INTEGER NOT NULL
	);

	-- Closed-trade journal, append-only
	CREATE TABLE IF NOT EXISTS closed_trades (
		trade_id        TEXT PRIMARY KEY,
		symbol          TEXT NOT NULL,
		side            TEXT NOT NULL,
		entry_price     REAL NOT NULL,
		avg_price       REAL NOT NULL,
		close_price     REAL NOT NULL,
		total_qty       REAL NOT NULL,
		total_margin    REAL NOT NULL,
		leverage        INTEGER NOT NULL,
		realized_pnl    REAL NOT NULL,
		tp_realized     REAL NOT NULL DEFAULT 0,
		pnl_pct_margin  REAL NOT NULL DEFAULT 0,
		trail_pnl_pct   REAL NOT NULL DEFAULT 0,
		result          TEXT NOT NULL,
		reason          TEXT NOT NULL,
		max_dca_reached INTEGER NOT NULL DEFAULT 0,
		tps_hit         INTEGER NOT NULL DEFAULT 0,
		tp1_hit         INTEGER NOT NULL DEFAULT 0,
		opened_at       INTEGER NOT NULL,
		closed_at       INTEGER NOT NULL,
		duration_min    REAL NOT NULL DEFAULT 0,
		equity_at_entry REAL NOT NULL DEFAULT 0,
		equity_at_close REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_closed_symbol_side ON closed_trades(symbol, side);
	CREATE INDEX IF NOT EXISTS idx_closed_closed_at ON closed_trades(closed_at);

	-- Active-trade snapshots for crash recovery; value is the trade JSON
	CREATE TABLE IF NOT EXISTS active_trades (
		trade_id   TEXT PRIMARY KEY,
		symbol     TEXT NOT NULL,
		state_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- One row per UTC day
	CREATE TABLE IF NOT EXISTS daily_equity (
		date   TEXT PRIMARY KEY,
		equity REAL NOT NULL,
		pnl    REAL NOT NULL DEFAULT 0,
		wins   INTEGER NOT NULL DEFAULT 0,
		losses INTEGER NOT NULL DEFAULT 0
	);

	-- Last-known trend direction per symbol
	CREATE TABLE IF NOT EXISTS trend_markers (
		symbol     TEXT PRIMARY KEY,
		direction  TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveActiveTrade upserts the full trade snapshot keyed by trade id.
func (s *SQLiteStore) SaveActiveTrade(trade *models.Trade) error {
	blob, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshaling trade %s: %w", trade.ID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO active_trades (trade_id, symbol, state_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			symbol = excluded.symbol,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`,
		trade.ID, trade.Symbol, string(blob), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("saving active trade %s: %w", trade.ID, err)
	}
	return nil
}

// DeleteActiveTrade removes the snapshot on terminal close.
func (s *SQLiteStore) DeleteActiveTrade(tradeID string) error {
	_, err := s.db.Exec(`DELETE FROM active_trades WHERE trade_id = ?`, tradeID)
	if err != nil {
		return fmt.Errorf("deleting active trade %s: %w", tradeID, err)
	}
	return nil
}

// LoadActiveTrades returns every persisted snapshot, oldest first.
func (s *SQLiteStore) LoadActiveTrades() ([]*models.Trade, error) {
	rows, err := s.db.Query(`SELECT state_json FROM active_trades ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("loading active trades: %w", err)
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scanning active trade: %w", err)
		}
		var trade models.Trade
		if err := json.Unmarshal([]byte(blob), &trade); err != nil {
			return nil, fmt.Errorf("unmarshaling active trade: %w", err)
		}
		trades = append(trades, &trade)
	}
	return trades, rows.Err()
}

// ClearActiveTrades wipes all snapshots (emergency reset).
func (s *SQLiteStore) ClearActiveTrades() error {
	_, err := s.db.Exec(`DELETE FROM active_trades`)
	if err != nil {
		return fmt.Errorf("clearing active trades: %w", err)
	}
	return nil
}

// SaveClosedTrade writes a journal entry. Idempotent on trade id: a
// repeat write may refresh PnL and reason but opened_at stays fixed.
func (s *SQLiteStore) SaveClosedTrade(ct *models.ClosedTrade) error {
	_, err := s.db.Exec(`
		INSERT INTO closed_trades (
			trade_id, symbol, side, entry_price, avg_price, close_price,
			total_qty, total_margin, leverage, realized_pnl, tp_realized,
			pnl_pct_margin, trail_pnl_pct, result, reason, max_dca_reached,
			tps_hit, tp1_hit, opened_at, closed_at, duration_min,
			equity_at_entry, equity_at_close
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			close_price = excluded.close_price,
			realized_pnl = excluded.realized_pnl,
			tp_realized = excluded.tp_realized,
			pnl_pct_margin = excluded.pnl_pct_margin,
			trail_pnl_pct = excluded.trail_pnl_pct,
			result = excluded.result,
			reason = excluded.reason,
			closed_at = excluded.closed_at,
			duration_min = excluded.duration_min,
			equity_at_close = excluded.equity_at_close`,
		ct.TradeID, ct.Symbol, string(ct.Side), ct.EntryPrice, ct.AvgPrice, ct.ClosePrice,
		ct.TotalQty, ct.TotalMargin, ct.Leverage, ct.RealizedPnL, ct.TPRealized,
		ct.PnLPctMargin, ct.TrailPnLPct, string(ct.Result), ct.Reason, ct.MaxDCAReached,
		ct.TPsHit, boolToInt(ct.TP1Hit), ct.OpenedAt.UTC().Unix(), ct.ClosedAt.UTC().Unix(),
		ct.DurationMin, ct.EquityAtEntry, ct.EquityAtClose)
	if err != nil {
		return fmt.Errorf("saving closed trade %s: %w", ct.TradeID, err)
	}
	return nil
}

// GetClosedTrades returns the most recent journal entries.
func (s *SQLiteStore) GetClosedTrades(limit int) ([]*models.ClosedTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT trade_id, symbol, side, entry_price, avg_price, close_price,
			total_qty, total_margin, leverage, realized_pnl, tp_realized,
			pnl_pct_margin, trail_pnl_pct, result, reason, max_dca_reached,
			tps_hit, tp1_hit, opened_at, closed_at, duration_min,
			equity_at_entry, equity_at_close
		FROM closed_trades ORDER BY closed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying closed trades: %w", err)
	}
	defer rows.Close()

	var result []*models.ClosedTrade
	for rows.Next() {
		ct, err := scanClosedTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ct)
	}
	return result, rows.Err()
}

func scanClosedTrade(rows *sql.Rows) (*models.ClosedTrade, error) {
	var ct models.ClosedTrade
	var side, result string
	var tp1Hit int
	var openedAt, closedAt int64

	err := rows.Scan(
		&ct.TradeID, &ct.Symbol, &side, &ct.EntryPrice, &ct.AvgPrice, &ct.ClosePrice,
		&ct.TotalQty, &ct.TotalMargin, &ct.Leverage, &ct.RealizedPnL, &ct.TPRealized,
		&ct.PnLPctMargin, &ct.TrailPnLPct, &result, &ct.Reason, &ct.MaxDCAReached,
		&ct.TPsHit, &tp1Hit, &openedAt, &closedAt, &ct.DurationMin,
		&ct.EquityAtEntry, &ct.EquityAtClose)
	if err != nil {
		return nil, fmt.Errorf("scanning closed trade: %w", err)
	}

	ct.Side = models.Side(side)
	ct.Result = models.Result(result)
	ct.TP1Hit = tp1Hit != 0
	ct.OpenedAt = time.Unix(openedAt, 0).UTC()
	ct.ClosedAt = time.Unix(closedAt, 0).UTC()
	return &ct, nil
}

// HasOverlappingClose reports whether any journal entry for (symbol, side)
// has a lifetime touching [start, end].
func (s *SQLiteStore) HasOverlappingClose(symbol string, side models.Side, start, end time.Time) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(1) FROM closed_trades
		WHERE symbol = ? AND side = ?
		  AND opened_at <= ? AND closed_at >= ?`,
		symbol, string(side), end.UTC().Unix(), start.UTC().Unix()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking overlapping close: %w", err)
	}
	return count > 0, nil
}

// GetStats aggregates the journal.
func (s *SQLiteStore) GetStats() (TradeStats, error) {
	var stats TradeStats
	err := s.db.QueryRow(`
		SELECT COUNT(1),
			COALESCE(SUM(CASE WHEN result = 'win' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN result = 'loss' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN result = 'breakeven' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(realized_pnl), 0)
		FROM closed_trades`).Scan(
		&stats.Total, &stats.Wins, &stats.Losses, &stats.Breakeven, &stats.TotalPnL)
	if err != nil {
		return TradeStats{}, fmt.Errorf("aggregating stats: %w", err)
	}
	return stats, nil
}

// SaveZones upserts the zone snapshot for a symbol.
func (s *SQLiteStore) SaveZones(zones *models.CoinZones) error {
	updatedAt := zones.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO zones (symbol, s1, s2, s3, r1, r2, r3, origin, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			s1 = excluded.s1, s2 = excluded.s2, s3 = excluded.s3,
			r1 = excluded.r1, r2 = excluded.r2, r3 = excluded.r3,
			origin = excluded.origin, updated_at = excluded.updated_at`,
		zones.Symbol, zones.S1, zones.S2, zones.S3, zones.R1, zones.R2, zones.R3,
		string(zones.Origin), updatedAt.Unix())
	if err != nil {
		return fmt.Errorf("saving zones for %s: %w", zones.Symbol, err)
	}
	return nil
}

// GetZones loads the zone snapshot for a symbol, ErrNotFound when absent.
func (s *SQLiteStore) GetZones(symbol string) (*models.CoinZones, error) {
	var z models.CoinZones
	var origin string
	var updatedAt int64

	err := s.db.QueryRow(`
		SELECT symbol, s1, s2, s3, r1, r2, r3, origin, updated_at
		FROM zones WHERE symbol = ?`, symbol).Scan(
		&z.Symbol, &z.S1, &z.S2, &z.S3, &z.R1, &z.R2, &z.R3, &origin, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading zones for %s: %w", symbol, err)
	}

	z.Origin = models.ZoneOrigin(origin)
	z.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &z, nil
}

// AllZones returns every stored snapshot.
func (s *SQLiteStore) AllZones() ([]*models.CoinZones, error) {
	rows, err := s.db.Query(`
		SELECT symbol, s1, s2, s3, r1, r2, r3, origin, updated_at
		FROM zones ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("loading all zones: %w", err)
	}
	defer rows.Close()

	var result []*models.CoinZones
	for rows.Next() {
		var z models.CoinZones
		var origin string
		var updatedAt int64
		if err := rows.Scan(&z.Symbol, &z.S1, &z.S2, &z.S3, &z.R1, &z.R2, &z.R3, &origin, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning zones: %w", err)
		}
		z.Origin = models.ZoneOrigin(origin)
		z.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		result = append(result, &z)
	}
	return result, rows.Err()
}

// SaveTrendMarker upserts the per-symbol trend direction.
func (s *SQLiteStore) SaveTrendMarker(symbol string, dir models.TrendDirection) error {
	_, err := s.db.Exec(`
		INSERT INTO trend_markers (symbol, direction, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			direction = excluded.direction, updated_at = excluded.updated_at`,
		symbol, string(dir), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("saving trend marker for %s: %w", symbol, err)
	}
	return nil
}

// GetTrendMarker returns the trend for a symbol, ErrNotFound when absent.
func (s *SQLiteStore) GetTrendMarker(symbol string) (models.TrendDirection, error) {
	var dir string
	err := s.db.QueryRow(`SELECT direction FROM trend_markers WHERE symbol = ?`, symbol).Scan(&dir)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading trend marker for %s: %w", symbol, err)
	}
	return models.TrendDirection(dir), nil
}

// AllTrendMarkers returns the full marker map.
func (s *SQLiteStore) AllTrendMarkers() (map[string]models.TrendDirection, error) {
	rows, err := s.db.Query(`SELECT symbol, direction FROM trend_markers`)
	if err != nil {
		return nil, fmt.Errorf("loading trend markers: %w", err)
	}
	defer rows.Close()

	result := make(map[string]models.TrendDirection)
	for rows.Next() {
		var symbol, dir string
		if err := rows.Scan(&symbol, &dir); err != nil {
			return nil, fmt.Errorf("scanning trend marker: %w", err)
		}
		result[symbol] = models.TrendDirection(dir)
	}
	return result, rows.Err()
}

// RecordDailyEquity upserts the row for a UTC day.
func (s *SQLiteStore) RecordDailyEquity(row DailyEquity) error {
	_, err := s.db.Exec(`
		INSERT INTO daily_equity (date, equity, pnl, wins, losses)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			equity = excluded.equity, pnl = excluded.pnl,
			wins = excluded.wins, losses = excluded.losses`,
		row.Date, row.Equity, row.PnL, row.Wins, row.Losses)
	if err != nil {
		return fmt.Errorf("recording daily equity for %s: %w", row.Date, err)
	}
	return nil
}

// EquitySeries returns the most recent rows, oldest first.
func (s *SQLiteStore) EquitySeries(days int) ([]DailyEquity, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.db.Query(`
		SELECT date, equity, pnl, wins, losses FROM (
			SELECT date, equity, pnl, wins, losses
			FROM daily_equity ORDER BY date DESC LIMIT ?
		) ORDER BY date ASC`, days)
	if err != nil {
		return nil, fmt.Errorf("querying equity series: %w", err)
	}
	defer rows.Close()

	var result []DailyEquity
	for rows.Next() {
		var row DailyEquity
		if err := rows.Scan(&row.Date, &row.Equity, &row.PnL, &row.Wins, &row.Losses); err != nil {
			return nil, fmt.Errorf("scanning equity row: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
