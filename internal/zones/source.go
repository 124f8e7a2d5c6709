// Package zones maintains the per-symbol support/resistance snapshots and
// snaps DCA ladders onto them.
//
// Three producers feed the source: the external push feed (primary),
// swing derivation from candles (fallback when the external data goes
// stale), and manual overwrite. An in-memory cache fronts the store so a
// store outage never blocks the trading loops.
package zones

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/fleetfox/signal_dca/internal/exchange"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/storage"
)

// Push is the structured external zone event. S1 and R1..R3 are
// required; missing supports are reconstructed from RZAvg (the external
// zones are symmetric about it) or from their neighbors.
type Push struct {
	Symbol string  `json:"symbol"`
	S1     float64 `json:"s1"`
	S2     float64 `json:"s2,omitempty"`
	S3     float64 `json:"s3,omitempty"`
	R1     float64 `json:"r1"`
	R2     float64 `json:"r2"`
	R3     float64 `json:"r3"`
	RZAvg  float64 `json:"rz_avg,omitempty"`
	// Trend is an optional neo-cloud scalar; its sign selects the trend
	// marker (positive = up). Nil when absent.
	Trend *float64 `json:"trend,omitempty"`
}

// Source owns the zone cache. All writes go through it.
type Source struct {
	store  storage.Interface
	logger *log.Logger

	mu    sync.RWMutex
	cache map[string]*models.CoinZones

	maxAge time.Duration
	now    func() time.Time
}

// NewSource creates a zone source over the given store.
func NewSource(store storage.Interface, logger *log.Logger) *Source {
	if logger == nil {
		logger = log.Default()
	}
	return &Source{
		store:  store,
		logger: logger,
		cache:  make(map[string]*models.CoinZones),
		maxAge: models.ZoneMaxAge,
		now:    time.Now,
	}
}

// SetMaxAge overrides the staleness threshold (zones.stale_minutes).
func (s *Source) SetMaxAge(d time.Duration) {
	if d > 0 {
		s.maxAge = d
	}
}

// Warm loads every stored snapshot into the cache. Called once on
// startup; a store failure leaves the cache empty, not the bot down.
func (s *Source) Warm() {
	all, err := s.store.AllZones()
	if err != nil {
		s.logger.Printf("Zone warm-up failed: %v", err)
		return
	}
	s.mu.Lock()
	for _, z := range all {
		s.cache[z.Symbol] = z
	}
	s.mu.Unlock()
	s.logger.Printf("Zone cache warmed: %d symbols", len(all))
}

// Get returns the cached snapshot for a symbol, possibly stale, or nil.
// Callers act on FreshSnapshot unless stale data is acceptable.
func (s *Source) Get(symbol string) *models.CoinZones {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.cache[symbol]
	if !ok {
		return nil
	}
	cp := *z
	return &cp
}

// FreshSnapshot returns the snapshot only while it is within the
// staleness threshold, else nil.
func (s *Source) FreshSnapshot(symbol string) *models.CoinZones {
	z := s.Get(symbol)
	if !z.ValidWithin(s.now().UTC(), s.maxAge) {
		return nil
	}
	return z
}

// Fresh reports whether the symbol has a usable, unexpired snapshot.
func (s *Source) Fresh(symbol string) bool {
	return s.FreshSnapshot(symbol) != nil
}

func (s *Source) put(z *models.CoinZones) {
	s.mu.Lock()
	s.cache[z.Symbol] = z
	s.mu.Unlock()

	if err := s.store.SaveZones(z); err != nil {
		// Cache stays authoritative until the store recovers.
		s.logger.Printf("Zone persist failed for %s: %v", z.Symbol, err)
	}
}

// ApplyPush ingests an external zone event and returns the resulting
// snapshot.
func (s *Source) ApplyPush(push Push) (*models.CoinZones, error) {
	if push.Symbol == "" {
		return nil, fmt.Errorf("zone push without symbol")
	}
	if push.S1 <= 0 && push.RZAvg <= 0 {
		return nil, fmt.Errorf("zone push for %s has neither s1 nor rz_avg", push.Symbol)
	}

	s1, s2, s3 := push.S1, push.S2, push.S3

	// The external zones are symmetric about rz_avg: sN = 2*rz_avg - rN.
	if push.RZAvg > 0 {
		if s1 <= 0 && push.R1 > 0 {
			s1 = 2*push.RZAvg - push.R1
		}
		if s2 <= 0 && push.R2 > 0 {
			s2 = 2*push.RZAvg - push.R2
		}
		if s3 <= 0 && push.R3 > 0 {
			s3 = 2*push.RZAvg - push.R3
		}
	}
	// Neighbor fallback for anything still missing.
	if s2 <= 0 && s1 > 0 && s3 > 0 {
		s2 = (s1 + s3) / 2
	}
	if s3 <= 0 && s1 > 0 && s2 > 0 {
		s3 = s2 - (s1 - s2)
	}

	z := &models.CoinZones{
		Symbol:    push.Symbol,
		S1:        s1,
		S2:        s2,
		S3:        s3,
		R1:        push.R1,
		R2:        push.R2,
		R3:        push.R3,
		UpdatedAt: s.now().UTC(),
		Origin:    models.ZoneOriginExternal,
	}
	s.put(z)
	s.logger.Printf("Zones updated (%s): %s S %.6g/%.6g/%.6g R %.6g/%.6g/%.6g",
		z.Origin, z.Symbol, z.S1, z.S2, z.S3, z.R1, z.R2, z.R3)
	return z, nil
}

// SetManual overwrites a symbol's zones directly.
func (s *Source) SetManual(z models.CoinZones) (*models.CoinZones, error) {
	if z.Symbol == "" {
		return nil, fmt.Errorf("manual zones without symbol")
	}
	z.UpdatedAt = s.now().UTC()
	z.Origin = models.ZoneOriginManual
	s.put(&z)
	return &z, nil
}

// DeriveFromCandles computes fallback zones from swing points and stores
// them. A bar is a swing low when its low is the strict minimum of the
// surrounding lookback window; swing highs mirror that. S1..S3 are the
// three most recent swing lows sorted descending, R1..R3 the most recent
// swing highs ascending.
func (s *Source) DeriveFromCandles(symbol string, candles []exchange.Candle, lookback int) *models.CoinZones {
	lows, highs := swingPoints(candles, lookback)
	if len(lows) == 0 && len(highs) == 0 {
		return nil
	}

	supports := lastN(lows, 3)
	sort.Sort(sort.Reverse(sort.Float64Slice(supports)))
	resistances := lastN(highs, 3)
	sort.Float64s(resistances)

	z := &models.CoinZones{
		Symbol:    symbol,
		UpdatedAt: s.now().UTC(),
		Origin:    models.ZoneOriginDerived,
	}
	assign3(supports, &z.S1, &z.S2, &z.S3)
	assign3(resistances, &z.R1, &z.R2, &z.R3)

	s.put(z)
	s.logger.Printf("Zones updated (%s): %s S %.6g/%.6g/%.6g R %.6g/%.6g/%.6g",
		z.Origin, z.Symbol, z.S1, z.S2, z.S3, z.R1, z.R2, z.R3)
	return z
}

// swingPoints returns swing low and high prices in chronological order.
func swingPoints(candles []exchange.Candle, lookback int) (lows, highs []float64) {
	if lookback < 1 {
		lookback = 1
	}
	for i := lookback; i < len(candles)-lookback; i++ {
		isLow, isHigh := true, true
		for j := i - lookback; j <= i+lookback; j++ {
			if j == i {
				continue
			}
			if candles[j].Low <= candles[i].Low {
				isLow = false
			}
			if candles[j].High >= candles[i].High {
				isHigh = false
			}
		}
		if isLow {
			lows = append(lows, candles[i].Low)
		}
		if isHigh {
			highs = append(highs, candles[i].High)
		}
	}
	return lows, highs
}

func lastN(values []float64, n int) []float64 {
	if len(values) > n {
		values = values[len(values)-n:]
	}
	out := make([]float64, len(values))
	copy(out, values)
	return out
}

func assign3(values []float64, a, b, c *float64) {
	slots := []*float64{a, b, c}
	for i, v := range values {
		if i >= len(slots) {
			break
		}
		*slots[i] = v
	}
}
