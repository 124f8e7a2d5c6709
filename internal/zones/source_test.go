package zones

import (
	"errors"
	"testing"
	"time"

	"github.com/fleetfox/signal_dca/internal/exchange"
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/storage"
)

func newTestSource(t *testing.T) (*Source, *storage.MockStorage) {
	t.Helper()
	store := storage.NewMockStorage()
	src := NewSource(store, nil)
	return src, store
}

func TestApplyPushCompletesSupportsFromRZAvg(t *testing.T) {
	src, store := newTestSource(t)

	z, err := src.ApplyPush(Push{
		Symbol: "FOOUSDT",
		RZAvg:  100,
		R1:     103, R2: 106, R3: 110,
	})
	if err != nil {
		t.Fatalf("ApplyPush() error: %v", err)
	}
	// sN = 2*rz_avg - rN
	if z.S1 != 97 || z.S2 != 94 || z.S3 != 90 {
		t.Errorf("supports = %v/%v/%v, want 97/94/90", z.S1, z.S2, z.S3)
	}
	if z.Origin != models.ZoneOriginExternal {
		t.Errorf("origin = %s", z.Origin)
	}

	// Write-through to the store.
	stored, err := store.GetZones("FOOUSDT")
	if err != nil {
		t.Fatalf("GetZones() error: %v", err)
	}
	if stored.S1 != 97 {
		t.Errorf("stored S1 = %v", stored.S1)
	}
}

func TestApplyPushMidpointFallback(t *testing.T) {
	src, _ := newTestSource(t)

	z, err := src.ApplyPush(Push{
		Symbol: "FOOUSDT",
		S1:     97, S3: 91,
		R1: 103, R2: 106, R3: 110,
	})
	if err != nil {
		t.Fatalf("ApplyPush() error: %v", err)
	}
	if z.S2 != 94 {
		t.Errorf("S2 = %v, want midpoint 94", z.S2)
	}
}

func TestApplyPushRejectsEmpty(t *testing.T) {
	src, _ := newTestSource(t)

	if _, err := src.ApplyPush(Push{Symbol: "FOOUSDT"}); err == nil {
		t.Error("push without s1 or rz_avg accepted")
	}
	if _, err := src.ApplyPush(Push{S1: 97}); err == nil {
		t.Error("push without symbol accepted")
	}
}

func TestApplyPushSurvivesStoreOutage(t *testing.T) {
	src, store := newTestSource(t)
	store.FailWrites = errors.New("disk full")

	if _, err := src.ApplyPush(Push{Symbol: "FOOUSDT", S1: 97, R1: 103}); err != nil {
		t.Fatalf("ApplyPush() error: %v", err)
	}
	// Cache still serves the snapshot.
	if z := src.Get("FOOUSDT"); z == nil || z.S1 != 97 {
		t.Errorf("Get() = %+v after store outage", src.Get("FOOUSDT"))
	}
}

func TestWarmLoadsStoredZones(t *testing.T) {
	store := storage.NewMockStorage()
	store.SaveZones(&models.CoinZones{Symbol: "FOOUSDT", S1: 97, R1: 103, UpdatedAt: time.Now().UTC()})
	store.SaveZones(&models.CoinZones{Symbol: "BARUSDT", S1: 1.1, R1: 1.3, UpdatedAt: time.Now().UTC()})

	src := NewSource(store, nil)
	src.Warm()

	if z := src.Get("BARUSDT"); z == nil || z.S1 != 1.1 {
		t.Errorf("Get(BARUSDT) = %+v", src.Get("BARUSDT"))
	}
}

func TestFreshHonorsStaleness(t *testing.T) {
	src, _ := newTestSource(t)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	src.now = func() time.Time { return now }

	if _, err := src.ApplyPush(Push{Symbol: "FOOUSDT", S1: 97, R1: 103}); err != nil {
		t.Fatal(err)
	}
	if !src.Fresh("FOOUSDT") {
		t.Fatal("just-pushed zones not fresh")
	}

	now = base.Add(models.ZoneMaxAge + time.Minute)
	if src.Fresh("FOOUSDT") {
		t.Error("zones fresh past max age")
	}
	// Stale snapshots remain readable.
	if src.Get("FOOUSDT") == nil {
		t.Error("stale snapshot evicted from cache")
	}
	if src.FreshSnapshot("FOOUSDT") != nil {
		t.Error("FreshSnapshot served a stale snapshot")
	}
}

func TestSetMaxAgeOverridesDefault(t *testing.T) {
	src, _ := newTestSource(t)
	src.SetMaxAge(30 * time.Minute)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	src.now = func() time.Time { return now }

	if _, err := src.ApplyPush(Push{Symbol: "FOOUSDT", S1: 97, R1: 103}); err != nil {
		t.Fatal(err)
	}

	now = base.Add(29 * time.Minute)
	if !src.Fresh("FOOUSDT") {
		t.Error("zones stale inside the configured threshold")
	}
	// Past the configured threshold but well inside the 120m default.
	now = base.Add(31 * time.Minute)
	if src.Fresh("FOOUSDT") {
		t.Error("configured threshold not applied")
	}
}

// rangeCandles builds a flat series with a dip to lowAt and a spike at
// highAt, producing exactly one swing low and one swing high.
func rangeCandles(n, lowAt, highAt int) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		candles[i] = exchange.Candle{
			Start: start.Add(time.Duration(i) * 15 * time.Minute),
			Low:   100,
			High:  101,
		}
		if i == lowAt {
			candles[i].Low = 95
		}
		if i == highAt {
			candles[i].High = 106
		}
	}
	return candles
}

func TestDeriveFromCandles(t *testing.T) {
	src, store := newTestSource(t)

	z := src.DeriveFromCandles("FOOUSDT", rangeCandles(40, 15, 25), 5)
	if z == nil {
		t.Fatal("DeriveFromCandles() = nil")
	}
	if z.S1 != 95 {
		t.Errorf("S1 = %v, want 95", z.S1)
	}
	if z.R1 != 106 {
		t.Errorf("R1 = %v, want 106", z.R1)
	}
	if z.Origin != models.ZoneOriginDerived {
		t.Errorf("origin = %s", z.Origin)
	}
	if _, err := store.GetZones("FOOUSDT"); err != nil {
		t.Errorf("derived zones not persisted: %v", err)
	}
}

func TestDeriveFromCandlesOrdersSwings(t *testing.T) {
	src, _ := newTestSource(t)

	// Three dips at different depths; S1..S3 must come out descending.
	candles := rangeCandles(60, 10, 0)
	candles[25].Low = 93
	candles[40].Low = 97

	z := src.DeriveFromCandles("FOOUSDT", candles, 5)
	if z == nil {
		t.Fatal("DeriveFromCandles() = nil")
	}
	if z.S1 != 97 || z.S2 != 95 || z.S3 != 93 {
		t.Errorf("supports = %v/%v/%v, want 97/95/93", z.S1, z.S2, z.S3)
	}
}

func TestDeriveFromCandlesFlatSeries(t *testing.T) {
	src, _ := newTestSource(t)

	flat := make([]exchange.Candle, 30)
	for i := range flat {
		flat[i] = exchange.Candle{Low: 100, High: 101}
	}
	if z := src.DeriveFromCandles("FOOUSDT", flat, 5); z != nil {
		t.Errorf("flat series produced zones: %+v", z)
	}
}
