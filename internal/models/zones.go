package models

import (
	"sort"
	"time"
)

// ZoneOrigin records which producer wrote a zone snapshot.
type ZoneOrigin string

const (
	// ZoneOriginExternal zones arrive from the structured push feed
	ZoneOriginExternal ZoneOrigin = "external"
	// ZoneOriginDerived zones are computed from candle swings
	ZoneOriginDerived ZoneOrigin = "derived"
	// ZoneOriginManual zones were set by an operator
	ZoneOriginManual ZoneOrigin = "manual"
)

// ZoneMaxAge is the default staleness threshold for a zone snapshot.
// The zone source may carry a configured override.
const ZoneMaxAge = 120 * time.Minute

// CoinZones holds the support/resistance snapshot for one symbol.
// S1 is the inner support (first long zone), S3 the deepest; R1..R3
// mirror that above price.
type CoinZones struct {
	Symbol    string     `json:"symbol"`
	S1        float64    `json:"s1"`
	S2        float64    `json:"s2"`
	S3        float64    `json:"s3"`
	R1        float64    `json:"r1"`
	R2        float64    `json:"r2"`
	R3        float64    `json:"r3"`
	UpdatedAt time.Time  `json:"updated_at"`
	Origin    ZoneOrigin `json:"origin,omitempty"`
}

// Valid reports whether the snapshot is set and fresh enough to act on.
func (z *CoinZones) Valid() bool {
	return z.ValidAt(time.Now().UTC())
}

// ValidAt is Valid against an explicit clock, for tests.
func (z *CoinZones) ValidAt(now time.Time) bool {
	return z.ValidWithin(now, ZoneMaxAge)
}

// ValidWithin is ValidAt against an explicit staleness threshold.
func (z *CoinZones) ValidWithin(now time.Time, maxAge time.Duration) bool {
	if z == nil {
		return false
	}
	if z.S1 <= 0 && z.R1 <= 0 {
		return false
	}
	if maxAge <= 0 {
		maxAge = ZoneMaxAge
	}
	return now.Sub(z.UpdatedAt) < maxAge
}

// AgeMinutes returns minutes since the last update.
func (z *CoinZones) AgeMinutes() float64 {
	return time.Since(z.UpdatedAt).Minutes()
}

// LongZones returns positive support levels, highest first (the order a
// falling price meets them).
func (z *CoinZones) LongZones() []float64 {
	var zones []float64
	for _, v := range []float64{z.S1, z.S2, z.S3} {
		if v > 0 {
			zones = append(zones, v)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(zones)))
	return zones
}

// ShortZones returns positive resistance levels, lowest first.
func (z *CoinZones) ShortZones() []float64 {
	var zones []float64
	for _, v := range []float64{z.R1, z.R2, z.R3} {
		if v > 0 {
			zones = append(zones, v)
		}
	}
	sort.Float64s(zones)
	return zones
}

// PrimaryZone returns the first zone a trade of the given side would meet.
func (z *CoinZones) PrimaryZone(side Side) float64 {
	if z == nil {
		return 0
	}
	if side == SideLong {
		return z.S1
	}
	return z.R1
}
