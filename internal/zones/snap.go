package zones

import (
	"github.com/fleetfox/signal_dca/internal/models"
	"github.com/fleetfox/signal_dca/internal/util"
)

// Level sources.
const (
	SourceEntry  = "entry"
	SourceFixed  = "fixed"
	SourceZone   = "zone"
	SourceFilled = "filled"
)

// Level is one rung of the DCA ladder.
type Level struct {
	Price  float64
	Source string
}

// SnapDCALevels builds the ladder for a trade. Index 0 is always the
// entry. The primary zone (S1 for longs, R1 for shorts) claims at most
// one unfilled level per call: the one whose fixed-spacing price sits
// closest to it. A snap happens only when the zone lies on the favorable
// side of entry and at least snapMinPct away from it; the limit price is
// then pushed bufferPct deeper into the zone to compensate for feed lag.
// Filled levels keep their fixed price and never consume the zone.
func SnapDCALevels(entry float64, spacingPcts []float64, zones *models.CoinZones,
	side models.Side, snapMinPct, bufferPct float64, filled []bool) []Level {

	levels := make([]Level, 0, len(spacingPcts))
	levels = append(levels, Level{Price: entry, Source: SourceEntry})

	sign := side.Sign() // +1 long, -1 short
	for _, pct := range spacingPcts[1:] {
		levels = append(levels, Level{
			Price:  entry * (1 - sign*pct/100),
			Source: SourceFixed,
		})
	}

	for i := range levels {
		if i < len(filled) && filled[i] {
			levels[i].Source = SourceFilled
		}
	}

	zone := zones.PrimaryZone(side)
	if zone <= 0 || entry <= 0 {
		return levels
	}
	// Favorable side of entry and far enough from it.
	if side == models.SideLong && zone >= entry {
		return levels
	}
	if side == models.SideShort && zone <= entry {
		return levels
	}
	if util.PctDiff(entry, zone) < snapMinPct {
		return levels
	}

	// Claim the unfilled level closest to the zone.
	best := -1
	bestDist := 0.0
	for i := 1; i < len(levels); i++ {
		if levels[i].Source != SourceFixed {
			continue
		}
		dist := util.PctDiff(levels[i].Price, zone)
		if best == -1 || dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	if best == -1 {
		return levels
	}

	price := zone * (1 - sign*bufferPct/100)
	levels[best] = Level{Price: price, Source: SourceZone}
	return levels
}

// NeedsAmend reports whether a resting DCA order is far enough from its
// recomputed price to justify an exchange amend.
func NeedsAmend(oldPrice, newPrice, thresholdPct float64) bool {
	if oldPrice <= 0 {
		return newPrice > 0
	}
	return util.PctDiff(oldPrice, newPrice) > thresholdPct
}
