package models

import "strings"

// Signal is a structured trade proposal parsed from a channel message.
type Signal struct {
	Side       Side      `json:"side"`
	Symbol     string    `json:"symbol"`         // continuous uppercase form, e.g. AAVEUSDT
	Display    string    `json:"symbol_display"` // as written in the message, e.g. AAVE/USDT
	EntryPrice float64   `json:"entry_price"`
	Targets    []float64 `json:"targets"`
	Leverage   int       `json:"leverage,omitempty"` // 0 = use configured default
}

// CloseCommand asks the bot to flatten a symbol.
type CloseCommand struct {
	Symbol  string `json:"symbol"`
	Display string `json:"symbol_display"`
}

// TPHit is a channel notification that a provider target was reached.
// Used to cancel entries that never filled.
type TPHit struct {
	Symbol   string `json:"symbol"`
	Display  string `json:"symbol_display"`
	TPNumber int    `json:"tp_number"`
}

// TrendDirection is the durable per-symbol trend marker.
type TrendDirection string

const (
	// TrendUp admits longs only
	TrendUp TrendDirection = "up"
	// TrendDown admits shorts only
	TrendDown TrendDirection = "down"
)

// ParseTrendDirection normalizes free-form direction text.
func ParseTrendDirection(s string) (TrendDirection, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "long", "bull", "bullish":
		return TrendUp, true
	case "down", "short", "bear", "bearish":
		return TrendDown, true
	default:
		return "", false
	}
}

// Allows reports whether a signal side agrees with the trend.
func (d TrendDirection) Allows(side Side) bool {
	switch d {
	case TrendUp:
		return side == SideLong
	case TrendDown:
		return side == SideShort
	default:
		return true
	}
}

// NormalizeSymbol converts a display pair like "FOO/USDT" to "FOOUSDT".
func NormalizeSymbol(display string) string {
	s := strings.ToUpper(strings.TrimSpace(display))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	if !strings.HasSuffix(s, "USDT") {
		s += "USDT"
	}
	return s
}
