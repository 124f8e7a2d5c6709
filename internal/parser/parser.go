// Package parser turns free-text channel messages into structured
// events. Everything here is regex matching; nil means "not this kind
// of message", never an error.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fleetfox/signal_dca/internal/models"
)

var (
	shortRe = regexp.MustCompile(`(?mi)🔴\s*Short|^\s*Short\s*$`)
	longRe  = regexp.MustCompile(`(?mi)🟢\s*Long|^\s*Long\s*$`)

	symbolRe   = regexp.MustCompile(`Name:\s*(\S+)`)
	leverageRe = regexp.MustCompile(`(?i)Cross\s*\((\d+(?:\.\d+)?)X\)`)
	entryRe    = regexp.MustCompile(`(?i)Entry\s*price\s*\(?USDT\)?\s*:\s*\n?\s*([\d.]+)`)
	targetRe   = regexp.MustCompile(`(\d+)\)\s*([\d.]+)`)

	closeRe = regexp.MustCompile(`(?i)(?:Close|Cancel|Schliessen)\s+(\S+/USDT)`)
	tpHitRe = regexp.MustCompile(`(?i)(\S+/USDT)\s*✅\s*Target\s*#(\d+)\s*Done`)
)

// ParseSignal extracts a trade signal from a channel message. Returns
// nil for anything that is not a well-formed signal, including
// direction/target contradictions.
func ParseSignal(message string) *models.Signal {
	text := strings.TrimSpace(message)
	if text == "" {
		return nil
	}

	var side models.Side
	switch {
	case shortRe.MatchString(text):
		side = models.SideShort
	case longRe.MatchString(text):
		side = models.SideLong
	default:
		return nil
	}

	symMatch := symbolRe.FindStringSubmatch(text)
	if symMatch == nil {
		return nil
	}
	display := strings.TrimSpace(symMatch[1])

	entryMatch := entryRe.FindStringSubmatch(text)
	if entryMatch == nil {
		return nil
	}
	entry, err := strconv.ParseFloat(entryMatch[1], 64)
	if err != nil || entry <= 0 {
		return nil
	}

	leverage := 0
	if levMatch := leverageRe.FindStringSubmatch(text); levMatch != nil {
		if f, err := strconv.ParseFloat(levMatch[1], 64); err == nil {
			leverage = int(f)
		}
	}

	// Targets are the numbered list after the "Targets" header. Entries
	// like "5) 🔝 unlimited" simply fail the float parse and drop out.
	var targets []float64
	if idx := strings.Index(strings.ToLower(text), "target"); idx >= 0 {
		for _, m := range targetRe.FindAllStringSubmatch(text[idx:], -1) {
			price, err := strconv.ParseFloat(m[2], 64)
			if err == nil && price > 0 {
				targets = append(targets, price)
			}
		}
	}
	if len(targets) == 0 {
		return nil
	}

	// Direction sanity: the first target must sit on the profitable side.
	if side == models.SideLong && targets[0] <= entry {
		return nil
	}
	if side == models.SideShort && targets[0] >= entry {
		return nil
	}

	return &models.Signal{
		Side:       side,
		Symbol:     models.NormalizeSymbol(display),
		Display:    display,
		EntryPrice: entry,
		Targets:    targets,
		Leverage:   leverage,
	}
}

// ParseClose extracts a close/cancel command, or nil.
func ParseClose(message string) *models.CloseCommand {
	m := closeRe.FindStringSubmatch(strings.TrimSpace(message))
	if m == nil {
		return nil
	}
	return &models.CloseCommand{
		Symbol:  models.NormalizeSymbol(m[1]),
		Display: m[1],
	}
}

// ParseTPHit extracts a provider target-done notification, or nil.
func ParseTPHit(message string) *models.TPHit {
	m := tpHitRe.FindStringSubmatch(strings.TrimSpace(message))
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n < 1 {
		return nil
	}
	return &models.TPHit{
		Symbol:   models.NormalizeSymbol(m[1]),
		Display:  m[1],
		TPNumber: n,
	}
}
