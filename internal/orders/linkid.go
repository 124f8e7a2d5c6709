// Package orders defines the client order link-ID scheme.
//
// Every order the bot places carries a link ID of the form
// {trade_id}_{tag}. The tag names the order's role in the trade, so
// recovery can reconcile exchange orders against a trade without
// cross-referencing exchange-assigned IDs.
package orders

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies an order tag.
type Kind int

const (
	KindUnknown Kind = iota
	KindEntry        // E1, the initial entry
	KindDCA          // DCA{k}, averaging limit at level k
	KindTP           // TP{k}, signal-target take profit k
	KindAvgTP        // DTP{k}, avg-based take profit k after a DCA fill
	KindScaleTP      // STP{k}, take profit re-placed after a scale-in
	KindScaleIn      // SI, the scale-in add
	KindClose        // CLOSE, full position close
)

func (k Kind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindDCA:
		return "dca"
	case KindTP:
		return "tp"
	case KindAvgTP:
		return "avg_tp"
	case KindScaleTP:
		return "scale_tp"
	case KindScaleIn:
		return "scale_in"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// Link joins a trade ID and a tag into a client order link ID.
func Link(tradeID, tag string) string {
	return tradeID + "_" + tag
}

// EntryLink returns the link ID of the E1 entry order.
func EntryLink(tradeID string) string { return Link(tradeID, "E1") }

// DCALink returns the link ID of the averaging limit at level k (k >= 1).
func DCALink(tradeID string, k int) string { return Link(tradeID, fmt.Sprintf("DCA%d", k)) }

// TPLink returns the link ID of signal-target take profit k (k >= 1).
func TPLink(tradeID string, k int) string { return Link(tradeID, fmt.Sprintf("TP%d", k)) }

// AvgTPLink returns the link ID of avg-based take profit k.
func AvgTPLink(tradeID string, k int) string { return Link(tradeID, fmt.Sprintf("DTP%d", k)) }

// ScaleTPLink returns the link ID of a take profit re-placed after a
// scale-in.
func ScaleTPLink(tradeID string, k int) string { return Link(tradeID, fmt.Sprintf("STP%d", k)) }

// ScaleInLink returns the link ID of the scale-in add order.
func ScaleInLink(tradeID string) string { return Link(tradeID, "SI") }

// CloseLink returns the link ID of the full-close order.
func CloseLink(tradeID string) string { return Link(tradeID, "CLOSE") }

// ParseTag classifies a bare tag. level is zero for unindexed kinds.
func ParseTag(tag string) (kind Kind, level int, ok bool) {
	switch tag {
	case "E1":
		return KindEntry, 0, true
	case "SI":
		return KindScaleIn, 0, true
	case "CLOSE":
		return KindClose, 0, true
	}
	for _, p := range []struct {
		prefix string
		kind   Kind
	}{
		// DTP and STP before TP, which is a suffix of both.
		{"DTP", KindAvgTP},
		{"STP", KindScaleTP},
		{"DCA", KindDCA},
		{"TP", KindTP},
	} {
		if !strings.HasPrefix(tag, p.prefix) {
			continue
		}
		n, err := strconv.Atoi(tag[len(p.prefix):])
		if err != nil || n < 1 {
			return KindUnknown, 0, false
		}
		return p.kind, n, true
	}
	return KindUnknown, 0, false
}

// Parse splits a link ID into its trade ID and tag. Trade IDs contain
// underscores themselves, so the tag is everything after the last one.
func Parse(linkID string) (tradeID, tag string, ok bool) {
	idx := strings.LastIndex(linkID, "_")
	if idx <= 0 || idx == len(linkID)-1 {
		return "", "", false
	}
	tradeID, tag = linkID[:idx], linkID[idx+1:]
	if _, _, tagOK := ParseTag(tag); !tagOK {
		return "", "", false
	}
	return tradeID, tag, true
}

// BelongsTo reports whether a link ID was issued for the given trade.
func BelongsTo(linkID, tradeID string) bool {
	parsed, _, ok := Parse(linkID)
	return ok && parsed == tradeID
}
