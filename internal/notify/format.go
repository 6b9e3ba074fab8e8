package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/loykin/massawatch/internal/node"
)

// RecentCycleWindow is how many of the newest cycles decide degradation.
const RecentCycleWindow = 2

// Degraded reports whether one of the most recent cycles missed blocks.
// Failures in older cycles are ignored.
func Degraded(info node.AddressInfo) bool {
	for _, c := range info.RecentCycles(RecentCycleWindow) {
		if c.NokCount > 0 {
			return true
		}
	}
	return false
}

// FormatStatus renders one address record as HTML for chat delivery.
func FormatStatus(info node.AddressInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Address:</b> <code>%s</code>\n", html.EscapeString(info.Address))
	fmt.Fprintf(&b, "<b>Balance:</b> <code>%s</code> MAS, candidate: <code>%s</code> MAS\n",
		orZero(info.FinalBalance), orZero(info.CandidateBalance))
	fmt.Fprintf(&b, "<b>Rolls:</b> final: <code>%d</code>, candidate: <code>%d</code>\n",
		info.FinalRollCount, info.CandidateRollCount)
	for _, c := range info.CycleInfos {
		final := "Not yet final"
		if c.IsFinal {
			final = "Final"
		}
		rolls := "unknown"
		if c.ActiveRolls != nil {
			rolls = fmt.Sprintf("%d", *c.ActiveRolls)
		}
		fmt.Fprintf(&b, "<b>Cycle %d:</b> (%s)\n", c.Cycle, final)
		fmt.Fprintf(&b, "  - <b>Active Rolls:</b> <code>%s</code>\n", rolls)
		fmt.Fprintf(&b, "  - <b>✅ Blocks:</b> <code>%d</code>, <b>❌ Blocks:</b> <code>%d</code>\n", c.OkCount, c.NokCount)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatFailure is sent when an address starts missing blocks.
func FormatFailure(info node.AddressInfo) string {
	return "⚠️ <b>Missed blocks detected</b>\n" + FormatStatus(info)
}

// FormatRecovery is sent when a previously degraded address is healthy again.
func FormatRecovery(info node.AddressInfo) string {
	return "✅ <b>Address recovered</b>\n" + FormatStatus(info)
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return html.EscapeString(s)
}
