package notification

import (
	"fmt"
	"strings"
	"time"

	"github.com/raykavin/leverwatch/pkg/alert"
	"github.com/raykavin/leverwatch/pkg/core"
)

// Alert is a threshold crossing ready to be delivered
type Alert struct {
	Symbol   string
	State    alert.State
	Snapshot core.IndicatorSnapshot
	At       time.Time
}

// Title is the single line summary of the alert
func (a Alert) Title() string {
	return fmt.Sprintf("%s RSI %s - %s", stateIcon(a.State), strings.ToUpper(a.State.String()), a.Symbol)
}

// FormatAlert renders the Markdown text sent to every channel
func FormatAlert(a Alert) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s *RSI %s* - `%s`\n", stateIcon(a.State), strings.ToUpper(a.State.String()), a.Symbol)
	sb.WriteString("-----\n")
	fmt.Fprintf(&sb, "Price: `%s`\n", formatPrice(a.Snapshot.LastClose))
	fmt.Fprintf(&sb, "RSI(14): `%.1f`\n", a.Snapshot.RSI)
	fmt.Fprintf(&sb, "Change: `%+.2f%%`\n", a.Snapshot.ChangePercent)
	fmt.Fprintf(&sb, "Trend: %s (EMA9 `%s` / EMA21 `%s`)\n",
		a.Snapshot.Trend(), formatPrice(a.Snapshot.EMA9), formatPrice(a.Snapshot.EMA21))
	fmt.Fprintf(&sb, "Volume SMA(20): `%.2f`\n", a.Snapshot.VolumeAvg)
	sb.WriteString("-----\n")
	fmt.Fprintf(&sb, "Recommendation: *%s*\n", a.State.Recommendation())

	if !a.At.IsZero() {
		fmt.Fprintf(&sb, "_%s_", a.At.UTC().Format("2006-01-02 15:04 MST"))
	}

	return sb.String()
}

func stateIcon(state alert.State) string {
	switch state {
	case alert.Overbought:
		return "🔴"
	case alert.Oversold:
		return "🟢"
	default:
		return "⚪"
	}
}

// formatPrice keeps significant digits for low priced leveraged tokens
func formatPrice(price float64) string {
	switch {
	case price >= 100:
		return fmt.Sprintf("%.2f", price)
	case price >= 1:
		return fmt.Sprintf("%.4f", price)
	default:
		return fmt.Sprintf("%.8f", price)
	}
}
