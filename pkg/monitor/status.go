package monitor

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/raykavin/leverwatch/pkg/alert"
	"github.com/raykavin/leverwatch/pkg/metric"
	"github.com/samber/lo"
)

// Status is the view served by GET /status
type Status struct {
	Active     bool                         `json:"active"`
	Uptime     string                       `json:"uptime"`
	Policy     string                       `json:"policy"`
	Cooldown   string                       `json:"cooldown"`
	Stats      BotStats                     `json:"stats"`
	Overbought []string                     `json:"overbought"`
	Oversold   []string                     `json:"oversold"`
	Symbols    map[string]alert.SymbolState `json:"symbols"`
	Breadth    metric.Breadth               `json:"breadth"`
}

// Uptime is the time since start or the last restart
func (m *Monitor) Uptime() time.Duration {
	return m.now().Sub(m.session.Stats.Snapshot().StartedAt)
}

// Status collects the counters and the per symbol alert state
func (m *Monitor) Status() Status {
	tracker := m.session.Tracker
	symbols := tracker.Snapshot()

	overbought := tracker.Extremes(alert.Overbought)
	oversold := tracker.Extremes(alert.Oversold)
	slices.Sort(overbought)
	slices.Sort(oversold)

	rsi := lo.MapToSlice(symbols, func(_ string, s alert.SymbolState) float64 { return s.RSI })

	return Status{
		Active:     m.Active(),
		Uptime:     m.Uptime().Round(time.Second).String(),
		Policy:     string(tracker.Policy()),
		Cooldown:   tracker.Cooldown().String(),
		Stats:      m.session.Stats.Snapshot(),
		Overbought: overbought,
		Oversold:   oversold,
		Symbols:    symbols,
		Breadth:    metric.RSIBreadth(rsi, alert.OverboughtThreshold, alert.OversoldThreshold),
	}
}

// StatusText renders the status as Telegram Markdown
func (m *Monitor) StatusText() string {
	status := m.Status()

	state := "active"
	if !status.Active {
		state = "inactive"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Status: `%s`\n", state)
	fmt.Fprintf(&sb, "Uptime: `%s`\n", status.Uptime)
	fmt.Fprintf(&sb, "Cycles: `%d` | Alerts: `%d` | Failed: `%d`\n",
		status.Stats.CyclesCompleted, status.Stats.TotalAlertsSent, status.Stats.FailedAlerts)
	fmt.Fprintf(&sb, "Symbols: `%d` | Errors: `%d`\n", status.Stats.UniverseSize, status.Stats.SymbolErrors)

	if status.Breadth.Count > 0 {
		fmt.Fprintf(&sb, "RSI mean: `%.1f` | median: `%.1f`\n", status.Breadth.Mean, status.Breadth.Median)
	}

	fmt.Fprintf(&sb, "Overbought: %s\n", listOrDash(status.Overbought))
	fmt.Fprintf(&sb, "Oversold: %s", listOrDash(status.Oversold))

	if n := len(status.Stats.Errors); n > 0 {
		last := status.Stats.Errors[n-1]
		fmt.Fprintf(&sb, "\nLast error: `%s`", last.Message)
	}

	return sb.String()
}

func listOrDash(symbols []string) string {
	if len(symbols) == 0 {
		return "-"
	}
	return "`" + strings.Join(symbols, "`, `") + "`"
}
