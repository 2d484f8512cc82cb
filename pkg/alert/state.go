// Package alert decides, per symbol, when an RSI reading warrants an alert
package alert

import (
	"fmt"
	"strings"
	"time"
)

const (
	OverboughtThreshold = 70.0
	OversoldThreshold   = 30.0

	DefaultCooldown = 15 * time.Minute
)

// State is the classification of a single RSI reading
type State int

const (
	Neutral State = iota
	Overbought
	Oversold
)

func (s State) String() string {
	switch s {
	case Overbought:
		return "overbought"
	case Oversold:
		return "oversold"
	default:
		return "neutral"
	}
}

// Recommendation is the action suggested by an extreme state
func (s State) Recommendation() string {
	switch s {
	case Overbought:
		return "sell"
	case Oversold:
		return "buy"
	default:
		return "hold"
	}
}

// Classify maps an RSI value to a state. Both thresholds are exclusive.
func Classify(rsi float64) State {
	switch {
	case rsi > OverboughtThreshold:
		return Overbought
	case rsi < OversoldThreshold:
		return Oversold
	default:
		return Neutral
	}
}

// Policy selects whether a persisting extreme state re-alerts
type Policy string

const (
	// PolicyCooldown re-alerts a persisting extreme state once the cooldown elapsed
	PolicyCooldown Policy = "cooldown"
	// PolicyEdge alerts only when entering an extreme state
	PolicyEdge Policy = "edge"
)

// ParsePolicy validates a textual policy name
func ParsePolicy(text string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(text))); p {
	case PolicyCooldown, PolicyEdge:
		return p, nil
	case "":
		return PolicyCooldown, nil
	default:
		return "", fmt.Errorf("unknown alert policy %q", text)
	}
}

// SymbolState is what the tracker remembers about one symbol.
// At most one of Overbought and Oversold is set.
type SymbolState struct {
	Overbought bool      `json:"overbought"`
	Oversold   bool      `json:"oversold"`
	RSI        float64   `json:"rsi"`
	LastAlert  time.Time `json:"last_alert"`
}

// State returns the stored extreme state
func (s SymbolState) State() State {
	switch {
	case s.Overbought:
		return Overbought
	case s.Oversold:
		return Oversold
	default:
		return Neutral
	}
}

func (s SymbolState) with(state State, rsi float64) SymbolState {
	s.Overbought = state == Overbought
	s.Oversold = state == Oversold
	s.RSI = rsi
	return s
}
