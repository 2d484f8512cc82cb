package alert

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// Decision is the outcome of evaluating one RSI reading for a symbol.
// It carries the prior state so Commit can write back exactly once.
type Decision struct {
	Symbol   string
	RSI      float64
	State    State
	Previous SymbolState
	Alert    bool
	At       time.Time
}

// Tracker holds the per-symbol alert state for the process lifetime
type Tracker struct {
	mu       sync.RWMutex
	states   map[string]SymbolState
	cooldown time.Duration
	policy   Policy
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithCooldown sets the minimum time between alerts for a persisting extreme state
func WithCooldown(cooldown time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.cooldown = cooldown
	}
}

// WithPolicy sets the re-alert policy
func WithPolicy(policy Policy) TrackerOption {
	return func(t *Tracker) {
		t.policy = policy
	}
}

func NewTracker(options ...TrackerOption) *Tracker {
	tracker := &Tracker{
		states:   make(map[string]SymbolState),
		cooldown: DefaultCooldown,
		policy:   PolicyCooldown,
	}

	for _, option := range options {
		option(tracker)
	}

	return tracker
}

// Policy returns the active re-alert policy
func (t *Tracker) Policy() Policy { return t.policy }

// Cooldown returns the configured cooldown
func (t *Tracker) Cooldown() time.Duration { return t.cooldown }

// Evaluate classifies rsi and decides whether it should alert. It never
// mutates the tracker. A symbol seen for the first time starts Neutral
// with no previous alert.
func (t *Tracker) Evaluate(symbol string, rsi float64, now time.Time) Decision {
	t.mu.RLock()
	previous := t.states[symbol]
	t.mu.RUnlock()

	state := Classify(rsi)
	prevState := previous.State()

	shouldAlert := (state == Overbought && prevState != Overbought) ||
		(state == Oversold && prevState != Oversold)

	if !shouldAlert && t.policy == PolicyCooldown && state != Neutral {
		shouldAlert = now.Sub(previous.LastAlert) > t.cooldown
	}

	return Decision{
		Symbol:   symbol,
		RSI:      rsi,
		State:    state,
		Previous: previous,
		Alert:    shouldAlert,
		At:       now,
	}
}

// Commit stores the outcome of a decision. When an alert was not delivered
// the previous flags and alert time are kept so the next evaluation fires again.
func (t *Tracker) Commit(decision Decision, delivered bool) SymbolState {
	var next SymbolState

	switch {
	case !decision.Alert:
		next = decision.Previous.with(decision.State, decision.RSI)
	case delivered:
		next = decision.Previous.with(decision.State, decision.RSI)
		next.LastAlert = decision.At
	default:
		next = decision.Previous
		next.RSI = decision.RSI
	}

	t.mu.Lock()
	t.states[decision.Symbol] = next
	t.mu.Unlock()

	return next
}

// Get returns the stored state of a symbol
func (t *Tracker) Get(symbol string) (SymbolState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.states[symbol]
	return state, ok
}

// Snapshot copies every stored state
func (t *Tracker) Snapshot() map[string]SymbolState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return lo.Assign(t.states)
}

// Extremes lists the symbols currently stored in the given state
func (t *Tracker) Extremes(state State) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return lo.Keys(lo.PickBy(t.states, func(_ string, s SymbolState) bool {
		return s.State() == state
	}))
}

// Len returns the number of tracked symbols
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.states)
}

// Reset forgets every symbol
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.states = make(map[string]SymbolState)
}
