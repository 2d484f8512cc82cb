package monitor

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/raykavin/leverwatch/pkg/alert"
	"github.com/raykavin/leverwatch/pkg/core"
)

// MaxErrors bounds the error ring kept in the stats
const MaxErrors = 20

var errPanic = errors.New("recovered panic")

// ErrorRecord is one failure kept for the status surface
type ErrorRecord struct {
	Symbol  string    `json:"symbol,omitempty"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// BotStats is a copy of the counters at one point in time
type BotStats struct {
	StartedAt         time.Time     `json:"started_at"`
	CyclesCompleted   int           `json:"cycles_completed"`
	TotalAlertsSent   int           `json:"total_alerts_sent"`
	FailedAlerts      int           `json:"failed_alerts"`
	SymbolErrors      int           `json:"symbol_errors"`
	UniverseSize      int           `json:"universe_size"`
	LastCycleAt       *time.Time    `json:"last_cycle_at,omitempty"`
	LastCycleDuration time.Duration `json:"last_cycle_duration"`
	Errors            []ErrorRecord `json:"errors"`
}

// Stats holds the process counters, reset only by a restart
type Stats struct {
	mu   sync.Mutex
	data BotStats
}

func NewStats(now time.Time) *Stats {
	return &Stats{data: BotStats{StartedAt: now, Errors: make([]ErrorRecord, 0, MaxErrors)}}
}

func (s *Stats) CycleCompleted(at time.Time, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.CyclesCompleted++
	s.data.LastCycleAt = &at
	s.data.LastCycleDuration = duration
}

func (s *Stats) Universe(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.UniverseSize = size
}

func (s *Stats) AlertSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.TotalAlertsSent++
}

func (s *Stats) AlertFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.FailedAlerts++
}

// RecordError appends to the error ring, dropping the oldest entry when full
func (s *Stats) RecordError(record ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Symbol != "" {
		s.data.SymbolErrors++
	}

	if len(s.data.Errors) == MaxErrors {
		s.data.Errors = slices.Delete(s.data.Errors, 0, 1)
	}
	s.data.Errors = append(s.data.Errors, record)
}

// Reset zeroes every counter and restarts the uptime clock
func (s *Stats) Reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = BotStats{StartedAt: now, Errors: make([]ErrorRecord, 0, MaxErrors)}
}

func (s *Stats) Snapshot() BotStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data
	snapshot.Errors = slices.Clone(s.data.Errors)
	return snapshot
}

// Session is the mutable state owned by a Monitor
type Session struct {
	Tracker *alert.Tracker
	Stats   *Stats
}

// Reset clears the alert state and the counters
func (s *Session) Reset(now time.Time) {
	s.Tracker.Reset()
	s.Stats.Reset(now)
}

// ErrorKind names the class of a failure for stats and metrics
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, errPanic):
		return "panic"
	case errors.Is(err, core.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, core.ErrDivisionByZero):
		return "division_by_zero"
	case errors.Is(err, core.ErrComputation):
		return "computation"
	case errors.Is(err, core.ErrDeliveryFailed):
		return "delivery"
	case errors.Is(err, core.ErrFetch):
		return "fetch"
	case errors.Is(err, core.ErrMarketLoad):
		return "market_load"
	default:
		return "other"
	}
}
