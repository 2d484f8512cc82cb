package core

import (
	"context"
)

// Feeder provides the symbol universe and candle windows from an exchange
type Feeder interface {
	LeveragedSymbols(ctx context.Context) ([]string, error)
	CandlesByLimit(ctx context.Context, pair, period string, limit int) ([]Candle, error)
}

// Channel is a single messaging destination for alerts
type Channel interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Controller is the subset of the monitor exposed to operators
type Controller interface {
	Active() bool
	Stop()
	Restart()
	StatusText() string
}
