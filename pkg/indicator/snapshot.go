// Package indicator computes momentum indicators over candle windows
package indicator

import (
	"fmt"
	"math"

	"github.com/raykavin/leverwatch/pkg/core"
	"gonum.org/v1/gonum/floats"
)

const (
	// ClosesWindow is the number of closes every snapshot is computed from
	ClosesWindow = core.MinCandles
	// VolumeWindow is the number of volumes averaged by a snapshot
	VolumeWindow = 20

	FastEMAPeriod = 9
	SlowEMAPeriod = 21
	RSIPeriod     = 14
)

// Snapshot computes the latest indicator values for an oldest-first candle
// window. Only the most recent ClosesWindow closes and VolumeWindow volumes
// are used.
func Snapshot(candles []core.Candle) (core.IndicatorSnapshot, error) {
	closes := core.Closes(candles).LastValues(ClosesWindow)
	volumes := core.Volumes(candles).LastValues(VolumeWindow)

	if closes.Length() < ClosesWindow || volumes.Length() < VolumeWindow {
		return core.IndicatorSnapshot{}, fmt.Errorf("%w: need %d candles, got %d",
			core.ErrInsufficientData, ClosesWindow, len(candles))
	}

	if !finite(closes) || !finite(volumes) {
		return core.IndicatorSnapshot{}, fmt.Errorf("%w: window contains NaN or Inf", core.ErrComputation)
	}

	// talib reports 0 for a window without any movement, which would read as oversold
	if closes.Flat() {
		return core.IndicatorSnapshot{}, fmt.Errorf("%w: rsi undefined on a flat window", core.ErrComputation)
	}

	previous := closes.Last(1)
	if previous == 0 {
		return core.IndicatorSnapshot{}, fmt.Errorf("%w: previous close is zero", core.ErrDivisionByZero)
	}

	var (
		snapshot core.IndicatorSnapshot
		err      error
	)

	if snapshot.EMA9, err = lastValue("ema9", EMA(closes, FastEMAPeriod)); err != nil {
		return core.IndicatorSnapshot{}, err
	}
	if snapshot.EMA21, err = lastValue("ema21", EMA(closes, SlowEMAPeriod)); err != nil {
		return core.IndicatorSnapshot{}, err
	}
	if snapshot.RSI, err = lastValue("rsi", RSI(closes, RSIPeriod)); err != nil {
		return core.IndicatorSnapshot{}, err
	}
	if snapshot.VolumeAvg, err = lastValue("volume sma", SMA(volumes, VolumeWindow)); err != nil {
		return core.IndicatorSnapshot{}, err
	}

	snapshot.LastClose = closes.Last(0)
	snapshot.ChangePercent = (snapshot.LastClose - previous) / previous * 100

	return snapshot, nil
}

// lastValue returns the final element of an indicator output
func lastValue(name string, values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: %s produced no output", core.ErrComputation, name)
	}

	v := values[len(values)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s produced %v", core.ErrComputation, name, v)
	}

	return v, nil
}

func finite(values []float64) bool {
	if floats.HasNaN(values) {
		return false
	}
	for _, v := range values {
		if math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
