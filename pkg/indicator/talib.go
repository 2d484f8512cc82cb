package indicator

import "github.com/markcheno/go-talib"

// EMA calculates Exponential Moving Average
func EMA(input []float64, period int) []float64 {
	return talib.Ema(input, period)
}

// SMA calculates Simple Moving Average
func SMA(input []float64, period int) []float64 {
	return talib.Sma(input, period)
}

// RSI calculates Relative Strength Index with Wilder smoothing
func RSI(input []float64, period int) []float64 {
	return talib.Rsi(input, period)
}
