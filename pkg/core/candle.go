package core

import "time"

// MinCandles is the shortest window the indicators accept
const MinCandles = 21

// Candle represents one OHLCV bucket for a trading pair
type Candle struct {
	Pair     string
	Time     time.Time
	Open     float64
	Close    float64
	Low      float64
	High     float64
	Volume   float64
	Complete bool
}

// IsEmpty checks if the candle contains no significant data
func (c Candle) IsEmpty() bool { return c.Pair == "" && c.Close == 0 && c.Open == 0 && c.Volume == 0 }

// Closes extracts the close prices of the candles, oldest first
func Closes(candles []Candle) Series[float64] {
	values := make(Series[float64], 0, len(candles))
	for _, c := range candles {
		values = append(values, c.Close)
	}
	return values
}

// Volumes extracts the traded volumes of the candles, oldest first
func Volumes(candles []Candle) Series[float64] {
	values := make(Series[float64], 0, len(candles))
	for _, c := range candles {
		values = append(values, c.Volume)
	}
	return values
}
