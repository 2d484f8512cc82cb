package core

import "fmt"

// IndicatorSnapshot holds the latest value of every indicator computed
// for a single candle window. It is recomputed on each evaluation.
type IndicatorSnapshot struct {
	LastClose     float64 `json:"last_close"`
	ChangePercent float64 `json:"change_percent"`
	EMA9          float64 `json:"ema9"`
	EMA21         float64 `json:"ema21"`
	RSI           float64 `json:"rsi"`
	VolumeAvg     float64 `json:"volume_avg"`
}

// Trend describes the short EMA position against the long EMA
func (s IndicatorSnapshot) Trend() string {
	switch {
	case s.EMA9 > s.EMA21:
		return "bullish"
	case s.EMA9 < s.EMA21:
		return "bearish"
	default:
		return "flat"
	}
}

func (s IndicatorSnapshot) String() string {
	return fmt.Sprintf("close=%.8g change=%.2f%% rsi=%.1f ema9=%.8g ema21=%.8g vol=%.2f",
		s.LastClose, s.ChangePercent, s.RSI, s.EMA9, s.EMA21, s.VolumeAvg)
}
