// Package metric exposes Prometheus collectors and RSI breadth statistics
package metric

import (
	"sort"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

const (
	bootstrapSamples    = 500
	bootstrapConfidence = 0.95
)

// Interval is a bootstrap confidence interval
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Breadth summarizes the RSI readings across the symbol universe
type Breadth struct {
	Count      int      `json:"count"`
	Mean       float64  `json:"mean"`
	StdDev     float64  `json:"stddev"`
	Min        float64  `json:"min"`
	P10        float64  `json:"p10"`
	Median     float64  `json:"median"`
	P90        float64  `json:"p90"`
	Max        float64  `json:"max"`
	Overbought int      `json:"overbought"`
	Oversold   int      `json:"oversold"`
	MeanRange  Interval `json:"mean_range"`
}

// RSIBreadth computes the distribution of rsi values. overbought and oversold
// are exclusive thresholds.
func RSIBreadth(rsi []float64, overbought, oversold float64) Breadth {
	if len(rsi) == 0 {
		return Breadth{}
	}

	data := make([]float64, len(rsi))
	copy(data, rsi)
	sort.Float64s(data)

	mean, stdDev := stat.MeanStdDev(data, nil)
	if len(data) == 1 {
		stdDev = 0
	}

	return Breadth{
		Count:      len(data),
		Mean:       mean,
		StdDev:     stdDev,
		Min:        data[0],
		P10:        stat.Quantile(0.1, stat.LinInterp, data, nil),
		Median:     stat.Quantile(0.5, stat.LinInterp, data, nil),
		P90:        stat.Quantile(0.9, stat.LinInterp, data, nil),
		Max:        data[len(data)-1],
		Overbought: lo.CountBy(data, func(v float64) bool { return v > overbought }),
		Oversold:   lo.CountBy(data, func(v float64) bool { return v < oversold }),
		MeanRange:  Bootstrap(data, stat.Mean, bootstrapSamples, bootstrapConfidence),
	}
}

// Bootstrap estimates a confidence interval of measure over values by
// resampling with replacement.
func Bootstrap(values []float64, measure func([]float64, []float64) float64, sampleSize int,
	confidence float64) Interval {

	if len(values) == 0 || sampleSize <= 0 {
		return Interval{}
	}

	data := make([]float64, 0, sampleSize)
	for i := 0; i < sampleSize; i++ {
		samples := make([]float64, len(values))
		for j := range samples {
			samples[j] = lo.Sample(values)
		}
		data = append(data, measure(samples, nil))
	}

	tail := 1 - confidence
	sort.Float64s(data)

	return Interval{
		Lower: stat.Quantile(tail/2, stat.LinInterp, data, nil),
		Upper: stat.Quantile(1-tail/2, stat.LinInterp, data, nil),
	}
}
