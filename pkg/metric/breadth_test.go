package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRSIBreadth(t *testing.T) {
	breadth := RSIBreadth([]float64{80, 20, 50, 60, 40}, 70, 30)

	assert.Equal(t, 5, breadth.Count)
	assert.InDelta(t, 50, breadth.Mean, 1e-9)
	assert.InDelta(t, 22.36, breadth.StdDev, 0.01)
	assert.Equal(t, 20.0, breadth.Min)
	assert.Equal(t, 80.0, breadth.Max)
	assert.InDelta(t, 47.5, breadth.Median, 2.5)
	assert.Equal(t, 1, breadth.Overbought)
	assert.Equal(t, 1, breadth.Oversold)
	assert.LessOrEqual(t, breadth.MeanRange.Lower, breadth.MeanRange.Upper)
	assert.GreaterOrEqual(t, breadth.MeanRange.Lower, 20.0)
	assert.LessOrEqual(t, breadth.MeanRange.Upper, 80.0)
}

func TestRSIBreadth_Edges(t *testing.T) {
	assert.Equal(t, Breadth{}, RSIBreadth(nil, 70, 30))

	single := RSIBreadth([]float64{74.2}, 70, 30)
	assert.Equal(t, 1, single.Count)
	assert.Equal(t, 0.0, single.StdDev)
	assert.Equal(t, 74.2, single.Median)
	assert.Equal(t, 1, single.Overbought)
	assert.Equal(t, Interval{Lower: 74.2, Upper: 74.2}, single.MeanRange)

	boundaries := RSIBreadth([]float64{70, 30}, 70, 30)
	assert.Zero(t, boundaries.Overbought)
	assert.Zero(t, boundaries.Oversold)
}

func TestRSIBreadth_DoesNotSortInput(t *testing.T) {
	values := []float64{90, 10, 50}
	RSIBreadth(values, 70, 30)
	assert.Equal(t, []float64{90, 10, 50}, values)
}
