package ta

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEMAWarmup(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6}
	out := EMA(values, 3)
	require.Len(t, out, 6)

	assert.False(t, IsDefined(out[0]))
	assert.False(t, IsDefined(out[1]))

	// First defined value is the simple mean of the first period.
	assert.InDelta(t, 2.0, out[2], 1e-9)

	// mult = 2/(3+1) = 0.5
	assert.InDelta(t, 3.0, out[3], 1e-9)
	assert.InDelta(t, 4.0, out[4], 1e-9)
	assert.InDelta(t, 5.0, out[5], 1e-9)
}

func TestEMAShortSeries(t *testing.T) {
	out := EMA([]float64{1, 2}, 5)
	for _, v := range out {
		assert.False(t, IsDefined(v))
	}
}

func TestADXWarmupIndex(t *testing.T) {
	n := 40
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100 + float64(i)
		highs[i] = base + 1
		lows[i] = base - 1
		closes[i] = base
	}

	period := 14
	out := ADX(highs, lows, closes, period)
	require.Len(t, out, n)

	for i := 0; i < 2*period-1; i++ {
		assert.False(t, IsDefined(out[i]), "index %d should be undefined", i)
	}
	for i := 2*period - 1; i < n; i++ {
		assert.True(t, IsDefined(out[i]), "index %d should be defined", i)
	}

	// A steady uptrend is all +DM, so DX and therefore ADX sit at 100.
	assert.InDelta(t, 100.0, out[2*period-1], 1e-6)
}

func TestADXTooShort(t *testing.T) {
	series := []float64{1, 2, 3}
	out := ADX(series, series, series, 14)
	for _, v := range out {
		assert.False(t, IsDefined(v))
	}
}

func TestSlope(t *testing.T) {
	series := []float64{Undefined, 1, 2, 4, 7}

	assert.InDelta(t, 6.0, Slope(series, 4, 3), 1e-9)
	assert.False(t, IsDefined(Slope(series, 4, 4)), "undefined endpoint")
	assert.False(t, IsDefined(Slope(series, 2, 5)), "lookback out of range")
	assert.False(t, IsDefined(Slope(series, 10, 1)), "index out of range")
}

func TestUndefinedSentinel(t *testing.T) {
	assert.True(t, math.IsNaN(Undefined))
	assert.False(t, IsDefined(Undefined))
	assert.True(t, IsDefined(0))
}
