// Package ta holds the technical-analysis primitives and the signal engine.
// All primitives are pure: same series in, same series out.
package ta

import "math"

// Undefined marks positions of an indicator series that have not warmed up
// yet. Callers must check IsDefined before consuming a value.
var Undefined = math.NaN()

// IsDefined reports whether an indicator value is usable.
func IsDefined(v float64) bool {
	return !math.IsNaN(v)
}

// EMA returns the exponential moving average of values, aligned index by
// index with the input. Positions before period-1 are Undefined. The first
// defined value is the simple mean of the first period inputs.
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = Undefined
	}
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	out[period-1] = sum / float64(period)

	mult := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = (values[i]-out[i-1])*mult + out[i-1]
	}
	return out
}

// ADX returns the Wilder-smoothed average directional index, aligned with the
// input series. The first defined value sits at index 2*period-1.
//
// ATR and the smoothed directional movements use Wilder accumulation
// (new = prev - prev/period + current); DI is 100*DM/ATR and ADX is the
// Wilder-smoothed DX.
func ADX(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	for i := range out {
		out[i] = Undefined
	}
	if period <= 0 || n < 2*period || len(highs) != n || len(lows) != n {
		return out
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))

		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Seed the Wilder sums over the first period of movements.
	var atr, pDM, mDM float64
	for i := 1; i <= period; i++ {
		atr += tr[i]
		pDM += plusDM[i]
		mDM += minusDM[i]
	}

	dx := make([]float64, n)
	for i := range dx {
		dx[i] = Undefined
	}
	dx[period] = directionalIndex(pDM, mDM, atr)

	for i := period + 1; i < n; i++ {
		atr = atr - atr/float64(period) + tr[i]
		pDM = pDM - pDM/float64(period) + plusDM[i]
		mDM = mDM - mDM/float64(period) + minusDM[i]
		dx[i] = directionalIndex(pDM, mDM, atr)
	}

	// First ADX is the plain mean of the first period DX values, then the
	// same Wilder recurrence takes over.
	var dxSum float64
	for i := period; i < 2*period; i++ {
		dxSum += dx[i]
	}
	out[2*period-1] = dxSum / float64(period)

	for i := 2 * period; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + dx[i]) / float64(period)
	}
	return out
}

func directionalIndex(plusDM, minusDM, atr float64) float64 {
	if atr == 0 {
		return 0
	}
	plusDI := 100 * plusDM / atr
	minusDI := 100 * minusDM / atr
	if plusDI+minusDI == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
}

// Slope returns series[idx] - series[idx-lookback], or Undefined when either
// endpoint is out of range or not warmed up.
func Slope(series []float64, idx, lookback int) float64 {
	if idx >= len(series) || idx-lookback < 0 {
		return Undefined
	}
	if !IsDefined(series[idx]) || !IsDefined(series[idx-lookback]) {
		return Undefined
	}
	return series[idx] - series[idx-lookback]
}
