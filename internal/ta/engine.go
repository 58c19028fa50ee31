package ta

import (
	"math"

	"github.com/martin-bot/martin/internal/binance"
	"github.com/martin-bot/martin/internal/domain"
)

// Tunables of the signal engine. Periods and weights are fixed, only the
// candle inputs vary.
const (
	signalEMAPeriod = 20
	adxPeriod       = 14
	trendEMAPeriod  = 20
	slopeEMAPeriod  = 50
	slopeLookback   = 6

	weightAnchor = 1.0
	weightADX    = 0.2
	weightSlope  = 0.2

	trendConfirmMult = 1.10
	trendOpposeMult  = 0.70
	trendNeutralMult = 1.00

	edgePenaltyMult = 0.25
)

// Signal is a detected EMA-touch signal on the 1-minute series.
type Signal struct {
	Direction   domain.Direction
	SignalTs    int64
	SignalPrice float64
	AnchorBarTs int64
	AnchorPrice float64
}

// DetectSignal scans the 1-minute series from the first candle at or after
// startTs, looking for an EMA20 touch with a two-bar close confirmation.
//
//	UP:   low[i] <= ema20[i] AND close[i] > ema20[i] AND close[i+1] > ema20[i+1]
//	DOWN: high[i] >= ema20[i] AND close[i] < ema20[i] AND close[i+1] < ema20[i+1]
//
// The first firing index wins; the confirming bar supplies the signal
// timestamp and price. Returns nil when nothing fires.
func DetectSignal(candles []binance.Candle, startTs int64) *Signal {
	if len(candles) < 2 {
		return nil
	}

	anchorIdx := -1
	for i, c := range candles {
		if c.OpenTime >= startTs {
			anchorIdx = i
			break
		}
	}
	if anchorIdx < 0 {
		return nil
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	ema20 := EMA(closes, signalEMAPeriod)

	for i := anchorIdx; i <= len(candles)-2; i++ {
		if !IsDefined(ema20[i]) || !IsDefined(ema20[i+1]) {
			continue
		}
		cur, next := candles[i], candles[i+1]

		var direction domain.Direction
		switch {
		case cur.Low <= ema20[i] && cur.Close > ema20[i] && next.Close > ema20[i+1]:
			direction = domain.DirectionUp
		case cur.High >= ema20[i] && cur.Close < ema20[i] && next.Close < ema20[i+1]:
			direction = domain.DirectionDown
		default:
			continue
		}

		return &Signal{
			Direction:   direction,
			SignalTs:    next.OpenTime,
			SignalPrice: next.Close,
			AnchorBarTs: candles[anchorIdx].OpenTime,
			AnchorPrice: candles[anchorIdx].Close,
		}
	}
	return nil
}

// ComputeQuality scores a signal from the 5-minute series and returns the
// score with every intermediate preserved. Deterministic.
func ComputeQuality(signal *Signal, candles5m []binance.Candle) (float64, domain.QualityBreakdown) {
	breakdown := domain.QualityBreakdown{
		AnchorPrice: signal.AnchorPrice,
		SignalPrice: signal.SignalPrice,
		TrendMult:   trendNeutralMult,
	}

	// Edge from the anchor, basis points, penalized when the move
	// contradicts the direction.
	var ret float64
	if signal.AnchorPrice != 0 {
		ret = (signal.SignalPrice - signal.AnchorPrice) / signal.AnchorPrice
	}
	breakdown.RetFromAnchor = ret

	edge := math.Abs(ret) * 10000
	if (signal.Direction == domain.DirectionUp && ret < 0) ||
		(signal.Direction == domain.DirectionDown && ret > 0) {
		edge *= edgePenaltyMult
		breakdown.EdgePenaltyApplied = true
	}
	breakdown.EdgeComponent = edge

	idx5 := -1
	for i, c := range candles5m {
		if c.OpenTime <= signal.SignalTs {
			idx5 = i
		} else {
			break
		}
	}

	var adxValue, qSlope float64
	trendMult := trendNeutralMult
	trendConfirms := false

	if idx5 >= 0 {
		highs := make([]float64, len(candles5m))
		lows := make([]float64, len(candles5m))
		closes := make([]float64, len(candles5m))
		for i, c := range candles5m {
			highs[i] = c.High
			lows[i] = c.Low
			closes[i] = c.Close
		}

		if adx := ADX(highs, lows, closes, adxPeriod); IsDefined(adx[idx5]) {
			adxValue = adx[idx5]
		}

		ema50 := EMA(closes, slopeEMAPeriod)
		slope50 := Slope(ema50, idx5, slopeLookback)
		if IsDefined(slope50) && closes[idx5] != 0 {
			breakdown.EMA50Slope = slope50
			qSlope = 1000 * math.Abs(slope50/closes[idx5])
		}

		ema20 := EMA(closes, trendEMAPeriod)
		if IsDefined(ema20[idx5]) {
			if (signal.Direction == domain.DirectionUp && closes[idx5] > ema20[idx5]) ||
				(signal.Direction == domain.DirectionDown && closes[idx5] < ema20[idx5]) {
				trendMult = trendConfirmMult
				trendConfirms = true
			} else {
				trendMult = trendOpposeMult
			}
		}
	}

	breakdown.ADXValue = adxValue
	breakdown.QSlope = qSlope
	breakdown.TrendMult = trendMult
	breakdown.TrendConfirms = trendConfirms

	breakdown.WAnchor = weightAnchor * edge
	breakdown.WADX = weightADX * adxValue
	breakdown.WSlope = weightSlope * qSlope

	quality := (breakdown.WAnchor + breakdown.WADX + breakdown.WSlope) * trendMult
	breakdown.FinalQuality = quality
	return quality, breakdown
}
