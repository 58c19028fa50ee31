package trading

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/martin-bot/martin/internal/config"
	"github.com/martin-bot/martin/internal/database"
	"github.com/martin-bot/martin/internal/domain"
)

// quantileLevels maps the configured quantile name to its probability.
var quantileLevels = map[string]float64{
	"p90": 0.90,
	"p95": 0.95,
	"p97": 0.97,
	"p99": 0.99,
}

// StatsService owns the win/loss counters, the streak driven BASE/STRICT
// policy and the rolling STRICT thresholds.
type StatsService struct {
	db  *database.Database
	cfg *config.Config
}

func NewStatsService(db *database.Database, cfg *config.Config) *StatsService {
	return &StatsService{db: db, cfg: cfg}
}

// OnTradeSettled applies one settled trade to the counters and streaks.
// Trades that were not taken and filled do not move the streak. A loss always
// drops the policy back to BASE.
func (s *StatsService) OnTradeSettled(trade *database.Trade, isWin bool, mode domain.NightSessionMode) (*database.Stats, error) {
	stats, err := s.db.GetStats()
	if err != nil {
		return nil, err
	}
	if !trade.CountsForStreak() {
		return stats, nil
	}

	stats.TotalTrades++
	if isWin {
		stats.TotalWins++
		stats.TradeLevelStreak++
		if trade.TimeMode == string(domain.TimeModeNight) {
			stats.NightStreak++
		}

		// Night cap fires before any STRICT promotion. A HARD reset also
		// clears the trade level streak, so the promotion below cannot
		// trigger off a capped night run.
		if stats.NightStreak >= s.cfg.NightMaxWinStreak {
			switch mode {
			case domain.NightSoftReset:
				stats.NightStreak = 0
				stats.PolicyMode = string(domain.PolicyBase)
				log.Info().Msg("Night streak cap reached, soft reset")
			case domain.NightHardReset:
				stats.NightStreak = 0
				stats.TradeLevelStreak = 0
				stats.PolicyMode = string(domain.PolicyBase)
				log.Info().Msg("Night streak cap reached, hard reset")
			}
		}

		if stats.TradeLevelStreak >= s.cfg.SwitchStreakAt && stats.PolicyMode == string(domain.PolicyBase) {
			stats.PolicyMode = string(domain.PolicyStrict)
			log.Info().Int("streak", stats.TradeLevelStreak).Msg("Win streak reached, policy escalated to STRICT")
		}
	} else {
		stats.TotalLosses++
		stats.TradeLevelStreak = 0
		stats.NightStreak = 0
		stats.PolicyMode = string(domain.PolicyBase)
	}

	trade.TradeLevelStreak = stats.TradeLevelStreak
	trade.NightStreak = stats.NightStreak

	if err := s.db.SaveStats(stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// baseQuality resolves the BASE threshold for a time mode, preferring a
// runtime settings override over the process config.
func (s *StatsService) baseQuality(mode domain.TimeMode) float64 {
	key, fallback := "quality.base_day_min_quality", s.cfg.BaseDayMinQuality
	if mode == domain.TimeModeNight {
		key, fallback = "quality.base_night_min_quality", s.cfg.BaseNightMinQuality
	}
	if v, ok := s.db.GetSetting(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Threshold resolves the minimum quality for a time mode under the current
// policy. STRICT falls back to the scaled base threshold until a rolling
// quantile has been computed.
func (s *StatsService) Threshold(mode domain.TimeMode, policy domain.PolicyMode) float64 {
	base := s.baseQuality(mode)
	if policy != domain.PolicyStrict {
		return base
	}

	stats, err := s.db.GetStats()
	if err != nil {
		return base * s.cfg.StrictFallbackMul
	}
	stored := stats.LastStrictDayThreshold
	if mode == domain.TimeModeNight {
		stored = stats.LastStrictNightThreshold
	}
	if stored == nil {
		return base * s.cfg.StrictFallbackMul
	}
	return *stored
}

// UpdateRollingQuantiles recomputes the STRICT thresholds for both time modes
// over the rolling sample window.
func (s *StatsService) UpdateRollingQuantiles(now int64) error {
	stats, err := s.db.GetStats()
	if err != nil {
		return err
	}
	sinceTs := now - int64(s.cfg.RollingDays)*86400

	for _, mode := range []domain.TimeMode{domain.TimeModeDay, domain.TimeModeNight} {
		samples, err := s.db.GetQualitySamples(mode, sinceTs, s.cfg.MaxSamples)
		if err != nil {
			return err
		}

		threshold := s.strictThreshold(mode, samples)
		if mode == domain.TimeModeDay {
			stats.LastStrictDayThreshold = &threshold
		} else {
			stats.LastStrictNightThreshold = &threshold
		}
		log.Debug().Str("mode", string(mode)).Float64("threshold", threshold).
			Int("samples", len(samples)).Msg("Rolling quantile updated")
	}

	stats.LastQuantileUpdateTs = now
	return s.db.SaveStats(stats)
}

func (s *StatsService) strictThreshold(mode domain.TimeMode, samples []float64) float64 {
	base := s.baseQuality(mode)
	if len(samples) < s.cfg.MinSamples {
		return base * s.cfg.StrictFallbackMul
	}

	q, ok := quantileLevels[s.cfg.StrictQuantile]
	if !ok {
		q = quantileLevels["p95"]
	}
	return quantile(samples, q)
}

// quantile is the linear interpolation estimator (R type 7): with the samples
// sorted, h = (n-1)q, and the result interpolates between the values at
// floor(h) and floor(h)+1.
func quantile(samples []float64, q float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	h := float64(n-1) * q
	k := int(math.Floor(h))
	if k >= n-1 {
		return sorted[n-1]
	}
	return sorted[k] + (h-float64(k))*(sorted[k+1]-sorted[k])
}

// QualitySummary returns mean and standard deviation of the rolling quality
// samples for one time mode, for the stats report.
func (s *StatsService) QualitySummary(mode domain.TimeMode) (mean, stddev float64, n int) {
	sinceTs := time.Now().Unix() - int64(s.cfg.RollingDays)*86400
	samples, err := s.db.GetQualitySamples(mode, sinceTs, s.cfg.MaxSamples)
	if err != nil || len(samples) == 0 {
		return 0, 0, 0
	}
	mean = stat.Mean(samples, nil)
	if len(samples) > 1 {
		stddev = stat.StdDev(samples, nil)
	}
	return mean, stddev, len(samples)
}
