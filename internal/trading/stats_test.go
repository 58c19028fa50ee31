package trading

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martin-bot/martin/internal/config"
	"github.com/martin-bot/martin/internal/database"
	"github.com/martin-bot/martin/internal/domain"
)

func newTestStats(t *testing.T) (*StatsService, *database.Database) {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)

	cfg := &config.Config{
		BaseDayMinQuality:   50,
		BaseNightMinQuality: 60,
		SwitchStreakAt:      3,
		NightMaxWinStreak:   5,
		RollingDays:         14,
		MaxSamples:          500,
		MinSamples:          50,
		StrictQuantile:      "p95",
		StrictFallbackMul:   1.25,
	}
	return NewStatsService(db, cfg), db
}

func filledTrade(mode domain.TimeMode) *database.Trade {
	return &database.Trade{
		TimeMode:   string(mode),
		Decision:   string(domain.DecisionOK),
		FillStatus: string(domain.FillFilled),
	}
}

func TestWinStreakPromotesToStrict(t *testing.T) {
	s, _ := newTestStats(t)

	for i := 0; i < 2; i++ {
		stats, err := s.OnTradeSettled(filledTrade(domain.TimeModeDay), true, domain.NightOff)
		require.NoError(t, err)
		assert.Equal(t, string(domain.PolicyBase), stats.PolicyMode)
	}

	stats, err := s.OnTradeSettled(filledTrade(domain.TimeModeDay), true, domain.NightOff)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TradeLevelStreak)
	assert.Equal(t, string(domain.PolicyStrict), stats.PolicyMode)
}

func TestLossResetsEverything(t *testing.T) {
	s, db := newTestStats(t)

	for i := 0; i < 3; i++ {
		_, err := s.OnTradeSettled(filledTrade(domain.TimeModeNight), true, domain.NightOff)
		require.NoError(t, err)
	}
	stats, _ := db.GetStats()
	require.Equal(t, string(domain.PolicyStrict), stats.PolicyMode)
	require.Equal(t, 3, stats.NightStreak)

	stats, err := s.OnTradeSettled(filledTrade(domain.TimeModeDay), false, domain.NightOff)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TradeLevelStreak)
	assert.Equal(t, 0, stats.NightStreak)
	assert.Equal(t, string(domain.PolicyBase), stats.PolicyMode)
	assert.Equal(t, 1, stats.TotalLosses)
}

func TestNotTakenTradeDoesNotCount(t *testing.T) {
	s, _ := newTestStats(t)

	trade := &database.Trade{
		TimeMode:   string(domain.TimeModeDay),
		Decision:   string(domain.DecisionSkip),
		FillStatus: string(domain.FillFilled),
	}
	stats, err := s.OnTradeSettled(trade, true, domain.NightOff)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTrades)
	assert.Equal(t, 0, stats.TradeLevelStreak)
}

func TestNightSoftResetPreservesTradeStreak(t *testing.T) {
	s, db := newTestStats(t)

	stats, _ := db.GetStats()
	stats.TradeLevelStreak = 6
	stats.NightStreak = 4
	stats.PolicyMode = string(domain.PolicyStrict)
	require.NoError(t, db.SaveStats(stats))

	stats, err := s.OnTradeSettled(filledTrade(domain.TimeModeNight), true, domain.NightSoftReset)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NightStreak)
	assert.Equal(t, 7, stats.TradeLevelStreak)
	// Policy drops to BASE on the reset, then the preserved streak
	// immediately re-promotes.
	assert.Equal(t, string(domain.PolicyStrict), stats.PolicyMode)
}

func TestNightHardResetClearsBothStreaks(t *testing.T) {
	s, db := newTestStats(t)

	stats, _ := db.GetStats()
	stats.TradeLevelStreak = 6
	stats.NightStreak = 4
	stats.PolicyMode = string(domain.PolicyStrict)
	require.NoError(t, db.SaveStats(stats))

	stats, err := s.OnTradeSettled(filledTrade(domain.TimeModeNight), true, domain.NightHardReset)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NightStreak)
	assert.Equal(t, 0, stats.TradeLevelStreak)
	assert.Equal(t, string(domain.PolicyBase), stats.PolicyMode)
}

func TestNightCapNotReachedNoReset(t *testing.T) {
	s, db := newTestStats(t)

	stats, _ := db.GetStats()
	stats.NightStreak = 2
	require.NoError(t, db.SaveStats(stats))

	stats, err := s.OnTradeSettled(filledTrade(domain.TimeModeNight), true, domain.NightHardReset)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.NightStreak)
}

func TestQuantileType7(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	// h = 9 * 0.9 = 8.1 -> 9 + 0.1*(10-9)
	assert.InDelta(t, 9.1, quantile(samples, 0.90), 1e-9)
	assert.InDelta(t, 10.0, quantile(samples, 1.0), 1e-9)
	assert.InDelta(t, 1.0, quantile(samples, 0.0), 1e-9)
	assert.InDelta(t, 5.5, quantile(samples, 0.5), 1e-9)

	assert.InDelta(t, 42.0, quantile([]float64{42}, 0.95), 1e-9)

	// Order independence.
	shuffled := []float64{7, 1, 10, 3, 9, 2, 8, 5, 4, 6}
	assert.InDelta(t, 9.1, quantile(shuffled, 0.90), 1e-9)
}

func TestThresholdBaseAndFallback(t *testing.T) {
	s, _ := newTestStats(t)

	assert.InDelta(t, 50.0, s.Threshold(domain.TimeModeDay, domain.PolicyBase), 1e-9)
	assert.InDelta(t, 60.0, s.Threshold(domain.TimeModeNight, domain.PolicyBase), 1e-9)

	// No quantile computed yet: STRICT falls back to base * mult.
	assert.InDelta(t, 62.5, s.Threshold(domain.TimeModeDay, domain.PolicyStrict), 1e-9)
	assert.InDelta(t, 75.0, s.Threshold(domain.TimeModeNight, domain.PolicyStrict), 1e-9)
}

func TestThresholdSettingsOverride(t *testing.T) {
	s, db := newTestStats(t)

	require.NoError(t, db.SetSetting("quality.base_day_min_quality", "70"))
	require.NoError(t, db.SetSetting("quality.base_night_min_quality", "80"))

	assert.InDelta(t, 70.0, s.Threshold(domain.TimeModeDay, domain.PolicyBase), 1e-9)
	assert.InDelta(t, 80.0, s.Threshold(domain.TimeModeNight, domain.PolicyBase), 1e-9)

	// The STRICT fallback scales the overridden base.
	assert.InDelta(t, 87.5, s.Threshold(domain.TimeModeDay, domain.PolicyStrict), 1e-9)

	// An unparsable override falls back to the env value.
	require.NoError(t, db.SetSetting("quality.base_day_min_quality", "soon"))
	assert.InDelta(t, 50.0, s.Threshold(domain.TimeModeDay, domain.PolicyBase), 1e-9)
}

func TestQuantileEmptySamples(t *testing.T) {
	assert.Zero(t, quantile(nil, 0.95))
}

func TestThresholdUsesStoredQuantile(t *testing.T) {
	s, db := newTestStats(t)

	stats, _ := db.GetStats()
	day := 71.5
	stats.LastStrictDayThreshold = &day
	require.NoError(t, db.SaveStats(stats))

	assert.InDelta(t, 71.5, s.Threshold(domain.TimeModeDay, domain.PolicyStrict), 1e-9)
	// Night still falls back.
	assert.InDelta(t, 75.0, s.Threshold(domain.TimeModeNight, domain.PolicyStrict), 1e-9)
}

func TestUpdateRollingQuantilesFallsBackOnFewSamples(t *testing.T) {
	s, db := newTestStats(t)

	require.NoError(t, s.UpdateRollingQuantiles(1_000_000))

	stats, _ := db.GetStats()
	require.NotNil(t, stats.LastStrictDayThreshold)
	require.NotNil(t, stats.LastStrictNightThreshold)
	assert.InDelta(t, 62.5, *stats.LastStrictDayThreshold, 1e-9)
	assert.InDelta(t, 75.0, *stats.LastStrictNightThreshold, 1e-9)
	assert.Equal(t, int64(1_000_000), stats.LastQuantileUpdateTs)
}
