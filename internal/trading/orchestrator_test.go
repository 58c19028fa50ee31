package trading

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martin-bot/martin/internal/binance"
	"github.com/martin-bot/martin/internal/config"
	"github.com/martin-bot/martin/internal/database"
	"github.com/martin-bot/martin/internal/domain"
	"github.com/martin-bot/martin/internal/polymarket"
)

// Fakes

type fakeDiscovery struct {
	windows  []polymarket.Window
	outcomes map[string]domain.Direction
}

func (f *fakeDiscovery) DiscoverWindows(_ context.Context, _ []string, _ int64) ([]polymarket.Window, error) {
	return f.windows, nil
}

func (f *fakeDiscovery) FetchOutcome(_ context.Context, slug string) (domain.Direction, bool, error) {
	dir, ok := f.outcomes[slug]
	return dir, ok, nil
}

type fakeTicks struct {
	ticks map[string][]polymarket.Tick
}

func (f *fakeTicks) GetPriceHistory(_ context.Context, tokenID string, _, _ int64) ([]polymarket.Tick, error) {
	return f.ticks[tokenID], nil
}

type fakeSnapshots struct {
	candles1m []binance.Candle
	candles5m []binance.Candle
}

func (f *fakeSnapshots) EnsureFresh(_ context.Context, asset string) (*Snapshot, error) {
	return &Snapshot{
		Asset:     asset,
		Candles1m: f.candles1m,
		Candles5m: f.candles5m,
		FetchedAt: time.Now(),
	}, nil
}

type fakeNotifier struct {
	cards       []uint
	settlements []uint
}

func (f *fakeNotifier) SendTradeCard(trade *database.Trade, _ *database.MarketWindow, _ *database.Signal) error {
	f.cards = append(f.cards, trade.ID)
	return nil
}

func (f *fakeNotifier) SendSettlement(trade *database.Trade, _ *database.MarketWindow) error {
	f.settlements = append(f.settlements, trade.ID)
	return nil
}

type fakeClock struct{ now int64 }

func (f *fakeClock) Now() time.Time { return time.Unix(f.now, 0) }

// upSignalCandles builds a 1m series whose EMA20 touch fires with anchor
// price 100 and signal price 101 (quality 100 without 5m context).
func upSignalCandles(startTs int64) []binance.Candle {
	candles := make([]binance.Candle, 0, 32)
	for i := 0; i < 30; i++ {
		candles = append(candles, binance.Candle{
			OpenTime: startTs + int64(i)*60,
			Open:     100, High: 100, Low: 100, Close: 100,
		})
	}
	candles = append(candles,
		binance.Candle{OpenTime: startTs + 30*60, Open: 100, High: 100.6, Low: 99.5, Close: 100.5},
		binance.Candle{OpenTime: startTs + 31*60, Open: 100.5, High: 101.2, Low: 100.4, Close: 101},
	)
	return candles
}

func testConfig() *config.Config {
	return &config.Config{
		Assets:              []string{"BTC"},
		PriceCap:            decimal.NewFromFloat(0.55),
		ConfirmDelaySeconds: 120,
		CapMinTicks:         5,
		BaseDayMinQuality:   50,
		BaseNightMinQuality: 60,
		SwitchStreakAt:      3,
		NightMaxWinStreak:   5,
		NightSessionMode:    "OFF",
		MaxResponseSeconds:  600,
		BaseStakeUSDC:       decimal.NewFromInt(10),
		RollingDays:         14,
		MaxSamples:          500,
		MinSamples:          50,
		StrictQuantile:      "p95",
		StrictFallbackMul:   1.25,
	}
}

type harness struct {
	db        *database.Database
	orch      *Orchestrator
	discovery *fakeDiscovery
	ticks     *fakeTicks
	notifier  *fakeNotifier
	clock     *fakeClock
}

func newHarness(t *testing.T, cfg *config.Config, window polymarket.Window, candles1m []binance.Candle) *harness {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)

	discovery := &fakeDiscovery{
		windows:  []polymarket.Window{window},
		outcomes: map[string]domain.Direction{},
	}
	ticks := &fakeTicks{ticks: map[string][]polymarket.Tick{}}
	notifier := &fakeNotifier{}
	clock := &fakeClock{now: window.StartTs}

	// All-day DAY window keeps the scenarios timezone independent.
	timeMode, err := NewTimeModeResolver("UTC", 0, 0)
	require.NoError(t, err)

	stats := NewStatsService(db, cfg)
	orch := NewOrchestrator(cfg, db, discovery, ticks, &fakeSnapshots{candles1m: candles1m},
		stats, NewPaperExecutor(), timeMode, notifier).WithClock(clock)

	return &harness{db: db, orch: orch, discovery: discovery, ticks: ticks, notifier: notifier, clock: clock}
}

func (h *harness) cycleAt(now int64) {
	h.clock.now = now
	h.orch.RunCycle(context.Background())
}

func (h *harness) singleTrade(t *testing.T) *database.Trade {
	t.Helper()
	window, err := h.db.GetWindowBySlug("btc-updown-1h-1000")
	require.NoError(t, err)
	trades, err := h.db.GetActiveTrades()
	if err == nil && len(trades) == 1 {
		return &trades[0]
	}
	trade, err := h.db.GetActiveTradeForWindow(window.ID)
	require.NoError(t, err)
	return trade
}

func testWindow() polymarket.Window {
	return polymarket.Window{
		Asset:       "BTC",
		Slug:        "btc-updown-1h-1000",
		ConditionID: "cond",
		UpTokenID:   "up-token",
		DownTokenID: "down-token",
		StartTs:     1000,
		EndTs:       4600,
	}
}

func TestScenarioDayWin(t *testing.T) {
	cfg := testConfig()
	window := testWindow()
	h := newHarness(t, cfg, window, upSignalCandles(1000))

	// Signal fires at the 32nd bar: signal_ts = 1000+31*60 = 2860,
	// confirm_ts = 2980.
	const signalTs, confirmTs = 2860, 2980

	h.ticks.ticks["up-token"] = []polymarket.Tick{
		{Ts: confirmTs, Price: decimal.NewFromFloat(0.54)},
		{Ts: confirmTs + 1, Price: decimal.NewFromFloat(0.53)},
		{Ts: confirmTs + 2, Price: decimal.NewFromFloat(0.52)},
		{Ts: confirmTs + 3, Price: decimal.NewFromFloat(0.51)},
		{Ts: confirmTs + 4, Price: decimal.NewFromFloat(0.50)},
	}
	h.discovery.outcomes[window.Slug] = domain.DirectionUp

	// Cycle 1: discovery creates the trade, TA fires, compound transition
	// lands in WAITING_CONFIRM and the card goes out once.
	h.cycleAt(2900)
	trade := h.singleTrade(t)
	assert.Equal(t, string(domain.StatusWaitingConfirm), trade.Status)
	require.Len(t, h.notifier.cards, 1)

	signal, err := h.db.GetSignal(*trade.SignalID)
	require.NoError(t, err)
	assert.Equal(t, int64(signalTs), signal.SignalTs)
	assert.Equal(t, int64(confirmTs), signal.ConfirmTs)
	assert.Equal(t, "up-token", trade.TokenID)

	// Cycle 2: confirm reached, cap check created.
	h.cycleAt(confirmTs + 10)
	trade = h.singleTrade(t)
	assert.Equal(t, string(domain.StatusWaitingCap), trade.Status)

	// Cycle 3: five ticks under the cap pass validation.
	h.cycleAt(confirmTs + 20)
	trade = h.singleTrade(t)
	assert.Equal(t, string(domain.StatusReady), trade.Status)

	// User approves; cycle 4 places the paper order.
	require.NoError(t, h.orch.ApproveTrade(trade.ID))
	h.cycleAt(confirmTs + 30)
	trade = h.singleTrade(t)
	assert.Equal(t, string(domain.StatusOrderPlaced), trade.Status)
	assert.Equal(t, string(domain.FillFilled), trade.FillStatus)

	// Cycle 5, after the window ends: settle as a win.
	h.cycleAt(4700)
	settled, err := h.db.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusSettled), settled.Status)
	require.NotNil(t, settled.IsWin)
	assert.True(t, *settled.IsWin)

	// pnl = stake * (1/0.55 - 1) ~ 8.18
	require.True(t, settled.Pnl.Valid)
	diff := settled.Pnl.Decimal.Sub(decimal.NewFromFloat(8.18)).Abs()
	assert.True(t, diff.LessThan(decimal.NewFromFloat(0.01)), "pnl %s", settled.Pnl.Decimal)

	stats, err := h.db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TradeLevelStreak)
	assert.Equal(t, 1, stats.TotalWins)
	require.Len(t, h.notifier.cards, 1, "card must be sent exactly once")
	assert.Len(t, h.notifier.settlements, 1)
}

func TestScenarioDayLowQuality(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDayMinQuality = 1000 // nothing qualifies
	window := testWindow()
	h := newHarness(t, cfg, window, upSignalCandles(1000))

	h.cycleAt(2900)
	trade := h.singleTrade(t)
	assert.Equal(t, string(domain.StatusSearchingSignal), trade.Status)
	assert.True(t, trade.SawLowQuality)
	assert.Empty(t, h.notifier.cards, "no card for an unqualified signal")

	// Window expires while still searching: LOW_QUALITY, not NO_SIGNAL.
	h.cycleAt(4700)
	trade, err := h.db.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCancelled), trade.Status)
	assert.Equal(t, string(domain.CancelLowQuality), trade.CancelReason)
	assert.Empty(t, h.notifier.cards)

	stats, err := h.db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTrades)
}

func TestScenarioNoSignalExpiry(t *testing.T) {
	cfg := testConfig()
	window := testWindow()

	// Flat series never produces a signal.
	flat := make([]binance.Candle, 40)
	for i := range flat {
		flat[i] = binance.Candle{OpenTime: 1000 + int64(i)*60, Open: 100, High: 100, Low: 100, Close: 100}
	}
	h := newHarness(t, cfg, window, flat)

	h.cycleAt(2000)
	trade := h.singleTrade(t)
	assert.Equal(t, string(domain.StatusSearchingSignal), trade.Status)

	h.cycleAt(4700)
	trade, err := h.db.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCancelled), trade.Status)
	assert.Equal(t, string(domain.CancelNoSignal), trade.CancelReason)
}

func TestScenarioCapFail(t *testing.T) {
	cfg := testConfig()
	window := testWindow()
	h := newHarness(t, cfg, window, upSignalCandles(1000))

	// Only expensive ticks after confirm: the cap never passes and the
	// check fails once the window ends.
	h.ticks.ticks["up-token"] = []polymarket.Tick{
		{Ts: 2980, Price: decimal.NewFromFloat(0.60)},
		{Ts: 2981, Price: decimal.NewFromFloat(0.61)},
	}

	h.cycleAt(2900)
	h.cycleAt(2990)
	trade := h.singleTrade(t)
	require.Equal(t, string(domain.StatusWaitingCap), trade.Status)

	// Still pending mid-window.
	h.cycleAt(3100)
	trade = h.singleTrade(t)
	assert.Equal(t, string(domain.StatusWaitingCap), trade.Status)

	// At window end the pending check fails and the trade reads CAP_FAIL,
	// not a generic EXPIRED.
	h.cycleAt(4600)
	trade, err := h.db.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCancelled), trade.Status)
	assert.Equal(t, string(domain.CancelCapFail), trade.CancelReason)
}

func TestScenarioDayAutoSkip(t *testing.T) {
	cfg := testConfig()
	window := testWindow()
	h := newHarness(t, cfg, window, upSignalCandles(1000))

	h.ticks.ticks["up-token"] = []polymarket.Tick{
		{Ts: 2980, Price: decimal.NewFromFloat(0.50)},
		{Ts: 2981, Price: decimal.NewFromFloat(0.50)},
		{Ts: 2982, Price: decimal.NewFromFloat(0.50)},
		{Ts: 2983, Price: decimal.NewFromFloat(0.50)},
		{Ts: 2984, Price: decimal.NewFromFloat(0.50)},
	}

	h.cycleAt(2900)
	h.cycleAt(2990)
	h.cycleAt(3000)
	trade := h.singleTrade(t)
	require.Equal(t, string(domain.StatusReady), trade.Status)

	// No answer within max_response_seconds: auto-skip.
	h.cycleAt(3000 + int64(cfg.MaxResponseSeconds))
	trade, err := h.db.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCancelled), trade.Status)
	assert.Equal(t, string(domain.CancelSkip), trade.CancelReason)
	assert.Equal(t, string(domain.DecisionAutoSkip), trade.Decision)
}

func TestRuntimePriceCapAppliesToValidation(t *testing.T) {
	cfg := testConfig()
	window := testWindow()
	h := newHarness(t, cfg, window, upSignalCandles(1000))

	// All ticks above the env cap of 0.55 but under the runtime override,
	// so validation and the fill price must both follow the override.
	h.ticks.ticks["up-token"] = []polymarket.Tick{
		{Ts: 2980, Price: decimal.NewFromFloat(0.60)},
		{Ts: 2981, Price: decimal.NewFromFloat(0.60)},
		{Ts: 2982, Price: decimal.NewFromFloat(0.60)},
		{Ts: 2983, Price: decimal.NewFromFloat(0.60)},
		{Ts: 2984, Price: decimal.NewFromFloat(0.60)},
	}
	require.NoError(t, h.db.SetSetting("trading.price_cap", "0.65"))

	h.cycleAt(2900)
	h.cycleAt(2990)
	h.cycleAt(3000)
	trade := h.singleTrade(t)
	assert.Equal(t, string(domain.StatusReady), trade.Status)

	require.NoError(t, h.orch.ApproveTrade(trade.ID))
	h.cycleAt(3010)
	trade = h.singleTrade(t)
	assert.Equal(t, string(domain.StatusOrderPlaced), trade.Status)
	require.True(t, trade.FillPrice.Valid)
	assert.True(t, trade.FillPrice.Decimal.Equal(decimal.NewFromFloat(0.65)))
}

// newNightHarness pins the day window to 8-22 UTC so the test window at
// hour 0 classifies as NIGHT.
func newNightHarness(t *testing.T, cfg *config.Config, window polymarket.Window, candles1m []binance.Candle) *harness {
	t.Helper()
	h := newHarness(t, cfg, window, candles1m)
	timeMode, err := NewTimeModeResolver("UTC", 8, 22)
	require.NoError(t, err)
	h.orch.timeMode = timeMode
	return h
}

func cheapTicks() []polymarket.Tick {
	return []polymarket.Tick{
		{Ts: 2980, Price: decimal.NewFromFloat(0.50)},
		{Ts: 2981, Price: decimal.NewFromFloat(0.50)},
		{Ts: 2982, Price: decimal.NewFromFloat(0.50)},
		{Ts: 2983, Price: decimal.NewFromFloat(0.50)},
		{Ts: 2984, Price: decimal.NewFromFloat(0.50)},
	}
}

func TestScenarioNightAutoTrade(t *testing.T) {
	cfg := testConfig()
	cfg.NightAutotradeEnabled = true
	window := testWindow()
	h := newNightHarness(t, cfg, window, upSignalCandles(1000))

	h.ticks.ticks["up-token"] = cheapTicks()
	h.discovery.outcomes[window.Slug] = domain.DirectionUp

	h.cycleAt(2900)
	trade := h.singleTrade(t)
	assert.Equal(t, string(domain.TimeModeNight), trade.TimeMode)
	require.Equal(t, string(domain.StatusWaitingConfirm), trade.Status)

	h.cycleAt(2990)
	h.cycleAt(3000)
	trade = h.singleTrade(t)
	require.Equal(t, string(domain.StatusReady), trade.Status)

	// No user in the loop: the next cycle auto-approves and places.
	h.cycleAt(3010)
	trade = h.singleTrade(t)
	assert.Equal(t, string(domain.StatusOrderPlaced), trade.Status)
	assert.Equal(t, string(domain.DecisionAutoOK), trade.Decision)

	h.cycleAt(4700)
	settled, err := h.db.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusSettled), settled.Status)

	stats, err := h.db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalWins)
	assert.Equal(t, 1, stats.NightStreak)
}

func TestScenarioNightAutotradeDisabledCancelsAtReady(t *testing.T) {
	cfg := testConfig()
	cfg.NightAutotradeEnabled = true
	window := testWindow()
	h := newNightHarness(t, cfg, window, upSignalCandles(1000))

	h.ticks.ticks["up-token"] = cheapTicks()

	h.cycleAt(2900)
	h.cycleAt(2990)
	h.cycleAt(3000)
	trade := h.singleTrade(t)
	require.Equal(t, string(domain.StatusReady), trade.Status)

	// Autotrade goes off between cap pass and placement: no order, the
	// trade cancels with the night reason.
	require.NoError(t, h.db.SetSetting("day_night.night_autotrade_enabled", "false"))
	h.cycleAt(3010)
	trade, err := h.db.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCancelled), trade.Status)
	assert.Equal(t, string(domain.CancelNightDisabled), trade.CancelReason)
}

func TestNightDiscoveryRefusedWhenAutotradeOff(t *testing.T) {
	cfg := testConfig()
	cfg.NightAutotradeEnabled = false
	window := testWindow()
	h := newNightHarness(t, cfg, window, upSignalCandles(1000))

	h.cycleAt(2000)
	trades, err := h.db.GetActiveTrades()
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestPauseCancelsPendingTrades(t *testing.T) {
	cfg := testConfig()
	window := testWindow()
	h := newHarness(t, cfg, window, upSignalCandles(1000))

	h.cycleAt(2900)
	trade := h.singleTrade(t)
	require.Equal(t, string(domain.StatusWaitingConfirm), trade.Status)

	require.NoError(t, h.orch.Pause())
	trade, err := h.db.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCancelled), trade.Status)
	assert.Equal(t, string(domain.CancelPaused), trade.CancelReason)

	// Paused engine creates nothing new.
	h.cycleAt(2960)
	trades, err := h.db.GetActiveTrades()
	require.NoError(t, err)
	assert.Empty(t, trades)

	require.NoError(t, h.orch.Resume())
	h.cycleAt(3020)
	trades, err = h.db.GetActiveTrades()
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestSkipCallbackCancelsReadyTrade(t *testing.T) {
	cfg := testConfig()
	window := testWindow()
	h := newHarness(t, cfg, window, upSignalCandles(1000))

	h.ticks.ticks["up-token"] = []polymarket.Tick{
		{Ts: 2980, Price: decimal.NewFromFloat(0.50)},
		{Ts: 2981, Price: decimal.NewFromFloat(0.50)},
		{Ts: 2982, Price: decimal.NewFromFloat(0.50)},
		{Ts: 2983, Price: decimal.NewFromFloat(0.50)},
		{Ts: 2984, Price: decimal.NewFromFloat(0.50)},
	}

	h.cycleAt(2900)
	h.cycleAt(2990)
	h.cycleAt(3000)
	trade := h.singleTrade(t)
	require.Equal(t, string(domain.StatusReady), trade.Status)

	require.NoError(t, h.orch.SkipTrade(trade.ID))
	trade, err := h.db.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCancelled), trade.Status)
	assert.Equal(t, string(domain.CancelSkip), trade.CancelReason)
	assert.Equal(t, string(domain.DecisionSkip), trade.Decision)

	// Approving a cancelled trade is rejected.
	assert.Error(t, h.orch.ApproveTrade(trade.ID))
}
