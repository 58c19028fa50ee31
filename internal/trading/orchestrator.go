package trading

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/martin-bot/martin/internal/config"
	"github.com/martin-bot/martin/internal/database"
	"github.com/martin-bot/martin/internal/domain"
	"github.com/martin-bot/martin/internal/polymarket"
	"github.com/martin-bot/martin/internal/ta"
)

// Discovery lists the tradable hourly windows.
type Discovery interface {
	DiscoverWindows(ctx context.Context, assets []string, now int64) ([]polymarket.Window, error)
	FetchOutcome(ctx context.Context, slug string) (domain.Direction, bool, error)
}

// SnapshotSource supplies fresh candle snapshots for TA.
type SnapshotSource interface {
	EnsureFresh(ctx context.Context, asset string) (*Snapshot, error)
}

// TickSource feeds the cap validator.
type TickSource interface {
	GetPriceHistory(ctx context.Context, tokenID string, startTs, endTs int64) ([]polymarket.Tick, error)
}

// Notifier is the chat front-end seen from the engine. Implementations must
// send the trade card exactly once per trade.
type Notifier interface {
	SendTradeCard(trade *database.Trade, window *database.MarketWindow, signal *database.Signal) error
	SendSettlement(trade *database.Trade, window *database.MarketWindow) error
}

// Clock is injected so cycle timing is testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Orchestrator runs the periodic trading cycle: discovery, per-trade
// progression, settlement.
type Orchestrator struct {
	cfg       *config.Config
	db        *database.Database
	discovery Discovery
	ticks     TickSource
	snapshots SnapshotSource
	stats     *StatsService
	executor  Executor
	timeMode  *TimeModeResolver
	notifier  Notifier
	clock     Clock

	cycle  uint64
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewOrchestrator(
	cfg *config.Config,
	db *database.Database,
	discovery Discovery,
	ticks TickSource,
	snapshots SnapshotSource,
	stats *StatsService,
	executor Executor,
	timeMode *TimeModeResolver,
	notifier Notifier,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		db:        db,
		discovery: discovery,
		ticks:     ticks,
		snapshots: snapshots,
		stats:     stats,
		executor:  executor,
		timeMode:  timeMode,
		notifier:  notifier,
		clock:     realClock{},
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// WithClock swaps the time source, used by tests.
func (o *Orchestrator) WithClock(clock Clock) *Orchestrator {
	o.clock = clock
	return o
}

// SetNotifier attaches the chat front-end. The bot needs the orchestrator for
// its callbacks, so wiring happens after both exist.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// Run loops cycles until Stop or context cancellation.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.doneCh)
	log.Info().Dur("interval", o.cfg.CycleInterval).Msg("Orchestrator started")

	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()

	o.RunCycle(ctx)
	for {
		select {
		case <-ticker.C:
			o.RunCycle(ctx)
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) Stop() {
	close(o.stopCh)
	<-o.doneCh
}

// RunCycle executes one full cycle. Per-trade errors are logged and do not
// abort the remaining trades.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	o.cycle++
	now := o.clock.Now().Unix()
	logger := log.With().Uint64("cycle", o.cycle).Logger()

	stats, err := o.db.GetStats()
	if err != nil {
		logger.Error().Err(err).Msg("Cycle aborted, stats unavailable")
		return
	}
	if stats.IsPaused {
		logger.Debug().Msg("Paused, skipping cycle")
		return
	}

	mode := o.timeMode.Classify(now)
	if (stats.DayOnly && mode == domain.TimeModeNight) || (stats.NightOnly && mode == domain.TimeModeDay) {
		logger.Debug().Str("mode", string(mode)).Msg("Time mode disabled, skipping cycle")
		return
	}

	o.runDiscovery(ctx, mode, stats, now)
	o.tickActiveTrades(ctx, mode, stats, now)
	o.settleTrades(ctx, now)
}

func (o *Orchestrator) runDiscovery(ctx context.Context, mode domain.TimeMode, stats *database.Stats, now int64) {
	windows, err := o.discovery.DiscoverWindows(ctx, o.assets(), now)
	if err != nil {
		log.Error().Err(err).Msg("Discovery failed")
		return
	}

	for _, w := range windows {
		window, err := o.db.SaveWindow(&database.MarketWindow{
			Asset:       w.Asset,
			Slug:        w.Slug,
			ConditionID: w.ConditionID,
			UpTokenID:   w.UpTokenID,
			DownTokenID: w.DownTokenID,
			StartTs:     w.StartTs,
			EndTs:       w.EndTs,
		})
		if err != nil {
			log.Error().Str("slug", w.Slug).Err(err).Msg("Persist window failed")
			continue
		}
		if window.IsExpired(now) {
			continue
		}
		if _, err := o.db.GetActiveTradeForWindow(window.ID); err == nil {
			continue
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Uint("window_id", window.ID).Err(err).Msg("Active trade lookup failed")
			continue
		}

		if mode == domain.TimeModeNight && !o.nightAutotradeEnabled() {
			log.Debug().Str("slug", window.Slug).Msg("Night autotrade disabled, not creating trade")
			continue
		}

		trade := &database.Trade{
			WindowID:   window.ID,
			Status:     string(domain.StatusSearchingSignal),
			TimeMode:   string(mode),
			PolicyMode: stats.PolicyMode,
			Decision:   string(domain.DecisionPending),
			FillStatus: string(domain.FillPending),
		}
		if err := o.db.CreateTrade(trade); err != nil {
			log.Error().Str("slug", window.Slug).Err(err).Msg("Create trade failed")
			continue
		}
		log.Info().Uint("trade_id", trade.ID).Str("slug", window.Slug).
			Str("mode", string(mode)).Str("policy", stats.PolicyMode).Msg("Trade created")
	}
}

func (o *Orchestrator) tickActiveTrades(ctx context.Context, mode domain.TimeMode, stats *database.Stats, now int64) {
	trades, err := o.db.GetActiveTrades()
	if err != nil {
		log.Error().Err(err).Msg("Active trade listing failed")
		return
	}

	for i := range trades {
		trade := &trades[i]
		if err := o.tickTrade(ctx, trade, mode, stats, now); err != nil {
			log.Error().Uint("trade_id", trade.ID).Str("status", trade.Status).
				Err(err).Msg("Trade step failed")
		}
	}
}

func (o *Orchestrator) tickTrade(ctx context.Context, trade *database.Trade, mode domain.TimeMode, stats *database.Stats, now int64) error {
	window, err := o.db.GetWindow(trade.WindowID)
	if err != nil {
		return err
	}

	// ORDER_PLACED survives window expiry, settlement picks it up.
	if window.IsExpired(now) && trade.Status != string(domain.StatusOrderPlaced) {
		// A pending cap check gets one final evaluation so the boundary
		// failure reads CAP_FAIL rather than a generic EXPIRED.
		if trade.Status == string(domain.StatusWaitingCap) {
			if err := o.stepWaitingCap(ctx, trade, window, now); err == nil && trade.IsTerminal() {
				return nil
			}
		}
		reason := domain.CancelExpired
		if trade.Status == string(domain.StatusSearchingSignal) {
			reason = domain.CancelNoSignal
			if trade.SawLowQuality {
				reason = domain.CancelLowQuality
			}
		}
		return o.cancelTrade(trade, reason)
	}

	switch domain.TradeStatus(trade.Status) {
	case domain.StatusSearchingSignal:
		return o.stepSearching(ctx, trade, window, mode, stats, now)
	case domain.StatusWaitingConfirm:
		return o.stepWaitingConfirm(trade, now)
	case domain.StatusWaitingCap:
		return o.stepWaitingCap(ctx, trade, window, now)
	case domain.StatusReady:
		return o.stepReady(ctx, trade, now)
	}
	return nil
}

// stepSearching runs TA over the cached snapshot. The compound transition
// through SIGNALLED into WAITING_CONFIRM happens here once quality passes,
// and the trade card goes out exactly once.
func (o *Orchestrator) stepSearching(ctx context.Context, trade *database.Trade, window *database.MarketWindow, mode domain.TimeMode, stats *database.Stats, now int64) error {
	snap, err := o.snapshots.EnsureFresh(ctx, window.Asset)
	if err != nil {
		return err
	}

	sig := ta.DetectSignal(snap.Candles1m, window.StartTs)
	if sig == nil {
		return nil
	}

	confirmTs := sig.SignalTs + int64(o.cfg.ConfirmDelaySeconds)
	if confirmTs >= window.EndTs {
		// A later, earlier-confirming signal cannot exist (first firing
		// wins), but the window may still expire into NO_SIGNAL.
		return nil
	}

	quality, breakdown := ta.ComputeQuality(sig, snap.Candles5m)
	threshold := o.stats.Threshold(mode, domain.PolicyMode(stats.PolicyMode))
	if quality < threshold {
		if !trade.SawLowQuality {
			trade.SawLowQuality = true
			if err := o.db.UpdateTrade(trade); err != nil {
				return err
			}
		}
		log.Debug().Uint("trade_id", trade.ID).Float64("quality", quality).
			Float64("threshold", threshold).Msg("Signal below threshold")
		return nil
	}

	blob, err := json.Marshal(breakdown)
	if err != nil {
		return err
	}
	signal := &database.Signal{
		WindowID:         window.ID,
		Direction:        string(sig.Direction),
		SignalTs:         sig.SignalTs,
		ConfirmTs:        confirmTs,
		Quality:          quality,
		QualityBreakdown: string(blob),
		AnchorBarTs:      sig.AnchorBarTs,
	}
	if err := o.db.CreateSignal(signal); err != nil {
		return err
	}

	tokenID := window.UpTokenID
	if sig.Direction == domain.DirectionDown {
		tokenID = window.DownTokenID
	}

	if err := Transition(trade, domain.StatusSignalled); err != nil {
		return err
	}
	if err := Transition(trade, domain.StatusWaitingConfirm); err != nil {
		return err
	}
	trade.SignalID = &signal.ID
	trade.TokenID = tokenID
	if err := o.db.UpdateTrade(trade); err != nil {
		return err
	}

	log.Info().Uint("trade_id", trade.ID).Str("direction", signal.Direction).
		Float64("quality", quality).Int64("confirm_ts", confirmTs).Msg("Signal qualified")

	if o.notifier != nil {
		if err := o.notifier.SendTradeCard(trade, window, signal); err != nil {
			log.Error().Uint("trade_id", trade.ID).Err(err).Msg("Trade card send failed")
		}
	}
	return nil
}

func (o *Orchestrator) stepWaitingConfirm(trade *database.Trade, now int64) error {
	signal, err := o.db.GetSignal(*trade.SignalID)
	if err != nil {
		return err
	}
	if now < signal.ConfirmTs {
		return nil
	}

	window, err := o.db.GetWindow(trade.WindowID)
	if err != nil {
		return err
	}
	check := o.capValidator().NewCheck(trade.ID, trade.TokenID, signal.ConfirmTs, window.EndTs)
	if err := o.db.CreateCapCheck(check); err != nil {
		return err
	}
	if check.Status == string(domain.CapLate) {
		return o.cancelTrade(trade, domain.CancelLate)
	}

	if err := Transition(trade, domain.StatusWaitingCap); err != nil {
		return err
	}
	return o.db.UpdateTrade(trade)
}

func (o *Orchestrator) stepWaitingCap(ctx context.Context, trade *database.Trade, window *database.MarketWindow, now int64) error {
	check, err := o.db.GetCapCheckForTrade(trade.ID)
	if err != nil {
		return err
	}

	ticks, err := o.ticks.GetPriceHistory(ctx, check.TokenID, check.ConfirmTs, window.EndTs)
	if err != nil {
		// Fetch failures never touch the check, the next cycle retries.
		return err
	}

	status := o.capValidator().Evaluate(check, ticks, now)
	if err := o.db.UpdateCapCheck(check); err != nil {
		return err
	}

	switch status {
	case domain.CapPass:
		if err := Transition(trade, domain.StatusReady); err != nil {
			return err
		}
		trade.ReadyTs = now
		return o.db.UpdateTrade(trade)
	case domain.CapFail:
		return o.cancelTrade(trade, domain.CancelCapFail)
	case domain.CapLate:
		return o.cancelTrade(trade, domain.CancelLate)
	}
	return nil
}

// stepReady resolves the decision. NIGHT trades auto-approve when night
// autotrade is on; DAY trades wait for the user up to max_response_seconds.
func (o *Orchestrator) stepReady(ctx context.Context, trade *database.Trade, now int64) error {
	switch domain.Decision(trade.Decision) {
	case domain.DecisionSkip, domain.DecisionAutoSkip:
		return o.cancelTrade(trade, domain.CancelSkip)
	case domain.DecisionOK, domain.DecisionAutoOK:
		return o.placeOrder(ctx, trade, now)
	}

	if trade.TimeMode == string(domain.TimeModeNight) {
		if !o.nightAutotradeEnabled() {
			return o.cancelTrade(trade, domain.CancelNightDisabled)
		}
		trade.Decision = string(domain.DecisionAutoOK)
		if err := o.db.UpdateTrade(trade); err != nil {
			return err
		}
		return o.placeOrder(ctx, trade, now)
	}

	if trade.ReadyTs > 0 && now-trade.ReadyTs >= int64(o.cfg.MaxResponseSeconds) {
		trade.Decision = string(domain.DecisionAutoSkip)
		log.Info().Uint("trade_id", trade.ID).Msg("No response, auto-skipping")
		return o.cancelTrade(trade, domain.CancelSkip)
	}
	return nil
}

func (o *Orchestrator) placeOrder(ctx context.Context, trade *database.Trade, now int64) error {
	stake := o.stakeAmount()
	if err := o.executor.PlaceOrder(ctx, trade, o.priceCap(), stake); err != nil {
		return err
	}
	if err := Transition(trade, domain.StatusOrderPlaced); err != nil {
		return err
	}
	return o.db.UpdateTrade(trade)
}

// settleTrades resolves every ORDER_PLACED trade whose window outcome is
// known. Failures leave the trade in ORDER_PLACED for the next cycle.
func (o *Orchestrator) settleTrades(ctx context.Context, now int64) {
	trades, err := o.db.GetTradesByStatus(domain.StatusOrderPlaced)
	if err != nil {
		log.Error().Err(err).Msg("Settlement listing failed")
		return
	}

	for i := range trades {
		trade := &trades[i]
		if err := o.settleTrade(ctx, trade, now); err != nil {
			log.Warn().Uint("trade_id", trade.ID).Err(err).Msg("Settlement deferred")
		}
	}
}

func (o *Orchestrator) settleTrade(ctx context.Context, trade *database.Trade, now int64) error {
	window, err := o.db.GetWindow(trade.WindowID)
	if err != nil {
		return err
	}
	if !window.IsExpired(now) {
		return nil
	}

	if window.Outcome == "" {
		outcome, resolved, err := o.discovery.FetchOutcome(ctx, window.Slug)
		if err != nil {
			return err
		}
		if !resolved {
			return nil
		}
		if err := o.db.SetWindowOutcome(window.ID, outcome); err != nil {
			return err
		}
		window.Outcome = string(outcome)
	}

	signal, err := o.db.GetSignal(*trade.SignalID)
	if err != nil {
		return err
	}

	isWin := signal.Direction == window.Outcome
	fillPrice := decimal.Zero
	if trade.FillPrice.Valid {
		fillPrice = trade.FillPrice.Decimal
	}
	pnl := ComputePnl(trade.StakeAmount, fillPrice, isWin)

	trade.IsWin = &isWin
	trade.Pnl = decimal.NewNullDecimal(pnl)
	if err := Transition(trade, domain.StatusSettled); err != nil {
		return err
	}

	if _, err := o.stats.OnTradeSettled(trade, isWin, o.nightSessionMode()); err != nil {
		return err
	}
	if err := o.db.UpdateTrade(trade); err != nil {
		return err
	}

	log.Info().Uint("trade_id", trade.ID).Bool("is_win", isWin).
		Str("pnl", pnl.String()).Str("outcome", window.Outcome).Msg("Trade settled")

	if o.notifier != nil {
		if err := o.notifier.SendSettlement(trade, window); err != nil {
			log.Error().Uint("trade_id", trade.ID).Err(err).Msg("Settlement notice failed")
		}
	}
	return nil
}

func (o *Orchestrator) cancelTrade(trade *database.Trade, reason domain.CancelReason) error {
	if err := Cancel(trade, reason); err != nil {
		return err
	}
	if err := o.db.UpdateTrade(trade); err != nil {
		return err
	}
	log.Info().Uint("trade_id", trade.ID).Str("reason", string(reason)).Msg("Trade cancelled")
	return nil
}

// Settings below are read through the store so UI changes apply on the next
// cycle without a restart.

func (o *Orchestrator) assets() []string {
	return o.cfg.Assets
}

// capValidator is rebuilt per use so a runtime price cap change applies to
// validation and order pricing alike.
func (o *Orchestrator) capValidator() *CapValidator {
	return NewCapValidator(o.priceCap(), o.cfg.CapMinTicks)
}

func (o *Orchestrator) priceCap() decimal.Decimal {
	if v, ok := o.db.GetSetting("trading.price_cap"); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return o.cfg.PriceCap
}

func (o *Orchestrator) stakeAmount() decimal.Decimal {
	if v, ok := o.db.GetSetting("risk.stake.base_amount_usdc"); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return o.cfg.BaseStakeUSDC
}

func (o *Orchestrator) nightAutotradeEnabled() bool {
	if v, ok := o.db.GetSetting("day_night.night_autotrade_enabled"); ok {
		return v == "true" || v == "1"
	}
	return o.cfg.NightAutotradeEnabled
}

func (o *Orchestrator) nightSessionMode() domain.NightSessionMode {
	if v, ok := o.db.GetSetting("day_night.night_session_mode"); ok {
		switch v {
		case "SOFT":
			return domain.NightSoftReset
		case "HARD":
			return domain.NightHardReset
		case "OFF":
			return domain.NightOff
		}
	}
	return domain.NightSessionMode(o.cfg.NightSessionMode)
}
