package trading

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/martin-bot/martin/internal/domain"
)

// Control surface for the chat front-end. Decisions are recorded on the
// trade; the next cycle acts on them.

// ApproveTrade records a user OK on a READY trade.
func (o *Orchestrator) ApproveTrade(tradeID uint) error {
	return o.decide(tradeID, domain.DecisionOK)
}

// SkipTrade records a user SKIP and cancels the trade right away.
func (o *Orchestrator) SkipTrade(tradeID uint) error {
	trade, err := o.db.GetTrade(tradeID)
	if err != nil {
		return err
	}
	if trade.Status != string(domain.StatusReady) {
		return fmt.Errorf("trade %d is %s, not READY", tradeID, trade.Status)
	}
	trade.Decision = string(domain.DecisionSkip)
	return o.cancelTrade(trade, domain.CancelSkip)
}

func (o *Orchestrator) decide(tradeID uint, decision domain.Decision) error {
	trade, err := o.db.GetTrade(tradeID)
	if err != nil {
		return err
	}
	if trade.Status != string(domain.StatusReady) {
		return fmt.Errorf("trade %d is %s, not READY", tradeID, trade.Status)
	}
	if trade.Decision != string(domain.DecisionPending) {
		return fmt.Errorf("trade %d already decided: %s", tradeID, trade.Decision)
	}
	trade.Decision = string(decision)
	if err := o.db.UpdateTrade(trade); err != nil {
		return err
	}
	log.Info().Uint("trade_id", tradeID).Str("decision", string(decision)).Msg("Decision recorded")
	return nil
}

// Pause stops the cycle and cancels every pre-order trade. ORDER_PLACED
// trades keep running to settlement, the money is already committed.
func (o *Orchestrator) Pause() error {
	stats, err := o.db.GetStats()
	if err != nil {
		return err
	}
	stats.IsPaused = true
	if err := o.db.SaveStats(stats); err != nil {
		return err
	}

	trades, err := o.db.GetActiveTrades()
	if err != nil {
		return err
	}
	for i := range trades {
		trade := &trades[i]
		if trade.Status == string(domain.StatusOrderPlaced) {
			continue
		}
		if err := o.cancelTrade(trade, domain.CancelPaused); err != nil {
			log.Error().Uint("trade_id", trade.ID).Err(err).Msg("Pause cancel failed")
		}
	}
	log.Info().Msg("Trading paused")
	return nil
}

// Resume clears the pause flag.
func (o *Orchestrator) Resume() error {
	stats, err := o.db.GetStats()
	if err != nil {
		return err
	}
	stats.IsPaused = false
	if err := o.db.SaveStats(stats); err != nil {
		return err
	}
	log.Info().Msg("Trading resumed")
	return nil
}

// SetModeFilter restricts cycles to one time mode. Both false clears the
// restriction.
func (o *Orchestrator) SetModeFilter(dayOnly, nightOnly bool) error {
	if dayOnly && nightOnly {
		return fmt.Errorf("day_only and night_only are mutually exclusive")
	}
	stats, err := o.db.GetStats()
	if err != nil {
		return err
	}
	stats.DayOnly = dayOnly
	stats.NightOnly = nightOnly
	return o.db.SaveStats(stats)
}
