// Package trading contains the per-window lifecycle: state machine, cap
// validator, stats and policy escalation, execution and the cycle
// orchestrator that drives them.
package trading

import (
	"fmt"

	"github.com/martin-bot/martin/internal/database"
	"github.com/martin-bot/martin/internal/domain"
)

// TransitionError is an attempted move the lifecycle does not allow.
type TransitionError struct {
	TradeID uint
	From    domain.TradeStatus
	To      domain.TradeStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("trade %d: illegal transition %s -> %s", e.TradeID, e.From, e.To)
}

// allowedTransitions is the full lifecycle graph. CANCELLED and ERROR are
// reachable from every non-terminal state and are absent here because
// Transition special-cases them.
var allowedTransitions = map[domain.TradeStatus][]domain.TradeStatus{
	domain.StatusNew:             {domain.StatusSearchingSignal},
	domain.StatusSearchingSignal: {domain.StatusSignalled},
	domain.StatusSignalled:       {domain.StatusWaitingConfirm},
	domain.StatusWaitingConfirm:  {domain.StatusWaitingCap},
	domain.StatusWaitingCap:      {domain.StatusReady},
	domain.StatusReady:           {domain.StatusOrderPlaced},
	domain.StatusOrderPlaced:     {domain.StatusSettled},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to domain.TradeStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == domain.StatusCancelled || to == domain.StatusError {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the move and mutates the in-memory trade. Callers
// persist afterwards; a returned error leaves the trade untouched.
func Transition(trade *database.Trade, to domain.TradeStatus) error {
	from := domain.TradeStatus(trade.Status)
	if !CanTransition(from, to) {
		return &TransitionError{TradeID: trade.ID, From: from, To: to}
	}
	trade.Status = string(to)
	return nil
}

// Cancel moves the trade to CANCELLED with exactly one reason.
func Cancel(trade *database.Trade, reason domain.CancelReason) error {
	if err := Transition(trade, domain.StatusCancelled); err != nil {
		return err
	}
	trade.CancelReason = string(reason)
	return nil
}
