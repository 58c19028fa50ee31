package trading

import (
	"github.com/shopspring/decimal"

	"github.com/martin-bot/martin/internal/database"
	"github.com/martin-bot/martin/internal/domain"
	"github.com/martin-bot/martin/internal/polymarket"
)

// CapValidator decides whether an outcome token traded at or under the price
// cap for enough consecutive ticks before the window closed.
type CapValidator struct {
	cap      decimal.Decimal
	minTicks int
}

func NewCapValidator(cap decimal.Decimal, minTicks int) *CapValidator {
	return &CapValidator{cap: cap, minTicks: minTicks}
}

// NewCheck builds the bookkeeping row for a trade. A confirm time at or past
// the window end can never collect ticks and is LATE immediately.
func (v *CapValidator) NewCheck(tradeID uint, tokenID string, confirmTs, endTs int64) *database.CapCheck {
	check := &database.CapCheck{
		TradeID:   tradeID,
		TokenID:   tokenID,
		ConfirmTs: confirmTs,
		EndTs:     endTs,
		Status:    string(domain.CapPending),
	}
	if confirmTs >= endTs {
		check.Status = string(domain.CapLate)
	}
	return check
}

// Evaluate recomputes the check from the full tick history. It is a pure
// recompute: feeding the same ticks again yields the same result, and a
// terminal status never changes. Ticks before the confirm time are ignored
// outright; a tick exactly at the confirm time counts. A price equal to the
// cap passes. FAIL is only declared once the window has ended.
func (v *CapValidator) Evaluate(check *database.CapCheck, ticks []polymarket.Tick, currentTs int64) domain.CapStatus {
	status := domain.CapStatus(check.Status)
	if status != domain.CapPending {
		return status
	}

	consecutive := 0
	var runStart polymarket.Tick
	for _, tick := range ticks {
		if tick.Ts < check.ConfirmTs {
			continue
		}
		if tick.Price.LessThanOrEqual(v.cap) {
			if consecutive == 0 {
				runStart = tick
			}
			consecutive++
			if consecutive >= v.minTicks {
				// The pass is attributed to the qualifying run's first tick.
				check.Status = string(domain.CapPass)
				check.ConsecutiveTicks = consecutive
				ts := runStart.Ts
				check.FirstPassTs = &ts
				check.PriceAtPass = decimal.NewNullDecimal(runStart.Price)
				return domain.CapPass
			}
		} else {
			consecutive = 0
		}
	}

	check.ConsecutiveTicks = consecutive
	if currentTs >= check.EndTs {
		check.Status = string(domain.CapFail)
		return domain.CapFail
	}
	return domain.CapPending
}
