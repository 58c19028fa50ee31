package trading

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/martin-bot/martin/internal/database"
	"github.com/martin-bot/martin/internal/domain"
	"github.com/martin-bot/martin/internal/polymarket"
)

// Executor places the order of a READY trade and reports the fill onto the
// trade record.
type Executor interface {
	PlaceOrder(ctx context.Context, trade *database.Trade, price, stake decimal.Decimal) error
}

// PaperExecutor simulates immediate fills at the limit price. Order IDs carry
// a PAPER_ prefix so they can never be mistaken for exchange IDs.
type PaperExecutor struct{}

func NewPaperExecutor() *PaperExecutor {
	return &PaperExecutor{}
}

func (e *PaperExecutor) PlaceOrder(_ context.Context, trade *database.Trade, price, stake decimal.Decimal) error {
	trade.OrderID = "PAPER_" + uuid.NewString()
	trade.FillStatus = string(domain.FillFilled)
	trade.FillPrice = decimal.NewNullDecimal(price)
	trade.StakeAmount = stake
	log.Info().Uint("trade_id", trade.ID).Str("order_id", trade.OrderID).
		Str("price", price.String()).Str("stake", stake.String()).Msg("Paper order filled")
	return nil
}

// LiveExecutor routes orders through the CLOB.
type LiveExecutor struct {
	clob *polymarket.CLOBClient
}

func NewLiveExecutor(clob *polymarket.CLOBClient) *LiveExecutor {
	return &LiveExecutor{clob: clob}
}

func (e *LiveExecutor) PlaceOrder(ctx context.Context, trade *database.Trade, price, stake decimal.Decimal) error {
	if price.IsZero() {
		return fmt.Errorf("trade %d: zero limit price", trade.ID)
	}
	size := stake.Div(price).Round(4)

	result, err := e.clob.PlaceLimitOrder(ctx, trade.TokenID, "BUY", price, size)
	if err != nil {
		return fmt.Errorf("trade %d: place order: %w", trade.ID, err)
	}

	trade.OrderID = result.OrderID
	trade.StakeAmount = stake
	switch result.Status {
	case "matched", "filled":
		trade.FillStatus = string(domain.FillFilled)
		fill := result.FilledPrice
		if fill.IsZero() {
			fill = price
		}
		trade.FillPrice = decimal.NewNullDecimal(fill)
	case "live", "delayed":
		trade.FillStatus = string(domain.FillPending)
	default:
		trade.FillStatus = string(domain.FillPending)
	}
	return nil
}

// RefreshFill polls a pending live order and updates the trade's fill state.
func (e *LiveExecutor) RefreshFill(ctx context.Context, trade *database.Trade) error {
	result, err := e.clob.GetOrderStatus(ctx, trade.OrderID)
	if err != nil {
		return err
	}
	switch result.Status {
	case "matched", "filled":
		trade.FillStatus = string(domain.FillFilled)
		if !result.FilledPrice.IsZero() {
			trade.FillPrice = decimal.NewNullDecimal(result.FilledPrice)
		}
	case "cancelled":
		trade.FillStatus = string(domain.FillCancelled)
	}
	return nil
}

// ComputePnl returns the realized profit of a settled binary position. A
// winning share redeems at 1.00, so the profit is stake*(1/fill - 1); a loss
// burns the stake.
func ComputePnl(stake, fillPrice decimal.Decimal, isWin bool) decimal.Decimal {
	if !isWin {
		return stake.Neg()
	}
	if fillPrice.IsZero() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	return stake.Mul(one.Div(fillPrice).Sub(one))
}
