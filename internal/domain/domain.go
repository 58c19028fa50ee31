// Package domain defines the enumerated states and value objects shared by
// the trading engine, the store and the Telegram front-end.
package domain

// Direction of a detected signal and of a market outcome.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// PolicyMode selects which quality threshold applies.
type PolicyMode string

const (
	PolicyBase   PolicyMode = "BASE"
	PolicyStrict PolicyMode = "STRICT"
)

// TimeMode classifies the local hour as day or night.
type TimeMode string

const (
	TimeModeDay   TimeMode = "DAY"
	TimeModeNight TimeMode = "NIGHT"
)

// TradeStatus is the per-window lifecycle state.
type TradeStatus string

const (
	StatusNew             TradeStatus = "NEW"
	StatusSearchingSignal TradeStatus = "SEARCHING_SIGNAL"
	StatusSignalled       TradeStatus = "SIGNALLED"
	StatusWaitingConfirm  TradeStatus = "WAITING_CONFIRM"
	StatusWaitingCap      TradeStatus = "WAITING_CAP"
	StatusReady           TradeStatus = "READY"
	StatusOrderPlaced     TradeStatus = "ORDER_PLACED"
	StatusSettled         TradeStatus = "SETTLED"
	StatusCancelled       TradeStatus = "CANCELLED"
	StatusError           TradeStatus = "ERROR"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TradeStatus) IsTerminal() bool {
	return s == StatusSettled || s == StatusCancelled || s == StatusError
}

// CapStatus is the outcome of the price-cap validator.
type CapStatus string

const (
	CapPending CapStatus = "PENDING"
	CapPass    CapStatus = "PASS"
	CapFail    CapStatus = "FAIL"
	CapLate    CapStatus = "LATE"
)

// FillStatus mirrors the exchange order state.
type FillStatus string

const (
	FillPending   FillStatus = "PENDING"
	FillFilled    FillStatus = "FILLED"
	FillPartial   FillStatus = "PARTIAL"
	FillRejected  FillStatus = "REJECTED"
	FillCancelled FillStatus = "CANCELLED"
)

// Decision records who approved or declined a READY trade.
type Decision string

const (
	DecisionPending  Decision = "PENDING"
	DecisionOK       Decision = "OK"
	DecisionAutoOK   Decision = "AUTO_OK"
	DecisionSkip     Decision = "SKIP"
	DecisionAutoSkip Decision = "AUTO_SKIP"
)

// CancelReason explains a CANCELLED terminal state. Exactly one is set.
type CancelReason string

const (
	CancelNoSignal      CancelReason = "NO_SIGNAL"
	CancelLowQuality    CancelReason = "LOW_QUALITY"
	CancelSkip          CancelReason = "SKIP"
	CancelExpired       CancelReason = "EXPIRED"
	CancelLate          CancelReason = "LATE"
	CancelCapFail       CancelReason = "CAP_FAIL"
	CancelPaused        CancelReason = "PAUSED"
	CancelNightDisabled CancelReason = "NIGHT_DISABLED"
)

// NightSessionMode controls what a night session reset clears.
//
//	OFF:  night autotrade disabled, the series freezes overnight
//	SOFT: reset only night_streak
//	HARD: reset night_streak and trade_level_streak
type NightSessionMode string

const (
	NightOff       NightSessionMode = "OFF"
	NightSoftReset NightSessionMode = "SOFT"
	NightHardReset NightSessionMode = "HARD"
)

// QualityBreakdown preserves every intermediate of the quality score so the
// stored blob can be asserted component by component.
type QualityBreakdown struct {
	AnchorPrice        float64 `json:"anchor_price"`
	SignalPrice        float64 `json:"signal_price"`
	RetFromAnchor      float64 `json:"ret_from_anchor"`
	EdgeComponent      float64 `json:"edge_component"`
	EdgePenaltyApplied bool    `json:"edge_penalty_applied"`
	ADXValue           float64 `json:"adx_value"`
	EMA50Slope         float64 `json:"ema50_slope"`
	QSlope             float64 `json:"q_slope"`
	TrendMult          float64 `json:"trend_mult"`
	TrendConfirms      bool    `json:"trend_confirms"`
	WAnchor            float64 `json:"w_anchor"`
	WADX               float64 `json:"w_adx"`
	WSlope             float64 `json:"w_slope"`
	FinalQuality       float64 `json:"final_quality"`
}
