// Package models defines the core value types shared across the engine:
// positions and their legs, audit records, market snapshots, and the closed
// enums used to tag them.
package models

// StrategyKind identifies the multi-leg structure a position was opened with.
type StrategyKind string

const (
	// StrategyIronCondor is a four-leg short-premium structure with call and put credit spreads.
	StrategyIronCondor StrategyKind = "IRON_CONDOR"
	// StrategyIronButterfly is an ATM short straddle with protective wings.
	StrategyIronButterfly StrategyKind = "IRON_BUTTERFLY"
	// StrategyVerticalCreditCall is a short call vertical collected for a credit.
	StrategyVerticalCreditCall StrategyKind = "VERTICAL_CREDIT_CALL"
	// StrategyVerticalCreditPut is a short put vertical collected for a credit.
	StrategyVerticalCreditPut StrategyKind = "VERTICAL_CREDIT_PUT"
	// StrategyVerticalDebitCall is a long call vertical paid for with a debit.
	StrategyVerticalDebitCall StrategyKind = "VERTICAL_DEBIT_CALL"
	// StrategyVerticalDebitPut is a long put vertical paid for with a debit.
	StrategyVerticalDebitPut StrategyKind = "VERTICAL_DEBIT_PUT"
	// StrategyCalendar sells a near-term option and buys a far-term option at the same strike.
	StrategyCalendar StrategyKind = "CALENDAR"
	// StrategyPMCC is a poor-man's covered call (long deep ITM LEAP, short near-term call).
	StrategyPMCC StrategyKind = "PMCC"
	// StrategyJadeLizard combines a short put with a short call vertical.
	StrategyJadeLizard StrategyKind = "JADE_LIZARD"
)

// Valid returns true if the StrategyKind is one of the defined constants.
func (s StrategyKind) Valid() bool {
	switch s {
	case StrategyIronCondor, StrategyIronButterfly,
		StrategyVerticalCreditCall, StrategyVerticalCreditPut,
		StrategyVerticalDebitCall, StrategyVerticalDebitPut,
		StrategyCalendar, StrategyPMCC, StrategyJadeLizard:
		return true
	default:
		return false
	}
}

// IsCredit returns true for strategies that collect net premium at entry.
func (s StrategyKind) IsCredit() bool {
	switch s {
	case StrategyIronCondor, StrategyIronButterfly,
		StrategyVerticalCreditCall, StrategyVerticalCreditPut,
		StrategyJadeLizard:
		return true
	default:
		return false
	}
}

// IsShortVega returns true for strategies hurt by rising implied volatility.
func (s StrategyKind) IsShortVega() bool {
	return s.IsCredit()
}

// PositionStatus is the lifecycle state of a persisted position.
type PositionStatus string

const (
	// StatusOpen marks a position with live legs at the broker.
	StatusOpen PositionStatus = "OPEN"
	// StatusClosed marks a position closed by this engine.
	StatusClosed PositionStatus = "CLOSED"
	// StatusClosedExternally marks a position the reconciler found missing at the broker.
	StatusClosedExternally PositionStatus = "CLOSED_EXTERNALLY"
	// StatusRolled marks a position replaced by a successor via an atomic roll.
	StatusRolled PositionStatus = "ROLLED"
)

// Valid returns true if the PositionStatus is one of the defined constants.
func (s PositionStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusClosedExternally, StatusRolled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the position lifecycle.
// ROLLED is terminal for this row but opens a successor position.
func (s PositionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusClosedExternally || s == StatusRolled
}

// LegAction is the side of a single option leg.
type LegAction string

const (
	// ActionBuy opens or closes a long leg.
	ActionBuy LegAction = "BUY"
	// ActionSell opens or closes a short leg.
	ActionSell LegAction = "SELL"
)

// Reverse returns the opposite action, used when building closing combos.
func (a LegAction) Reverse() LegAction {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// Sign returns +1 for BUY and -1 for SELL, the multiplier applied when
// aggregating signed leg deltas into a position delta.
func (a LegAction) Sign() float64 {
	if a == ActionBuy {
		return 1
	}
	return -1
}

// OptionRight is the option type of a leg or quote.
type OptionRight string

const (
	// RightCall is a call option.
	RightCall OptionRight = "C"
	// RightPut is a put option.
	RightPut OptionRight = "P"
)

// Valid returns true if the OptionRight is C or P.
func (r OptionRight) Valid() bool { return r == RightCall || r == RightPut }

// DataType tags a quote with the market-data entitlement it was served under.
type DataType string

const (
	// DataRealTime is streaming real-time data.
	DataRealTime DataType = "REAL_TIME"
	// DataFrozen is the last real-time snapshot before close.
	DataFrozen DataType = "FROZEN"
	// DataDelayed is 15-minute delayed data.
	DataDelayed DataType = "DELAYED"
	// DataDelayedFrozen is delayed frozen data.
	DataDelayedFrozen DataType = "DELAYED_FROZEN"
)

// Delayed reports whether the quote must be refused when delayed data is disallowed.
func (d DataType) Delayed() bool {
	return d == DataDelayed || d == DataDelayedFrozen
}

// Regime is the classified market regime.
type Regime string

const (
	// RegimeBullTrending is a low-volatility uptrend.
	RegimeBullTrending Regime = "BULL_TRENDING"
	// RegimeBearTrending is an elevated-volatility downtrend.
	RegimeBearTrending Regime = "BEAR_TRENDING"
	// RegimeHighVolNeutral is a rangebound market with elevated volatility.
	RegimeHighVolNeutral Regime = "HIGH_VOL_NEUTRAL"
	// RegimeLowVolNeutral is a rangebound market with subdued volatility.
	RegimeLowVolNeutral Regime = "LOW_VOL_NEUTRAL"
	// RegimeExtremeStress is a panic regime in which no new premium is sold.
	RegimeExtremeStress Regime = "EXTREME_STRESS"
)

// Valid returns true if the Regime is one of the defined constants.
func (r Regime) Valid() bool {
	switch r {
	case RegimeBullTrending, RegimeBearTrending, RegimeHighVolNeutral,
		RegimeLowVolNeutral, RegimeExtremeStress:
		return true
	default:
		return false
	}
}

// ClassifierMode tags a regime classification with the model that produced it.
type ClassifierMode string

const (
	// ModeML means a trained model produced the classification.
	ModeML ClassifierMode = "ML"
	// ModeRuleBased means the deterministic fallback rules produced it.
	ModeRuleBased ClassifierMode = "RULE_BASED"
)

// TermStructure is the VIX/VIX3M relationship.
type TermStructure string

const (
	// TermContango means near-term volatility is cheaper than longer-dated (ratio < 1).
	TermContango TermStructure = "CONTANGO"
	// TermBackwardation means near-term volatility trades above longer-dated (ratio > 1).
	TermBackwardation TermStructure = "BACKWARDATION"
	// TermUnknown means the VIX3M leg was unavailable.
	TermUnknown TermStructure = "UNKNOWN"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	// ExitProfitTarget is the static profit target.
	ExitProfitTarget ExitReason = "PROFIT_TARGET"
	// ExitTrailingProfit is the model-adjusted trailing profit level.
	ExitTrailingProfit ExitReason = "TRAILING_PROFIT"
	// ExitStopLoss is the static stop loss.
	ExitStopLoss ExitReason = "STOP_LOSS"
	// ExitTrailingStop is the model-adjusted trailing stop.
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	// ExitTime is the DTE-based time exit.
	ExitTime ExitReason = "TIME_EXIT"
	// ExitAIOverride is an advisor-forced immediate exit.
	ExitAIOverride ExitReason = "AI_OVERRIDE_EXIT"
	// ExitReconciliation marks positions the reconciler found closed at the broker.
	ExitReconciliation ExitReason = "Reconciliation"
	// ExitRolled marks positions replaced by an atomic roll.
	ExitRolled ExitReason = "ROLLED"
)

// Urgent reports whether the close order should go out at market rather than
// at the mid-price limit.
func (r ExitReason) Urgent() bool {
	return r == ExitTime || r == ExitAIOverride
}

// ShadowOutcome labels a rejected candidate after its expiration settles.
type ShadowOutcome string

const (
	// ShadowPending means the candidate's expiration has not settled yet.
	ShadowPending ShadowOutcome = "PENDING"
	// ShadowGoodReject means the rejected trade would have lost money.
	ShadowGoodReject ShadowOutcome = "GOOD_REJECT"
	// ShadowMissedOpportunity means the rejected trade would have been profitable.
	ShadowMissedOpportunity ShadowOutcome = "MISSED_OPPORTUNITY"
	// ShadowNeutral means the rejected trade would have been roughly flat.
	ShadowNeutral ShadowOutcome = "NEUTRAL"
)

// BreakerReason is the cause of a circuit-breaker trip.
type BreakerReason string

const (
	// BreakerDailyMaxLoss trips when realized daily P/L breaches the configured floor.
	BreakerDailyMaxLoss BreakerReason = "DAILY_MAX_LOSS"
	// BreakerConsecutiveLosses trips after N losing closes in a row.
	BreakerConsecutiveLosses BreakerReason = "CONSECUTIVE_LOSSES"
	// BreakerManual is an operator-initiated halt.
	BreakerManual BreakerReason = "MANUAL"
)

// OrderState is the lifecycle state of a submitted combo order.
type OrderState string

const (
	// OrderSubmitted means the order is live at the broker.
	OrderSubmitted OrderState = "Submitted"
	// OrderPartiallyFilled means some quantity executed; on a BAG this is a
	// broker inconsistency and is escalated.
	OrderPartiallyFilled OrderState = "PartiallyFilled"
	// OrderFilled means all legs executed.
	OrderFilled OrderState = "Filled"
	// OrderCancelled means the order was cancelled before filling.
	OrderCancelled OrderState = "Cancelled"
	// OrderInactive means the broker deactivated the order.
	OrderInactive OrderState = "Inactive"
)

// Terminal reports whether the order state is final.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderInactive
}

// Verdict is the normalized advisor recommendation.
type Verdict string

const (
	// VerdictApprove approves the proposed trade.
	VerdictApprove Verdict = "APPROVE"
	// VerdictReject rejects the proposed trade.
	VerdictReject Verdict = "REJECT"
	// VerdictRevise approves with modified parameters.
	VerdictRevise Verdict = "REVISE"
)
