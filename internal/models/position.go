package models

import (
	"fmt"
	"math"
	"time"
)

// SharesPerContract is the standard US equity option multiplier.
const SharesPerContract = 100.0

// Leg is a single option contract within a position.
type Leg struct {
	PositionID     string      `json:"position_id"`
	ContractSymbol string      `json:"contract_symbol"`
	Action         LegAction   `json:"action"`
	Strike         float64     `json:"strike"`
	Right          OptionRight `json:"right"`
	Quantity       int         `json:"quantity"`
	EntryPrice     float64     `json:"entry_price"`
	ConID          int64       `json:"con_id"`
}

// ExitState carries the ML-assisted trailing levels for an open position.
type ExitState struct {
	TrailingStop      float64   `json:"trailing_stop"`
	TrailingProfit    float64   `json:"trailing_profit"`
	HighestProfitSeen float64   `json:"highest_profit_seen"`
	StopMultiplier    float64   `json:"stop_multiplier"`
	ProfitTargetPct   float64   `json:"profit_target_pct"`
	MLConfidence      float64   `json:"ml_confidence"`
	MLLastUpdate      time.Time `json:"ml_last_update"`
}

// Position is a multi-leg option position and its lifecycle state.
//
// EntryCredit is positive for credit strategies and negative (a recorded
// debit) for debit strategies. All times are stored in UTC.
type Position struct {
	ID          string         `json:"id"`
	Symbol      string         `json:"symbol"`
	Strategy    StrategyKind   `json:"strategy"`
	EntryTime   time.Time      `json:"entry_ts"`
	Expiration  time.Time      `json:"expiration"`
	Contracts   int            `json:"contracts"`
	EntryCredit float64        `json:"entry_credit"`
	MaxRisk     float64        `json:"max_risk"`
	Status      PositionStatus `json:"status"`
	Legs        []Leg          `json:"legs"`

	ExitTime    time.Time  `json:"exit_ts,omitempty"`
	ExitPrice   float64    `json:"exit_price,omitempty"`
	ExitReason  ExitReason `json:"exit_reason,omitempty"`
	RealizedPnL float64    `json:"realized_pnl,omitempty"`

	VIXEntry    float64 `json:"vix_entry"`
	RegimeEntry Regime  `json:"regime_entry"`

	Exit ExitState `json:"exit_state"`
}

// NewPosition creates an OPEN position with the given legs and snapshot fields.
func NewPosition(id, symbol string, strategy StrategyKind, legs []Leg,
	expiration time.Time, contracts int, entryCredit, maxRisk float64) *Position {
	for i := range legs {
		legs[i].PositionID = id
	}
	return &Position{
		ID:          id,
		Symbol:      symbol,
		Strategy:    strategy,
		Expiration:  expiration,
		Contracts:   contracts,
		EntryCredit: entryCredit,
		MaxRisk:     maxRisk,
		Status:      StatusOpen,
		Legs:        legs,
		EntryTime:   time.Now().UTC(),
	}
}

// Validate checks the structural invariants every persisted position must hold.
func (p *Position) Validate() error {
	if !p.Strategy.Valid() {
		return fmt.Errorf("position %s: unknown strategy %q", p.ID, p.Strategy)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("position %s: unknown status %q", p.ID, p.Status)
	}
	if p.Contracts <= 0 {
		return fmt.Errorf("position %s: contracts must be > 0 (got %d)", p.ID, p.Contracts)
	}
	if p.MaxRisk <= 0 {
		return fmt.Errorf("position %s: max_risk must be > 0 (got %.2f)", p.ID, p.MaxRisk)
	}
	if p.Strategy.IsCredit() && p.EntryCredit < 0 {
		return fmt.Errorf("position %s: credit strategy recorded a debit (%.4f)", p.ID, p.EntryCredit)
	}
	if len(p.Legs) < 2 {
		return fmt.Errorf("position %s: a position requires at least 2 legs (got %d)", p.ID, len(p.Legs))
	}
	for i, leg := range p.Legs {
		if leg.Quantity <= 0 {
			return fmt.Errorf("position %s leg %d: quantity must be > 0", p.ID, i)
		}
		if !leg.Right.Valid() {
			return fmt.Errorf("position %s leg %d: invalid right %q", p.ID, i, leg.Right)
		}
		if leg.Action != ActionBuy && leg.Action != ActionSell {
			return fmt.Errorf("position %s leg %d: invalid action %q", p.ID, i, leg.Action)
		}
	}
	// Non-calendar structures keep every leg on the same expiration; the
	// expiration field carries the shared (or near-term) expiry either way.
	if p.Status.Terminal() && p.Status != StatusRolled {
		if p.Status == StatusClosed && p.ExitReason == "" {
			return fmt.Errorf("position %s: closed without an exit reason", p.ID)
		}
	}
	return nil
}

// DTE returns whole days until expiration, floored at zero.
func (p *Position) DTE(now time.Time) int {
	d := int(p.Expiration.UTC().Truncate(24*time.Hour).Sub(now.UTC().Truncate(24*time.Hour)).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// Delta aggregates the signed per-leg deltas into the position delta.
// BUY legs contribute positively, SELL legs negatively.
func (p *Position) Delta(legDeltas map[int64]float64) float64 {
	var total float64
	for _, leg := range p.Legs {
		total += leg.Action.Sign() * legDeltas[leg.ConID] * float64(leg.Quantity)
	}
	return total
}

// ShortLeg returns the short leg with the given right, or nil.
func (p *Position) ShortLeg(right OptionRight) *Leg {
	for i := range p.Legs {
		if p.Legs[i].Action == ActionSell && p.Legs[i].Right == right {
			return &p.Legs[i]
		}
	}
	return nil
}

// LongLeg returns the long leg with the given right, or nil.
func (p *Position) LongLeg(right OptionRight) *Leg {
	for i := range p.Legs {
		if p.Legs[i].Action == ActionBuy && p.Legs[i].Right == right {
			return &p.Legs[i]
		}
	}
	return nil
}

// Width returns the strike width between the short and long legs of the given
// right, or zero when either leg is absent.
func (p *Position) Width(right OptionRight) float64 {
	short, long := p.ShortLeg(right), p.LongLeg(right)
	if short == nil || long == nil {
		return 0
	}
	return math.Abs(long.Strike - short.Strike)
}

// UnrealizedPnL converts a per-contract close price into dollars of P/L.
// For credit positions profit is entry credit minus the cost to close.
func (p *Position) UnrealizedPnL(currentPrice float64) float64 {
	return (p.EntryCredit - currentPrice) * float64(p.Contracts) * SharesPerContract
}

// ProfitRatio returns |P/L| relative to max risk, used to trigger the AI
// second-opinion threshold.
func (p *Position) ProfitRatio(currentPrice float64) float64 {
	if p.MaxRisk == 0 {
		return 0
	}
	return math.Abs(p.UnrealizedPnL(currentPrice)) / p.MaxRisk
}
