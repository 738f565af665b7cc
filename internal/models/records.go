package models

import "time"

// Trade is the audit record for one submitted combo order (open, close, or roll).
type Trade struct {
	ID            int64        `json:"id"`
	PositionID    string       `json:"position_id"`
	Symbol        string       `json:"symbol"`
	Strategy      StrategyKind `json:"strategy"`
	Action        string       `json:"action"` // OPEN | CLOSE | ROLL
	Status        OrderState   `json:"status"`
	SubmittedAt   time.Time    `json:"submitted_at"`
	FilledAt      time.Time    `json:"filled_at,omitempty"`
	LimitPrice    float64      `json:"limit_price"`
	FillPrice     float64      `json:"fill_price,omitempty"`
	Quantity      int          `json:"quantity"`
	FilledQty     int          `json:"filled_qty"`
	RealizedPnL   float64      `json:"realized_pnl,omitempty"`
	VIXAtEntry    float64      `json:"vix_at_entry"`
	RegimeAtEntry Regime       `json:"regime_at_entry"`
	Notes         string       `json:"notes,omitempty"`
}

// ShadowTrade records a rejected candidate together with the features the
// gate saw, so the rejection can be labelled after expiration.
type ShadowTrade struct {
	ID           int64         `json:"id"`
	Symbol       string        `json:"symbol"`
	Strategy     StrategyKind  `json:"strategy"`
	RejectedAt   time.Time     `json:"rejected_at"`
	RejectReason string        `json:"reject_reason"`
	Expiration   time.Time     `json:"expiration"`
	ShortStrike  float64       `json:"short_strike"`
	LongStrike   float64       `json:"long_strike"`
	Credit       float64       `json:"credit"`
	SpotAtReject float64       `json:"spot_at_reject"`
	VIX          float64       `json:"vix"`
	Regime       Regime        `json:"regime"`
	FeaturesJSON string        `json:"features_json,omitempty"`
	Outcome      ShadowOutcome `json:"outcome"`
}

// AIDecision is the per-advisor audit row written for every advisor call
// that influenced a decision.
type AIDecision struct {
	ID             int64     `json:"id"`
	Model          string    `json:"model"`
	DecisionType   string    `json:"decision_type"`
	Recommendation string    `json:"recommendation"`
	Confidence     float64   `json:"confidence"`
	VIX            float64   `json:"vix"`
	Regime         Regime    `json:"regime"`
	CreatedAt      time.Time `json:"created_at"`
}

// CircuitBreakerEvent is a latched trading halt. An event with a zero
// ResetTime is active and blocks every entry path.
type CircuitBreakerEvent struct {
	ID             int64         `json:"id"`
	TriggeredAt    time.Time     `json:"triggered_ts"`
	Reason         BreakerReason `json:"reason"`
	ThresholdValue float64       `json:"threshold_value"`
	ResetTime      time.Time     `json:"reset_ts,omitempty"`
	ResetBy        string        `json:"reset_by,omitempty"`
}

// Active reports whether the event still blocks entries.
func (e CircuitBreakerEvent) Active() bool { return e.ResetTime.IsZero() }

// ExitAdjustment is one row of the trailing-level audit series for a position.
type ExitAdjustment struct {
	ID             int64     `json:"id"`
	PositionID     string    `json:"position_id"`
	AdjustedAt     time.Time `json:"adjusted_at"`
	OldStop        float64   `json:"old_stop"`
	NewStop        float64   `json:"new_stop"`
	OldProfit      float64   `json:"old_profit"`
	NewProfit      float64   `json:"new_profit"`
	StopMultiplier float64   `json:"stop_multiplier"`
	MLConfidence   float64   `json:"ml_confidence"`
	Source         string    `json:"source"` // ML | STATIC | AI_ADVISORY
}

// MarketSnapshot is the volatility backdrop recorded per pipeline pass.
type MarketSnapshot struct {
	Time          time.Time     `json:"ts"`
	VIX           float64       `json:"vix"`
	VIX3M         float64       `json:"vix3m,omitempty"`
	Ratio         float64       `json:"ratio,omitempty"`
	TermStructure TermStructure `json:"term_structure"`
	Regime        Regime        `json:"regime"`
	RegimeMode    ClassifierMode `json:"regime_mode"`
}

// Candidate is transient screener output, never persisted as-is.
type Candidate struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	IVRank    float64 `json:"iv_rank"`
	Volume    int64   `json:"volume"`
	Sector    string  `json:"sector"`
	Sentiment float64 `json:"sentiment,omitempty"` // mean headline sentiment, -1..1
	Score     float64 `json:"score"`
}

// OptionQuote is a single option contract quote with Greeks.
type OptionQuote struct {
	ConID        int64       `json:"con_id"`
	Symbol       string      `json:"symbol"`
	Strike       float64     `json:"strike"`
	Right        OptionRight `json:"right"`
	Expiration   time.Time   `json:"expiration"`
	Bid          float64     `json:"bid"`
	Ask          float64     `json:"ask"`
	Last         float64     `json:"last"`
	Volume       int64       `json:"volume"`
	OpenInterest int64       `json:"open_interest"`
	Delta        float64     `json:"delta"`
	Gamma        float64     `json:"gamma"`
	Theta        float64     `json:"theta"`
	Vega         float64     `json:"vega"`
	ImpliedVol   float64     `json:"implied_vol"`
	Vanna        float64     `json:"vanna,omitempty"`
	DataType     DataType    `json:"data_type"`
}

// Mid returns the bid/ask midpoint, or the last price when the book is empty.
func (q OptionQuote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// SpreadPct returns the bid/ask spread as a fraction of the mid.
func (q OptionQuote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 1
	}
	return (q.Ask - q.Bid) / mid
}

// StockQuote is an underlying quote.
type StockQuote struct {
	Symbol   string   `json:"symbol"`
	Bid      float64  `json:"bid"`
	Ask      float64  `json:"ask"`
	Last     float64  `json:"last"`
	Volume   int64    `json:"volume"`
	DataType DataType `json:"data_type"`
}

// AccountSummary is the broker account snapshot. AvailableFunds, not
// NetLiquidation, drives position sizing.
type AccountSummary struct {
	NetLiquidation     float64 `json:"net_liquidation"`
	AvailableFunds     float64 `json:"available_funds"`
	BuyingPower        float64 `json:"buying_power"`
	TotalCash          float64 `json:"total_cash"`
	GrossPositionValue float64 `json:"gross_position_value"`
}

// PortfolioItem is one option holding reported by the broker, grouped under
// its underlying by the adapter.
type PortfolioItem struct {
	ConID       int64       `json:"con_id"`
	Underlying  string      `json:"underlying"`
	Symbol      string      `json:"symbol"`
	Strike      float64     `json:"strike"`
	Right       OptionRight `json:"right"`
	Expiration  time.Time   `json:"expiration"`
	Quantity    float64     `json:"quantity"` // negative for short
	MarketValue float64     `json:"market_value"`
	AvgCost     float64     `json:"avg_cost"`
}

// Recommendation is the validated advisor payload the engine acts on.
// Unparsable responses never reach this type; they map to a REJECT verdict.
type Recommendation struct {
	Verdict     Verdict      `json:"verdict"`
	Confidence  float64      `json:"confidence_score"` // 1..10
	Strategy    StrategyKind `json:"strategy"`
	ShortStrike float64      `json:"short_strike"`
	LongStrike  float64      `json:"long_strike"`
	Expiration  time.Time    `json:"expiration"`
	LimitPrice  float64      `json:"limit_price"`
	TakeProfit  float64      `json:"take_profit"`
	StopLoss    float64      `json:"stop_loss"`
	Reasoning   string       `json:"reasoning"`
}
