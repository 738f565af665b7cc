// Package strategy builds defined-risk multi-leg option structures from a
// filtered chain and sizes them against the account.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/models"
)

// Proposal is a fully built and sized structure ready for the risk gates.
type Proposal struct {
	Symbol     string
	Strategy   models.StrategyKind
	Legs       []models.Leg
	Quotes     []models.OptionQuote // one per leg, same order
	Credit     float64              // per-contract net credit; negative for debit structures
	Width      float64
	Expiration time.Time
	Contracts  int
	MaxRisk    float64 // total dollars at risk
	Score      float64
	SpotPrice  float64
}

// Builder constructs proposals from a chain snapshot.
type Builder struct {
	trading config.TradingConfig
	greeks  config.GreeksConfig
	log     zerolog.Logger
}

func NewBuilder(trading config.TradingConfig, greeks config.GreeksConfig, log zerolog.Logger) *Builder {
	return &Builder{
		trading: trading,
		greeks:  greeks,
		log:     log.With().Str("component", "strategy").Logger(),
	}
}

// chainIndex organizes quotes by expiration, right, and strike for exact
// strike lookups. A spread width that does not land on a traded strike is
// rejected by the lookup failing.
type chainIndex struct {
	byKey    map[chainKey]models.OptionQuote
	expiries []time.Time
}

type chainKey struct {
	expiration time.Time
	right      models.OptionRight
	strike     float64
}

func indexChain(chain []models.OptionQuote) *chainIndex {
	idx := &chainIndex{byKey: make(map[chainKey]models.OptionQuote, len(chain))}
	seen := make(map[time.Time]bool)
	for _, q := range chain {
		idx.byKey[chainKey{q.Expiration, q.Right, q.Strike}] = q
		if !seen[q.Expiration] {
			seen[q.Expiration] = true
			idx.expiries = append(idx.expiries, q.Expiration)
		}
	}
	sort.Slice(idx.expiries, func(i, j int) bool { return idx.expiries[i].Before(idx.expiries[j]) })
	return idx
}

func (c *chainIndex) get(exp time.Time, right models.OptionRight, strike float64) (models.OptionQuote, bool) {
	q, ok := c.byKey[chainKey{exp, right, strike}]
	return q, ok
}

func (c *chainIndex) strikes(exp time.Time, right models.OptionRight) []float64 {
	var ss []float64
	for k := range c.byKey {
		if k.expiration.Equal(exp) && k.right == right {
			ss = append(ss, k.strike)
		}
	}
	sort.Float64s(ss)
	return ss
}

// Build constructs the best proposal of the given kind, or an error when no
// structure satisfies the constraints. The chain must already be filtered to
// the configured DTE window.
func (b *Builder) Build(kind models.StrategyKind, symbol string, spot, availableFunds float64, chain []models.OptionQuote) (Proposal, error) {
	idx := indexChain(chain)
	if len(idx.expiries) == 0 {
		return Proposal{}, fmt.Errorf("strategy: empty chain for %s", symbol)
	}
	switch kind {
	case models.StrategyVerticalCreditCall:
		return b.bestVertical(symbol, spot, availableFunds, idx, models.RightCall, true)
	case models.StrategyVerticalCreditPut:
		return b.bestVertical(symbol, spot, availableFunds, idx, models.RightPut, true)
	case models.StrategyVerticalDebitCall:
		return b.bestVertical(symbol, spot, availableFunds, idx, models.RightCall, false)
	case models.StrategyVerticalDebitPut:
		return b.bestVertical(symbol, spot, availableFunds, idx, models.RightPut, false)
	case models.StrategyIronCondor:
		return b.ironCondor(symbol, spot, availableFunds, idx)
	case models.StrategyIronButterfly:
		return b.ironButterfly(symbol, spot, availableFunds, idx)
	case models.StrategyCalendar:
		return b.calendar(symbol, spot, availableFunds, idx)
	default:
		return Proposal{}, fmt.Errorf("strategy: no builder for %s", kind)
	}
}

// bestVertical iterates OTM short candidates and pairs each with a long leg
// one width further out, keeping the highest-scoring spread.
func (b *Builder) bestVertical(symbol string, spot, funds float64, idx *chainIndex, right models.OptionRight, credit bool) (Proposal, error) {
	width := b.trading.SpreadWidth
	var best Proposal
	found := false

	for _, exp := range idx.expiries {
		for _, strike := range idx.strikes(exp, right) {
			if !otm(right, strike, spot) {
				continue
			}
			short, ok := idx.get(exp, right, strike)
			if !ok || !deltaInRange(short.Delta, b.greeks, credit) {
				continue
			}
			longStrike := strike + width
			if right == models.RightPut {
				longStrike = strike - width
			}
			long, ok := idx.get(exp, right, longStrike)
			if !ok {
				continue // width does not land on a traded strike
			}

			net := short.Mid() - long.Mid()
			if net <= 0 || net >= width {
				continue
			}

			p := Proposal{
				Symbol:     symbol,
				Expiration: exp,
				Width:      width,
				SpotPrice:  spot,
			}
			if credit {
				p.Credit = net
				p.Strategy = creditKind(right)
				p.Legs = verticalLegs(short, long, true)
			} else {
				// Debit verticals buy the closer strike and sell the further one.
				p.Credit = -net
				p.Strategy = debitKind(right)
				p.Legs = verticalLegs(short, long, false)
			}
			p.Quotes = []models.OptionQuote{short, long}

			riskPerContract := riskPerContract(p.Credit, width)
			p.Contracts = SizeContracts(b.trading, funds, riskPerContract, width)
			if p.Contracts == 0 {
				continue
			}
			p.MaxRisk = riskPerContract * float64(p.Contracts)
			p.Score = math.Abs(p.Credit) * float64(p.Contracts)

			if !found || p.Score > best.Score {
				best = p
				found = true
			}
		}
	}
	if !found {
		return Proposal{}, fmt.Errorf("strategy: no viable %s vertical for %s", right, symbol)
	}
	return best, nil
}

// ironCondor combines independent call and put credit verticals on the same
// expiration.
func (b *Builder) ironCondor(symbol string, spot, funds float64, idx *chainIndex) (Proposal, error) {
	call, err := b.bestVertical(symbol, spot, funds, idx, models.RightCall, true)
	if err != nil {
		return Proposal{}, fmt.Errorf("condor call side: %w", err)
	}
	put, err := b.bestVertical(symbol, spot, funds, idx, models.RightPut, true)
	if err != nil {
		return Proposal{}, fmt.Errorf("condor put side: %w", err)
	}
	if !call.Expiration.Equal(put.Expiration) {
		return Proposal{}, fmt.Errorf("condor sides landed on different expirations (%s vs %s)",
			call.Expiration.Format("2006-01-02"), put.Expiration.Format("2006-01-02"))
	}

	contracts := call.Contracts
	if put.Contracts < contracts {
		contracts = put.Contracts
	}
	credit := call.Credit + put.Credit
	width := math.Max(call.Width, put.Width)
	risk := riskPerContract(credit, width)

	return Proposal{
		Symbol:     symbol,
		Strategy:   models.StrategyIronCondor,
		Legs:       append(append([]models.Leg{}, call.Legs...), put.Legs...),
		Quotes:     append(append([]models.OptionQuote{}, call.Quotes...), put.Quotes...),
		Credit:     credit,
		Width:      width,
		Expiration: call.Expiration,
		Contracts:  contracts,
		MaxRisk:    risk * float64(contracts),
		Score:      credit * float64(contracts),
		SpotPrice:  spot,
	}, nil
}

// ironButterfly sells the ATM straddle with protective wings one width out.
// Credit is estimated at 40% of the width; actual fill price comes from the
// combo order.
func (b *Builder) ironButterfly(symbol string, spot, funds float64, idx *chainIndex) (Proposal, error) {
	width := b.trading.SpreadWidth
	exp := idx.expiries[0]

	atm := nearestStrike(idx.strikes(exp, models.RightCall), spot)
	if atm == 0 {
		return Proposal{}, fmt.Errorf("butterfly: no call strikes for %s", symbol)
	}
	shortCall, okC := idx.get(exp, models.RightCall, atm)
	shortPut, okP := idx.get(exp, models.RightPut, atm)
	wingCall, okWC := idx.get(exp, models.RightCall, atm+width)
	wingPut, okWP := idx.get(exp, models.RightPut, atm-width)
	if !okC || !okP || !okWC || !okWP {
		return Proposal{}, fmt.Errorf("butterfly: wings at %.2f±%.2f not all traded", atm, width)
	}

	credit := 0.40 * width
	risk := riskPerContract(credit, width)
	contracts := SizeContracts(b.trading, funds, risk, width)
	if contracts == 0 {
		return Proposal{}, fmt.Errorf("butterfly: risk per contract %.2f exceeds budget", risk)
	}

	legs := []models.Leg{
		leg(shortCall, models.ActionSell),
		leg(shortPut, models.ActionSell),
		leg(wingCall, models.ActionBuy),
		leg(wingPut, models.ActionBuy),
	}
	return Proposal{
		Symbol:     symbol,
		Strategy:   models.StrategyIronButterfly,
		Legs:       legs,
		Quotes:     []models.OptionQuote{shortCall, shortPut, wingCall, wingPut},
		Credit:     credit,
		Width:      width,
		Expiration: exp,
		Contracts:  contracts,
		MaxRisk:    risk * float64(contracts),
		Score:      credit * float64(contracts),
		SpotPrice:  spot,
	}, nil
}

// calendar sells the near-term and buys the far-term option at the shared
// ATM strike.
func (b *Builder) calendar(symbol string, spot, funds float64, idx *chainIndex) (Proposal, error) {
	if len(idx.expiries) < 2 {
		return Proposal{}, fmt.Errorf("calendar: need two expirations for %s", symbol)
	}
	near, far := idx.expiries[0], idx.expiries[len(idx.expiries)-1]

	strike := nearestStrike(idx.strikes(near, models.RightCall), spot)
	shortQ, okN := idx.get(near, models.RightCall, strike)
	longQ, okF := idx.get(far, models.RightCall, strike)
	if !okN || !okF {
		return Proposal{}, fmt.Errorf("calendar: strike %.2f not traded on both expirations", strike)
	}

	debit := longQ.Mid() - shortQ.Mid()
	if debit <= 0 {
		return Proposal{}, fmt.Errorf("calendar: no time value to buy at %.2f", strike)
	}

	// Defined risk is the debit paid.
	risk := debit * models.SharesPerContract
	contracts := SizeContracts(b.trading, funds, risk, debit)
	if contracts == 0 {
		return Proposal{}, fmt.Errorf("calendar: debit %.2f exceeds budget", debit)
	}
	return Proposal{
		Symbol:     symbol,
		Strategy:   models.StrategyCalendar,
		Legs:       []models.Leg{leg(shortQ, models.ActionSell), leg(longQ, models.ActionBuy)},
		Quotes:     []models.OptionQuote{shortQ, longQ},
		Credit:     -debit,
		Width:      debit,
		Expiration: near,
		Contracts:  contracts,
		MaxRisk:    risk * float64(contracts),
		Score:      debit * float64(contracts),
		SpotPrice:  spot,
	}, nil
}

// riskPerContract is the capital at risk for one contract of a defined-risk
// spread: the width less the credit collected, or the debit paid.
func riskPerContract(credit, width float64) float64 {
	if credit >= 0 {
		return (width - credit) * models.SharesPerContract
	}
	return -credit * models.SharesPerContract
}

func verticalLegs(short, long models.OptionQuote, credit bool) []models.Leg {
	shortAction, longAction := models.ActionSell, models.ActionBuy
	if !credit {
		shortAction, longAction = models.ActionBuy, models.ActionSell
	}
	return []models.Leg{leg(short, shortAction), leg(long, longAction)}
}

func leg(q models.OptionQuote, action models.LegAction) models.Leg {
	return models.Leg{
		ContractSymbol: q.Symbol,
		Action:         action,
		Strike:         q.Strike,
		Right:          q.Right,
		Quantity:       1,
		EntryPrice:     q.Mid(),
		ConID:          q.ConID,
	}
}

func otm(right models.OptionRight, strike, spot float64) bool {
	if right == models.RightCall {
		return strike > spot
	}
	return strike < spot
}

func deltaInRange(delta float64, g config.GreeksConfig, credit bool) bool {
	d := math.Abs(delta)
	if credit {
		return d >= g.CreditDeltaMin && d <= g.CreditDeltaMax
	}
	return d >= g.DebitDeltaMin && d <= g.DebitDeltaMax
}

func creditKind(right models.OptionRight) models.StrategyKind {
	if right == models.RightCall {
		return models.StrategyVerticalCreditCall
	}
	return models.StrategyVerticalCreditPut
}

func debitKind(right models.OptionRight) models.StrategyKind {
	if right == models.RightCall {
		return models.StrategyVerticalDebitCall
	}
	return models.StrategyVerticalDebitPut
}

func nearestStrike(strikes []float64, spot float64) float64 {
	var best float64
	bestDist := math.MaxFloat64
	for _, s := range strikes {
		if d := math.Abs(s - spot); d < bestDist {
			best, bestDist = s, d
		}
	}
	return best
}
