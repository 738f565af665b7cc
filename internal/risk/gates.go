package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/clients"
	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/pricing"
	"github.com/tvasek/condorbot/internal/storage"
	"github.com/tvasek/condorbot/internal/strategy"
)

// RejectionError identifies which gate refused the proposal.
type RejectionError struct {
	Gate   string
	Reason string
}

func (e *RejectionError) Error() string { return fmt.Sprintf("risk: %s gate: %s", e.Gate, e.Reason) }

func reject(gate, format string, args ...any) error {
	return &RejectionError{Gate: gate, Reason: fmt.Sprintf(format, args...)}
}

// EarningsSource resolves the next earnings announcement for a symbol. A
// zero time means none is known.
type EarningsSource interface {
	NextEarnings(ctx context.Context, symbol string) (time.Time, error)
}

// DividendSource resolves the next ex-dividend date.
type DividendSource interface {
	NextExDate(ctx context.Context, symbol string) (time.Time, error)
}

// PortfolioExposure is the current beta-weighted book, refreshed by the
// caller before validation.
type PortfolioExposure struct {
	NetBWDelta     float64
	BullishBWDelta float64 // sum of positive per-position contributions
	BearishBWDelta float64 // magnitude of negative contributions
}

// Market is the snapshot context a proposal is validated under.
type Market struct {
	VIX           float64
	VIX3MRatio    float64 // VIX / VIX3M; 0 when VIX3M unavailable
	TermStructure models.TermStructure
	Regime        models.Regime
	ExpectedMove  float64 // dollar expected move to the earnings date
	SPYPrice      float64 // reference for beta weighting
}

// Validator runs the ordered entry gates. All must pass; the first failure
// rejects the proposal and records a ShadowTrade.
type Validator struct {
	store     storage.Interface
	breaker   *TradingBreaker
	calc      *pricing.Calculator
	beta      *BetaProvider
	earnings  EarningsSource
	dividends DividendSource
	trading   config.TradingConfig
	greeks    config.GreeksConfig
	liquidity config.LiquidityConfig
	vix       config.VIXConfig
	safety    config.SafetyConfig
	log       zerolog.Logger
	now       func() time.Time
}

func NewValidator(store storage.Interface, breaker *TradingBreaker, calc *pricing.Calculator,
	beta *BetaProvider, earnings EarningsSource, dividends DividendSource,
	cfg *config.Config, log zerolog.Logger) *Validator {
	return &Validator{
		store:     store,
		breaker:   breaker,
		calc:      calc,
		beta:      beta,
		earnings:  earnings,
		dividends: dividends,
		trading:   cfg.Trading,
		greeks:    cfg.Greeks,
		liquidity: cfg.Liquidity,
		vix:       cfg.VIX,
		safety:    cfg.Safety,
		log:       log.With().Str("component", "risk").Logger(),
		now:       time.Now,
	}
}

// Validate runs gates 1-9 in order. rec may be nil when the advisor was
// silent; a silent advisor never auto-approves, so the caller must have
// already decided whether AI approval is mandatory.
func (v *Validator) Validate(ctx context.Context, p strategy.Proposal, market Market,
	exposure PortfolioExposure, chain []models.OptionQuote, rec *models.Recommendation) error {

	err := v.runGates(ctx, p, market, exposure, chain, rec)
	if err == nil {
		return nil
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) || errors.Is(err, ErrCircuitBreakerActive) {
		v.recordShadow(ctx, p, market, err)
	}
	return err
}

func (v *Validator) runGates(ctx context.Context, p strategy.Proposal, market Market,
	exposure PortfolioExposure, chain []models.OptionQuote, rec *models.Recommendation) error {

	// 1. Circuit breaker.
	if err := v.breaker.Check(ctx); err != nil {
		return err
	}

	// 2. VIX and term structure.
	if p.Strategy.IsCredit() && market.VIX >= v.vix.Panic {
		return reject("vix", "VIX %.1f at or above panic threshold %.1f", market.VIX, v.vix.Panic)
	}
	if p.Strategy.IsShortVega() && market.VIX3MRatio > 1.0 {
		return reject("vix", "term structure in backwardation (ratio %.3f)", market.VIX3MRatio)
	}

	// 3. Earnings blackout.
	if err := v.checkEarnings(ctx, p, market); err != nil {
		return err
	}

	// 4. Dividend blackout.
	if err := v.checkDividends(ctx, p); err != nil {
		return err
	}

	// 5. Liquidity.
	if err := v.checkLiquidity(p); err != nil {
		return err
	}

	// 6-7. Greeks.
	if err := v.checkGreeks(ctx, p, market); err != nil {
		return err
	}

	// 8. Portfolio beta-weighted delta.
	if err := v.checkBWDelta(ctx, p, market, exposure); err != nil {
		return err
	}

	// 9. Advisor sanity.
	if rec != nil {
		if err := SanityCheck(*rec, chain, p.SpotPrice, v.trading, v.greeks, v.now()); err != nil {
			return reject("sanity", "%v", err)
		}
	}
	return nil
}

func (v *Validator) checkEarnings(ctx context.Context, p strategy.Proposal, market Market) error {
	if v.earnings == nil || v.safety.EarningsBlackoutHours <= 0 {
		return nil
	}
	next, err := v.earnings.NextEarnings(ctx, p.Symbol)
	if err != nil || next.IsZero() {
		return nil // unknown earnings never block
	}
	until := next.Sub(v.now())
	if until < 0 || until > time.Duration(v.safety.EarningsBlackoutHours)*time.Hour {
		return nil
	}
	// Strikes beyond the expected move ride through the announcement.
	if market.ExpectedMove > 0 {
		if short := shortestStrikeDistance(p); short > market.ExpectedMove {
			return nil
		}
	}
	return reject("earnings", "announcement for %s in %.1fh inside %dh blackout",
		p.Symbol, until.Hours(), v.safety.EarningsBlackoutHours)
}

func (v *Validator) checkDividends(ctx context.Context, p strategy.Proposal) error {
	if v.dividends == nil || v.safety.DividendBlackoutDays <= 0 || !hasShortCall(p) {
		return nil
	}
	exDate, err := v.dividends.NextExDate(ctx, p.Symbol)
	if err != nil {
		if errors.Is(err, clients.ErrNoDividend) {
			return nil
		}
		v.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("dividend lookup failed, not blocking")
		return nil
	}
	days := exDate.Sub(v.now()).Hours() / 24
	if days >= 0 && days <= float64(v.safety.DividendBlackoutDays) {
		return reject("dividend", "short call with ex-dividend %s inside %d-day blackout",
			exDate.Format("2006-01-02"), v.safety.DividendBlackoutDays)
	}
	return nil
}

func (v *Validator) checkLiquidity(p strategy.Proposal) error {
	for _, q := range p.Quotes {
		if q.Bid <= 0 || q.Ask <= 0 {
			return reject("liquidity", "%s %.2f%s has a one-sided market (%.2f/%.2f)",
				q.Symbol, q.Strike, q.Right, q.Bid, q.Ask)
		}
		spread := q.Ask - q.Bid
		if spread > v.liquidity.MaxBidAskSpread && q.SpreadPct() > 0.02 {
			return reject("liquidity", "%s %.2f%s spread %.2f (%.1f%%) too wide",
				q.Symbol, q.Strike, q.Right, spread, q.SpreadPct()*100)
		}
		if q.OpenInterest > 0 {
			ratio := 100 * float64(q.Volume) / float64(q.OpenInterest)
			if ratio < v.liquidity.MinVolumeOIRatioPct {
				return reject("liquidity", "%s %.2f%s volume/OI %.1f%% below %.1f%%",
					q.Symbol, q.Strike, q.Right, ratio, v.liquidity.MinVolumeOIRatioPct)
			}
		}
	}
	return nil
}

func (v *Validator) checkGreeks(ctx context.Context, p strategy.Proposal, market Market) error {
	credit := p.Strategy.IsCredit()

	var netTheta, netGamma float64
	for i, leg := range p.Legs {
		q := p.Quotes[i]
		// Quoted theta is the holder's decay (negative); a short leg earns it.
		netTheta += leg.Action.Sign() * q.Theta
		netGamma += leg.Action.Sign() * q.Gamma
	}

	for i, leg := range p.Legs {
		if leg.Action != models.ActionSell {
			continue
		}
		q := p.Quotes[i]
		d := math.Abs(q.Delta)
		if credit {
			if d < v.greeks.CreditDeltaMin || d > v.greeks.CreditDeltaMax {
				return reject("greeks", "short %.2f%s delta %.3f outside [%.2f, %.2f]",
					q.Strike, q.Right, d, v.greeks.CreditDeltaMin, v.greeks.CreditDeltaMax)
			}
		} else if d < v.greeks.DebitDeltaMin || d > v.greeks.DebitDeltaMax {
			return reject("greeks", "leg %.2f%s delta %.3f outside debit range", q.Strike, q.Right, d)
		}

		if credit {
			// Vanna stress on every short leg.
			t := yearsTo(p.Expiration, v.now())
			sigma := q.ImpliedVol
			if sigma <= 0 {
				sigma = 0.20
			}
			_, safe, err := v.calc.StressDelta(ctx, q.Delta, p.SpotPrice, q.Strike, t, sigma, q.Right, pricing.ExerciseAmerican)
			if err != nil {
				return fmt.Errorf("vanna stress: %w", err)
			}
			if !safe {
				return reject("greeks", "short %.2f%s fails volatility stress (projected |delta| >= 0.40)",
					q.Strike, q.Right)
			}
		}
	}

	if credit && netTheta < v.greeks.MinDailyTheta {
		return reject("greeks", "net daily theta %.4f below %.4f", netTheta, v.greeks.MinDailyTheta)
	}
	if v.greeks.MaxGamma > 0 && math.Abs(netGamma) > v.greeks.MaxGamma {
		return reject("greeks", "net gamma %.4f exceeds %.4f", netGamma, v.greeks.MaxGamma)
	}
	return nil
}

func (v *Validator) checkBWDelta(ctx context.Context, p strategy.Proposal, market Market, exposure PortfolioExposure) error {
	if v.trading.MaxBWDelta <= 0 {
		return nil
	}
	spy := market.SPYPrice
	if spy <= 0 {
		spy = p.SpotPrice // degrades the weighting to a 1:1 price ratio
	}
	beta := v.beta.Beta(ctx, p.Symbol)

	var proposalBW float64
	for i, leg := range p.Legs {
		q := p.Quotes[i]
		qty := leg.Action.Sign() * float64(leg.Quantity*p.Contracts)
		proposalBW += BWDelta(q.Delta, qty, models.SharesPerContract, p.SpotPrice, spy, beta)
	}

	net := exposure.NetBWDelta + proposalBW
	if math.Abs(net) > v.trading.MaxBWDelta {
		return reject("bw_delta", "net beta-weighted delta %.1f would exceed %.1f", net, v.trading.MaxBWDelta)
	}

	directionalCap := 0.80 * v.trading.MaxBWDelta
	bullish, bearish := exposure.BullishBWDelta, exposure.BearishBWDelta
	if proposalBW > 0 {
		bullish += proposalBW
	} else {
		bearish += -proposalBW
	}
	if bullish > directionalCap {
		return reject("bw_delta", "bullish exposure %.1f exceeds %.1f (80%% of cap)", bullish, directionalCap)
	}
	if bearish > directionalCap {
		return reject("bw_delta", "bearish exposure %.1f exceeds %.1f (80%% of cap)", bearish, directionalCap)
	}
	return nil
}

// recordShadow persists the rejection so the evaluator can later label
// whether the gate saved money or cost an opportunity.
func (v *Validator) recordShadow(ctx context.Context, p strategy.Proposal, market Market, cause error) {
	shadow := &models.ShadowTrade{
		Symbol:       p.Symbol,
		Strategy:     p.Strategy,
		RejectedAt:   v.now().UTC(),
		RejectReason: cause.Error(),
		Expiration:   p.Expiration,
		Credit:       p.Credit,
		SpotAtReject: p.SpotPrice,
		VIX:          market.VIX,
		Regime:       market.Regime,
	}
	shadow.ShortStrike, shadow.LongStrike = spreadStrikes(p)
	if _, err := v.store.LogShadowTrade(ctx, shadow); err != nil {
		v.log.Error().Err(err).Str("symbol", p.Symbol).Msg("failed to record shadow trade")
	}
}

func spreadStrikes(p strategy.Proposal) (short, long float64) {
	for _, leg := range p.Legs {
		switch leg.Action {
		case models.ActionSell:
			if short == 0 {
				short = leg.Strike
			}
		case models.ActionBuy:
			if long == 0 {
				long = leg.Strike
			}
		}
	}
	return short, long
}

func hasShortCall(p strategy.Proposal) bool {
	for _, leg := range p.Legs {
		if leg.Action == models.ActionSell && leg.Right == models.RightCall {
			return true
		}
	}
	return false
}

func shortestStrikeDistance(p strategy.Proposal) float64 {
	dist := math.MaxFloat64
	for _, leg := range p.Legs {
		if leg.Action != models.ActionSell {
			continue
		}
		if d := math.Abs(leg.Strike - p.SpotPrice); d < dist {
			dist = d
		}
	}
	if dist == math.MaxFloat64 {
		return 0
	}
	return dist
}

func yearsTo(expiration time.Time, now time.Time) float64 {
	t := expiration.Sub(now).Hours() / 24 / 365
	if t < 1.0/365 {
		t = 1.0 / 365
	}
	return t
}
