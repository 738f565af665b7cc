// Package pipeline runs one entry pass: screen the universe, rank
// candidates, build a structure for each, validate it against the risk
// gates and the advisor, and hand survivors to the order manager. Every
// pass is independent; a failed candidate never aborts the pass.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/broker"
	"github.com/tvasek/condorbot/internal/clients"
	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/notify"
	"github.com/tvasek/condorbot/internal/positions"
	"github.com/tvasek/condorbot/internal/regime"
	"github.com/tvasek/condorbot/internal/risk"
	"github.com/tvasek/condorbot/internal/storage"
	"github.com/tvasek/condorbot/internal/strategy"
)

// CandidateSource produces the ranked screener output, best first.
type CandidateSource interface {
	Scan(ctx context.Context) ([]models.Candidate, error)
}

// AdviceSource is the entry-side advisor. A silent advisor (budget
// exhausted) stops candidate processing rather than auto-approving.
type AdviceSource interface {
	CanRequest() bool
	Model() string
	Ask(ctx context.Context, prompt string) (models.Recommendation, error)
}

// OddsSource supplies prediction-market odds for macro events, an advisory
// regime input only.
type OddsSource interface {
	Odds(ctx context.Context, query string) ([]clients.MarketOdds, error)
}

// OpenSubmitter places the opening combo for a validated position.
type OpenSubmitter interface {
	SubmitOpen(ctx context.Context, p *models.Position, limit float64) (int64, error)
}

// MarketHistory supplies the historical context a pass needs.
type MarketHistory interface {
	Refresh(ctx context.Context, symbol string) error
	IVRank(ctx context.Context, symbol string) (float64, error)
}

// Deps is the collaborator set a Pipeline is wired from.
type Deps struct {
	Broker     broker.Broker
	Store      storage.Interface
	Screener   CandidateSource
	Classifier regime.Classifier
	History    MarketHistory
	Builder    *strategy.Builder
	Validator  *risk.Validator
	Tracker    *positions.Tracker
	Beta       *risk.BetaProvider
	Advisor    AdviceSource
	Odds       OddsSource
	Orders     OpenSubmitter
	Notifier   notify.Notifier
}

// Pipeline is one configured entry path.
type Pipeline struct {
	d   Deps
	cfg *config.Config
	log zerolog.Logger
	now func() time.Time
}

func New(d Deps, cfg *config.Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		d:   d,
		cfg: cfg,
		log: log.With().Str("component", "pipeline").Logger(),
		now: time.Now,
	}
}

// SetNowFunc replaces the clock, for tests.
func (p *Pipeline) SetNowFunc(f func() time.Time) { p.now = f }

// Premarket warms the historical cache and records the morning market
// snapshot. It never places orders; the session has not opened yet.
func (p *Pipeline) Premarket(ctx context.Context) error {
	if err := p.d.Broker.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("pipeline: premarket connect: %w", err)
	}
	if err := p.d.History.Refresh(ctx, "SPY"); err != nil {
		p.log.Warn().Err(err).Msg("SPY history refresh failed, stale cache in use")
	}
	market, err := p.snapshotMarket(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: premarket snapshot: %w", err)
	}
	candidates, err := p.d.Screener.Scan(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: premarket screen: %w", err)
	}
	p.log.Info().
		Float64("vix", market.VIX).
		Str("regime", string(market.Regime)).
		Int("candidates", len(candidates)).
		Msg("premarket scan complete")
	return nil
}

// Scan runs a full entry pass.
func (p *Pipeline) Scan(ctx context.Context) error {
	if err := p.d.Broker.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("pipeline: connect: %w", err)
	}

	market, err := p.snapshotMarket(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: market snapshot: %w", err)
	}
	if market.VIX >= p.cfg.VIX.Panic {
		p.d.Notifier.VIXPanic(market.VIX)
	}
	if market.VIX3MRatio > 1.0 {
		p.d.Notifier.Backwardation(market.VIX3MRatio)
	}

	open, err := p.d.Store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: open positions: %w", err)
	}
	if len(open) >= p.cfg.Trading.MaxOpenPositions {
		p.log.Info().Int("open", len(open)).Int("max", p.cfg.Trading.MaxOpenPositions).
			Msg("position cap reached, skipping entries")
		return nil
	}

	summary, err := p.d.Broker.AccountSummary(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: account summary: %w", err)
	}

	candidates, err := p.d.Screener.Scan(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: screen: %w", err)
	}

	exposure := p.exposure(ctx, open, market.SPYPrice)
	preferred := regime.PreferredStrategies(market.Regime)
	if market.VIX >= p.cfg.VIX.Panic {
		preferred = nil
	}
	if len(preferred) == 0 {
		p.log.Info().Str("regime", string(market.Regime)).Msg("no strategies preferred, entries paused")
		return nil
	}

	submitted := 0
	for _, cand := range candidates {
		// Candidates arrive best first; when the advisor budget runs out
		// the rest of the list is not worth entering blind.
		if p.d.Advisor != nil && !p.d.Advisor.CanRequest() {
			p.log.Warn().Int("remaining", len(candidates)-submitted).
				Msg("advisor budget exhausted, stopping pass")
			break
		}
		if len(open)+submitted >= p.cfg.Trading.MaxOpenPositions {
			break
		}
		placed, err := p.tryCandidate(ctx, cand, market, exposure, summary.AvailableFunds, preferred)
		if err != nil {
			if errors.Is(err, broker.ErrDelayedData) {
				p.log.Warn().Str("symbol", cand.Symbol).Msg("delayed data refused, candidate dropped")
				continue
			}
			p.log.Debug().Err(err).Str("symbol", cand.Symbol).Msg("candidate did not qualify")
			continue
		}
		if placed {
			submitted++
		}
	}
	p.log.Info().Int("candidates", len(candidates)).Int("submitted", submitted).Msg("entry pass complete")
	return nil
}

// tryCandidate returns true when an opening order was actually placed.
func (p *Pipeline) tryCandidate(ctx context.Context, cand models.Candidate, market risk.Market,
	exposure risk.PortfolioExposure, funds float64, preferred []models.StrategyKind) (bool, error) {

	chain, err := p.chain(ctx, cand.Symbol)
	if err != nil {
		return false, err
	}
	proposal, err := p.bestProposal(cand, funds, chain, preferred)
	if err != nil {
		return false, err
	}
	market.ExpectedMove = expectedMove(chain, proposal.SpotPrice)

	var rec *models.Recommendation
	if p.d.Advisor != nil && p.d.Advisor.CanRequest() {
		r, err := p.d.Advisor.Ask(ctx, p.entryPrompt(cand, proposal, market))
		if err != nil {
			// A failed advisor call must not auto-approve; the candidate
			// is rejected outright.
			p.d.Notifier.PipelineError("advisor", err)
			return false, fmt.Errorf("advisor unavailable: %w", err)
		}
		p.recordDecision(ctx, r, market)
		if r.Verdict == models.VerdictReject {
			p.recordAdvisorReject(ctx, cand, proposal, market, r)
			return false, fmt.Errorf("advisor rejected: %s", r.Reasoning)
		}
		rec = &r
	}

	if err := p.d.Validator.Validate(ctx, proposal, market, exposure, chain, rec); err != nil {
		var rejection *risk.RejectionError
		if errors.As(err, &rejection) {
			p.d.Notifier.TradeRejected(cand.Symbol, rejection.Gate, rejection.Reason)
		}
		return false, err
	}

	if !p.cfg.Safety.AutoExecute {
		p.log.Info().Str("symbol", proposal.Symbol).Str("strategy", string(proposal.Strategy)).
			Float64("credit", proposal.Credit).Int("contracts", proposal.Contracts).
			Msg("auto-execute disabled, validated proposal not submitted")
		return false, nil
	}

	pos := p.position(proposal, market)
	if _, err := p.d.Orders.SubmitOpen(ctx, pos, proposal.Credit); err != nil {
		p.d.Notifier.PipelineError("submit", err)
		return false, fmt.Errorf("submit open: %w", err)
	}
	return true, nil
}

// chain fetches the option chain filtered to the configured DTE window.
func (p *Pipeline) chain(ctx context.Context, symbol string) ([]models.OptionQuote, error) {
	expirations, err := p.d.Broker.Expirations(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("expirations: %w", err)
	}
	now := p.now()
	var inWindow []time.Time
	for _, exp := range expirations {
		dte := int(exp.Sub(now).Hours() / 24)
		if dte >= p.cfg.Trading.MinDTE && dte <= p.cfg.Trading.MaxDTE {
			inWindow = append(inWindow, exp)
		}
	}
	if len(inWindow) == 0 {
		return nil, fmt.Errorf("no expirations in the %d-%d DTE window", p.cfg.Trading.MinDTE, p.cfg.Trading.MaxDTE)
	}
	chain, err := p.d.Broker.OptionChain(ctx, symbol, inWindow)
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// bestProposal builds every preferred strategy kind and keeps the highest
// scoring one.
func (p *Pipeline) bestProposal(cand models.Candidate, funds float64,
	chain []models.OptionQuote, preferred []models.StrategyKind) (strategy.Proposal, error) {

	var best strategy.Proposal
	var found bool
	for _, kind := range preferred {
		proposal, err := p.d.Builder.Build(kind, cand.Symbol, cand.Price, funds, chain)
		if err != nil {
			continue
		}
		if !found || proposal.Score > best.Score {
			best, found = proposal, true
		}
	}
	if !found {
		return strategy.Proposal{}, fmt.Errorf("no buildable structure for %s", cand.Symbol)
	}
	return best, nil
}

// snapshotMarket reads VIX and its term structure, classifies the regime
// from SPY bars, and persists the snapshot.
func (p *Pipeline) snapshotMarket(ctx context.Context) (risk.Market, error) {
	vixQuote, err := p.d.Broker.SnapshotStock(ctx, "VIX")
	if err != nil {
		return risk.Market{}, fmt.Errorf("vix quote: %w", err)
	}
	vix := vixQuote.Last

	var ratio float64
	term := models.TermUnknown
	if v3, err := p.d.Broker.SnapshotStock(ctx, "VIX3M"); err == nil && v3.Last > 0 {
		ratio = vix / v3.Last
		if ratio > 1.0 {
			term = models.TermBackwardation
		} else {
			term = models.TermContango
		}
	}

	spy, err := p.d.Broker.SnapshotStock(ctx, "SPY")
	if err != nil {
		return risk.Market{}, fmt.Errorf("spy quote: %w", err)
	}

	class := p.classify(ctx, vix, ratio)
	snap := &models.MarketSnapshot{
		Time:          p.now().UTC(),
		VIX:           vix,
		Ratio:         ratio,
		TermStructure: term,
		Regime:        class.Regime,
		RegimeMode:    class.Mode,
	}
	if ratio > 0 {
		snap.VIX3M = vix / ratio
	}
	if err := p.d.Store.LogSnapshot(ctx, snap); err != nil {
		p.log.Warn().Err(err).Msg("market snapshot not persisted")
	}

	return risk.Market{
		VIX:           vix,
		VIX3MRatio:    ratio,
		TermStructure: term,
		Regime:        class.Regime,
		SPYPrice:      spy.Last,
	}, nil
}

func (p *Pipeline) classify(ctx context.Context, vix, ratio float64) regime.Classification {
	var event float64
	if p.d.Odds != nil {
		if markets, err := p.d.Odds.Odds(ctx, "market volatility"); err == nil {
			event = eventRisk(markets)
		}
	}
	bars, err := p.d.Broker.HistoricalBars(ctx, "SPY", "6 M", "1 day")
	if err != nil {
		p.log.Warn().Err(err).Msg("SPY bars unavailable, classifying on VIX alone")
		return p.d.Classifier.Classify(regime.FeatureVector{VIX: vix, VIXRatio: ratio, EventRisk: event})
	}
	ivRank := 0.0
	if p.d.History != nil {
		if r, err := p.d.History.IVRank(ctx, "SPY"); err == nil {
			ivRank = r
		}
	}
	features, err := regime.ExtractFeatures(bars, regime.MarketInputs{
		VIX:       vix,
		IVRank:    ivRank,
		EventRisk: event,
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("feature extraction failed, classifying on VIX alone")
		return p.d.Classifier.Classify(regime.FeatureVector{VIX: vix, VIXRatio: ratio, EventRisk: event})
	}
	features.VIXRatio = ratio
	return p.d.Classifier.Classify(features)
}

// eventRisk collapses the matched markets to the single highest probability.
func eventRisk(markets []clients.MarketOdds) float64 {
	var max float64
	for _, m := range markets {
		if m.Probability > max {
			max = m.Probability
		}
	}
	return max
}

// exposure aggregates the current book into beta-weighted SPY deltas.
func (p *Pipeline) exposure(ctx context.Context, open []models.Position, spyPrice float64) risk.PortfolioExposure {
	var exp risk.PortfolioExposure
	for i := range open {
		pos := &open[i]
		deltas, err := p.d.Tracker.LegDeltas(ctx, pos)
		if err != nil {
			p.log.Warn().Err(err).Str("position", pos.ID).Msg("leg deltas unavailable, position excluded from exposure")
			continue
		}
		quote, err := p.d.Broker.SnapshotStock(ctx, pos.Symbol)
		if err != nil {
			continue
		}
		beta := p.d.Beta.Beta(ctx, pos.Symbol)
		bw := risk.BWDelta(pos.Delta(deltas), float64(pos.Contracts), 100, quote.Last, spyPrice, beta)
		exp.NetBWDelta += bw
		if bw > 0 {
			exp.BullishBWDelta += bw
		} else {
			exp.BearishBWDelta += -bw
		}
	}
	return exp
}

// position materializes a validated proposal as an OPEN position seeded
// with its static trailing levels.
func (p *Pipeline) position(proposal strategy.Proposal, market risk.Market) *models.Position {
	pos := models.NewPosition(uuid.NewString(), proposal.Symbol, proposal.Strategy,
		proposal.Legs, proposal.Expiration, proposal.Contracts, proposal.Credit, proposal.MaxRisk)
	pos.VIXEntry = market.VIX
	pos.RegimeEntry = market.Regime
	if proposal.Credit > 0 {
		pos.Exit = models.ExitState{
			TrailingStop:    proposal.Credit * p.cfg.Exit.StopLossMult,
			TrailingProfit:  proposal.Credit * p.cfg.Exit.TakeProfitPct,
			StopMultiplier:  p.cfg.Exit.StopLossMult,
			ProfitTargetPct: p.cfg.Exit.TakeProfitPct,
		}
	}
	return pos
}

func (p *Pipeline) entryPrompt(cand models.Candidate, proposal strategy.Proposal, market risk.Market) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluate this options trade and answer in JSON.\n")
	fmt.Fprintf(&b, "Symbol: %s at %.2f (screener score %.1f, IV rank %.1f)\n",
		cand.Symbol, cand.Price, cand.Score, cand.IVRank)
	fmt.Fprintf(&b, "Structure: %s, expiration %s, %d contracts\n",
		proposal.Strategy, proposal.Expiration.Format("2006-01-02"), proposal.Contracts)
	for _, leg := range proposal.Legs {
		fmt.Fprintf(&b, "  %s %s %.2f\n", leg.Action, leg.Right, leg.Strike)
	}
	fmt.Fprintf(&b, "Net credit %.2f, width %.2f, max risk %.2f\n",
		proposal.Credit, proposal.Width, proposal.MaxRisk)
	fmt.Fprintf(&b, "Market: VIX %.1f, regime %s, term structure %s\n",
		market.VIX, market.Regime, market.TermStructure)
	fmt.Fprintf(&b, `Respond with {"verdict": "APPROVE|REJECT|REVISE", "confidence_score": 1-10, `+
		`"short_strike": n, "long_strike": n, "reasoning": "..."}`)
	return b.String()
}

func (p *Pipeline) recordDecision(ctx context.Context, rec models.Recommendation, market risk.Market) {
	text := string(rec.Verdict)
	if rec.Reasoning != "" {
		text = fmt.Sprintf("%s: %s", rec.Verdict, rec.Reasoning)
	}
	err := p.d.Store.LogAIDecision(ctx, &models.AIDecision{
		Model:          p.d.Advisor.Model(),
		DecisionType:   "ENTRY",
		Recommendation: text,
		Confidence:     rec.Confidence,
		VIX:            market.VIX,
		Regime:         market.Regime,
		CreatedAt:      p.now().UTC(),
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("advisor decision not persisted")
	}
}

// recordAdvisorReject shadows an advisor-rejected candidate so the
// evaluator can later judge whether the advisor was right.
func (p *Pipeline) recordAdvisorReject(ctx context.Context, cand models.Candidate,
	proposal strategy.Proposal, market risk.Market, rec models.Recommendation) {

	short, long := spreadStrikes(proposal)
	features, _ := json.Marshal(map[string]any{
		"score":      cand.Score,
		"iv_rank":    cand.IVRank,
		"confidence": rec.Confidence,
	})
	_, err := p.d.Store.LogShadowTrade(ctx, &models.ShadowTrade{
		Symbol:       proposal.Symbol,
		Strategy:     proposal.Strategy,
		RejectedAt:   p.now().UTC(),
		RejectReason: "advisor: " + rec.Reasoning,
		Expiration:   proposal.Expiration,
		ShortStrike:  short,
		LongStrike:   long,
		Credit:       proposal.Credit,
		SpotAtReject: proposal.SpotPrice,
		VIX:          market.VIX,
		Regime:       market.Regime,
		FeaturesJSON: string(features),
		Outcome:      models.ShadowPending,
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("advisor-rejected shadow not persisted")
	}
	p.d.Notifier.TradeRejected(proposal.Symbol, "advisor", rec.Reasoning)
}

func spreadStrikes(p strategy.Proposal) (short, long float64) {
	for _, leg := range p.Legs {
		if leg.Action == models.ActionSell && short == 0 {
			short = leg.Strike
		}
		if leg.Action == models.ActionBuy && long == 0 {
			long = leg.Strike
		}
	}
	return short, long
}

// expectedMove estimates the dollar move priced into the nearest ATM
// straddle, used by the earnings blackout exception.
func expectedMove(chain []models.OptionQuote, spot float64) float64 {
	var call, put models.OptionQuote
	callDist, putDist := math.MaxFloat64, math.MaxFloat64
	for _, q := range chain {
		dist := math.Abs(q.Strike - spot)
		switch q.Right {
		case models.RightCall:
			if dist < callDist {
				call, callDist = q, dist
			}
		case models.RightPut:
			if dist < putDist {
				put, putDist = q, dist
			}
		}
	}
	if callDist == math.MaxFloat64 || putDist == math.MaxFloat64 {
		return 0
	}
	return call.Mid() + put.Mid()
}
