package positions

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/clients"
	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/storage"
)

// Orderer is the narrow slice of the order manager the exit path needs.
type Orderer interface {
	SubmitClose(ctx context.Context, p *models.Position, limit float64, reason models.ExitReason) (int64, error)
}

// Roller attempts a defensive roll instead of a stop-loss close. It returns
// true when a roll order was submitted and the exit should stand down.
type Roller interface {
	TryRoll(ctx context.Context, p *models.Position, currentPrice float64) (bool, error)
}

// Opinions is the advisor surface used for the second-opinion override.
type Opinions interface {
	CanRequest() bool
	SecondOpinion(ctx context.Context, prompt string) (clients.ExitAdvice, error)
}

// Decision is the exit manager's verdict for one position on one poll.
type Decision struct {
	Exit   bool
	Reason models.ExitReason
	Limit  float64 // ignored for urgent reasons, which close at market
}

// advisory holds TIGHTEN_STOP / ADJUST_PROFIT advice waiting to be merged
// into the next trailing update.
type advisory struct {
	stopMult  float64
	profitPct float64
}

// opinionCooldown bounds how often one position consults the advisor.
const opinionCooldown = time.Hour

// ExitManager owns the per-position exit loop: trailing levels, the decision
// function, the AI override, and close submission.
type ExitManager struct {
	tracker *Tracker
	store   storage.Interface
	orders  Orderer
	roller  Roller
	advisor Opinions
	model   *ExitModel // nil means static rules
	cfg     config.ExitConfig
	trigger float64 // |P/L|/max_risk ratio that requests a second opinion
	log     zerolog.Logger

	mu         sync.Mutex
	advisories map[string]advisory
	lastAsked  map[string]time.Time
	now        func() time.Time
}

func NewExitManager(tracker *Tracker, store storage.Interface, orders Orderer, roller Roller,
	advisor Opinions, cfg config.ExitConfig, aiTriggerRatio float64, log zerolog.Logger) *ExitManager {
	m := &ExitManager{
		tracker:    tracker,
		store:      store,
		orders:     orders,
		roller:     roller,
		advisor:    advisor,
		cfg:        cfg,
		trigger:    aiTriggerRatio,
		log:        log.With().Str("component", "exit").Logger(),
		advisories: make(map[string]advisory),
		lastAsked:  make(map[string]time.Time),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if cfg.ModelPath != "" {
		model, err := LoadExitModel(cfg.ModelPath)
		if err != nil {
			m.log.Warn().Err(err).Str("model", cfg.ModelPath).
				Msg("exit model unavailable, using static rules")
		} else {
			m.model = model
			m.log.Info().Str("model", cfg.ModelPath).Msg("exit model loaded")
		}
	}
	return m
}

// SetNowFunc overrides the clock for tests.
func (m *ExitManager) SetNowFunc(f func() time.Time) { m.now = f }

// Evaluate applies the decision function to one position at the given fair
// value. Profit is checked before stop, stop before the time exit.
func (m *ExitManager) Evaluate(p *models.Position, currentPrice float64, now time.Time) Decision {
	ml := !p.Exit.MLLastUpdate.IsZero()

	if p.Exit.TrailingProfit > 0 && currentPrice <= p.Exit.TrailingProfit {
		reason := models.ExitProfitTarget
		if ml {
			reason = models.ExitTrailingProfit
		}
		return Decision{Exit: true, Reason: reason, Limit: currentPrice}
	}
	if p.Exit.TrailingStop > 0 && currentPrice >= p.Exit.TrailingStop {
		reason := models.ExitStopLoss
		if ml {
			reason = models.ExitTrailingStop
		}
		return Decision{Exit: true, Reason: reason, Limit: currentPrice}
	}
	if p.DTE(now) <= m.cfg.TimeExitDTE {
		return Decision{Exit: true, Reason: models.ExitTime}
	}
	return Decision{}
}

// UpdateTrailing recomputes the trailing levels from the model (or static
// rules), merges any pending advisory, and persists the adjustment. Stops
// only tighten: the new stop is never above the previous one.
func (m *ExitManager) UpdateTrailing(ctx context.Context, p *models.Position, f ExitFeatures) error {
	var stopMult, profitPct, confidence float64
	source := "STATIC"
	if m.model != nil {
		stopMult, profitPct, confidence = m.model.Predict(f)
		source = "ML"
	} else {
		stopMult, profitPct = m.cfg.StopLossMult, m.cfg.TakeProfitPct
	}

	m.mu.Lock()
	if adv, ok := m.advisories[p.ID]; ok {
		delete(m.advisories, p.ID)
		if adv.stopMult >= stopMultMin && adv.stopMult < stopMult {
			stopMult = adv.stopMult
			source = "AI_ADVISORY"
		}
		if adv.profitPct >= profitPctMin && adv.profitPct <= profitPctMax {
			profitPct = adv.profitPct
			source = "AI_ADVISORY"
		}
	}
	m.mu.Unlock()

	credit := p.EntryCredit
	newStop := credit * stopMult
	if p.Exit.TrailingStop > 0 {
		newStop = math.Min(p.Exit.TrailingStop, newStop)
	}
	newProfit := credit * profitPct

	if newStop == p.Exit.TrailingStop && newProfit == p.Exit.TrailingProfit {
		return nil
	}

	adj := &models.ExitAdjustment{
		PositionID:     p.ID,
		AdjustedAt:     m.now(),
		OldStop:        p.Exit.TrailingStop,
		NewStop:        newStop,
		OldProfit:      p.Exit.TrailingProfit,
		NewProfit:      newProfit,
		StopMultiplier: stopMult,
		MLConfidence:   confidence,
		Source:         source,
	}
	if err := m.store.LogExitAdjustment(ctx, adj); err != nil {
		return fmt.Errorf("exit: record adjustment for %s: %w", p.ID, err)
	}

	p.Exit.TrailingStop = newStop
	p.Exit.TrailingProfit = newProfit
	p.Exit.StopMultiplier = stopMult
	p.Exit.ProfitTargetPct = profitPct
	if source == "ML" {
		p.Exit.MLConfidence = confidence
		p.Exit.MLLastUpdate = m.now()
	}
	if err := m.store.UpdatePositionTrailing(ctx, p.ID, p.Exit); err != nil {
		return fmt.Errorf("exit: persist trailing for %s: %w", p.ID, err)
	}
	m.log.Debug().Str("position", p.ID).Float64("stop", newStop).
		Float64("profit", newProfit).Str("source", source).Msg("trailing levels updated")
	return nil
}

// CheckPosition runs one full poll for one position: reprice, refresh
// trailing levels, consult the advisor at the trigger ratio, evaluate the
// decision function, and submit the close (or roll) it calls for.
func (m *ExitManager) CheckPosition(ctx context.Context, p *models.Position, vixNow float64) error {
	price, err := m.tracker.FairValue(ctx, p)
	if err != nil {
		return err
	}
	now := m.now()

	profit := p.UnrealizedPnL(price)
	if profit > p.Exit.HighestProfitSeen {
		p.Exit.HighestProfitSeen = profit
	}

	if err := m.UpdateTrailing(ctx, p, m.features(p, price, vixNow, now)); err != nil {
		m.log.Warn().Err(err).Str("position", p.ID).Msg("trailing update skipped")
	}

	if forced := m.secondOpinion(ctx, p, price, now); forced {
		_, err := m.orders.SubmitClose(ctx, p, price, models.ExitAIOverride)
		return err
	}

	dec := m.Evaluate(p, price, now)
	if !dec.Exit {
		return nil
	}

	if (dec.Reason == models.ExitStopLoss || dec.Reason == models.ExitTrailingStop) && m.roller != nil {
		rolled, err := m.roller.TryRoll(ctx, p, price)
		if err != nil {
			m.log.Warn().Err(err).Str("position", p.ID).Msg("roll attempt failed, exiting instead")
		}
		if rolled {
			return nil
		}
	}

	m.log.Info().Str("position", p.ID).Str("reason", string(dec.Reason)).
		Float64("price", price).Msg("exit decision")
	_, err = m.orders.SubmitClose(ctx, p, dec.Limit, dec.Reason)
	return err
}

// secondOpinion consults the advisor when |P/L|/max_risk crosses the trigger
// ratio. EXIT_NOW forces the close; the advisory actions are stashed for the
// next trailing update; AGREE is logged only.
func (m *ExitManager) secondOpinion(ctx context.Context, p *models.Position, price float64, now time.Time) bool {
	if m.advisor == nil || !m.advisor.CanRequest() || m.trigger <= 0 {
		return false
	}
	if p.ProfitRatio(price) < m.trigger {
		return false
	}
	m.mu.Lock()
	if last, ok := m.lastAsked[p.ID]; ok && now.Sub(last) < opinionCooldown {
		m.mu.Unlock()
		return false
	}
	m.lastAsked[p.ID] = now
	m.mu.Unlock()

	advice, err := m.advisor.SecondOpinion(ctx, m.opinionPrompt(p, price, now))
	if err != nil {
		m.log.Warn().Err(err).Str("position", p.ID).Msg("second opinion unavailable")
		return false
	}
	m.log.Info().Str("position", p.ID).Str("action", string(advice.Action)).
		Str("reasoning", advice.Reasoning).Msg("advisor second opinion")

	switch advice.Action {
	case clients.ExitNow:
		return true
	case clients.TightenStop:
		m.mu.Lock()
		adv := m.advisories[p.ID]
		adv.stopMult = advice.StopMultiplier
		m.advisories[p.ID] = adv
		m.mu.Unlock()
	case clients.AdjustProfit:
		m.mu.Lock()
		adv := m.advisories[p.ID]
		adv.profitPct = advice.ProfitTargetPct
		m.advisories[p.ID] = adv
		m.mu.Unlock()
	}
	return false
}

func (m *ExitManager) opinionPrompt(p *models.Position, price float64, now time.Time) string {
	return fmt.Sprintf(`An open %s position on %s needs a second opinion.
Entry credit: %.4f, current close price: %.4f, unrealized P/L: %.2f, max risk: %.2f, DTE: %d.
Trailing stop: %.4f, trailing profit: %.4f.
Respond with JSON: {"action": "EXIT_NOW"|"TIGHTEN_STOP"|"ADJUST_PROFIT"|"AGREE", "stop_multiplier": <number>, "profit_target_pct": <number>, "reasoning": "<short>"}`,
		p.Strategy, p.Symbol, p.EntryCredit, price, p.UnrealizedPnL(price), p.MaxRisk,
		p.DTE(now), p.Exit.TrailingStop, p.Exit.TrailingProfit)
}

// features assembles the model inputs for one position.
func (m *ExitManager) features(p *models.Position, price, vixNow float64, now time.Time) ExitFeatures {
	daysIn := now.Sub(p.EntryTime).Hours() / 24
	dte := float64(p.DTE(now))
	originalDTE := daysIn + dte
	timeRatio := 0.0
	if originalDTE > 0 {
		timeRatio = daysIn / originalDTE
	}
	plRatio := 0.0
	if p.MaxRisk > 0 {
		plRatio = p.UnrealizedPnL(price) / p.MaxRisk
	}
	velocity := 0.0
	if daysIn > 0 {
		velocity = plRatio / daysIn
	}
	// Theta realization: fraction of the entry credit already decayed away.
	thetaRealized := 0.0
	if p.EntryCredit != 0 {
		thetaRealized = (p.EntryCredit - price) / p.EntryCredit
	}
	return ExitFeatures{
		PLRatio:        plRatio,
		DaysInTrade:    daysIn,
		DTE:            dte,
		TimeRatio:      timeRatio,
		VIX:            vixNow,
		VIXEntry:       p.VIXEntry,
		VIXChange:      vixNow - p.VIXEntry,
		ThetaRealized:  thetaRealized,
		RegimeStress:   regimeStress(p.RegimeEntry),
		ProfitVelocity: velocity,
	}
}

// regimeStress scores the entry regime on a 0..1 stress scale.
func regimeStress(r models.Regime) float64 {
	switch r {
	case models.RegimeExtremeStress:
		return 1.0
	case models.RegimeBearTrending:
		return 0.75
	case models.RegimeHighVolNeutral:
		return 0.5
	case models.RegimeBullTrending:
		return 0.25
	default:
		return 0.1
	}
}
