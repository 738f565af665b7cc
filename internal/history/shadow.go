package history

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/storage"
)

// ShadowEvaluator labels rejected candidates after their expiration settles,
// answering whether each gate rejection saved money or cost an opportunity.
type ShadowEvaluator struct {
	cache *Cache
	store storage.Interface
	log   zerolog.Logger
}

func NewShadowEvaluator(cache *Cache, store storage.Interface, log zerolog.Logger) *ShadowEvaluator {
	return &ShadowEvaluator{
		cache: cache,
		store: store,
		log:   log.With().Str("component", "shadow").Logger(),
	}
}

// Evaluate labels every pending shadow trade whose expiration is on or
// before asOf. Symbols with no settlement close stay pending for the next
// pass.
func (e *ShadowEvaluator) Evaluate(ctx context.Context, asOf time.Time) (int, error) {
	pending, err := e.store.PendingShadowTrades(ctx, asOf)
	if err != nil {
		return 0, err
	}
	labelled := 0
	for _, s := range pending {
		settle, err := e.cache.CloseOn(ctx, s.Symbol, s.Expiration)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", s.Symbol).Int64("shadow", s.ID).
				Msg("no settlement close yet, shadow stays pending")
			continue
		}
		outcome := Label(s, settle)
		if err := e.store.UpdateShadowOutcome(ctx, s.ID, outcome); err != nil {
			return labelled, err
		}
		labelled++
		e.log.Info().Int64("shadow", s.ID).Str("symbol", s.Symbol).
			Float64("settle", settle).Str("outcome", string(outcome)).Msg("shadow trade labelled")
	}
	return labelled, nil
}

// Label computes the hypothetical per-share P/L of the rejected spread at
// settlement and buckets it. A losing trade was a good reject; a trade that
// would have kept most of its credit was a missed opportunity; the band in
// between is noise.
func Label(s models.ShadowTrade, settlePrice float64) models.ShadowOutcome {
	pnl := s.Credit - intrinsicAtSettle(s, settlePrice)
	switch {
	case pnl < 0:
		return models.ShadowGoodReject
	case pnl > 0.5*math.Abs(s.Credit):
		return models.ShadowMissedOpportunity
	default:
		return models.ShadowNeutral
	}
}

// intrinsicAtSettle is the spread's settlement value per share: the short
// strike's intrinsic capped by the long wing.
func intrinsicAtSettle(s models.ShadowTrade, settle float64) float64 {
	width := math.Abs(s.LongStrike - s.ShortStrike)
	var intrinsic float64
	switch s.Strategy {
	case models.StrategyVerticalCreditPut, models.StrategyVerticalDebitPut:
		intrinsic = s.ShortStrike - settle
	default:
		intrinsic = settle - s.ShortStrike
	}
	if intrinsic < 0 {
		return 0
	}
	return math.Min(intrinsic, width)
}
