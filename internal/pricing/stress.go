package pricing

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/models"
)

// stressScenarios are the volatility shifts applied to each leg, in vol points.
var stressScenarios = []float64{+0.05, +0.10, -0.05}

// maxStressedDelta is the projected |delta| bound under every scenario.
const maxStressedDelta = 0.40

// cacheTTL bounds how long a Vanna result stays valid.
const cacheTTL = 60 * time.Second

type cacheKey struct {
	s, k, t, sigma float64
	style          ExerciseStyle
}

type cacheEntry struct {
	vanna    float64
	storedAt time.Time
}

// Calculator computes Vanna and runs the volatility stress projection,
// caching results per (S, K, T, sigma, style).
type Calculator struct {
	riskFree *RiskFree
	log      zerolog.Logger

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
	now   func() time.Time
}

func NewCalculator(riskFree *RiskFree, log zerolog.Logger) *Calculator {
	return &Calculator{
		riskFree: riskFree,
		log:      log.With().Str("component", "pricing").Logger(),
		cache:    make(map[cacheKey]cacheEntry),
		now:      time.Now,
	}
}

// Vanna computes dDelta/dSigma for the given parameters, choosing the
// analytic form for European exercise and the binomial bump for American.
func (c *Calculator) Vanna(ctx context.Context, s, k, t, sigma float64, right models.OptionRight, style ExerciseStyle) (float64, error) {
	key := cacheKey{s: s, k: k, t: t, sigma: sigma, style: style}
	c.mu.Lock()
	if e, ok := c.cache[key]; ok && c.now().Sub(e.storedAt) < cacheTTL {
		c.mu.Unlock()
		return e.vanna, nil
	}
	c.mu.Unlock()

	r := c.riskFree.Rate(ctx)
	var vanna float64
	var err error
	switch style {
	case ExerciseAmerican:
		vanna, err = VannaAmerican(s, k, t, sigma, r, right)
	default:
		vanna, err = VannaEuropean(s, k, t, sigma, r)
	}
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{vanna: vanna, storedAt: c.now()}
	c.mu.Unlock()
	return vanna, nil
}

// StressResult is one scenario's projected delta.
type StressResult struct {
	VolShift       float64
	ProjectedDelta float64
	Safe           bool
}

// StressDelta projects the quoted delta through each volatility scenario via
// the leg's Vanna: projected = delta + Vanna * shift. The leg is safe only
// when every scenario's projection stays under 0.40 in magnitude.
func (c *Calculator) StressDelta(ctx context.Context, quotedDelta, s, k, t, sigma float64,
	right models.OptionRight, style ExerciseStyle) ([]StressResult, bool, error) {

	vanna, err := c.Vanna(ctx, s, k, t, sigma, right, style)
	if err != nil {
		return nil, false, err
	}

	results := make([]StressResult, 0, len(stressScenarios))
	safe := true
	for _, shift := range stressScenarios {
		projected := quotedDelta + vanna*shift
		ok := math.Abs(projected) < maxStressedDelta
		if !ok {
			safe = false
		}
		results = append(results, StressResult{VolShift: shift, ProjectedDelta: projected, Safe: ok})
	}
	return results, safe, nil
}
