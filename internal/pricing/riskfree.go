package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// fallbackRate applies when the Treasury quote cannot be fetched.
const fallbackRate = 0.045

// rateTTL bounds how stale a fetched rate may get before a refresh.
const rateTTL = time.Hour

// YieldSource provides the short-term Treasury yield, normally the broker.
type YieldSource interface {
	TreasuryYield(ctx context.Context) (float64, error)
}

// RiskFree caches the risk-free rate from the broker's Treasury index.
type RiskFree struct {
	source YieldSource
	log    zerolog.Logger

	mu        sync.Mutex
	rate      float64
	fetchedAt time.Time
}

func NewRiskFree(source YieldSource, log zerolog.Logger) *RiskFree {
	return &RiskFree{source: source, log: log.With().Str("component", "riskfree").Logger()}
}

// Rate returns the cached rate, refreshing when stale. Fetch failures fall
// back to 4.5% so the Greeks pipeline never stalls on a rate lookup.
func (r *RiskFree) Rate(ctx context.Context) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.fetchedAt.IsZero() && time.Since(r.fetchedAt) < rateTTL {
		return r.rate
	}
	rate, err := r.source.TreasuryYield(ctx)
	if err != nil || rate <= 0 || rate > 0.25 {
		r.log.Warn().Err(err).Float64("rate", rate).Msg("treasury yield unavailable, using fallback")
		if r.fetchedAt.IsZero() {
			r.rate = fallbackRate
		}
		// Keep the previous good rate when one exists.
		r.fetchedAt = time.Now()
		return r.rate
	}
	r.rate = rate
	r.fetchedAt = time.Now()
	r.log.Debug().Float64("rate", rate).Msg("risk-free rate refreshed")
	return r.rate
}
