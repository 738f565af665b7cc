// Package positions maintains open positions: per-poll fair value from live
// leg quotes, trailing exit levels, and the exit decision function.
package positions

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/broker"
	"github.com/tvasek/condorbot/internal/models"
)

// Tracker reprices open positions from broker quotes. The store keeps the
// durable rows; the tracker's output is transient.
type Tracker struct {
	broker broker.Broker
	log    zerolog.Logger
}

func NewTracker(b broker.Broker, log zerolog.Logger) *Tracker {
	return &Tracker{broker: b, log: log.With().Str("component", "positions").Logger()}
}

// FairValue reprices every leg and aggregates the per-contract close price.
// The sign is chosen so a credit spread's close-debit comes out positive:
// fair = -sum(leg market values) / (contracts * 100).
func (t *Tracker) FairValue(ctx context.Context, p *models.Position) (float64, error) {
	var sum float64
	for _, leg := range p.Legs {
		q, err := t.broker.SnapshotOption(ctx, broker.Contract{
			ConID:      leg.ConID,
			Symbol:     leg.ContractSymbol,
			SecType:    "OPT",
			Expiration: p.Expiration,
			Strike:     leg.Strike,
			Right:      leg.Right,
		})
		if err != nil {
			return 0, fmt.Errorf("positions: reprice %s leg %.2f%s: %w",
				p.Symbol, leg.Strike, leg.Right, err)
		}
		mv := leg.Action.Sign() * q.Mid() * float64(leg.Quantity*p.Contracts) * models.SharesPerContract
		sum += mv
	}
	return -sum / (float64(p.Contracts) * models.SharesPerContract), nil
}

// LegDeltas fetches the per-leg deltas keyed by conId, feeding both the roll
// trigger check and the portfolio exposure aggregation.
func (t *Tracker) LegDeltas(ctx context.Context, p *models.Position) (map[int64]float64, error) {
	deltas := make(map[int64]float64, len(p.Legs))
	for _, leg := range p.Legs {
		q, err := t.broker.SnapshotOption(ctx, broker.Contract{
			ConID:      leg.ConID,
			Symbol:     leg.ContractSymbol,
			SecType:    "OPT",
			Expiration: p.Expiration,
			Strike:     leg.Strike,
			Right:      leg.Right,
		})
		if err != nil {
			return nil, fmt.Errorf("positions: delta for %s %.2f%s: %w",
				p.Symbol, leg.Strike, leg.Right, err)
		}
		deltas[leg.ConID] = q.Delta
	}
	return deltas, nil
}
