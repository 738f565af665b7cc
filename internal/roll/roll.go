// Package roll turns stop-loss exits on tested spreads into defensive
// width-preserving rolls: the tested side shifts one width away from the
// market and the expiration moves out to the next monthly cycle.
package roll

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/broker"
	"github.com/tvasek/condorbot/internal/models"
)

// maxRollDebit is the worst acceptable net price for the 4-leg roll BAG.
// Anything above a nickel of debit is not worth defending.
const maxRollDebit = 0.05

// testedDeltaBound is the short-leg |delta| past which the spread counts as
// tested even before the strike is touched.
const testedDeltaBound = 0.40

// fillWindow bounds how long the roll waits for its BAG to fill before the
// original exit decision proceeds.
const fillWindow = 30 * time.Second

// fillPollEvery is the status poll cadence inside the fill window.
const fillPollEvery = 2 * time.Second

// Orderer is the slice of the order manager the roll path drives.
type Orderer interface {
	SubmitRoll(ctx context.Context, old, successor *models.Position, maxDebit float64) (int64, error)
	Cancel(ctx context.Context, orderID int64, reason string) error
	Poll(ctx context.Context)
}

// Manager proposes and executes atomic rolls.
type Manager struct {
	broker broker.Broker
	orders Orderer
	log    zerolog.Logger

	pollEvery time.Duration
	window    time.Duration
}

func NewManager(b broker.Broker, orders Orderer, log zerolog.Logger) *Manager {
	return &Manager{
		broker:    b,
		orders:    orders,
		log:       log.With().Str("component", "roll").Logger(),
		pollEvery: fillPollEvery,
		window:    fillWindow,
	}
}

// TryRoll checks the trigger rules and, when the spread is tested, submits a
// single 4-leg BAG that closes the old spread and opens the shifted one. It
// returns true only when the roll filled inside the window; on any other
// path the caller's exit decision proceeds.
func (m *Manager) TryRoll(ctx context.Context, p *models.Position, currentPrice float64) (bool, error) {
	tested, right, err := m.tested(ctx, p)
	if err != nil {
		return false, err
	}
	if !tested {
		return false, nil
	}

	successor, err := m.propose(ctx, p, right)
	if err != nil {
		return false, fmt.Errorf("roll: propose for %s: %w", p.ID, err)
	}

	orderID, err := m.orders.SubmitRoll(ctx, p, successor, maxRollDebit)
	if err != nil {
		return false, fmt.Errorf("roll: submit for %s: %w", p.ID, err)
	}
	m.log.Info().Str("position", p.ID).Int64("order_id", orderID).
		Str("tested", string(right)).Msg("roll submitted, waiting for fill")

	return m.awaitFill(ctx, orderID)
}

// tested evaluates the trigger rules: the underlying touching a short
// strike, or a short leg's |delta| past the bound.
func (m *Manager) tested(ctx context.Context, p *models.Position) (bool, models.OptionRight, error) {
	stock, err := m.broker.SnapshotStock(ctx, p.Symbol)
	if err != nil {
		return false, "", fmt.Errorf("roll: spot for %s: %w", p.Symbol, err)
	}
	spot := stock.Last
	if stock.Bid > 0 && stock.Ask > 0 {
		spot = (stock.Bid + stock.Ask) / 2
	}

	if short := p.ShortLeg(models.RightCall); short != nil {
		if spot >= short.Strike {
			return true, models.RightCall, nil
		}
		if tested, err := m.deltaTested(ctx, p, short); err != nil {
			return false, "", err
		} else if tested {
			return true, models.RightCall, nil
		}
	}
	if short := p.ShortLeg(models.RightPut); short != nil {
		if spot <= short.Strike {
			return true, models.RightPut, nil
		}
		if tested, err := m.deltaTested(ctx, p, short); err != nil {
			return false, "", err
		} else if tested {
			return true, models.RightPut, nil
		}
	}
	return false, "", nil
}

func (m *Manager) deltaTested(ctx context.Context, p *models.Position, short *models.Leg) (bool, error) {
	q, err := m.broker.SnapshotOption(ctx, broker.Contract{
		ConID:      short.ConID,
		Symbol:     short.ContractSymbol,
		SecType:    "OPT",
		Expiration: p.Expiration,
		Strike:     short.Strike,
		Right:      short.Right,
	})
	if err != nil {
		return false, fmt.Errorf("roll: short delta for %s: %w", p.Symbol, err)
	}
	return math.Abs(q.Delta) > testedDeltaBound, nil
}

// propose builds the successor: the tested side's strikes move one width
// away from the market, the untested side (if any) is unchanged, and the
// expiration rolls to the next monthly at least 30 days out.
func (m *Manager) propose(ctx context.Context, p *models.Position, tested models.OptionRight) (*models.Position, error) {
	width := p.Width(tested)
	if width <= 0 {
		return nil, fmt.Errorf("tested side has no spread width")
	}
	// Calls shift up away from a rising market, puts shift down.
	shift := width
	if tested == models.RightPut {
		shift = -width
	}
	expiration := NextMonthlyExpiry(p.Expiration.AddDate(0, 0, 30))

	legs := make([]models.Leg, 0, len(p.Legs))
	for _, leg := range p.Legs {
		next := leg
		if leg.Right == tested {
			next.Strike = leg.Strike + shift
		}
		qualified, err := m.broker.Qualify(ctx, broker.Contract{
			Symbol:     leg.ContractSymbol,
			SecType:    "OPT",
			Expiration: expiration,
			Strike:     next.Strike,
			Right:      next.Right,
		})
		if err != nil {
			return nil, fmt.Errorf("qualify %.2f%s: %w", next.Strike, next.Right, err)
		}
		next.ConID = qualified.ConID
		legs = append(legs, next)
	}

	successor := models.NewPosition(uuid.NewString(), p.Symbol, p.Strategy, legs,
		expiration, p.Contracts, p.EntryCredit, p.MaxRisk)
	successor.VIXEntry = p.VIXEntry
	successor.RegimeEntry = p.RegimeEntry
	return successor, nil
}

// awaitFill polls the roll order inside the fill window. A terminal
// non-fill, or the window expiring, abandons the roll.
func (m *Manager) awaitFill(ctx context.Context, orderID int64) (bool, error) {
	deadline := time.NewTimer(m.window)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			m.log.Warn().Int64("order_id", orderID).Msg("roll fill window expired, abandoning")
			if err := m.orders.Cancel(ctx, orderID, "roll fill window expired"); err != nil {
				m.log.Error().Err(err).Int64("order_id", orderID).Msg("roll cancel failed")
			}
			return false, nil
		case <-ticker.C:
			status, err := m.broker.OrderStatus(ctx, orderID)
			if err != nil {
				m.log.Warn().Err(err).Int64("order_id", orderID).Msg("roll status unavailable")
				continue
			}
			switch status.State {
			case models.OrderFilled:
				// Let the order manager run the ROLLED/OPEN transitions.
				m.orders.Poll(ctx)
				return true, nil
			case models.OrderCancelled, models.OrderInactive:
				return false, nil
			}
		}
	}
}

// NextMonthlyExpiry returns the first standard monthly option expiration
// (third Friday) on or after the given date.
func NextMonthlyExpiry(after time.Time) time.Time {
	after = after.UTC().Truncate(24 * time.Hour)
	for y, mo := after.Year(), after.Month(); ; {
		exp := thirdFriday(y, mo)
		if !exp.Before(after) {
			return exp
		}
		mo++
		if mo > time.December {
			mo = time.January
			y++
		}
	}
}

func thirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}
