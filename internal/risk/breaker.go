// Package risk implements the validation layer between a built proposal and
// the order manager: the trading circuit breaker, the ordered entry gates,
// beta-weighted portfolio exposure, and the advisor sanity check.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/storage"
)

// ErrCircuitBreakerActive blocks every entry path while an event is active.
var ErrCircuitBreakerActive = errors.New("risk: circuit breaker active")

// TradingBreaker trips on loss streaks and daily drawdown, persisting events
// so a restart cannot forget an active halt.
type TradingBreaker struct {
	store   storage.Interface
	trading config.TradingConfig
	log     zerolog.Logger
	now     func() time.Time
}

func NewTradingBreaker(store storage.Interface, trading config.TradingConfig, log zerolog.Logger) *TradingBreaker {
	return &TradingBreaker{
		store:   store,
		trading: trading,
		log:     log.With().Str("component", "circuit_breaker").Logger(),
		now:     time.Now,
	}
}

// Check returns ErrCircuitBreakerActive when an unreset event exists.
func (b *TradingBreaker) Check(ctx context.Context) error {
	event, err := b.store.ActiveCircuitBreakerEvent(ctx)
	if err != nil {
		return fmt.Errorf("querying circuit breaker: %w", err)
	}
	if event != nil {
		return fmt.Errorf("%w: %s since %s (threshold %.2f)",
			ErrCircuitBreakerActive, event.Reason,
			event.TriggeredAt.Format(time.RFC3339), event.ThresholdValue)
	}
	return nil
}

// AfterClose re-evaluates the trip conditions after a realized close. Called
// once per closed trade; returns the event when a trip occurred.
func (b *TradingBreaker) AfterClose(ctx context.Context) (*models.CircuitBreakerEvent, error) {
	if event, err := b.store.ActiveCircuitBreakerEvent(ctx); err != nil {
		return nil, err
	} else if event != nil {
		return nil, nil // already halted
	}

	if event, err := b.checkDailyLoss(ctx); event != nil || err != nil {
		return event, err
	}
	return b.checkConsecutiveLosses(ctx)
}

func (b *TradingBreaker) checkDailyLoss(ctx context.Context) (*models.CircuitBreakerEvent, error) {
	if b.trading.DailyMaxLossPct <= 0 || b.trading.AccountSize <= 0 {
		return nil, nil
	}
	realized, err := b.store.DailyRealizedPnL(ctx, b.now())
	if err != nil {
		return nil, fmt.Errorf("querying daily pnl: %w", err)
	}
	floor := -b.trading.AccountSize * b.trading.DailyMaxLossPct / 100
	if realized > floor {
		return nil, nil
	}
	return b.trip(ctx, models.BreakerDailyMaxLoss, realized)
}

func (b *TradingBreaker) checkConsecutiveLosses(ctx context.Context) (*models.CircuitBreakerEvent, error) {
	limit := b.trading.ConsecutiveLossLim
	if limit <= 0 {
		return nil, nil
	}
	trades, err := b.store.RecentClosedTrades(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent closes: %w", err)
	}
	if len(trades) < limit {
		return nil, nil
	}
	for _, t := range trades {
		if t.RealizedPnL >= 0 {
			return nil, nil
		}
	}
	return b.trip(ctx, models.BreakerConsecutiveLosses, float64(limit))
}

func (b *TradingBreaker) trip(ctx context.Context, reason models.BreakerReason, threshold float64) (*models.CircuitBreakerEvent, error) {
	event := &models.CircuitBreakerEvent{
		TriggeredAt:    b.now().UTC(),
		Reason:         reason,
		ThresholdValue: threshold,
	}
	id, err := b.store.LogCircuitBreakerEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("persisting circuit breaker event: %w", err)
	}
	event.ID = id
	b.log.Error().Str("reason", string(reason)).Float64("threshold", threshold).
		Msg("circuit breaker tripped, entries halted")
	return event, nil
}

// TripManual records an operator-initiated halt.
func (b *TradingBreaker) TripManual(ctx context.Context) (*models.CircuitBreakerEvent, error) {
	if err := b.Check(ctx); errors.Is(err, ErrCircuitBreakerActive) {
		return nil, nil
	}
	return b.trip(ctx, models.BreakerManual, 0)
}

// Reset clears the active event.
func (b *TradingBreaker) Reset(ctx context.Context, resetBy string) error {
	event, err := b.store.ActiveCircuitBreakerEvent(ctx)
	if err != nil {
		return err
	}
	if event == nil {
		return nil
	}
	if err := b.store.ResetCircuitBreaker(ctx, event.ID, resetBy, b.now().UTC()); err != nil {
		return fmt.Errorf("resetting circuit breaker: %w", err)
	}
	b.log.Warn().Str("reset_by", resetBy).Int64("event_id", event.ID).Msg("circuit breaker reset")
	return nil
}

// SetNowFunc overrides the clock in tests.
func (b *TradingBreaker) SetNowFunc(now func() time.Time) { b.now = now }
