// Package storage provides durable persistence for trades, positions,
// advisor decisions, shadow trades, circuit-breaker events and exit
// adjustments, backed by an embedded sqlite database.
package storage

import (
	"context"
	"time"

	"github.com/tvasek/condorbot/internal/models"
)

// Interface is the persistence contract the rest of the engine depends on.
//
// Implementations must be safe for concurrent use: writes are serialized per
// entity id, concurrent readers are always allowed. A cancelled context must
// not leave a partial write behind.
type Interface interface {
	// Append operations.
	LogTrade(ctx context.Context, t *models.Trade) (int64, error)
	LogAIDecision(ctx context.Context, d *models.AIDecision) error
	LogShadowTrade(ctx context.Context, s *models.ShadowTrade) (int64, error)
	LogCircuitBreakerEvent(ctx context.Context, e *models.CircuitBreakerEvent) (int64, error)
	LogExitAdjustment(ctx context.Context, a *models.ExitAdjustment) error
	LogSnapshot(ctx context.Context, s *models.MarketSnapshot) error
	LogDailyPnL(ctx context.Context, day time.Time, realized float64) error

	// Position lifecycle.
	AddPosition(ctx context.Context, p *models.Position) error
	UpdatePositionTrailing(ctx context.Context, positionID string, exit models.ExitState) error
	MarkPositionClosed(ctx context.Context, positionID string, status models.PositionStatus,
		exitPrice float64, reason models.ExitReason, realizedPnL float64, closedAt time.Time) error

	// Update-by-id.
	CloseTrade(ctx context.Context, tradeID int64, status models.OrderState, fillPrice float64, filledQty int, realizedPnL float64) error
	ResetCircuitBreaker(ctx context.Context, eventID int64, resetBy string, at time.Time) error
	UpdateShadowOutcome(ctx context.Context, shadowID int64, outcome models.ShadowOutcome) error

	// Queries.
	OpenPositions(ctx context.Context) ([]models.Position, error)
	GetPosition(ctx context.Context, positionID string) (*models.Position, error)
	TradeHistory(ctx context.Context, limit int) ([]models.Trade, error)
	LosingTrades(ctx context.Context, days, limit int) ([]models.Trade, error)
	RecentClosedTrades(ctx context.Context, limit int) ([]models.Trade, error)
	PendingShadowTrades(ctx context.Context, asOf time.Time) ([]models.ShadowTrade, error)
	ActiveCircuitBreakerEvent(ctx context.Context) (*models.CircuitBreakerEvent, error)
	DailyRealizedPnL(ctx context.Context, day time.Time) (float64, error)

	Close() error
}
