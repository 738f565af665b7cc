package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/storage"
)

func openTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func callSpreadPosition(id string) *models.Position {
	exp := time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC)
	legs := []models.Leg{
		{ContractSymbol: "SPY 260417C00455000", Action: models.ActionSell,
			Strike: 455, Right: models.RightCall, Quantity: 1, EntryPrice: 1.125, ConID: 4551},
		{ContractSymbol: "SPY 260417C00460000", Action: models.ActionBuy,
			Strike: 460, Right: models.RightCall, Quantity: 1, EntryPrice: 0.50, ConID: 4601},
	}
	p := models.NewPosition(id, "SPY", models.StrategyVerticalCreditCall, legs, exp, 1, 0.6250, 437.50)
	p.VIXEntry = 18.5
	p.RegimeEntry = models.RegimeHighVolNeutral
	p.Exit = models.ExitState{
		TrailingStop:    1.5625,
		TrailingProfit:  0.3125,
		StopMultiplier:  2.5,
		ProfitTargetPct: 0.5,
	}
	return p
}

func TestPositionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := callSpreadPosition("pos-1")
	require.NoError(t, store.AddPosition(ctx, p))

	got, err := store.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, "SPY", got.Symbol)
	assert.Equal(t, models.StrategyVerticalCreditCall, got.Strategy)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Equal(t, 0.6250, got.EntryCredit)
	assert.Equal(t, 437.50, got.MaxRisk)
	assert.Equal(t, 18.5, got.VIXEntry)
	assert.Equal(t, models.RegimeHighVolNeutral, got.RegimeEntry)
	assert.Equal(t, 2.5, got.Exit.StopMultiplier)

	require.Len(t, got.Legs, 2)
	assert.Equal(t, models.ActionSell, got.Legs[0].Action)
	assert.Equal(t, 455.0, got.Legs[0].Strike)
	assert.Equal(t, models.RightCall, got.Legs[0].Right)
	assert.Equal(t, int64(4551), got.Legs[0].ConID)
	assert.Equal(t, models.ActionBuy, got.Legs[1].Action)
	assert.Equal(t, 460.0, got.Legs[1].Strike)
}

func TestGetPositionNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetPosition(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAddPositionRejectsInvalid(t *testing.T) {
	store := openTestStore(t)

	p := callSpreadPosition("pos-bad")
	p.Legs = p.Legs[:1] // a spread needs both legs
	assert.Error(t, store.AddPosition(context.Background(), p))
}

func TestOpenPositionsExcludesClosed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddPosition(ctx, callSpreadPosition("pos-open")))
	require.NoError(t, store.AddPosition(ctx, callSpreadPosition("pos-closed")))
	require.NoError(t, store.MarkPositionClosed(ctx, "pos-closed", models.StatusClosed,
		0.3125, models.ExitProfitTarget, 31.25, time.Now()))

	open, err := store.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "pos-open", open[0].ID)
	assert.Len(t, open[0].Legs, 2, "open positions carry their legs")
}

func TestMarkPositionClosedFinalizes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddPosition(ctx, callSpreadPosition("pos-2")))
	closedAt := time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)
	require.NoError(t, store.MarkPositionClosed(ctx, "pos-2", models.StatusClosed,
		1.5625, models.ExitStopLoss, -93.75, closedAt))

	got, err := store.GetPosition(ctx, "pos-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, 1.5625, got.ExitPrice)
	assert.Equal(t, models.ExitStopLoss, got.ExitReason)
	assert.Equal(t, -93.75, got.RealizedPnL)
	assert.True(t, got.ExitTime.Equal(closedAt))

	// Double close finds no OPEN row.
	err = store.MarkPositionClosed(ctx, "pos-2", models.StatusClosed,
		1.5625, models.ExitStopLoss, -93.75, closedAt)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMarkPositionClosedRejectsNonTerminalStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddPosition(ctx, callSpreadPosition("pos-3")))
	err := store.MarkPositionClosed(ctx, "pos-3", models.StatusOpen,
		0, models.ExitProfitTarget, 0, time.Now())
	assert.Error(t, err)
}

func TestMarkPositionClosedTerminalVariants(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, status := range []models.PositionStatus{models.StatusRolled, models.StatusClosedExternally} {
		id := "pos-" + string(status)
		require.NoError(t, store.AddPosition(ctx, callSpreadPosition(id)))
		require.NoError(t, store.MarkPositionClosed(ctx, id, status,
			0.80, models.ExitRolled, -17.50, time.Now()))

		got, err := store.GetPosition(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status)
	}
}

func TestUpdatePositionTrailing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddPosition(ctx, callSpreadPosition("pos-4")))

	next := models.ExitState{
		TrailingStop:      1.40,
		TrailingProfit:    0.25,
		HighestProfitSeen: 0.35,
		StopMultiplier:    2.2,
		ProfitTargetPct:   0.6,
		MLConfidence:      0.71,
		MLLastUpdate:      time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.UpdatePositionTrailing(ctx, "pos-4", next))

	got, err := store.GetPosition(ctx, "pos-4")
	require.NoError(t, err)
	assert.Equal(t, 1.40, got.Exit.TrailingStop)
	assert.Equal(t, 0.35, got.Exit.HighestProfitSeen)
	assert.Equal(t, 0.71, got.Exit.MLConfidence)
	assert.True(t, got.Exit.MLLastUpdate.Equal(next.MLLastUpdate))

	assert.ErrorIs(t, store.UpdatePositionTrailing(ctx, "missing", next), storage.ErrNotFound)
}

func TestTradeLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.LogTrade(ctx, &models.Trade{
		PositionID:    "pos-1",
		Symbol:        "SPY",
		Strategy:      models.StrategyVerticalCreditCall,
		Action:        "CLOSE",
		Status:        models.OrderSubmitted,
		SubmittedAt:   time.Now().UTC(),
		LimitPrice:    0.3125,
		Quantity:      1,
		VIXAtEntry:    18.5,
		RegimeAtEntry: models.RegimeHighVolNeutral,
	})
	require.NoError(t, err)
	require.NoError(t, store.CloseTrade(ctx, id, models.OrderFilled, 0.31, 1, 31.50))

	trades, err := store.TradeHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.OrderFilled, trades[0].Status)
	assert.Equal(t, 0.31, trades[0].FillPrice)
	assert.Equal(t, 1, trades[0].FilledQty)
	assert.Equal(t, 31.50, trades[0].RealizedPnL)
	assert.False(t, trades[0].FilledAt.IsZero())
}

func TestCloseTradePreservesOpenActionPnL(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Realized P/L belongs to the closing fill; an opening fill must not
	// record one even if the caller passes a value.
	id, err := store.LogTrade(ctx, &models.Trade{
		Symbol: "SPY", Strategy: models.StrategyVerticalCreditCall, Action: "OPEN",
		Status: models.OrderSubmitted, SubmittedAt: time.Now().UTC(),
		LimitPrice: 0.6250, Quantity: 1,
	})
	require.NoError(t, err)
	require.NoError(t, store.CloseTrade(ctx, id, models.OrderFilled, 0.6250, 1, 999))

	trades, err := store.TradeHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Zero(t, trades[0].RealizedPnL)
}

func TestLosingTradesAndDailyPnL(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	logClose := func(symbol string) int64 {
		id, err := store.LogTrade(ctx, &models.Trade{
			Symbol: symbol, Strategy: models.StrategyVerticalCreditCall, Action: "CLOSE",
			Status: models.OrderSubmitted, SubmittedAt: time.Now().UTC(),
			LimitPrice: 1.0, Quantity: 1,
		})
		require.NoError(t, err)
		return id
	}

	require.NoError(t, store.CloseTrade(ctx, logClose("SPY"), models.OrderFilled, 1.56, 1, -93.75))
	require.NoError(t, store.CloseTrade(ctx, logClose("QQQ"), models.OrderFilled, 0.31, 1, 42.00))
	require.NoError(t, store.CloseTrade(ctx, logClose("IWM"), models.OrderFilled, 1.20, 1, -20.00))

	losers, err := store.LosingTrades(ctx, 7, 20)
	require.NoError(t, err)
	require.Len(t, losers, 2)
	for _, l := range losers {
		assert.Negative(t, l.RealizedPnL)
	}

	recent, err := store.RecentClosedTrades(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	total, err := store.DailyRealizedPnL(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.InDelta(t, -71.75, total, 1e-9)
}

func TestDailyPnLUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	day := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.LogDailyPnL(ctx, day, -120.50))
	require.NoError(t, store.LogDailyPnL(ctx, day, -93.75), "same day overwrites")
}

func TestCircuitBreakerEventLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	active, err := store.ActiveCircuitBreakerEvent(ctx)
	require.NoError(t, err)
	assert.Nil(t, active, "fresh store has no active halt")

	id, err := store.LogCircuitBreakerEvent(ctx, &models.CircuitBreakerEvent{
		TriggeredAt:    time.Now().UTC(),
		Reason:         models.BreakerDailyMaxLoss,
		ThresholdValue: -500,
	})
	require.NoError(t, err)

	active, err = store.ActiveCircuitBreakerEvent(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, id, active.ID)
	assert.Equal(t, models.BreakerDailyMaxLoss, active.Reason)
	assert.Equal(t, -500.0, active.ThresholdValue)

	require.NoError(t, store.ResetCircuitBreaker(ctx, id, "operator", time.Now()))

	active, err = store.ActiveCircuitBreakerEvent(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	// A reset event cannot be reset again.
	assert.ErrorIs(t, store.ResetCircuitBreaker(ctx, id, "operator", time.Now()), storage.ErrNotFound)
}

func TestShadowTradeOutcomeLabelling(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	exp := time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC)
	id, err := store.LogShadowTrade(ctx, &models.ShadowTrade{
		Symbol:       "SPY",
		Strategy:     models.StrategyVerticalCreditCall,
		RejectedAt:   exp.AddDate(0, 0, -21),
		RejectReason: "delta gate: short delta 0.41 above max",
		Expiration:   exp,
		ShortStrike:  455,
		LongStrike:   460,
		Credit:       0.6250,
		SpotAtReject: 450,
		VIX:          18.5,
		Regime:       models.RegimeHighVolNeutral,
	})
	require.NoError(t, err)

	// Before expiration nothing is due.
	pending, err := store.PendingShadowTrades(ctx, exp.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = store.PendingShadowTrades(ctx, exp.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, models.ShadowPending, pending[0].Outcome)
	assert.Equal(t, 455.0, pending[0].ShortStrike)

	require.NoError(t, store.UpdateShadowOutcome(ctx, id, models.ShadowGoodReject))

	pending, err = store.PendingShadowTrades(ctx, exp.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, pending, "labelled shadows leave the pending queue")
}

func TestLogSnapshotAndDecisions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LogSnapshot(ctx, &models.MarketSnapshot{
		Time:          time.Now().UTC(),
		VIX:           18.5,
		VIX3M:         20.1,
		Ratio:         18.5 / 20.1,
		TermStructure: models.TermContango,
		Regime:        models.RegimeHighVolNeutral,
		RegimeMode:    models.ModeRuleBased,
	}))

	require.NoError(t, store.LogAIDecision(ctx, &models.AIDecision{
		Model:          "advisor-large",
		DecisionType:   "ENTRY",
		Recommendation: "APPROVE",
		Confidence:     8,
		VIX:            18.5,
		Regime:         models.RegimeHighVolNeutral,
		CreatedAt:      time.Now().UTC(),
	}))

	require.NoError(t, store.LogExitAdjustment(ctx, &models.ExitAdjustment{
		PositionID:     "pos-1",
		AdjustedAt:     time.Now().UTC(),
		OldStop:        1.5625,
		NewStop:        1.40,
		OldProfit:      0.3125,
		NewProfit:      0.25,
		StopMultiplier: 2.2,
		MLConfidence:   0.71,
		Source:         "ML",
	}))
}
