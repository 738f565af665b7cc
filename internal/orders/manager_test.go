package orders

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvasek/condorbot/internal/broker"
	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/mock"
	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/notify"
	"github.com/tvasek/condorbot/internal/storage"
)

func openTestStore(t *testing.T) storage.Interface {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "orders_test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testPosition(id string) *models.Position {
	exp := time.Now().UTC().Add(35 * 24 * time.Hour)
	return models.NewPosition(id, "SPY", models.StrategyVerticalCreditCall,
		[]models.Leg{
			{ContractSymbol: "SPY", Action: models.ActionSell, Strike: 455, Right: models.RightCall, Quantity: 1, EntryPrice: 1.125, ConID: 4551},
			{ContractSymbol: "SPY", Action: models.ActionBuy, Strike: 460, Right: models.RightCall, Quantity: 1, EntryPrice: 0.50, ConID: 4601},
		}, exp, 1, 0.6250, 437.50)
}

func newManager(t *testing.T, b *mock.Broker) (*Manager, storage.Interface) {
	t.Helper()
	store := openTestStore(t)
	cfg := config.OrdersConfig{TTLMinutes: 30, CleanupIntervalMinutes: 10, MaxOpenUnfilled: 10}
	return NewManager(b, store, notify.Nop{}, cfg, zerolog.Nop()), store
}

func TestSubmitOpenBuildsCreditCombo(t *testing.T) {
	b := mock.NewBroker()
	m, _ := newManager(t, b)

	id, err := m.SubmitOpen(context.Background(), testPosition("p1"), 0.6250)
	require.NoError(t, err)
	assert.NotZero(t, id)

	require.Len(t, b.PlacedCombos, 1)
	placed := b.PlacedCombos[0]
	assert.Equal(t, "SPY", placed.Symbol)
	assert.Equal(t, models.ActionSell, placed.Order.Action, "credit structures sell the combo")
	assert.Equal(t, 0.6250, placed.Order.LimitPrice)
	assert.Equal(t, "DAY", placed.Order.TIF)
	require.Len(t, placed.Legs, 2)
	assert.Equal(t, models.ActionSell, placed.Legs[0].Action)
	assert.Equal(t, models.ActionBuy, placed.Legs[1].Action)
}

func TestSubmitCloseReversesLegs(t *testing.T) {
	b := mock.NewBroker()
	m, _ := newManager(t, b)

	_, err := m.SubmitClose(context.Background(), testPosition("p1"), 0.31, models.ExitProfitTarget)
	require.NoError(t, err)

	placed := b.PlacedCombos[0]
	assert.Equal(t, models.ActionBuy, placed.Order.Action, "closing a credit buys it back")
	assert.False(t, placed.Order.Market, "profit target closes at the limit")
	assert.Equal(t, models.ActionBuy, placed.Legs[0].Action, "short leg reversed")
	assert.Equal(t, models.ActionSell, placed.Legs[1].Action, "long leg reversed")
}

func TestSubmitCloseUrgentReasonGoesMarket(t *testing.T) {
	b := mock.NewBroker()
	m, _ := newManager(t, b)

	_, err := m.SubmitClose(context.Background(), testPosition("p1"), 0, models.ExitTime)
	require.NoError(t, err)
	assert.True(t, b.PlacedCombos[0].Order.Market)
}

// An order past its TTL is cancelled on the next sweep, its tracking record
// dropped, and younger orders are left working.
func TestCancelStaleOrders(t *testing.T) {
	b := mock.NewBroker()
	m, _ := newManager(t, b)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	now := t0
	m.SetNowFunc(func() time.Time { return now })

	staleID, err := m.SubmitOpen(ctx, testPosition("p-stale"), 0.62)
	require.NoError(t, err)
	// Backdate the submission so only this order ages past the TTL.
	m.mu.Lock()
	m.tracked[staleID].SubmittedAt = t0
	m.mu.Unlock()

	freshID, err := m.SubmitOpen(ctx, testPosition("p-fresh"), 0.58)
	require.NoError(t, err)
	m.mu.Lock()
	m.tracked[freshID].SubmittedAt = t0.Add(20 * time.Minute)
	m.mu.Unlock()

	now = t0.Add(35 * time.Minute)
	require.NoError(t, m.CancelStaleOrders(ctx, 30*time.Minute))

	assert.True(t, b.Cancelled(staleID))
	assert.False(t, b.Cancelled(freshID))

	remaining := m.Tracked()
	require.Len(t, remaining, 1)
	assert.Equal(t, freshID, remaining[0].OrderID)
}

// Broker orders without a tracking record are conservatively cancelled on
// the first sweep only.
func TestFirstSweepCancelsUntrackedOrders(t *testing.T) {
	b := mock.NewBroker()
	b.OpenOrdersFn = func(ctx context.Context) ([]broker.OpenOrder, error) {
		return []broker.OpenOrder{{OrderID: 9001, Symbol: "QQQ", Quantity: 1, Status: models.OrderSubmitted}}, nil
	}
	m, _ := newManager(t, b)

	require.NoError(t, m.CancelStaleOrders(context.Background(), 30*time.Minute))
	assert.True(t, b.Cancelled(9001))

	// Second sweep must not re-cancel.
	before := len(b.CancelledOrders)
	require.NoError(t, m.CancelStaleOrders(context.Background(), 30*time.Minute))
	assert.Equal(t, before, len(b.CancelledOrders))
}

func TestOpenQueuesPastUnfilledCap(t *testing.T) {
	b := mock.NewBroker()
	store := openTestStore(t)
	cfg := config.OrdersConfig{TTLMinutes: 30, CleanupIntervalMinutes: 10, MaxOpenUnfilled: 1}
	m := NewManager(b, store, notify.Nop{}, cfg, zerolog.Nop())
	ctx := context.Background()

	first, err := m.SubmitOpen(ctx, testPosition("p1"), 0.62)
	require.NoError(t, err)
	require.NotZero(t, first)

	queued, err := m.SubmitOpen(ctx, testPosition("p2"), 0.58)
	require.NoError(t, err)
	assert.Zero(t, queued, "second open waits behind the cap")
	assert.Equal(t, 1, m.Queued())
	assert.Len(t, b.PlacedCombos, 1)

	// The first order fills; the next poll drains the queue.
	b.OrderStatusFn = func(ctx context.Context, orderID int64) (broker.OrderStatus, error) {
		if orderID == first {
			return broker.OrderStatus{OrderID: orderID, State: models.OrderFilled, Filled: 1, AvgFillPrice: 0.62}, nil
		}
		return broker.OrderStatus{OrderID: orderID, State: models.OrderSubmitted}, nil
	}
	m.Poll(ctx)

	assert.Equal(t, 0, m.Queued())
	assert.Len(t, b.PlacedCombos, 2)
}

func TestFilledOpenPersistsPosition(t *testing.T) {
	b := mock.NewBroker()
	m, store := newManager(t, b)
	ctx := context.Background()

	_, err := m.SubmitOpen(ctx, testPosition("p1"), 0.62)
	require.NoError(t, err)

	b.OrderStatusFn = func(ctx context.Context, orderID int64) (broker.OrderStatus, error) {
		return broker.OrderStatus{OrderID: orderID, State: models.OrderFilled, Filled: 1, AvgFillPrice: 0.60}, nil
	}
	m.Poll(ctx)

	open, err := store.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p1", open[0].ID)
	assert.Equal(t, 0.60, open[0].EntryCredit, "entry credit comes from the fill, not the limit")
	assert.Empty(t, m.Tracked())
}

func TestCancelledOrderLeavesNoPosition(t *testing.T) {
	b := mock.NewBroker()
	m, store := newManager(t, b)
	ctx := context.Background()

	_, err := m.SubmitOpen(ctx, testPosition("p1"), 0.62)
	require.NoError(t, err)

	b.OrderStatusFn = func(ctx context.Context, orderID int64) (broker.OrderStatus, error) {
		return broker.OrderStatus{OrderID: orderID, State: models.OrderCancelled}, nil
	}
	m.Poll(ctx)

	open, err := store.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Empty(t, m.Tracked())
}

// A partial fill on a BAG contradicts its all-or-none contract: cancel the
// remainder, mark the trade Inactive, never create a Position.
func TestPartialFillOnBagEscalates(t *testing.T) {
	b := mock.NewBroker()
	m, store := newManager(t, b)
	ctx := context.Background()

	id, err := m.SubmitOpen(ctx, testPosition("p1"), 0.62)
	require.NoError(t, err)

	b.OrderStatusFn = func(ctx context.Context, orderID int64) (broker.OrderStatus, error) {
		return broker.OrderStatus{OrderID: orderID, State: models.OrderPartiallyFilled, Filled: 1, Remaining: 1}, nil
	}
	m.Poll(ctx)

	assert.True(t, b.Cancelled(id))
	open, err := store.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Empty(t, m.Tracked())
}

func TestFilledCloseRealizesPnL(t *testing.T) {
	b := mock.NewBroker()
	m, store := newManager(t, b)
	ctx := context.Background()

	p := testPosition("p1")
	require.NoError(t, store.AddPosition(ctx, p))

	_, err := m.SubmitClose(ctx, p, 0.31, models.ExitProfitTarget)
	require.NoError(t, err)

	b.OrderStatusFn = func(ctx context.Context, orderID int64) (broker.OrderStatus, error) {
		return broker.OrderStatus{OrderID: orderID, State: models.OrderFilled, Filled: 1, AvgFillPrice: 0.3125}, nil
	}
	m.Poll(ctx)

	open, err := store.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	stored, err := store.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, stored.Status)
	assert.Equal(t, models.ExitProfitTarget, stored.ExitReason)
	// (0.6250 - 0.3125) * 1 contract * 100 shares.
	assert.InDelta(t, 31.25, stored.RealizedPnL, 1e-9)
}

// A roll fill marks the old position ROLLED and opens the successor in the
// same transition.
func TestFilledRollSwapsPositions(t *testing.T) {
	b := mock.NewBroker()
	m, store := newManager(t, b)
	ctx := context.Background()

	old := testPosition("p-old")
	require.NoError(t, store.AddPosition(ctx, old))

	exp := old.Expiration.Add(30 * 24 * time.Hour)
	next := models.NewPosition("p-new", "SPY", models.StrategyVerticalCreditCall,
		[]models.Leg{
			{ContractSymbol: "SPY", Action: models.ActionSell, Strike: 460, Right: models.RightCall, Quantity: 1, EntryPrice: 1.05, ConID: 4602},
			{ContractSymbol: "SPY", Action: models.ActionBuy, Strike: 465, Right: models.RightCall, Quantity: 1, EntryPrice: 0.45, ConID: 4651},
		}, exp, 1, 0.60, 440)

	id, err := m.SubmitRoll(ctx, old, next, 0.05)
	require.NoError(t, err)

	// One BAG: the old legs reversed plus the new legs.
	require.Len(t, b.PlacedCombos, 1)
	placed := b.PlacedCombos[0]
	require.Len(t, placed.Legs, 4)
	assert.Equal(t, models.ActionBuy, placed.Legs[0].Action, "old short bought back")
	assert.Equal(t, models.ActionSell, placed.Legs[1].Action, "old long sold")
	assert.Equal(t, models.ActionSell, placed.Legs[2].Action, "new short sold")
	assert.Equal(t, models.ActionBuy, placed.Legs[3].Action, "new long bought")
	assert.Equal(t, 0.05, placed.Order.LimitPrice)

	b.OrderStatusFn = func(ctx context.Context, orderID int64) (broker.OrderStatus, error) {
		if orderID == id {
			return broker.OrderStatus{OrderID: orderID, State: models.OrderFilled, Filled: 1, AvgFillPrice: 0.03}, nil
		}
		return broker.OrderStatus{OrderID: orderID, State: models.OrderSubmitted}, nil
	}
	m.Poll(ctx)

	oldStored, err := store.GetPosition(ctx, "p-old")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRolled, oldStored.Status)

	open, err := store.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p-new", open[0].ID)
}
