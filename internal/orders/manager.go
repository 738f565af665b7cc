// Package orders owns the combo order lifecycle: BAG construction for
// entries, exits, and atomic rolls, tracking of every live order, TTL
// cleanup, and the fill-driven position transitions.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/broker"
	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/notify"
	"github.com/tvasek/condorbot/internal/storage"
)

// Intent says what a tracked order does to its position when it fills.
type Intent string

const (
	IntentOpen  Intent = "OPEN"
	IntentClose Intent = "CLOSE"
	IntentRoll  Intent = "ROLL"
)

// Ticket is the tracking record the manager retains for every live order.
type Ticket struct {
	OrderID     int64
	TradeID     int64
	Intent      Intent
	Position    *models.Position // opened on fill, or the position being closed/rolled
	Successor   *models.Position // roll only: the replacement position
	ExitReason  models.ExitReason
	SubmittedAt time.Time
}

type pendingOpen struct {
	position *models.Position
	limit    float64
}

// Manager places combo orders and drives their state machine. Only a Filled
// status transitions a Position; Cancelled and Inactive orders leave the
// book untouched.
type Manager struct {
	broker   broker.Broker
	store    storage.Interface
	notifier notify.Notifier
	cfg      config.OrdersConfig
	log      zerolog.Logger

	mu      sync.Mutex
	tracked map[int64]*Ticket
	queue   []pendingOpen
	swept   bool // untracked broker orders are cancelled on the first sweep only
	now     func() time.Time
}

func NewManager(b broker.Broker, store storage.Interface, notifier notify.Notifier,
	cfg config.OrdersConfig, log zerolog.Logger) *Manager {
	return &Manager{
		broker:   b,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With().Str("component", "orders").Logger(),
		tracked:  make(map[int64]*Ticket),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock for tests.
func (m *Manager) SetNowFunc(f func() time.Time) { m.now = f }

// comboLegs maps position legs onto BAG legs, optionally reversing each
// action (for closes, and for the closing half of a roll).
func comboLegs(legs []models.Leg, reverse bool) []broker.ComboLeg {
	out := make([]broker.ComboLeg, 0, len(legs))
	for _, l := range legs {
		action := l.Action
		if reverse {
			action = action.Reverse()
		}
		out = append(out, broker.ComboLeg{ConID: l.ConID, Action: action, Ratio: l.Quantity})
	}
	return out
}

// SubmitOpen places the entry combo for a new position at the given net
// limit. Credit structures SELL the combo to collect the limit; debit
// structures BUY it. When the unfilled-order cap is reached the open is
// queued, never dropped, and resubmitted as fills clear.
func (m *Manager) SubmitOpen(ctx context.Context, p *models.Position, limit float64) (int64, error) {
	m.mu.Lock()
	if len(m.tracked) >= m.cfg.MaxOpenUnfilled {
		m.queue = append(m.queue, pendingOpen{position: p, limit: limit})
		n := len(m.queue)
		m.mu.Unlock()
		m.log.Info().Str("symbol", p.Symbol).Int("queued", n).
			Msg("unfilled-order cap reached, open queued")
		return 0, nil
	}
	m.mu.Unlock()
	return m.placeOpen(ctx, p, limit)
}

func (m *Manager) placeOpen(ctx context.Context, p *models.Position, limit float64) (int64, error) {
	action := models.ActionBuy
	if p.Strategy.IsCredit() {
		action = models.ActionSell
	}
	order := broker.ComboOrder{
		Action:     action,
		Quantity:   p.Contracts,
		LimitPrice: limit,
		TIF:        "DAY",
	}
	handle, err := m.broker.PlaceCombo(ctx, p.Symbol, comboLegs(p.Legs, false), order)
	if err != nil {
		return 0, fmt.Errorf("orders: open %s: %w", p.Symbol, err)
	}

	tradeID, err := m.store.LogTrade(ctx, &models.Trade{
		PositionID:    p.ID,
		Symbol:        p.Symbol,
		Strategy:      p.Strategy,
		Action:        "OPEN",
		Status:        models.OrderSubmitted,
		SubmittedAt:   handle.SubmittedAt,
		LimitPrice:    limit,
		Quantity:      p.Contracts,
		VIXAtEntry:    p.VIXEntry,
		RegimeAtEntry: p.RegimeEntry,
	})
	if err != nil {
		return 0, fmt.Errorf("orders: record open trade: %w", err)
	}

	m.track(&Ticket{
		OrderID:     handle.OrderID,
		TradeID:     tradeID,
		Intent:      IntentOpen,
		Position:    p,
		SubmittedAt: handle.SubmittedAt,
	})
	m.log.Info().Int64("order_id", handle.OrderID).Str("symbol", p.Symbol).
		Str("strategy", string(p.Strategy)).Float64("limit", limit).Msg("open order placed")
	return handle.OrderID, nil
}

// SubmitClose places the closing combo for an open position. Every leg
// action is reversed; urgent reasons (time exit, AI override) go out at
// market, everything else at the given limit.
func (m *Manager) SubmitClose(ctx context.Context, p *models.Position, limit float64, reason models.ExitReason) (int64, error) {
	// Closing a credit structure buys the combo back.
	action := models.ActionSell
	if p.Strategy.IsCredit() {
		action = models.ActionBuy
	}
	order := broker.ComboOrder{
		Action:     action,
		Quantity:   p.Contracts,
		LimitPrice: limit,
		Market:     reason.Urgent(),
		TIF:        "DAY",
	}
	handle, err := m.broker.PlaceCombo(ctx, p.Symbol, comboLegs(p.Legs, true), order)
	if err != nil {
		return 0, fmt.Errorf("orders: close %s: %w", p.Symbol, err)
	}

	tradeID, err := m.store.LogTrade(ctx, &models.Trade{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Strategy:    p.Strategy,
		Action:      "CLOSE",
		Status:      models.OrderSubmitted,
		SubmittedAt: handle.SubmittedAt,
		LimitPrice:  limit,
		Quantity:    p.Contracts,
		Notes:       string(reason),
	})
	if err != nil {
		return 0, fmt.Errorf("orders: record close trade: %w", err)
	}

	m.track(&Ticket{
		OrderID:     handle.OrderID,
		TradeID:     tradeID,
		Intent:      IntentClose,
		Position:    p,
		ExitReason:  reason,
		SubmittedAt: handle.SubmittedAt,
	})
	m.log.Info().Int64("order_id", handle.OrderID).Str("symbol", p.Symbol).
		Str("reason", string(reason)).Bool("market", order.Market).Msg("close order placed")
	return handle.OrderID, nil
}

// SubmitRoll places a single BAG that reverses the old position's legs and
// opens the successor's, so the roll executes atomically or not at all. The
// limit is the maximum net debit paid for the whole roll.
func (m *Manager) SubmitRoll(ctx context.Context, old, successor *models.Position, maxDebit float64) (int64, error) {
	legs := append(comboLegs(old.Legs, true), comboLegs(successor.Legs, false)...)
	order := broker.ComboOrder{
		Action:     models.ActionBuy,
		Quantity:   old.Contracts,
		LimitPrice: maxDebit,
		TIF:        "DAY",
	}
	handle, err := m.broker.PlaceCombo(ctx, old.Symbol, legs, order)
	if err != nil {
		return 0, fmt.Errorf("orders: roll %s: %w", old.Symbol, err)
	}

	tradeID, err := m.store.LogTrade(ctx, &models.Trade{
		PositionID:  old.ID,
		Symbol:      old.Symbol,
		Strategy:    old.Strategy,
		Action:      "ROLL",
		Status:      models.OrderSubmitted,
		SubmittedAt: handle.SubmittedAt,
		LimitPrice:  maxDebit,
		Quantity:    old.Contracts,
	})
	if err != nil {
		return 0, fmt.Errorf("orders: record roll trade: %w", err)
	}

	m.track(&Ticket{
		OrderID:     handle.OrderID,
		TradeID:     tradeID,
		Intent:      IntentRoll,
		Position:    old,
		Successor:   successor,
		SubmittedAt: handle.SubmittedAt,
	})
	m.log.Info().Int64("order_id", handle.OrderID).Str("symbol", old.Symbol).
		Float64("max_debit", maxDebit).Msg("roll order placed")
	return handle.OrderID, nil
}

func (m *Manager) track(t *Ticket) {
	m.mu.Lock()
	m.tracked[t.OrderID] = t
	m.mu.Unlock()
}

func (m *Manager) drop(orderID int64) {
	m.mu.Lock()
	delete(m.tracked, orderID)
	m.mu.Unlock()
}

// Tracked returns a snapshot of the live tracking records.
func (m *Manager) Tracked() []Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Ticket, 0, len(m.tracked))
	for _, t := range m.tracked {
		out = append(out, *t)
	}
	return out
}

// TrackedCount returns the number of live tracking records.
func (m *Manager) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Queued returns the number of opens waiting behind the unfilled-order cap.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Cancel cancels one tracked order and drops its record. Used by the roll
// manager when its fill window expires.
func (m *Manager) Cancel(ctx context.Context, orderID int64, reason string) error {
	m.mu.Lock()
	t, ok := m.tracked[orderID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("orders: order %d not tracked", orderID)
	}
	if err := m.broker.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("orders: cancel %d: %w", orderID, err)
	}
	if err := m.store.CloseTrade(ctx, t.TradeID, models.OrderCancelled, 0, 0, 0); err != nil {
		m.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("cancel not recorded")
	}
	m.drop(orderID)
	m.notifier.OrderCancelled(orderID, t.Position.Symbol, reason)
	return nil
}

// CancelStaleOrders cancels every tracked order older than ttl and drops its
// record. The first sweep also cancels broker orders with no tracking record
// (left over from a previous process) before aging the rest.
func (m *Manager) CancelStaleOrders(ctx context.Context, ttl time.Duration) error {
	if err := m.cancelUntracked(ctx); err != nil {
		m.log.Warn().Err(err).Msg("untracked-order sweep failed")
	}

	now := m.now()
	m.mu.Lock()
	var stale []*Ticket
	for _, t := range m.tracked {
		if now.Sub(t.SubmittedAt) > ttl {
			stale = append(stale, t)
		}
	}
	m.mu.Unlock()

	for _, t := range stale {
		if err := m.broker.CancelOrder(ctx, t.OrderID); err != nil {
			m.log.Error().Err(err).Int64("order_id", t.OrderID).Msg("stale-order cancel failed")
			continue
		}
		if err := m.store.CloseTrade(ctx, t.TradeID, models.OrderCancelled, 0, 0, 0); err != nil {
			m.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("cancel not recorded")
		}
		m.drop(t.OrderID)
		m.notifier.OrderCancelled(t.OrderID, t.Position.Symbol, "order TTL expired")
		m.log.Info().Int64("order_id", t.OrderID).
			Dur("age", now.Sub(t.SubmittedAt)).Msg("stale order cancelled")
	}
	m.resumeQueued(ctx)
	return nil
}

// cancelUntracked cancels broker-side open orders the manager has no record
// of. Runs once per process; a restart must not leave orphan orders working.
func (m *Manager) cancelUntracked(ctx context.Context) error {
	m.mu.Lock()
	if m.swept {
		m.mu.Unlock()
		return nil
	}
	m.swept = true
	m.mu.Unlock()

	open, err := m.broker.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("orders: list open orders: %w", err)
	}
	for _, o := range open {
		m.mu.Lock()
		_, known := m.tracked[o.OrderID]
		m.mu.Unlock()
		if known {
			continue
		}
		if err := m.broker.CancelOrder(ctx, o.OrderID); err != nil {
			m.log.Error().Err(err).Int64("order_id", o.OrderID).Msg("orphan cancel failed")
			continue
		}
		m.notifier.OrderCancelled(o.OrderID, o.Symbol, "no tracking record")
		m.log.Warn().Int64("order_id", o.OrderID).Str("symbol", o.Symbol).
			Msg("untracked order cancelled")
	}
	return nil
}

// Poll advances every tracked order through its state machine from the
// broker-reported status.
func (m *Manager) Poll(ctx context.Context) {
	for _, t := range m.Tracked() {
		status, err := m.broker.OrderStatus(ctx, t.OrderID)
		if err != nil {
			m.log.Warn().Err(err).Int64("order_id", t.OrderID).Msg("order status unavailable")
			continue
		}
		m.advance(ctx, t, status)
	}
	m.resumeQueued(ctx)
}

func (m *Manager) advance(ctx context.Context, t Ticket, status broker.OrderStatus) {
	switch status.State {
	case models.OrderSubmitted:
		// Still working.
	case models.OrderPartiallyFilled:
		m.handlePartialFill(ctx, t, status)
	case models.OrderFilled:
		m.handleFill(ctx, t, status)
	case models.OrderCancelled, models.OrderInactive:
		if err := m.store.CloseTrade(ctx, t.TradeID, status.State, status.AvgFillPrice, status.Filled, 0); err != nil {
			m.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("terminal status not recorded")
		}
		m.drop(t.OrderID)
		m.log.Info().Int64("order_id", t.OrderID).Str("state", string(status.State)).
			Msg("order finished without filling")
	}
}

// handlePartialFill treats a partial fill on a BAG as a broker
// inconsistency: the combo contract promises all-or-none. The remainder is
// cancelled, the trade marked Inactive, and no Position is touched.
func (m *Manager) handlePartialFill(ctx context.Context, t Ticket, status broker.OrderStatus) {
	m.log.Error().Int64("order_id", t.OrderID).Int("filled", status.Filled).
		Int("remaining", status.Remaining).Msg("partial fill on a BAG, cancelling remainder")
	if err := m.broker.CancelOrder(ctx, t.OrderID); err != nil {
		m.log.Error().Err(err).Int64("order_id", t.OrderID).Msg("remainder cancel failed")
	}
	if err := m.store.CloseTrade(ctx, t.TradeID, models.OrderInactive, status.AvgFillPrice, status.Filled, 0); err != nil {
		m.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("partial fill not recorded")
	}
	m.drop(t.OrderID)
	m.notifier.PipelineError("orders",
		fmt.Errorf("partial fill on BAG order %d (%s): %d filled, %d remaining",
			t.OrderID, t.Position.Symbol, status.Filled, status.Remaining))
}

func (m *Manager) handleFill(ctx context.Context, t Ticket, status broker.OrderStatus) {
	switch t.Intent {
	case IntentOpen:
		m.fillOpen(ctx, t, status)
	case IntentClose:
		m.fillClose(ctx, t, status)
	case IntentRoll:
		m.fillRoll(ctx, t, status)
	}
	m.drop(t.OrderID)
}

func (m *Manager) fillOpen(ctx context.Context, t Ticket, status broker.OrderStatus) {
	if err := m.store.CloseTrade(ctx, t.TradeID, models.OrderFilled, status.AvgFillPrice, status.Filled, 0); err != nil {
		m.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("open fill not recorded")
	}
	p := t.Position
	if p.Strategy.IsCredit() {
		p.EntryCredit = status.AvgFillPrice
	} else {
		p.EntryCredit = -status.AvgFillPrice
	}
	if err := m.store.AddPosition(ctx, p); err != nil {
		m.log.Error().Err(err).Str("position", p.ID).Msg("filled position not persisted")
		m.notifier.PipelineError("orders", fmt.Errorf("position %s filled but not persisted: %w", p.ID, err))
		return
	}
	m.notifier.TradeOpened(p)
	m.log.Info().Str("position", p.ID).Float64("fill", status.AvgFillPrice).Msg("position opened")
}

func (m *Manager) fillClose(ctx context.Context, t Ticket, status broker.OrderStatus) {
	p := t.Position
	realized := p.UnrealizedPnL(status.AvgFillPrice)
	if err := m.store.CloseTrade(ctx, t.TradeID, models.OrderFilled, status.AvgFillPrice, status.Filled, realized); err != nil {
		m.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("close fill not recorded")
	}
	closedAt := m.now()
	if err := m.store.MarkPositionClosed(ctx, p.ID, models.StatusClosed,
		status.AvgFillPrice, t.ExitReason, realized, closedAt); err != nil {
		m.log.Error().Err(err).Str("position", p.ID).Msg("close not persisted")
		return
	}
	if err := m.store.LogDailyPnL(ctx, closedAt, realized); err != nil {
		m.log.Warn().Err(err).Msg("daily pnl row not appended")
	}
	p.Status = models.StatusClosed
	p.ExitPrice = status.AvgFillPrice
	p.ExitReason = t.ExitReason
	p.RealizedPnL = realized
	p.ExitTime = closedAt
	m.notifier.TradeClosed(p)
	m.log.Info().Str("position", p.ID).Float64("pnl", realized).
		Str("reason", string(t.ExitReason)).Msg("position closed")
}

func (m *Manager) fillRoll(ctx context.Context, t Ticket, status broker.OrderStatus) {
	old, next := t.Position, t.Successor
	// The roll debit applies to the pair; the old position's realized P/L is
	// measured against its own entry credit at the old spread's implied
	// close price (entry credit of the successor is set by its own legs).
	realized := old.UnrealizedPnL(status.AvgFillPrice)
	if err := m.store.CloseTrade(ctx, t.TradeID, models.OrderFilled, status.AvgFillPrice, status.Filled, realized); err != nil {
		m.log.Error().Err(err).Int64("trade_id", t.TradeID).Msg("roll fill not recorded")
	}
	if err := m.store.MarkPositionClosed(ctx, old.ID, models.StatusRolled,
		status.AvgFillPrice, models.ExitRolled, realized, m.now()); err != nil {
		m.log.Error().Err(err).Str("position", old.ID).Msg("rolled position not marked")
		return
	}
	if err := m.store.AddPosition(ctx, next); err != nil {
		m.log.Error().Err(err).Str("position", next.ID).Msg("roll successor not persisted")
		m.notifier.PipelineError("orders", fmt.Errorf("roll filled but successor %s not persisted: %w", next.ID, err))
		return
	}
	m.notifier.TradeRolled(old, next, status.AvgFillPrice)
	m.log.Info().Str("old", old.ID).Str("new", next.ID).
		Float64("debit", status.AvgFillPrice).Msg("position rolled")
}

// resumeQueued places queued opens while capacity allows.
func (m *Manager) resumeQueued(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 || len(m.tracked) >= m.cfg.MaxOpenUnfilled {
			m.mu.Unlock()
			return
		}
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if _, err := m.placeOpen(ctx, next.position, next.limit); err != nil {
			m.log.Error().Err(err).Str("symbol", next.position.Symbol).Msg("queued open failed")
		}
	}
}
