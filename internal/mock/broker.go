// Package mock provides a configurable in-memory Broker for tests. Each
// method delegates to an optional function field; unset fields return benign
// zero values so tests only wire what they assert on.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tvasek/condorbot/internal/broker"
	"github.com/tvasek/condorbot/internal/models"
)

type Broker struct {
	mu sync.Mutex

	ConnectFn        func(ctx context.Context) error
	AccountSummaryFn func(ctx context.Context) (models.AccountSummary, error)
	QualifyFn        func(ctx context.Context, c broker.Contract) (broker.Contract, error)
	SnapshotOptionFn func(ctx context.Context, c broker.Contract) (models.OptionQuote, error)
	SnapshotStockFn  func(ctx context.Context, symbol string) (models.StockQuote, error)
	OptionChainFn    func(ctx context.Context, symbol string, expirations []time.Time) ([]models.OptionQuote, error)
	ExpirationsFn    func(ctx context.Context, symbol string) ([]time.Time, error)
	PlaceComboFn     func(ctx context.Context, symbol string, legs []broker.ComboLeg, order broker.ComboOrder) (broker.TradeHandle, error)
	CancelOrderFn    func(ctx context.Context, orderID int64) error
	OpenOrdersFn     func(ctx context.Context) ([]broker.OpenOrder, error)
	OrderStatusFn    func(ctx context.Context, orderID int64) (broker.OrderStatus, error)
	PortfolioFn      func(ctx context.Context) ([]models.PortfolioItem, error)
	HistoricalFn     func(ctx context.Context, symbol, duration, barSize string) ([]broker.Bar, error)
	FundamentalFn    func(ctx context.Context, symbol, report string) (string, error)
	ScanFn           func(ctx context.Context, req broker.ScanRequest) ([]broker.ScanRow, error)
	TreasuryYieldFn  func(ctx context.Context) (float64, error)

	nextOrderID atomic.Int64

	// Recorded calls for assertions.
	PlacedCombos    []PlacedCombo
	CancelledOrders []int64
}

// PlacedCombo records one PlaceCombo invocation.
type PlacedCombo struct {
	Symbol string
	Legs   []broker.ComboLeg
	Order  broker.ComboOrder
}

var _ broker.Broker = (*Broker)(nil)

func NewBroker() *Broker {
	b := &Broker{}
	b.nextOrderID.Store(100)
	return b
}

func (m *Broker) Connect(ctx context.Context) error {
	if m.ConnectFn != nil {
		return m.ConnectFn(ctx)
	}
	return nil
}

func (m *Broker) Disconnect() error { return nil }

func (m *Broker) EnsureConnected(ctx context.Context) error { return m.Connect(ctx) }

func (m *Broker) AccountSummary(ctx context.Context) (models.AccountSummary, error) {
	if m.AccountSummaryFn != nil {
		return m.AccountSummaryFn(ctx)
	}
	return models.AccountSummary{NetLiquidation: 100000, AvailableFunds: 80000, BuyingPower: 160000}, nil
}

func (m *Broker) Qualify(ctx context.Context, c broker.Contract) (broker.Contract, error) {
	if m.QualifyFn != nil {
		return m.QualifyFn(ctx, c)
	}
	if c.ConID == 0 {
		c.ConID = m.nextOrderID.Add(1) * 1000
	}
	return c, nil
}

func (m *Broker) SnapshotOption(ctx context.Context, c broker.Contract) (models.OptionQuote, error) {
	if m.SnapshotOptionFn != nil {
		return m.SnapshotOptionFn(ctx, c)
	}
	return models.OptionQuote{
		ConID: c.ConID, Symbol: c.Symbol, Strike: c.Strike, Right: c.Right,
		Expiration: c.Expiration, Bid: 1.00, Ask: 1.10, DataType: models.DataRealTime,
	}, nil
}

func (m *Broker) SnapshotStock(ctx context.Context, symbol string) (models.StockQuote, error) {
	if m.SnapshotStockFn != nil {
		return m.SnapshotStockFn(ctx, symbol)
	}
	return models.StockQuote{Symbol: symbol, Bid: 449.95, Ask: 450.05, Last: 450.00, DataType: models.DataRealTime}, nil
}

func (m *Broker) OptionChain(ctx context.Context, symbol string, expirations []time.Time) ([]models.OptionQuote, error) {
	if m.OptionChainFn != nil {
		return m.OptionChainFn(ctx, symbol, expirations)
	}
	return nil, nil
}

func (m *Broker) Expirations(ctx context.Context, symbol string) ([]time.Time, error) {
	if m.ExpirationsFn != nil {
		return m.ExpirationsFn(ctx, symbol)
	}
	return nil, nil
}

func (m *Broker) PlaceCombo(ctx context.Context, symbol string, legs []broker.ComboLeg, order broker.ComboOrder) (broker.TradeHandle, error) {
	if m.PlaceComboFn != nil {
		return m.PlaceComboFn(ctx, symbol, legs, order)
	}
	m.mu.Lock()
	m.PlacedCombos = append(m.PlacedCombos, PlacedCombo{Symbol: symbol, Legs: legs, Order: order})
	m.mu.Unlock()
	return broker.TradeHandle{OrderID: m.nextOrderID.Add(1), SubmittedAt: time.Now().UTC()}, nil
}

func (m *Broker) CancelOrder(ctx context.Context, orderID int64) error {
	if m.CancelOrderFn != nil {
		return m.CancelOrderFn(ctx, orderID)
	}
	m.mu.Lock()
	m.CancelledOrders = append(m.CancelledOrders, orderID)
	m.mu.Unlock()
	return nil
}

func (m *Broker) OpenOrders(ctx context.Context) ([]broker.OpenOrder, error) {
	if m.OpenOrdersFn != nil {
		return m.OpenOrdersFn(ctx)
	}
	return nil, nil
}

func (m *Broker) OrderStatus(ctx context.Context, orderID int64) (broker.OrderStatus, error) {
	if m.OrderStatusFn != nil {
		return m.OrderStatusFn(ctx, orderID)
	}
	return broker.OrderStatus{OrderID: orderID, State: models.OrderSubmitted}, nil
}

func (m *Broker) Portfolio(ctx context.Context) ([]models.PortfolioItem, error) {
	if m.PortfolioFn != nil {
		return m.PortfolioFn(ctx)
	}
	return nil, nil
}

func (m *Broker) HistoricalBars(ctx context.Context, symbol, duration, barSize string) ([]broker.Bar, error) {
	if m.HistoricalFn != nil {
		return m.HistoricalFn(ctx, symbol, duration, barSize)
	}
	return nil, nil
}

func (m *Broker) FundamentalXML(ctx context.Context, symbol, report string) (string, error) {
	if m.FundamentalFn != nil {
		return m.FundamentalFn(ctx, symbol, report)
	}
	return "", nil
}

func (m *Broker) Scan(ctx context.Context, req broker.ScanRequest) ([]broker.ScanRow, error) {
	if m.ScanFn != nil {
		return m.ScanFn(ctx, req)
	}
	return nil, nil
}

func (m *Broker) TreasuryYield(ctx context.Context) (float64, error) {
	if m.TreasuryYieldFn != nil {
		return m.TreasuryYieldFn(ctx)
	}
	return 0.045, nil
}

// Cancelled reports whether an order id was cancelled.
func (m *Broker) Cancelled(orderID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.CancelledOrders {
		if id == orderID {
			return true
		}
	}
	return false
}
