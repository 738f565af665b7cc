// Package broker defines the typed contract the engine uses to talk to the
// brokerage and its TWS/Gateway implementation. All market-data policy
// (real-time vs delayed) and pacing is enforced here so callers never carry
// broker state.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/tvasek/condorbot/internal/models"
)

// Sentinel errors surfaced by the adapter.
var (
	// ErrDelayedData is returned when a quote arrives with a delayed data
	// type and delayed data is disallowed by configuration.
	ErrDelayedData = errors.New("broker: delayed market data refused")
	// ErrBrokerUnreachable is returned when the session cannot be
	// established after the configured reconnect attempts.
	ErrBrokerUnreachable = errors.New("broker: unreachable")
	// ErrBrokerPacing is returned when the broker rejects a call for pacing
	// and the adapter's retries are exhausted.
	ErrBrokerPacing = errors.New("broker: pacing violation")
	// ErrOrderRejected is returned when the broker refuses an order.
	ErrOrderRejected = errors.New("broker: order rejected")
	// ErrNotConnected is returned for calls made without a live session.
	ErrNotConnected = errors.New("broker: not connected")
)

// Contract identifies an instrument to the broker. Stock contracts leave the
// option fields zero.
type Contract struct {
	ConID      int64
	Symbol     string
	SecType    string // STK | OPT | BAG | IND
	Expiration time.Time
	Strike     float64
	Right      models.OptionRight
	Exchange   string
	Currency   string
}

// ComboLeg is one leg of a BAG contract: the qualified conId, the leg action,
// and its ratio relative to one combo unit.
type ComboLeg struct {
	ConID  int64
	Action models.LegAction
	Ratio  int
}

// ComboOrder describes the order applied to a BAG contract.
type ComboOrder struct {
	Action     models.LegAction // BUY pays the limit, SELL collects it
	Quantity   int
	LimitPrice float64 // ignored when Market is true
	Market     bool
	TIF        string // DAY | GTC
}

// TradeHandle identifies a submitted order.
type TradeHandle struct {
	OrderID     int64
	SubmittedAt time.Time
}

// OrderStatus is the broker-reported state of an order.
type OrderStatus struct {
	OrderID   int64
	State     models.OrderState
	Filled    int
	Remaining int
	AvgFillPrice float64
}

// OpenOrder is a live order listed by the broker.
type OpenOrder struct {
	OrderID  int64
	Symbol   string
	Quantity int
	Status   models.OrderState
}

// Bar is one historical OHLCV bar.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// ScanRow is one row of a broker-native market scan.
type ScanRow struct {
	Rank   int
	Symbol string
}

// ScanRequest parameterizes a broker market scanner subscription.
type ScanRequest struct {
	Code       string // e.g. HIGH_OPT_IMP_VOLAT
	Instrument string // STK
	Location   string // STK.US.MAJOR
	AbovePrice float64
	BelowPrice float64
	MaxRows    int
}

// Broker is the engine's view of the brokerage. Every method honors the
// context deadline; calls exceeding it return a timeout error and must not
// leave partial state behind.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	EnsureConnected(ctx context.Context) error

	AccountSummary(ctx context.Context) (models.AccountSummary, error)
	Qualify(ctx context.Context, c Contract) (Contract, error)
	SnapshotOption(ctx context.Context, c Contract) (models.OptionQuote, error)
	SnapshotStock(ctx context.Context, symbol string) (models.StockQuote, error)
	OptionChain(ctx context.Context, symbol string, expirations []time.Time) ([]models.OptionQuote, error)
	Expirations(ctx context.Context, symbol string) ([]time.Time, error)

	PlaceCombo(ctx context.Context, symbol string, legs []ComboLeg, order ComboOrder) (TradeHandle, error)
	CancelOrder(ctx context.Context, orderID int64) error
	OpenOrders(ctx context.Context) ([]OpenOrder, error)
	OrderStatus(ctx context.Context, orderID int64) (OrderStatus, error)

	Portfolio(ctx context.Context) ([]models.PortfolioItem, error)
	HistoricalBars(ctx context.Context, symbol, duration, barSize string) ([]Bar, error)
	FundamentalXML(ctx context.Context, symbol, report string) (string, error)
	Scan(ctx context.Context, req ScanRequest) ([]ScanRow, error)
	TreasuryYield(ctx context.Context) (float64, error)
}

// GroupPortfolioByUnderlying buckets option holdings under their underlying
// symbol, the shape the reconciler consumes.
func GroupPortfolioByUnderlying(items []models.PortfolioItem) map[string][]models.PortfolioItem {
	grouped := make(map[string][]models.PortfolioItem)
	for _, item := range items {
		grouped[item.Underlying] = append(grouped[item.Underlying], item)
	}
	return grouped
}
