package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tvasek/condorbot/internal/models"
)

// ResilientBroker wraps a Broker with a circuit breaker so a flapping gateway
// fails fast instead of stalling every loop iteration behind timeouts.
type ResilientBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*ResilientBroker)(nil)

// BreakerSettings configures the wrapping circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32        // requests allowed while half-open
	Interval     time.Duration // count reset interval
	Timeout      time.Duration // how long the circuit stays open
	MinRequests  uint32        // minimum requests before tripping
	FailureRatio float64       // failure ratio that trips the circuit
}

// DefaultBreakerSettings trips after 60% failures over at least 5 calls and
// holds the circuit open for 30 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewResilientBroker wraps broker with the given breaker settings.
func NewResilientBroker(broker Broker, settings BreakerSettings, log zerolog.Logger) *ResilientBroker {
	gbSettings := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("broker circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// Policy refusals are not gateway failures.
			return err == nil || errors.Is(err, ErrDelayedData) || errors.Is(err, ErrOrderRejected)
		},
	}
	return &ResilientBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for the wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, broker Broker, fn func(Broker) (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (r *ResilientBroker) Connect(ctx context.Context) error {
	_, err := execBreaker(r.breaker, r.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.Connect(ctx)
	})
	return err
}

func (r *ResilientBroker) Disconnect() error { return r.broker.Disconnect() }

func (r *ResilientBroker) EnsureConnected(ctx context.Context) error {
	_, err := execBreaker(r.breaker, r.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.EnsureConnected(ctx)
	})
	return err
}

func (r *ResilientBroker) AccountSummary(ctx context.Context) (models.AccountSummary, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) (models.AccountSummary, error) {
		return b.AccountSummary(ctx)
	})
}

func (r *ResilientBroker) Qualify(ctx context.Context, c Contract) (Contract, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) (Contract, error) {
		return b.Qualify(ctx, c)
	})
}

func (r *ResilientBroker) SnapshotOption(ctx context.Context, c Contract) (models.OptionQuote, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) (models.OptionQuote, error) {
		return b.SnapshotOption(ctx, c)
	})
}

func (r *ResilientBroker) SnapshotStock(ctx context.Context, symbol string) (models.StockQuote, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) (models.StockQuote, error) {
		return b.SnapshotStock(ctx, symbol)
	})
}

func (r *ResilientBroker) OptionChain(ctx context.Context, symbol string, expirations []time.Time) ([]models.OptionQuote, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) ([]models.OptionQuote, error) {
		return b.OptionChain(ctx, symbol, expirations)
	})
}

func (r *ResilientBroker) Expirations(ctx context.Context, symbol string) ([]time.Time, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) ([]time.Time, error) {
		return b.Expirations(ctx, symbol)
	})
}

func (r *ResilientBroker) PlaceCombo(ctx context.Context, symbol string, legs []ComboLeg, order ComboOrder) (TradeHandle, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) (TradeHandle, error) {
		return b.PlaceCombo(ctx, symbol, legs, order)
	})
}

func (r *ResilientBroker) CancelOrder(ctx context.Context, orderID int64) error {
	_, err := execBreaker(r.breaker, r.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

func (r *ResilientBroker) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) ([]OpenOrder, error) {
		return b.OpenOrders(ctx)
	})
}

func (r *ResilientBroker) OrderStatus(ctx context.Context, orderID int64) (OrderStatus, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) (OrderStatus, error) {
		return b.OrderStatus(ctx, orderID)
	})
}

func (r *ResilientBroker) Portfolio(ctx context.Context) ([]models.PortfolioItem, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) ([]models.PortfolioItem, error) {
		return b.Portfolio(ctx)
	})
}

func (r *ResilientBroker) HistoricalBars(ctx context.Context, symbol, duration, barSize string) ([]Bar, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) ([]Bar, error) {
		return b.HistoricalBars(ctx, symbol, duration, barSize)
	})
}

func (r *ResilientBroker) FundamentalXML(ctx context.Context, symbol, report string) (string, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) (string, error) {
		return b.FundamentalXML(ctx, symbol, report)
	})
}

func (r *ResilientBroker) Scan(ctx context.Context, req ScanRequest) ([]ScanRow, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) ([]ScanRow, error) {
		return b.Scan(ctx, req)
	})
}

func (r *ResilientBroker) TreasuryYield(ctx context.Context) (float64, error) {
	return execBreaker(r.breaker, r.broker, func(b Broker) (float64, error) {
		return b.TreasuryYield(ctx)
	})
}
