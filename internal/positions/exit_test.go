package positions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvasek/condorbot/internal/broker"
	"github.com/tvasek/condorbot/internal/clients"
	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/mock"
	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/storage"
)

type fakeOrderer struct {
	closes []struct {
		positionID string
		limit      float64
		reason     models.ExitReason
	}
}

func (f *fakeOrderer) SubmitClose(ctx context.Context, p *models.Position, limit float64, reason models.ExitReason) (int64, error) {
	f.closes = append(f.closes, struct {
		positionID string
		limit      float64
		reason     models.ExitReason
	}{p.ID, limit, reason})
	return int64(len(f.closes)), nil
}

type fakeAdvisor struct {
	advice clients.ExitAdvice
	asked  int
}

func (f *fakeAdvisor) CanRequest() bool { return true }

func (f *fakeAdvisor) SecondOpinion(ctx context.Context, prompt string) (clients.ExitAdvice, error) {
	f.asked++
	return f.advice, nil
}

func openTestStore(t *testing.T) storage.Interface {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "positions_test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func creditPosition(id string, dte int) *models.Position {
	exp := time.Now().UTC().Add(time.Duration(dte) * 24 * time.Hour)
	p := models.NewPosition(id, "SPY", models.StrategyVerticalCreditCall,
		[]models.Leg{
			{ContractSymbol: "SPY", Action: models.ActionSell, Strike: 455, Right: models.RightCall, Quantity: 1, EntryPrice: 1.125, ConID: 4551},
			{ContractSymbol: "SPY", Action: models.ActionBuy, Strike: 460, Right: models.RightCall, Quantity: 1, EntryPrice: 0.50, ConID: 4601},
		}, exp, 1, 0.6250, 437.50)
	p.VIXEntry = 18
	p.RegimeEntry = models.RegimeLowVolNeutral
	return p
}

func staticExitConfig() config.ExitConfig {
	return config.ExitConfig{TakeProfitPct: 0.50, StopLossMult: 2.5, TimeExitDTE: 7}
}

func TestFairValueSignConvention(t *testing.T) {
	b := mock.NewBroker()
	b.SnapshotOptionFn = func(ctx context.Context, c broker.Contract) (models.OptionQuote, error) {
		q := models.OptionQuote{ConID: c.ConID, DataType: models.DataRealTime}
		switch c.ConID {
		case 4551:
			q.Bid, q.Ask = 0.60, 0.65
		case 4601:
			q.Bid, q.Ask = 0.20, 0.25
		}
		return q, nil
	}
	tracker := NewTracker(b, zerolog.Nop())

	// Short leg mid 0.625, long leg mid 0.225: closing costs 0.40 debit,
	// and a credit spread's close-debit must come out positive.
	fair, err := tracker.FairValue(context.Background(), creditPosition("p1", 30))
	require.NoError(t, err)
	assert.InDelta(t, 0.40, fair, 1e-9)
}

func TestEvaluateDecisionFunction(t *testing.T) {
	m := NewExitManager(nil, nil, nil, nil, nil, staticExitConfig(), 0, zerolog.Nop())
	now := time.Now().UTC()

	p := creditPosition("p1", 30)
	p.Exit.TrailingProfit = 0.3125
	p.Exit.TrailingStop = 1.5625

	cases := []struct {
		name   string
		price  float64
		dte    int
		exit   bool
		reason models.ExitReason
	}{
		{"profit_target_hit", 0.30, 30, true, models.ExitProfitTarget},
		{"stop_loss_hit", 1.60, 30, true, models.ExitStopLoss},
		{"time_exit", 0.50, 5, true, models.ExitTime},
		{"hold", 0.50, 30, false, ""},
		{"profit_checked_before_stop", 0.31, 30, true, models.ExitProfitTarget},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos := creditPosition("p1", tc.dte)
			pos.Exit = p.Exit
			dec := m.Evaluate(pos, tc.price, now)
			assert.Equal(t, tc.exit, dec.Exit)
			if tc.exit {
				assert.Equal(t, tc.reason, dec.Reason)
			}
		})
	}
}

func TestEvaluateTagsTrailingReasonsAfterModelUpdate(t *testing.T) {
	m := NewExitManager(nil, nil, nil, nil, nil, staticExitConfig(), 0, zerolog.Nop())
	now := time.Now().UTC()

	p := creditPosition("p1", 30)
	p.Exit.TrailingProfit = 0.3125
	p.Exit.TrailingStop = 1.5625
	p.Exit.MLLastUpdate = now.Add(-time.Minute)

	dec := m.Evaluate(p, 0.30, now)
	assert.Equal(t, models.ExitTrailingProfit, dec.Reason)

	dec = m.Evaluate(p, 1.60, now)
	assert.Equal(t, models.ExitTrailingStop, dec.Reason)
}

func TestTrailingStopsOnlyTighten(t *testing.T) {
	store := openTestStore(t)
	m := NewExitManager(nil, store, nil, nil, nil, staticExitConfig(), 0, zerolog.Nop())
	ctx := context.Background()

	p := creditPosition("p1", 30)
	require.NoError(t, store.AddPosition(ctx, p))

	// First update establishes the static levels: 0.625*2.5 and 0.625*0.5.
	require.NoError(t, m.UpdateTrailing(ctx, p, ExitFeatures{}))
	assert.InDelta(t, 1.5625, p.Exit.TrailingStop, 1e-9)
	assert.InDelta(t, 0.3125, p.Exit.TrailingProfit, 1e-9)

	// A manually tightened stop survives the next static update.
	p.Exit.TrailingStop = 1.00
	require.NoError(t, store.UpdatePositionTrailing(ctx, p.ID, p.Exit))
	require.NoError(t, m.UpdateTrailing(ctx, p, ExitFeatures{}))
	assert.InDelta(t, 1.00, p.Exit.TrailingStop, 1e-9, "stop must never loosen")
}

func writeExitModel(t *testing.T, stopBias, profitBias float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exit_model.yaml")
	content := `version: 1
features: 12
means: [0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0]
scales: [1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1]
stop:
  bias: ` + fmt.Sprintf("%g", stopBias) + `
  weights: [0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0]
profit:
  bias: ` + fmt.Sprintf("%g", profitBias) + `
  weights: [0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0]
confidence: 0.8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestModelPredictionClampsAndTightens(t *testing.T) {
	path := writeExitModel(t, 2.0, 0.45)
	cfg := staticExitConfig()
	cfg.ModelPath = path

	store := openTestStore(t)
	m := NewExitManager(nil, store, nil, nil, nil, cfg, 0, zerolog.Nop())
	require.NotNil(t, m.model)
	ctx := context.Background()

	p := creditPosition("p1", 30)
	require.NoError(t, store.AddPosition(ctx, p))

	require.NoError(t, m.UpdateTrailing(ctx, p, ExitFeatures{}))
	assert.InDelta(t, 0.625*2.0, p.Exit.TrailingStop, 1e-9)
	assert.InDelta(t, 0.625*0.45, p.Exit.TrailingProfit, 1e-9)
	assert.False(t, p.Exit.MLLastUpdate.IsZero())
	assert.InDelta(t, 0.8, p.Exit.MLConfidence, 1e-9)
}

func TestModelPredictionClampedToBounds(t *testing.T) {
	model := &ExitModel{}
	model.model.Features = exitFeatureCount
	model.model.Means = make([]float64, exitFeatureCount)
	model.model.Scales = onesVector()
	model.model.Stop.Bias = 9.0
	model.model.Stop.Weights = make([]float64, exitFeatureCount)
	model.model.Profit.Bias = 0.1
	model.model.Profit.Weights = make([]float64, exitFeatureCount)
	model.model.Confidence = 0.5

	stop, profit, _ := model.Predict(ExitFeatures{})
	assert.Equal(t, 3.5, stop, "stop multiplier clamps at the upper bound")
	assert.Equal(t, 0.4, profit, "profit target clamps at the lower bound")
}

func onesVector() []float64 {
	v := make([]float64, exitFeatureCount)
	for i := range v {
		v[i] = 1
	}
	return v
}

func TestAIOverrideForcesExit(t *testing.T) {
	b := mock.NewBroker()
	b.SnapshotOptionFn = func(ctx context.Context, c broker.Contract) (models.OptionQuote, error) {
		q := models.OptionQuote{ConID: c.ConID, DataType: models.DataRealTime}
		switch c.ConID {
		case 4551:
			q.Bid, q.Ask = 1.40, 1.45
		case 4601:
			q.Bid, q.Ask = 0.55, 0.60
		}
		return q, nil
	}
	tracker := NewTracker(b, zerolog.Nop())
	store := openTestStore(t)
	orders := &fakeOrderer{}
	advisor := &fakeAdvisor{advice: clients.ExitAdvice{Action: clients.ExitNow, Reasoning: "gamma risk"}}

	m := NewExitManager(tracker, store, orders, nil, advisor, staticExitConfig(), 0.05, zerolog.Nop())
	ctx := context.Background()

	p := creditPosition("p1", 30)
	require.NoError(t, store.AddPosition(ctx, p))

	// Fair value 0.85: P/L (0.625-0.85)*100 = -22.50, ratio 0.051 crosses
	// the 0.05 trigger and the advisor forces the exit.
	require.NoError(t, m.CheckPosition(ctx, p, 19))

	assert.Equal(t, 1, advisor.asked)
	require.Len(t, orders.closes, 1)
	assert.Equal(t, models.ExitAIOverride, orders.closes[0].reason)
}

func TestAgreeOpinionDoesNotExit(t *testing.T) {
	b := mock.NewBroker()
	b.SnapshotOptionFn = func(ctx context.Context, c broker.Contract) (models.OptionQuote, error) {
		q := models.OptionQuote{ConID: c.ConID, DataType: models.DataRealTime}
		switch c.ConID {
		case 4551:
			q.Bid, q.Ask = 0.70, 0.75
		case 4601:
			q.Bid, q.Ask = 0.25, 0.30
		}
		return q, nil
	}
	tracker := NewTracker(b, zerolog.Nop())
	store := openTestStore(t)
	orders := &fakeOrderer{}
	advisor := &fakeAdvisor{advice: clients.ExitAdvice{Action: clients.Agree}}

	m := NewExitManager(tracker, store, orders, nil, advisor, staticExitConfig(), 0.01, zerolog.Nop())
	ctx := context.Background()

	p := creditPosition("p1", 30)
	require.NoError(t, store.AddPosition(ctx, p))
	require.NoError(t, m.CheckPosition(ctx, p, 18))

	assert.Equal(t, 1, advisor.asked)
	assert.Empty(t, orders.closes, "AGREE never changes flow control")
}
