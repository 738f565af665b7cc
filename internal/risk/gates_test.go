package risk

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/mock"
	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/pricing"
	"github.com/tvasek/condorbot/internal/storage"
	"github.com/tvasek/condorbot/internal/strategy"
)

func testConfig() *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			AccountSize:      100000,
			MaxRiskPerTrade:  500,
			MaxAllocationPct: 2,
			MinDTE:           25,
			MaxDTE:           50,
			SpreadWidth:      5,
			MaxBWDelta:       500,
		},
		Greeks: config.GreeksConfig{
			CreditDeltaMin:    0.10,
			CreditDeltaMax:    0.30,
			DebitDeltaMin:     0.40,
			DebitDeltaMax:     0.70,
			MinDailyTheta:     0.01,
			MaxPostVannaDelta: 0.40,
			MaxGamma:          0.10,
			MaxVega:           0.50,
		},
		Liquidity: config.LiquidityConfig{MaxBidAskSpread: 0.10, MinVolumeOIRatioPct: 1},
		VIX:       config.VIXConfig{Low: 15, High: 25, Panic: 32},
		Safety:    config.SafetyConfig{EarningsBlackoutHours: 48, DividendBlackoutDays: 5},
	}
}

func newValidator(t *testing.T, store storage.Interface, cfg *config.Config) *Validator {
	t.Helper()
	breaker := NewTradingBreaker(store, cfg.Trading, zerolog.Nop())
	rf := pricing.NewRiskFree(mock.NewBroker(), zerolog.Nop())
	calc := pricing.NewCalculator(rf, zerolog.Nop())
	beta := NewBetaProvider(mock.NewBroker(), nil, zerolog.Nop())
	return NewValidator(store, breaker, calc, beta, nil, nil, cfg, zerolog.Nop())
}

func testProposal(exp time.Time) (strategy.Proposal, []models.OptionQuote) {
	short := models.OptionQuote{
		ConID: 4551, Symbol: "SPY", Strike: 455, Right: models.RightCall,
		Expiration: exp, Bid: 1.10, Ask: 1.15, Delta: 0.22, Gamma: 0.02,
		Theta: -0.045, Vega: 0.30, ImpliedVol: 0.18,
		Volume: 1500, OpenInterest: 12000, DataType: models.DataRealTime,
	}
	long := models.OptionQuote{
		ConID: 4601, Symbol: "SPY", Strike: 460, Right: models.RightCall,
		Expiration: exp, Bid: 0.475, Ask: 0.525, Delta: 0.15, Gamma: 0.015,
		Theta: -0.030, Vega: 0.22, ImpliedVol: 0.17,
		Volume: 900, OpenInterest: 9000, DataType: models.DataRealTime,
	}
	p := strategy.Proposal{
		Symbol:   "SPY",
		Strategy: models.StrategyVerticalCreditCall,
		Legs: []models.Leg{
			{ContractSymbol: "SPY", Action: models.ActionSell, Strike: 455, Right: models.RightCall, Quantity: 1, EntryPrice: 1.125, ConID: 4551},
			{ContractSymbol: "SPY", Action: models.ActionBuy, Strike: 460, Right: models.RightCall, Quantity: 1, EntryPrice: 0.50, ConID: 4601},
		},
		Quotes:     []models.OptionQuote{short, long},
		Credit:     0.6250,
		Width:      5,
		Expiration: exp,
		Contracts:  1,
		MaxRisk:    437.50,
		SpotPrice:  450,
	}
	return p, []models.OptionQuote{short, long}
}

func TestValidatorAcceptsCleanCreditSpread(t *testing.T) {
	store := openTestStore(t)
	cfg := testConfig()
	v := newValidator(t, store, cfg)

	exp := time.Now().Add(35 * 24 * time.Hour)
	p, chain := testProposal(exp)
	market := Market{VIX: 18.5, VIX3MRatio: 0.92, Regime: models.RegimeLowVolNeutral, SPYPrice: 450}

	err := v.Validate(context.Background(), p, market, PortfolioExposure{}, chain, nil)
	assert.NoError(t, err)
}

// A hallucinated short strike fails the sanity gate and leaves a pending
// shadow trade behind.
func TestValidatorRejectsHallucinatedStrike(t *testing.T) {
	store := openTestStore(t)
	cfg := testConfig()
	v := newValidator(t, store, cfg)
	ctx := context.Background()

	exp := time.Now().Add(35 * 24 * time.Hour)
	p, chain := testProposal(exp)
	rec := &models.Recommendation{
		Verdict:     models.VerdictApprove,
		Confidence:  8,
		Strategy:    models.StrategyVerticalCreditCall,
		ShortStrike: 500,
		LongStrike:  505,
		Expiration:  exp,
	}
	market := Market{VIX: 18.5, Regime: models.RegimeLowVolNeutral, SPYPrice: 450}

	err := v.Validate(ctx, p, market, PortfolioExposure{}, chain, rec)
	require.Error(t, err)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "sanity", rejection.Gate)

	shadows, err := store.PendingShadowTrades(ctx, time.Now().Add(40*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, shadows, 1)
	assert.Equal(t, "SPY", shadows[0].Symbol)
	assert.Equal(t, models.ShadowPending, shadows[0].Outcome)
}

func TestValidatorVIXPanicBlocksCredit(t *testing.T) {
	store := openTestStore(t)
	v := newValidator(t, store, testConfig())

	exp := time.Now().Add(35 * 24 * time.Hour)
	p, chain := testProposal(exp)

	err := v.Validate(context.Background(), p, Market{VIX: 33}, PortfolioExposure{}, chain, nil)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "vix", rejection.Gate)
}

func TestValidatorBackwardationBlocksShortVega(t *testing.T) {
	store := openTestStore(t)
	v := newValidator(t, store, testConfig())

	exp := time.Now().Add(35 * 24 * time.Hour)
	p, chain := testProposal(exp)

	err := v.Validate(context.Background(), p,
		Market{VIX: 22, VIX3MRatio: 1.08}, PortfolioExposure{}, chain, nil)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "vix", rejection.Gate)
}

func TestValidatorLiquidityRejectsOneSidedMarket(t *testing.T) {
	store := openTestStore(t)
	v := newValidator(t, store, testConfig())

	exp := time.Now().Add(35 * 24 * time.Hour)
	p, chain := testProposal(exp)
	p.Quotes[1].Bid = 0

	err := v.Validate(context.Background(), p, Market{VIX: 18}, PortfolioExposure{}, chain, nil)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "liquidity", rejection.Gate)
}

func TestValidatorBWDeltaCapsDirectionalExposure(t *testing.T) {
	store := openTestStore(t)
	cfg := testConfig()
	cfg.Trading.MaxBWDelta = 50
	v := newValidator(t, store, cfg)

	exp := time.Now().Add(35 * 24 * time.Hour)
	p, chain := testProposal(exp)

	// The short call spread is net bearish (negative BW delta); an already
	// bearish book pushes past 80% of the cap.
	exposure := PortfolioExposure{NetBWDelta: -35, BearishBWDelta: 38}
	err := v.Validate(context.Background(), p, Market{VIX: 18, SPYPrice: 450}, exposure, chain, nil)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "bw_delta", rejection.Gate)
}

func TestBWDeltaLinearity(t *testing.T) {
	// Doubling quantity doubles the contribution; scaling beta scales it.
	one := BWDelta(0.22, 1, 100, 450, 450, 1.0)
	two := BWDelta(0.22, 2, 100, 450, 450, 1.0)
	assert.InDelta(t, 2*one, two, 1e-12)

	highBeta := BWDelta(0.22, 1, 100, 450, 450, 1.8)
	assert.InDelta(t, 1.8*one, highBeta, 1e-12)

	// Price ratio scales linearly too.
	half := BWDelta(0.22, 1, 100, 225, 450, 1.0)
	assert.InDelta(t, one/2, half, 1e-12)
}
