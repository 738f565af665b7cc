package strategy

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/models"
)

func testTrading() config.TradingConfig {
	return config.TradingConfig{
		AccountSize:      100000,
		MaxRiskPerTrade:  500,
		MaxAllocationPct: 2,
		SpreadWidth:      5,
	}
}

func testGreeks() config.GreeksConfig {
	return config.GreeksConfig{
		CreditDeltaMin: 0.10,
		CreditDeltaMax: 0.30,
		DebitDeltaMin:  0.40,
		DebitDeltaMax:  0.70,
	}
}

func quote(strike float64, right models.OptionRight, exp time.Time, bid, ask, delta float64) models.OptionQuote {
	return models.OptionQuote{
		ConID:      int64(strike*10) + 1,
		Symbol:     "SPY",
		Strike:     strike,
		Right:      right,
		Expiration: exp,
		Bid:        bid,
		Ask:        ask,
		Delta:      delta,
		DataType:   models.DataRealTime,
	}
}

// Mirrors the standard entry case: SPY at 450, a 455/460 call credit spread,
// width 5, 35 DTE, risk budget 500 and a 2% allocation of 75k funds.
func TestBuildCallCreditVertical(t *testing.T) {
	exp := time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC)
	chain := []models.OptionQuote{
		quote(445, models.RightCall, exp, 6.00, 6.10, 0.62),
		quote(450, models.RightCall, exp, 3.10, 3.20, 0.48),
		quote(455, models.RightCall, exp, 1.10, 1.15, 0.22),
		quote(460, models.RightCall, exp, 0.475, 0.525, 0.15),
	}

	b := NewBuilder(testTrading(), testGreeks(), zerolog.Nop())
	p, err := b.Build(models.StrategyVerticalCreditCall, "SPY", 450.00, 75000, chain)
	require.NoError(t, err)

	// mid(455C)=1.1250, mid(460C)=0.5000.
	assert.InDelta(t, 0.6250, p.Credit, 1e-9)
	assert.Equal(t, models.StrategyVerticalCreditCall, p.Strategy)
	assert.Equal(t, exp, p.Expiration)

	// min(floor(500/437.50), floor(1500/500)) = min(1, 3) = 1.
	assert.Equal(t, 1, p.Contracts)
	assert.InDelta(t, 437.50, p.MaxRisk, 1e-9)

	require.Len(t, p.Legs, 2)
	assert.Equal(t, models.ActionSell, p.Legs[0].Action)
	assert.Equal(t, 455.0, p.Legs[0].Strike)
	assert.Equal(t, models.ActionBuy, p.Legs[1].Action)
	assert.Equal(t, 460.0, p.Legs[1].Strike)
}

func TestBuildRejectsWidthOffTheStrikeGrid(t *testing.T) {
	exp := time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC)
	// Only the short strike exists; 455+5=460 is not traded.
	chain := []models.OptionQuote{
		quote(455, models.RightCall, exp, 1.10, 1.15, 0.22),
	}
	b := NewBuilder(testTrading(), testGreeks(), zerolog.Nop())
	_, err := b.Build(models.StrategyVerticalCreditCall, "SPY", 450, 75000, chain)
	assert.Error(t, err)
}

func TestBuildRejectsInvertedCredit(t *testing.T) {
	exp := time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC)
	// Long mid above short mid: credit would be negative.
	chain := []models.OptionQuote{
		quote(455, models.RightCall, exp, 0.40, 0.45, 0.22),
		quote(460, models.RightCall, exp, 0.90, 0.95, 0.15),
	}
	b := NewBuilder(testTrading(), testGreeks(), zerolog.Nop())
	_, err := b.Build(models.StrategyVerticalCreditCall, "SPY", 450, 75000, chain)
	assert.Error(t, err)
}

func TestBuildIronCondorAlignsExpirations(t *testing.T) {
	exp := time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC)
	chain := []models.OptionQuote{
		quote(455, models.RightCall, exp, 1.10, 1.20, 0.22),
		quote(460, models.RightCall, exp, 0.45, 0.55, 0.15),
		quote(445, models.RightPut, exp, 1.30, 1.40, -0.24),
		quote(440, models.RightPut, exp, 0.60, 0.70, -0.16),
	}
	b := NewBuilder(testTrading(), testGreeks(), zerolog.Nop())
	p, err := b.Build(models.StrategyIronCondor, "SPY", 450, 75000, chain)
	require.NoError(t, err)

	assert.Equal(t, models.StrategyIronCondor, p.Strategy)
	require.Len(t, p.Legs, 4)
	// 0.65 call side + 0.70 put side.
	assert.InDelta(t, 1.35, p.Credit, 1e-9)
	assert.Equal(t, 1, p.Contracts)
}

func TestBuildIronButterflyEstimatesCredit(t *testing.T) {
	exp := time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC)
	chain := []models.OptionQuote{
		quote(450, models.RightCall, exp, 3.10, 3.20, 0.50),
		quote(450, models.RightPut, exp, 3.00, 3.10, -0.50),
		quote(455, models.RightCall, exp, 1.10, 1.15, 0.22),
		quote(445, models.RightPut, exp, 1.30, 1.40, -0.24),
	}
	b := NewBuilder(testTrading(), testGreeks(), zerolog.Nop())
	p, err := b.Build(models.StrategyIronButterfly, "SPY", 450.40, 75000, chain)
	require.NoError(t, err)

	assert.InDelta(t, 2.0, p.Credit, 1e-9, "credit estimate is 40%% of the 5-wide wings")
	require.Len(t, p.Legs, 4)
	assert.Equal(t, 450.0, p.Legs[0].Strike)
}

func TestBuildCalendarNetsDebit(t *testing.T) {
	near := time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC)
	far := time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC)
	chain := []models.OptionQuote{
		quote(450, models.RightCall, near, 3.10, 3.20, 0.50),
		quote(450, models.RightCall, far, 5.10, 5.20, 0.52),
	}
	b := NewBuilder(testTrading(), testGreeks(), zerolog.Nop())
	p, err := b.Build(models.StrategyCalendar, "SPY", 450, 75000, chain)
	require.NoError(t, err)

	assert.Equal(t, models.StrategyCalendar, p.Strategy)
	assert.InDelta(t, -2.0, p.Credit, 1e-9, "calendar carries a net debit")
	assert.Equal(t, models.ActionSell, p.Legs[0].Action)
	assert.Equal(t, models.ActionBuy, p.Legs[1].Action)
	assert.Equal(t, near, p.Expiration, "position expires with the short leg")
	assert.Equal(t, 2, p.Contracts)
}

func TestSizeContractsOneContractFloor(t *testing.T) {
	trading := testTrading()

	// Allocation cap rounds to zero but the single contract fits the budget.
	got := SizeContracts(trading, 20000, 437.50, 5)
	assert.Equal(t, 1, got)

	// Risk per contract above the budget sizes to zero.
	got = SizeContracts(trading, 75000, 650, 5)
	assert.Equal(t, 0, got)

	// Plenty of both budgets.
	got = SizeContracts(config.TradingConfig{MaxRiskPerTrade: 2000, MaxAllocationPct: 10}, 75000, 437.50, 5)
	assert.Equal(t, 4, got)
}
