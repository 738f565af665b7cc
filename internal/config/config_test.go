package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvasek/condorbot/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ACCOUNT_SIZE", "25000")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.IBKR.Host)
	assert.Equal(t, 7497, cfg.IBKR.Port)
	assert.Equal(t, 25000.0, cfg.Trading.AccountSize)
	assert.Equal(t, 500.0, cfg.Trading.MaxRiskPerTrade)
	assert.Equal(t, 25, cfg.Trading.MinDTE)
	assert.Equal(t, 50, cfg.Trading.MaxDTE)
	assert.Equal(t, 35.0, cfg.VIX.Panic)
	assert.Equal(t, 0.50, cfg.Exit.TakeProfitPct)
	assert.Equal(t, 2.5, cfg.Exit.StopLossMult)
	assert.True(t, cfg.Safety.PaperTrading)
	assert.False(t, cfg.Safety.AutoExecute, "live execution must be opt-in")
	assert.False(t, cfg.Safety.AllowDelayedData)
	assert.Empty(t, cfg.Regime.ModelPath, "regime classifier defaults to rule-based")
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ACCOUNT_SIZE", "50000")
	t.Setenv("MAX_RISK_PER_TRADE", "750")
	t.Setenv("AUTO_EXECUTE", "true")
	t.Setenv("ORDER_TTL_MINUTES", "45")
	t.Setenv("VIX_PANIC", "40")
	t.Setenv("REGIME_MODEL_PATH", "models/regime.yaml")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 750.0, cfg.Trading.MaxRiskPerTrade)
	assert.True(t, cfg.Safety.AutoExecute)
	assert.Equal(t, 40.0, cfg.VIX.Panic)
	assert.Equal(t, "models/regime.yaml", cfg.Regime.ModelPath)
	assert.Equal(t, 45*time.Minute, cfg.OrderTTL())
	assert.Equal(t, 10*time.Minute, cfg.CleanupInterval())
}

func TestLoadRequiresAccountSize(t *testing.T) {
	_, err := config.Load()
	assert.Error(t, err)
}

func validBase(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ACCOUNT_SIZE", "25000")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestValidateFailsFast(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"risk_exceeds_account", func(c *config.Config) { c.Trading.MaxRiskPerTrade = 30000 }},
		{"allocation_over_100", func(c *config.Config) { c.Trading.MaxAllocationPct = 150 }},
		{"dte_inverted", func(c *config.Config) { c.Trading.MinDTE = 60 }},
		{"vix_not_ascending", func(c *config.Config) { c.VIX.High = 40 }},
		{"credit_delta_band_empty", func(c *config.Config) { c.Greeks.CreditDeltaMin = 0.35 }},
		{"debit_delta_band_empty", func(c *config.Config) { c.Greeks.DebitDeltaMax = 0.30 }},
		{"take_profit_out_of_range", func(c *config.Config) { c.Exit.TakeProfitPct = 1.2 }},
		{"stop_mult_too_small", func(c *config.Config) { c.Exit.StopLossMult = 1.0 }},
		{"zero_order_ttl", func(c *config.Config) { c.Orders.TTLMinutes = 0 }},
		{"daily_loss_pct_over_100", func(c *config.Config) { c.Trading.DailyMaxLossPct = 100 }},
		{"zero_consecutive_loss_limit", func(c *config.Config) { c.Trading.ConsecutiveLossLim = 0 }},
		{"screener_band_inverted", func(c *config.Config) { c.Screener.MaxPrice = 10 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBase(t)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
