// Package config loads and validates the engine's configuration. All
// tunables come from environment variables at start; Load returns an
// immutable snapshot and a reload constructs a new one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is a validated, immutable snapshot of every tunable.
type Config struct {
	IBKR      IBKRConfig
	AI        AIConfig
	Trading   TradingConfig
	VIX       VIXConfig
	Greeks    GreeksConfig
	Liquidity LiquidityConfig
	Exit      ExitConfig
	Regime    RegimeConfig
	Safety    SafetyConfig
	Orders    OrdersConfig
	Store     StoreConfig
	Notify    NotifyConfig
	Clock     ClockConfig
	Screener  ScreenerConfig
	Dashboard DashboardConfig
	LogLevel  string
}

// IBKRConfig is the TWS/Gateway endpoint.
type IBKRConfig struct {
	Host     string
	Port     int
	ClientID int
}

// AIConfig holds advisor endpoints, keys, and budgets.
type AIConfig struct {
	AdvisorURL       string
	AdvisorModel     string
	AdvisorKey       string
	NewsURL          string
	NewsKey          string
	PredictionURL    string
	DividendURL      string
	DailyLimitUSD    float64
	ExitTriggerRatio float64 // |P/L|/max_risk crossing that requests a second opinion
}

// TradingConfig drives sizing and universe selection.
type TradingConfig struct {
	AccountSize        float64
	MaxRiskPerTrade    float64
	MaxAllocationPct   float64 // fraction of available funds per position
	MinDTE             int
	MaxDTE             int
	SpreadWidth        float64
	MaxOpenPositions   int
	DailyMaxLossPct    float64
	ConsecutiveLossLim int
	MaxBWDelta         float64 // beta-weighted delta cap
}

// VIXConfig holds the ascending regime thresholds.
type VIXConfig struct {
	Low   float64
	High  float64
	Panic float64
}

// GreeksConfig holds validation thresholds.
type GreeksConfig struct {
	CreditDeltaMin    float64
	CreditDeltaMax    float64
	DebitDeltaMin     float64
	DebitDeltaMax     float64
	MinDailyTheta     float64
	MaxPostVannaDelta float64
	MaxGamma          float64
	MaxVega           float64
}

// LiquidityConfig holds the chain liquidity gates.
type LiquidityConfig struct {
	MaxBidAskSpread     float64
	MinVolumeOIRatioPct float64
}

// ExitConfig holds static exit rules used when no model is present.
type ExitConfig struct {
	TakeProfitPct float64
	StopLossMult  float64
	TimeExitDTE   int
	ModelPath     string // YAML exit-model parameters; empty means static rules
}

// RegimeConfig selects the regime classifier variant.
type RegimeConfig struct {
	ModelPath string // YAML linear-model weights; empty means rule-based
}

// SafetyConfig holds the kill-switch toggles.
type SafetyConfig struct {
	PaperTrading          bool
	AutoExecute           bool
	AllowDelayedData      bool
	EarningsBlackoutHours int
	DividendBlackoutDays  int
}

// OrdersConfig controls order lifecycle management.
type OrdersConfig struct {
	TTLMinutes             int
	CleanupIntervalMinutes int
	MaxOpenUnfilled        int
}

// StoreConfig locates the sqlite database and the historical CSV cache.
type StoreConfig struct {
	DBPath     string
	HistoryDir string
}

// NotifyConfig holds the Telegram channel.
type NotifyConfig struct {
	Token  string
	ChatID int64
}

// ClockConfig holds the external atomic-time source.
type ClockConfig struct {
	TimeSourceURL string
}

// ScreenerConfig bounds the scanner universe.
type ScreenerConfig struct {
	MinPrice float64
	MaxPrice float64
	TopN     int
}

// DashboardConfig holds the status server bind address.
type DashboardConfig struct {
	Addr string
}

// Load reads .env (if present), then the environment, and validates the
// result. The CLI treats a returned error as fatal.
func Load() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		IBKR: IBKRConfig{
			Host:     envStr("IBKR_HOST", "127.0.0.1"),
			Port:     envInt("IBKR_PORT", 7497),
			ClientID: envInt("IBKR_CLIENT_ID", 17),
		},
		AI: AIConfig{
			AdvisorURL:       envStr("AI_ADVISOR_URL", ""),
			AdvisorModel:     envStr("AI_ADVISOR_MODEL", "gpt-4o"),
			AdvisorKey:       envStr("AI_ADVISOR_KEY", ""),
			NewsURL:          envStr("NEWS_URL", ""),
			NewsKey:          envStr("NEWS_KEY", ""),
			PredictionURL:    envStr("PREDICTION_URL", ""),
			DividendURL:      envStr("DIVIDEND_URL", ""),
			DailyLimitUSD:    envFloat("AI_DAILY_LIMIT_USD", 5.0),
			ExitTriggerRatio: envFloat("AI_EXIT_TRIGGER_RATIO", 0.5),
		},
		Trading: TradingConfig{
			AccountSize:        envFloat("ACCOUNT_SIZE", 0),
			MaxRiskPerTrade:    envFloat("MAX_RISK_PER_TRADE", 500),
			MaxAllocationPct:   envFloat("MAX_ALLOCATION_PERCENT", 5),
			MinDTE:             envInt("MIN_DTE", 25),
			MaxDTE:             envInt("MAX_DTE", 50),
			SpreadWidth:        envFloat("SPREAD_WIDTH", 5),
			MaxOpenPositions:   envInt("MAX_OPEN_POSITIONS", 5),
			DailyMaxLossPct:    envFloat("DAILY_MAX_LOSS_PCT", 3),
			ConsecutiveLossLim: envInt("CONSECUTIVE_LOSS_LIMIT", 3),
			MaxBWDelta:         envFloat("MAX_BW_DELTA", 50),
		},
		VIX: VIXConfig{
			Low:   envFloat("VIX_LOW", 15),
			High:  envFloat("VIX_HIGH", 25),
			Panic: envFloat("VIX_PANIC", 35),
		},
		Greeks: GreeksConfig{
			CreditDeltaMin:    envFloat("CREDIT_DELTA_MIN", 0.15),
			CreditDeltaMax:    envFloat("CREDIT_DELTA_MAX", 0.30),
			DebitDeltaMin:     envFloat("DEBIT_DELTA_MIN", 0.40),
			DebitDeltaMax:     envFloat("DEBIT_DELTA_MAX", 0.70),
			MinDailyTheta:     envFloat("MIN_DAILY_THETA", 0.01),
			MaxPostVannaDelta: envFloat("MAX_POST_VANNA_DELTA", 0.40),
			MaxGamma:          envFloat("MAX_GAMMA", 0.05),
			MaxVega:           envFloat("MAX_VEGA", 50),
		},
		Liquidity: LiquidityConfig{
			MaxBidAskSpread:     envFloat("MAX_BID_ASK_SPREAD", 0.10),
			MinVolumeOIRatioPct: envFloat("MIN_VOLUME_OI_RATIO_PCT", 5),
		},
		Exit: ExitConfig{
			TakeProfitPct: envFloat("TAKE_PROFIT_PCT", 0.50),
			StopLossMult:  envFloat("STOP_LOSS_MULT", 2.5),
			TimeExitDTE:   envInt("TIME_EXIT_DTE", 7),
			ModelPath:     envStr("EXIT_MODEL_PATH", ""),
		},
		Regime: RegimeConfig{
			ModelPath: envStr("REGIME_MODEL_PATH", ""),
		},
		Safety: SafetyConfig{
			PaperTrading:          envBool("PAPER_TRADING", true),
			AutoExecute:           envBool("AUTO_EXECUTE", false),
			AllowDelayedData:      envBool("ALLOW_DELAYED_DATA", false),
			EarningsBlackoutHours: envInt("EARNINGS_BLACKOUT_HOURS", 48),
			DividendBlackoutDays:  envInt("DIVIDEND_BLACKOUT_DAYS", 3),
		},
		Orders: OrdersConfig{
			TTLMinutes:             envInt("ORDER_TTL_MINUTES", 30),
			CleanupIntervalMinutes: envInt("ORDER_CLEANUP_INTERVAL_MINUTES", 10),
			MaxOpenUnfilled:        envInt("MAX_OPEN_UNFILLED_ORDERS", 10),
		},
		Store: StoreConfig{
			DBPath:     envStr("DB_PATH", "data/condorbot.db"),
			HistoryDir: envStr("HISTORY_DIR", "data/historical"),
		},
		Notify: NotifyConfig{
			Token:  envStr("TELEGRAM_TOKEN", ""),
			ChatID: int64(envInt("TELEGRAM_CHAT_ID", 0)),
		},
		Clock: ClockConfig{
			TimeSourceURL: envStr("TIME_SOURCE_URL", ""),
		},
		Screener: ScreenerConfig{
			MinPrice: envFloat("SCREENER_MIN_PRICE", 30),
			MaxPrice: envFloat("SCREENER_MAX_PRICE", 500),
			TopN:     envInt("SCREENER_TOP_N", 10),
		},
		Dashboard: DashboardConfig{
			Addr: envStr("DASHBOARD_ADDR", "127.0.0.1:8787"),
		},
		LogLevel: envStr("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate fails fast on inconsistent tunables.
func (c *Config) Validate() error {
	if c.Trading.AccountSize <= 0 {
		return fmt.Errorf("ACCOUNT_SIZE must be > 0")
	}
	if c.Trading.MaxRiskPerTrade <= 0 {
		return fmt.Errorf("MAX_RISK_PER_TRADE must be > 0")
	}
	if c.Trading.MaxRiskPerTrade > c.Trading.AccountSize {
		return fmt.Errorf("MAX_RISK_PER_TRADE (%.2f) exceeds ACCOUNT_SIZE (%.2f)",
			c.Trading.MaxRiskPerTrade, c.Trading.AccountSize)
	}
	if c.Trading.MaxAllocationPct <= 0 || c.Trading.MaxAllocationPct > 100 {
		return fmt.Errorf("MAX_ALLOCATION_PERCENT must be in (0,100]")
	}
	if c.Trading.MinDTE <= 0 || c.Trading.MaxDTE <= 0 || c.Trading.MinDTE > c.Trading.MaxDTE {
		return fmt.Errorf("DTE range invalid: min %d max %d", c.Trading.MinDTE, c.Trading.MaxDTE)
	}
	if !(c.VIX.Low < c.VIX.High && c.VIX.High < c.VIX.Panic) {
		return fmt.Errorf("VIX thresholds must ascend: low %.1f high %.1f panic %.1f",
			c.VIX.Low, c.VIX.High, c.VIX.Panic)
	}
	if c.Greeks.CreditDeltaMin >= c.Greeks.CreditDeltaMax {
		return fmt.Errorf("CREDIT_DELTA_MIN (%.2f) must be < CREDIT_DELTA_MAX (%.2f)",
			c.Greeks.CreditDeltaMin, c.Greeks.CreditDeltaMax)
	}
	if c.Greeks.DebitDeltaMin >= c.Greeks.DebitDeltaMax {
		return fmt.Errorf("DEBIT_DELTA_MIN (%.2f) must be < DEBIT_DELTA_MAX (%.2f)",
			c.Greeks.DebitDeltaMin, c.Greeks.DebitDeltaMax)
	}
	if c.Exit.TakeProfitPct <= 0 || c.Exit.TakeProfitPct >= 1 {
		return fmt.Errorf("TAKE_PROFIT_PCT must be in (0,1)")
	}
	if c.Exit.StopLossMult <= 1 {
		return fmt.Errorf("STOP_LOSS_MULT must be > 1")
	}
	if c.Orders.TTLMinutes <= 0 {
		return fmt.Errorf("ORDER_TTL_MINUTES must be > 0")
	}
	if c.Trading.DailyMaxLossPct <= 0 || c.Trading.DailyMaxLossPct >= 100 {
		return fmt.Errorf("DAILY_MAX_LOSS_PCT must be in (0,100)")
	}
	if c.Trading.ConsecutiveLossLim <= 0 {
		return fmt.Errorf("CONSECUTIVE_LOSS_LIMIT must be > 0")
	}
	if c.Screener.MinPrice <= 0 || c.Screener.MaxPrice <= c.Screener.MinPrice {
		return fmt.Errorf("screener price band invalid: [%.2f, %.2f]", c.Screener.MinPrice, c.Screener.MaxPrice)
	}
	return nil
}

// OrderTTL returns the order time-to-live as a duration.
func (c *Config) OrderTTL() time.Duration {
	return time.Duration(c.Orders.TTLMinutes) * time.Minute
}

// CleanupInterval returns the TTL-sweeper cadence.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Orders.CleanupIntervalMinutes) * time.Minute
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err == nil {
			return b
		}
	}
	return def
}
