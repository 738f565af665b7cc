// Package notify pushes operational events to a Telegram channel.
// Delivery is best effort: a failed send is logged and dropped, never
// retried, so a Telegram outage cannot stall the trading loop.
package notify

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/models"
)

// Notifier is the event surface the engine raises alerts through.
type Notifier interface {
	Startup(version string, paperTrading bool)
	Shutdown(reason string)
	TradeOpened(p *models.Position)
	TradeClosed(p *models.Position)
	TradeRolled(old, next *models.Position, debit float64)
	OrderCancelled(orderID int64, symbol, reason string)
	TradeRejected(symbol, gate, reason string)
	CircuitBreakerTripped(reason string)
	VIXPanic(vix float64)
	Backwardation(ratio float64)
	PipelineError(stage string, err error)
	ReconciliationDiff(report string)
	WatchdogRestart(attempt int, reason string)
	DailySummary(openPositions int, dayPnL, netBWDelta float64)
}

// Telegram sends alerts through the Bot API. The zero config (empty
// token) yields a disabled notifier that only logs.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// NewTelegram connects to the Bot API. An empty token returns a
// log-only notifier rather than an error so unconfigured runs work.
func NewTelegram(cfg config.NotifyConfig, log zerolog.Logger) (*Telegram, error) {
	n := &Telegram{chatID: cfg.ChatID, log: log.With().Str("component", "notify").Logger()}
	if cfg.Token == "" {
		n.log.Info().Msg("telegram token not set, alerts go to the log only")
		return n, nil
	}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	n.api = api
	n.log.Info().Str("username", api.Self.UserName).Msg("telegram notifier connected")
	return n, nil
}

func (n *Telegram) send(text string) {
	n.log.Info().Str("alert", firstLine(text)).Msg("alert raised")
	if n.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		n.log.Warn().Err(err).Msg("telegram send failed, alert dropped")
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (n *Telegram) Startup(version string, paperTrading bool) {
	mode := "LIVE"
	if paperTrading {
		mode = "PAPER"
	}
	n.send(fmt.Sprintf("🟢 *Engine started* (%s)\nMode: %s", version, mode))
}

func (n *Telegram) Shutdown(reason string) {
	n.send(fmt.Sprintf("🔴 *Engine stopped*\nReason: %s", reason))
}

func (n *Telegram) TradeOpened(p *models.Position) {
	n.send(fmt.Sprintf("📈 *Opened* %s %s\nExp: %s | Contracts: %d\nCredit: $%.2f | Max risk: $%.2f",
		p.Symbol, p.Strategy,
		p.Expiration.Format("2006-01-02"), p.Contracts,
		p.EntryCredit, p.MaxRisk))
}

func (n *Telegram) TradeClosed(p *models.Position) {
	emoji := "✅"
	if p.RealizedPnL < 0 {
		emoji = "❌"
	}
	n.send(fmt.Sprintf("%s *Closed* %s %s\nReason: %s\nP/L: $%.2f",
		emoji, p.Symbol, p.Strategy, p.ExitReason, p.RealizedPnL))
}

func (n *Telegram) TradeRolled(old, next *models.Position, debit float64) {
	n.send(fmt.Sprintf("🔄 *Rolled* %s %s\n%s → %s\nRoll debit: $%.2f",
		old.Symbol, old.Strategy,
		old.Expiration.Format("2006-01-02"), next.Expiration.Format("2006-01-02"),
		debit))
}

func (n *Telegram) OrderCancelled(orderID int64, symbol, reason string) {
	n.send(fmt.Sprintf("🚫 *Order cancelled* #%d %s\nReason: %s", orderID, symbol, reason))
}

func (n *Telegram) TradeRejected(symbol, gate, reason string) {
	n.send(fmt.Sprintf("⛔ *Rejected* %s\nGate: %s\n%s", symbol, gate, reason))
}

func (n *Telegram) CircuitBreakerTripped(reason string) {
	n.send(fmt.Sprintf("🛑 *CIRCUIT BREAKER TRIPPED*\n%s\nNo new entries until reset.", reason))
}

func (n *Telegram) VIXPanic(vix float64) {
	n.send(fmt.Sprintf("⚠️ *VIX panic level*: %.1f\nCredit entries suspended.", vix))
}

func (n *Telegram) Backwardation(ratio float64) {
	n.send(fmt.Sprintf("⚠️ *Term structure inverted*: VIX/VIX3M %.2f\nShort-vega entries suspended.", ratio))
}

func (n *Telegram) PipelineError(stage string, err error) {
	n.send(fmt.Sprintf("💥 *Pipeline error* in %s\n%v", stage, err))
}

func (n *Telegram) ReconciliationDiff(report string) {
	n.send("🔍 *Reconciliation differences*\n" + report)
}

func (n *Telegram) WatchdogRestart(attempt int, reason string) {
	n.send(fmt.Sprintf("🐶 *Watchdog restart* (attempt %d)\n%s", attempt, reason))
}

func (n *Telegram) DailySummary(openPositions int, dayPnL, netBWDelta float64) {
	n.send(fmt.Sprintf("📊 *Daily summary*\nOpen positions: %d\nDay P/L: $%.2f\nNet BW delta: %.1f",
		openPositions, dayPnL, netBWDelta))
}

// Nop discards every event. Used in tests and tooling.
type Nop struct{}

func (Nop) Startup(string, bool)                               {}
func (Nop) Shutdown(string)                                    {}
func (Nop) TradeOpened(*models.Position)                       {}
func (Nop) TradeClosed(*models.Position)                       {}
func (Nop) TradeRolled(_, _ *models.Position, _ float64)       {}
func (Nop) OrderCancelled(int64, string, string)               {}
func (Nop) TradeRejected(string, string, string)               {}
func (Nop) CircuitBreakerTripped(string)                       {}
func (Nop) VIXPanic(float64)                                   {}
func (Nop) Backwardation(float64)                              {}
func (Nop) PipelineError(string, error)                        {}
func (Nop) ReconciliationDiff(string)                          {}
func (Nop) WatchdogRestart(int, string)                        {}
func (Nop) DailySummary(int, float64, float64)                 {}

var _ Notifier = (*Telegram)(nil)
var _ Notifier = Nop{}
