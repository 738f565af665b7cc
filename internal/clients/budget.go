// Package clients holds the rate-limited external services the engine
// consults: the AI advisor, news, prediction markets, and dividend calendars.
// Every client shares the Budget accounting: per-UTC-day token and request
// counters with a USD estimate, and a silent-mode switch once the daily limit
// is crossed. Callers must check CanRequest and proceed without the service
// when it is silent.
package clients

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Budget tracks one client's daily spend. All methods are safe for concurrent
// use; the counters reset lazily at the first call after UTC midnight.
type Budget struct {
	mu sync.Mutex

	name          string
	dailyLimitUSD float64
	inputPerTok   float64 // USD per input token
	outputPerTok  float64 // USD per output token
	perRequestUSD float64 // flat cost for non-token APIs

	day          string // YYYY-MM-DD in UTC
	inputTokens  int64
	outputTokens int64
	requests     int64
	spentUSD     float64
	silent       bool

	now func() time.Time
	log zerolog.Logger
}

// NewTokenBudget accounts in tokens at posted unit prices.
func NewTokenBudget(name string, dailyLimitUSD, inputPerTok, outputPerTok float64, log zerolog.Logger) *Budget {
	return &Budget{
		name:          name,
		dailyLimitUSD: dailyLimitUSD,
		inputPerTok:   inputPerTok,
		outputPerTok:  outputPerTok,
		now:           time.Now,
		log:           log.With().Str("client", name).Logger(),
	}
}

// NewRequestBudget accounts a flat USD cost per request.
func NewRequestBudget(name string, dailyLimitUSD, perRequestUSD float64, log zerolog.Logger) *Budget {
	return &Budget{
		name:          name,
		dailyLimitUSD: dailyLimitUSD,
		perRequestUSD: perRequestUSD,
		now:           time.Now,
		log:           log.With().Str("client", name).Logger(),
	}
}

// rollover resets the counters when the UTC day has changed. Caller holds mu.
func (b *Budget) rollover() {
	today := b.now().UTC().Format("2006-01-02")
	if b.day == today {
		return
	}
	if b.silent {
		b.log.Info().Str("day", b.day).Float64("spent_usd", b.spentUSD).Msg("daily budget reset, leaving silent mode")
	}
	b.day = today
	b.inputTokens = 0
	b.outputTokens = 0
	b.requests = 0
	b.spentUSD = 0
	b.silent = false
}

// CanRequest reports whether the client may issue another call today.
func (b *Budget) CanRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return !b.silent
}

// RecordTokens charges a token-priced call and flips silent mode on crossing
// the daily limit.
func (b *Budget) RecordTokens(inputTokens, outputTokens int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	b.inputTokens += inputTokens
	b.outputTokens += outputTokens
	b.requests++
	b.spentUSD += float64(inputTokens)*b.inputPerTok + float64(outputTokens)*b.outputPerTok
	b.checkLimit()
	b.log.Debug().Int64("in", inputTokens).Int64("out", outputTokens).
		Float64("spent_usd", b.spentUSD).Bool("silent", b.silent).Msg("usage recorded")
}

// RecordRequest charges a flat-priced call.
func (b *Budget) RecordRequest() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	b.requests++
	b.spentUSD += b.perRequestUSD
	b.checkLimit()
	b.log.Debug().Int64("requests", b.requests).
		Float64("spent_usd", b.spentUSD).Bool("silent", b.silent).Msg("usage recorded")
}

// checkLimit flips silent mode on limit crossing. Caller holds mu.
func (b *Budget) checkLimit() {
	if b.silent || b.dailyLimitUSD <= 0 {
		return
	}
	if b.spentUSD >= b.dailyLimitUSD {
		b.silent = true
		b.log.Warn().Float64("spent_usd", b.spentUSD).Float64("limit_usd", b.dailyLimitUSD).
			Msg("daily budget exhausted, entering silent mode")
	}
}

// Usage returns today's spend for reporting.
func (b *Budget) Usage() (requests int64, spentUSD float64, silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return b.requests, b.spentUSD, b.silent
}

// SetNowFunc overrides the clock in tests.
func (b *Budget) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
