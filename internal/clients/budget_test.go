package clients

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBudgetSilentModeOnLimitCross(t *testing.T) {
	b := NewTokenBudget("advisor", 1.0, 0.001, 0.002, zerolog.Nop())

	assert.True(t, b.CanRequest())

	// 400 input + 300 output = 0.4 + 0.6 = 1.0 USD, exactly at the limit.
	b.RecordTokens(400, 300)

	assert.False(t, b.CanRequest(), "crossing the daily limit must enter silent mode")

	_, spent, silent := b.Usage()
	assert.InDelta(t, 1.0, spent, 1e-9)
	assert.True(t, silent)
}

func TestBudgetResetsAtUTCMidnight(t *testing.T) {
	b := NewRequestBudget("news", 0.50, 0.25, zerolog.Nop())

	day1 := time.Date(2026, 3, 2, 23, 50, 0, 0, time.UTC)
	b.SetNowFunc(func() time.Time { return day1 })

	b.RecordRequest()
	b.RecordRequest()
	assert.False(t, b.CanRequest())

	// Cross UTC midnight; silent mode clears and counters zero.
	b.SetNowFunc(func() time.Time { return day1.Add(20 * time.Minute) })
	assert.True(t, b.CanRequest())

	reqs, spent, silent := b.Usage()
	assert.Zero(t, reqs)
	assert.Zero(t, spent)
	assert.False(t, silent)
}

func TestBudgetRequestsUnlimitedWithoutLimit(t *testing.T) {
	b := NewRequestBudget("dividends", 0, 0.25, zerolog.Nop())
	for i := 0; i < 100; i++ {
		b.RecordRequest()
	}
	assert.True(t, b.CanRequest())
}
