package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvasek/condorbot/internal/mock"
	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/pricing"
)

type fakeFundamentals struct {
	calls int
	xml   string
	err   error
}

func (f *fakeFundamentals) FundamentalXML(ctx context.Context, symbol, report string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.xml, nil
}

func calendarXML(dates ...string) string {
	var announcements string
	for _, d := range dates {
		announcements += fmt.Sprintf("<Announcement><Date>%s</Date></Announcement>", d)
	}
	return `<?xml version="1.0"?>
<CalendarReport>
  <Dividends><DivDate>2099-01-02</DivDate></Dividends>
  <EarningsAnnouncements>` + announcements + `</EarningsAnnouncements>
</CalendarReport>`
}

func TestNextEarningsDatePicksEarliestFutureAnnouncement(t *testing.T) {
	now := time.Date(2026, 4, 7, 12, 0, 0, 0, time.UTC)
	raw := calendarXML("2026-01-15", "2026-07-16", "2026-04-16")

	next := nextEarningsDate(raw, now)
	assert.Equal(t, time.Date(2026, 4, 16, 0, 0, 0, 0, time.UTC), next,
		"past announcements are skipped, the earliest future one wins")
}

func TestNextEarningsDateIgnoresNonEarningsDates(t *testing.T) {
	// The only future date outside an earnings element is the dividend one.
	now := time.Date(2026, 4, 7, 12, 0, 0, 0, time.UTC)
	raw := calendarXML("2026-01-15")

	assert.True(t, nextEarningsDate(raw, now).IsZero())
}

func TestNextEarningsDateAcceptsCompactForm(t *testing.T) {
	now := time.Date(2026, 4, 7, 12, 0, 0, 0, time.UTC)
	raw := calendarXML("20260910")

	assert.Equal(t, time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC), nextEarningsDate(raw, now))
}

func TestEarningsCalendarCachesPerSymbol(t *testing.T) {
	src := &fakeFundamentals{xml: calendarXML("2026-04-16")}
	cal := NewEarningsCalendar(src, zerolog.Nop())
	cal.now = func() time.Time { return time.Date(2026, 4, 7, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	first, err := cal.NextEarnings(ctx, "SPY")
	require.NoError(t, err)
	second, err := cal.NextEarnings(ctx, "SPY")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls, "a day's lookups hit the fundamentals report once")
}

func TestEarningsBlackoutBlocksEntry(t *testing.T) {
	store := openTestStore(t)
	cfg := testConfig()

	tomorrow := time.Now().Add(24 * time.Hour).Format("2006-01-02")
	cal := NewEarningsCalendar(&fakeFundamentals{xml: calendarXML(tomorrow)}, zerolog.Nop())

	breaker := NewTradingBreaker(store, cfg.Trading, zerolog.Nop())
	rf := pricing.NewRiskFree(mock.NewBroker(), zerolog.Nop())
	calc := pricing.NewCalculator(rf, zerolog.Nop())
	beta := NewBetaProvider(mock.NewBroker(), nil, zerolog.Nop())
	v := NewValidator(store, breaker, calc, beta, cal, nil, cfg, zerolog.Nop())

	exp := time.Now().Add(35 * 24 * time.Hour)
	p, chain := testProposal(exp)
	market := Market{VIX: 18.5, Regime: models.RegimeLowVolNeutral, SPYPrice: 450}

	err := v.Validate(context.Background(), p, market, PortfolioExposure{}, chain, nil)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "earnings", rejection.Gate)

	// A short strike beyond the expected move rides through the announcement.
	market.ExpectedMove = 3 // short 455 sits 5 points from spot 450
	err = v.Validate(context.Background(), p, market, PortfolioExposure{}, chain, nil)
	assert.NoError(t, err)
}
