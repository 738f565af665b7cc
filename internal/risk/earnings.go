package risk

import (
	"context"
	"encoding/xml"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FundamentalsSource is the slice of the broker the earnings calendar needs.
type FundamentalsSource interface {
	FundamentalXML(ctx context.Context, symbol, report string) (string, error)
}

const earningsCacheTTL = 24 * time.Hour

// EarningsCalendar resolves the next earnings announcement from the broker's
// fundamentals calendar report. Results are cached per symbol for a trading
// day so the blackout gate never burns the fundamentals pacing budget twice
// for the same name.
type EarningsCalendar struct {
	source FundamentalsSource
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]earningsEntry
}

type earningsEntry struct {
	next      time.Time
	fetchedAt time.Time
}

func NewEarningsCalendar(source FundamentalsSource, log zerolog.Logger) *EarningsCalendar {
	return &EarningsCalendar{
		source: source,
		log:    log.With().Str("component", "earnings").Logger(),
		now:    time.Now,
		cache:  make(map[string]earningsEntry),
	}
}

// NextEarnings returns the next scheduled announcement for a symbol, or the
// zero time when none is on the calendar.
func (e *EarningsCalendar) NextEarnings(ctx context.Context, symbol string) (time.Time, error) {
	now := e.now()

	e.mu.Lock()
	if entry, ok := e.cache[symbol]; ok && now.Sub(entry.fetchedAt) < earningsCacheTTL {
		e.mu.Unlock()
		return entry.next, nil
	}
	e.mu.Unlock()

	raw, err := e.source.FundamentalXML(ctx, symbol, "CalendarReport")
	if err != nil {
		return time.Time{}, err
	}
	next := nextEarningsDate(raw, now)
	if !next.IsZero() {
		e.log.Debug().Str("symbol", symbol).Time("earnings", next).Msg("earnings date resolved")
	}

	e.mu.Lock()
	e.cache[symbol] = earningsEntry{next: next, fetchedAt: now}
	e.mu.Unlock()
	return next, nil
}

// nextEarningsDate scans the calendar report for the earliest future date
// inside an earnings element. Report vintages disagree on tag names, so any
// element whose name mentions earnings qualifies; date text is accepted in
// both ISO and compact broker form.
func nextEarningsDate(raw string, now time.Time) time.Time {
	dec := xml.NewDecoder(strings.NewReader(raw))
	var stack []string
	var next time.Time
	for {
		tok, err := dec.Token()
		if err != nil {
			return next
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if !insideEarningsElement(stack) {
				continue
			}
			d, ok := parseCalendarDate(strings.TrimSpace(string(t)))
			if !ok || !d.After(now) {
				continue
			}
			if next.IsZero() || d.Before(next) {
				next = d
			}
		}
	}
}

func insideEarningsElement(stack []string) bool {
	for _, name := range stack {
		if strings.Contains(strings.ToLower(name), "earnings") {
			return true
		}
	}
	return false
}

func parseCalendarDate(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if len(s) != len(layout) {
			continue
		}
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
