// Package clock provides the engine's authoritative wall clock and the US
// equity market calendar. The clock applies an offset learned from an
// external atomic-time source so scheduling does not drift with the host.
package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// syncInterval is how often the atomic-time offset is refreshed.
	syncInterval = 6 * time.Hour
	// syncTimeout bounds a single time-source request.
	syncTimeout = 5 * time.Second
)

// Market session boundaries in US/Eastern.
const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0
)

// Clock is the drift-corrected wall clock plus market-calendar queries.
// All methods are safe for concurrent use.
type Clock struct {
	mu        sync.RWMutex
	offset    time.Duration
	sourceURL string
	client    *http.Client
	eastern   *time.Location
	log       zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// timeSourceResponse is the single-field payload the time source returns.
// worldtimeapi-style sources return more; only datetime is parsed.
type timeSourceResponse struct {
	DateTime string `json:"datetime"`
}

// New creates a Clock. sourceURL may be empty, in which case no drift
// correction is applied until Sync is called with a configured source.
func New(sourceURL string, log zerolog.Logger) (*Clock, error) {
	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Minimal containers without tzdata fall back to a fixed EST offset.
		eastern = time.FixedZone("ET", -5*60*60)
	}
	return &Clock{
		sourceURL: sourceURL,
		client:    &http.Client{Timeout: syncTimeout},
		eastern:   eastern,
		log:       log.With().Str("component", "clock").Logger(),
		now:       time.Now,
	}, nil
}

// Now returns the drift-corrected instant in UTC.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Add(c.offset).UTC()
}

// NowEastern returns the drift-corrected time in US/Eastern.
func (c *Clock) NowEastern() time.Time {
	return c.Now().In(c.eastern)
}

// Eastern returns the market time zone.
func (c *Clock) Eastern() *time.Location { return c.eastern }

// Offset returns the currently applied drift correction.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Sync queries the atomic-time source once and updates the offset. A failed
// fetch or parse leaves the previously-known offset in place.
func (c *Clock) Sync(ctx context.Context) error {
	if c.sourceURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sourceURL, nil)
	if err != nil {
		return fmt.Errorf("building time source request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("querying time source: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("time source returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("reading time source response: %w", err)
	}

	var payload timeSourceResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("parsing time source response: %w", err)
	}
	remote, err := time.Parse(time.RFC3339Nano, payload.DateTime)
	if err != nil {
		if remote, err = time.Parse(time.RFC3339, payload.DateTime); err != nil {
			return fmt.Errorf("parsing time source timestamp %q: %w", payload.DateTime, err)
		}
	}

	local := c.now()
	offset := remote.Sub(local)

	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()

	c.log.Info().Dur("offset", offset).Msg("clock synced against atomic time source")
	return nil
}

// Run resyncs at startup and every six hours until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) {
	if err := c.Sync(ctx); err != nil {
		c.log.Warn().Err(err).Msg("initial clock sync failed, keeping previous offset")
	}
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil {
				c.log.Warn().Err(err).Msg("clock sync failed, keeping previous offset")
			}
		}
	}
}

// IsMarketOpen reports whether the regular session is open: weekdays
// 09:30-16:00 US/Eastern. Exchange holidays are handled upstream by the
// broker's trading-day calendar.
func (c *Clock) IsMarketOpen() bool {
	return c.isOpenAt(c.NowEastern())
}

func (c *Clock) isOpenAt(et time.Time) bool {
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := time.Date(et.Year(), et.Month(), et.Day(), openHour, openMinute, 0, 0, c.eastern)
	close := time.Date(et.Year(), et.Month(), et.Day(), closeHour, closeMinute, 0, 0, c.eastern)
	return !et.Before(open) && et.Before(close)
}

// MarketOpen returns today's 09:30 US/Eastern boundary.
func (c *Clock) MarketOpen() time.Time {
	et := c.NowEastern()
	return time.Date(et.Year(), et.Month(), et.Day(), openHour, openMinute, 0, 0, c.eastern)
}

// MarketClose returns today's 16:00 US/Eastern boundary.
func (c *Clock) MarketClose() time.Time {
	et := c.NowEastern()
	return time.Date(et.Year(), et.Month(), et.Day(), closeHour, closeMinute, 0, 0, c.eastern)
}

// SetNowFunc replaces the underlying time source, for tests.
func (c *Clock) SetNowFunc(fn func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = fn
}
