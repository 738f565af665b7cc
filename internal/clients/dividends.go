package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const dividendTimeout = 10 * time.Second

// ErrNoDividend is returned when the source has no upcoming ex-dividend date
// for the symbol.
var ErrNoDividend = errors.New("clients: no upcoming dividend")

// Dividends resolves the next ex-dividend date per symbol. Results are cached
// for the trading day; the dividend blackout gate treats a fetch failure as
// "unknown" and does not block the trade.
type Dividends struct {
	url    string
	http   *http.Client
	budget *Budget
	log    zerolog.Logger

	mu    sync.Mutex
	cache map[string]dividendEntry
}

type dividendEntry struct {
	exDate    time.Time
	fetchedAt time.Time
}

func NewDividends(endpoint string, budget *Budget, log zerolog.Logger) *Dividends {
	return &Dividends{
		url:    endpoint,
		http:   &http.Client{Timeout: dividendTimeout},
		budget: budget,
		log:    log.With().Str("client", "dividends").Logger(),
		cache:  make(map[string]dividendEntry),
	}
}

// NextExDate returns the next ex-dividend date for symbol.
func (d *Dividends) NextExDate(ctx context.Context, symbol string) (time.Time, error) {
	d.mu.Lock()
	if e, ok := d.cache[symbol]; ok && time.Since(e.fetchedAt) < 24*time.Hour {
		d.mu.Unlock()
		if e.exDate.IsZero() {
			return time.Time{}, ErrNoDividend
		}
		return e.exDate, nil
	}
	d.mu.Unlock()

	if d.url == "" || !d.budget.CanRequest() {
		return time.Time{}, ErrNoDividend
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url+"?"+q.Encode(), nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("building dividend request: %w", err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("fetching dividend date: %w", err)
	}
	defer resp.Body.Close()
	d.budget.RecordRequest()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("dividend source returned status %d", resp.StatusCode)
	}
	var payload struct {
		ExDate string `json:"ex_date"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return time.Time{}, fmt.Errorf("decoding dividend response: %w", err)
	}

	var exDate time.Time
	if payload.ExDate != "" {
		exDate, err = time.Parse("2006-01-02", payload.ExDate)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing ex-dividend date %q: %w", payload.ExDate, err)
		}
	}

	d.mu.Lock()
	d.cache[symbol] = dividendEntry{exDate: exDate, fetchedAt: time.Now()}
	d.mu.Unlock()

	if exDate.IsZero() {
		return time.Time{}, ErrNoDividend
	}
	return exDate, nil
}
