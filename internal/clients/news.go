package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const newsTimeout = 10 * time.Second

// Headline is one news item about a symbol.
type Headline struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Sentiment   float64   `json:"sentiment"` // -1..1 when the feed scores it
}

// News fetches recent headlines for a symbol. Best-effort: a silent budget or
// transport failure yields an empty slice, and screening continues without
// the news signal.
type News struct {
	url    string
	apiKey string
	http   *http.Client
	budget *Budget
	log    zerolog.Logger
}

func NewNews(endpoint, apiKey string, budget *Budget, log zerolog.Logger) *News {
	return &News{
		url:    endpoint,
		apiKey: apiKey,
		http:   &http.Client{Timeout: newsTimeout},
		budget: budget,
		log:    log.With().Str("client", "news").Logger(),
	}
}

// Recent returns up to limit headlines for the symbol.
func (n *News) Recent(ctx context.Context, symbol string, limit int) ([]Headline, error) {
	if n.url == "" || !n.budget.CanRequest() {
		return nil, nil
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", fmt.Sprint(limit))
	q.Set("apikey", n.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building news request: %w", err)
	}
	resp, err := n.http.Do(req)
	if err != nil {
		n.log.Warn().Err(err).Str("symbol", symbol).Msg("news fetch failed")
		return nil, nil
	}
	defer resp.Body.Close()
	n.budget.RecordRequest()

	if resp.StatusCode != http.StatusOK {
		n.log.Warn().Int("status", resp.StatusCode).Str("symbol", symbol).Msg("news fetch rejected")
		return nil, nil
	}
	var payload struct {
		Articles []Headline `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding news response: %w", err)
	}
	return payload.Articles, nil
}
