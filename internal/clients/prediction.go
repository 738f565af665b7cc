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

const predictionTimeout = 10 * time.Second

// MarketOdds is a prediction-market probability for a macro event.
type MarketOdds struct {
	Question    string  `json:"question"`
	Probability float64 `json:"probability"` // 0..1
	Volume      float64 `json:"volume"`
}

// Prediction queries a prediction-market aggregator for macro event odds
// (rate decisions, volatility events). Used as an advisory input to the
// regime features, never as a gate.
type Prediction struct {
	url    string
	http   *http.Client
	budget *Budget
	log    zerolog.Logger
}

func NewPrediction(endpoint string, budget *Budget, log zerolog.Logger) *Prediction {
	return &Prediction{
		url:    endpoint,
		http:   &http.Client{Timeout: predictionTimeout},
		budget: budget,
		log:    log.With().Str("client", "prediction").Logger(),
	}
}

// Odds returns markets matching the query, best-effort.
func (p *Prediction) Odds(ctx context.Context, query string) ([]MarketOdds, error) {
	if p.url == "" || !p.budget.CanRequest() {
		return nil, nil
	}
	q := url.Values{}
	q.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building prediction request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		p.log.Warn().Err(err).Str("query", query).Msg("prediction fetch failed")
		return nil, nil
	}
	defer resp.Body.Close()
	p.budget.RecordRequest()

	if resp.StatusCode != http.StatusOK {
		p.log.Warn().Int("status", resp.StatusCode).Msg("prediction fetch rejected")
		return nil, nil
	}
	var payload struct {
		Markets []MarketOdds `json:"markets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding prediction response: %w", err)
	}
	return payload.Markets, nil
}
