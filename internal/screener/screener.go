// Package screener turns the broker's high-implied-volatility scan into a
// scored candidate list for the entry pipeline.
package screener

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/broker"
	"github.com/tvasek/condorbot/internal/clients"
	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/models"
)

// scanRows caps how many scanner rows are requested.
const scanRows = 50

// quoteTimeout bounds the per-symbol snapshot subscription.
const quoteTimeout = time.Second

// IVRankSource supplies the IV rank for a symbol, normally from the
// historical cache. A missing rank scores as zero.
type IVRankSource interface {
	IVRank(ctx context.Context, symbol string) (float64, error)
}

// NewsSource supplies recent scored headlines. Best-effort; candidates score
// without the sentiment tilt when it returns nothing.
type NewsSource interface {
	Recent(ctx context.Context, symbol string, limit int) ([]clients.Headline, error)
}

// newsLimit caps how many headlines feed one candidate's sentiment.
const newsLimit = 10

// Screener runs the scan and scores candidates.
type Screener struct {
	broker broker.Broker
	ivRank IVRankSource
	news   NewsSource
	cfg    config.ScreenerConfig
	log    zerolog.Logger
}

func New(b broker.Broker, ivRank IVRankSource, news NewsSource, cfg config.ScreenerConfig, log zerolog.Logger) *Screener {
	return &Screener{
		broker: b,
		ivRank: ivRank,
		news:   news,
		cfg:    cfg,
		log:    log.With().Str("component", "screener").Logger(),
	}
}

// Scan runs HIGH_OPT_IMP_VOLAT over US stocks in the configured price band
// and returns the top-N candidates by descending score.
func (s *Screener) Scan(ctx context.Context) ([]models.Candidate, error) {
	rows, err := s.broker.Scan(ctx, broker.ScanRequest{
		Code:       "HIGH_OPT_IMP_VOLAT",
		Instrument: "STK",
		Location:   "STK.US.MAJOR",
		AbovePrice: s.cfg.MinPrice,
		BelowPrice: s.cfg.MaxPrice,
		MaxRows:    scanRows,
	})
	if err != nil {
		return nil, fmt.Errorf("running volatility scan: %w", err)
	}
	s.log.Debug().Int("rows", len(rows)).Msg("scan returned")

	candidates := make([]models.Candidate, 0, len(rows))
	for _, row := range rows {
		c, err := s.compose(ctx, row.Symbol)
		if err != nil {
			s.log.Debug().Err(err).Str("symbol", row.Symbol).Msg("skipping scan row")
			continue
		}
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if n := s.cfg.TopN; n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates, nil
}

// compose snapshots the symbol briefly and scores it.
func (s *Screener) compose(ctx context.Context, symbol string) (models.Candidate, error) {
	qctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()

	quote, err := s.broker.SnapshotStock(qctx, symbol)
	if err != nil {
		return models.Candidate{}, err
	}
	mid := (quote.Bid + quote.Ask) / 2
	if mid <= 0 {
		mid = quote.Last
	}
	if mid <= 0 {
		return models.Candidate{}, fmt.Errorf("no usable price for %s", symbol)
	}

	var ivr float64
	if s.ivRank != nil {
		if v, err := s.ivRank.IVRank(ctx, symbol); err == nil {
			ivr = v
		}
	}

	c := models.Candidate{
		Symbol: symbol,
		Price:  mid,
		IVRank: ivr,
		Volume: quote.Volume,
	}
	if s.news != nil {
		if headlines, err := s.news.Recent(ctx, symbol, newsLimit); err == nil {
			c.Sentiment = meanSentiment(headlines)
		}
	}
	c.Score = Score(c, s.cfg)
	return c, nil
}

func meanSentiment(headlines []clients.Headline) float64 {
	if len(headlines) == 0 {
		return 0
	}
	var sum float64
	for _, h := range headlines {
		sum += h.Sentiment
	}
	return sum / float64(len(headlines))
}

// Score weighs IV rank at half its percentile plus 25-point bands for the
// price and liquidity sweet spots, tilted up to 10 points by headline
// sentiment when a news feed is wired.
func Score(c models.Candidate, cfg config.ScreenerConfig) float64 {
	score := c.IVRank * 0.5
	if band := priceBand(c.Price, cfg); band {
		score += 25
	}
	if c.Volume >= 1_000_000 {
		score += 25
	}
	score += c.Sentiment * 10
	return score
}

// priceBand marks prices in the middle half of the configured range, where
// strikes are dense enough for defined-risk spreads.
func priceBand(price float64, cfg config.ScreenerConfig) bool {
	span := cfg.MaxPrice - cfg.MinPrice
	if span <= 0 {
		return false
	}
	lo := cfg.MinPrice + span*0.25
	hi := cfg.MinPrice + span*0.75
	return price >= lo && price <= hi
}
