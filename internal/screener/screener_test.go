package screener

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvasek/condorbot/internal/broker"
	"github.com/tvasek/condorbot/internal/clients"
	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/mock"
	"github.com/tvasek/condorbot/internal/models"
)

type fixedIVRank map[string]float64

func (f fixedIVRank) IVRank(ctx context.Context, symbol string) (float64, error) {
	return f[symbol], nil
}

func TestScanScoresAndRanks(t *testing.T) {
	cfg := config.ScreenerConfig{MinPrice: 30, MaxPrice: 500, TopN: 2}

	b := mock.NewBroker()
	b.ScanFn = func(ctx context.Context, req broker.ScanRequest) ([]broker.ScanRow, error) {
		assert.Equal(t, "HIGH_OPT_IMP_VOLAT", req.Code)
		assert.Equal(t, 50, req.MaxRows)
		return []broker.ScanRow{
			{Rank: 1, Symbol: "AAA"},
			{Rank: 2, Symbol: "BBB"},
			{Rank: 3, Symbol: "CCC"},
		}, nil
	}
	quotes := map[string]models.StockQuote{
		// Mid 200 sits inside the price band; heavy volume.
		"AAA": {Symbol: "AAA", Bid: 199.9, Ask: 200.1, Volume: 5_000_000, DataType: models.DataRealTime},
		// Mid 40 sits below the band; light volume.
		"BBB": {Symbol: "BBB", Bid: 39.9, Ask: 40.1, Volume: 200_000, DataType: models.DataRealTime},
		// Mid 300 in band, light volume.
		"CCC": {Symbol: "CCC", Bid: 299.9, Ask: 300.1, Volume: 100_000, DataType: models.DataRealTime},
	}
	b.SnapshotStockFn = func(ctx context.Context, symbol string) (models.StockQuote, error) {
		return quotes[symbol], nil
	}

	ivr := fixedIVRank{"AAA": 60, "BBB": 90, "CCC": 10}
	s := New(b, ivr, nil, cfg, zerolog.Nop())

	got, err := s.Scan(context.Background())
	require.NoError(t, err)

	// AAA: 60*0.5 + 25 + 25 = 80. BBB: 90*0.5 = 45. CCC: 10*0.5 + 25 = 30.
	require.Len(t, got, 2, "top-N truncates to 2")
	assert.Equal(t, "AAA", got[0].Symbol)
	assert.InDelta(t, 80, got[0].Score, 1e-9)
	assert.Equal(t, "BBB", got[1].Symbol)
	assert.InDelta(t, 45, got[1].Score, 1e-9)
}

type fixedNews map[string][]clients.Headline

func (f fixedNews) Recent(ctx context.Context, symbol string, limit int) ([]clients.Headline, error) {
	return f[symbol], nil
}

func TestScanSentimentTiltsScore(t *testing.T) {
	cfg := config.ScreenerConfig{MinPrice: 30, MaxPrice: 500, TopN: 10}

	b := mock.NewBroker()
	b.ScanFn = func(ctx context.Context, req broker.ScanRequest) ([]broker.ScanRow, error) {
		return []broker.ScanRow{{Rank: 1, Symbol: "UPBEAT"}, {Rank: 2, Symbol: "GLOOMY"}}, nil
	}
	b.SnapshotStockFn = func(ctx context.Context, symbol string) (models.StockQuote, error) {
		return models.StockQuote{Symbol: symbol, Bid: 199.9, Ask: 200.1, Volume: 5_000_000}, nil
	}
	news := fixedNews{
		"UPBEAT": {{Title: "beat", Sentiment: 0.8}, {Title: "raise", Sentiment: 0.4}},
		"GLOOMY": {{Title: "cut", Sentiment: -0.9}, {Title: "miss", Sentiment: -0.5}},
	}

	s := New(b, nil, news, cfg, zerolog.Nop())
	got, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Identical quotes score 50; sentiment adds +6 and -7.
	assert.Equal(t, "UPBEAT", got[0].Symbol)
	assert.InDelta(t, 56, got[0].Score, 1e-9)
	assert.InDelta(t, 0.6, got[0].Sentiment, 1e-9)
	assert.Equal(t, "GLOOMY", got[1].Symbol)
	assert.InDelta(t, 43, got[1].Score, 1e-9)
}

func TestScanSkipsUnquotableSymbols(t *testing.T) {
	b := mock.NewBroker()
	b.ScanFn = func(ctx context.Context, req broker.ScanRequest) ([]broker.ScanRow, error) {
		return []broker.ScanRow{{Rank: 1, Symbol: "DEAD"}, {Rank: 2, Symbol: "LIVE"}}, nil
	}
	b.SnapshotStockFn = func(ctx context.Context, symbol string) (models.StockQuote, error) {
		if symbol == "DEAD" {
			return models.StockQuote{Symbol: symbol}, nil // no prices at all
		}
		return models.StockQuote{Symbol: symbol, Bid: 99.9, Ask: 100.1, Volume: 2_000_000}, nil
	}

	s := New(b, nil, nil, config.ScreenerConfig{MinPrice: 30, MaxPrice: 500, TopN: 10}, zerolog.Nop())
	got, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "LIVE", got[0].Symbol)
}
