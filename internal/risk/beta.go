package risk

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/tvasek/condorbot/internal/broker"
)

// betaLookback is the daily-return window for the covariance estimate.
const betaLookback = 252

// BarSource provides daily history for the covariance beta, normally the
// CSV-backed historical cache.
type BarSource interface {
	DailyCloses(ctx context.Context, symbol string, days int) ([]float64, error)
}

// BetaProvider resolves a symbol's beta against SPY: broker fundamentals
// first, covariance of daily returns second, 1.0 as the last resort.
type BetaProvider struct {
	broker broker.Broker
	bars   BarSource
	log    zerolog.Logger

	mu    sync.Mutex
	cache map[string]betaEntry
}

type betaEntry struct {
	beta      float64
	fetchedAt time.Time
}

func NewBetaProvider(b broker.Broker, bars BarSource, log zerolog.Logger) *BetaProvider {
	return &BetaProvider{
		broker: b,
		bars:   bars,
		log:    log.With().Str("component", "beta").Logger(),
		cache:  make(map[string]betaEntry),
	}
}

// Beta returns the symbol's beta, cached for the trading day.
func (p *BetaProvider) Beta(ctx context.Context, symbol string) float64 {
	if symbol == "SPY" {
		return 1.0
	}
	p.mu.Lock()
	if e, ok := p.cache[symbol]; ok && time.Since(e.fetchedAt) < 24*time.Hour {
		p.mu.Unlock()
		return e.beta
	}
	p.mu.Unlock()

	beta, err := p.fromFundamentals(ctx, symbol)
	if err != nil {
		p.log.Debug().Err(err).Str("symbol", symbol).Msg("fundamentals beta unavailable, trying covariance")
		beta, err = p.fromReturns(ctx, symbol)
	}
	if err != nil || beta <= 0 {
		p.log.Debug().Err(err).Str("symbol", symbol).Msg("no beta source, using 1.0")
		beta = 1.0
	}

	p.mu.Lock()
	p.cache[symbol] = betaEntry{beta: beta, fetchedAt: time.Now()}
	p.mu.Unlock()
	return beta
}

// fundamentalsReport is the slice of the snapshot XML carrying ratios.
type fundamentalsReport struct {
	Ratios []struct {
		FieldName string `xml:"FieldName,attr"`
		Value     string `xml:",chardata"`
	} `xml:"Ratios>Group>Ratio"`
}

func (p *BetaProvider) fromFundamentals(ctx context.Context, symbol string) (float64, error) {
	raw, err := p.broker.FundamentalXML(ctx, symbol, "ReportSnapshot")
	if err != nil {
		return 0, err
	}
	var report fundamentalsReport
	if err := xml.Unmarshal([]byte(raw), &report); err != nil {
		return 0, fmt.Errorf("parsing fundamentals: %w", err)
	}
	for _, r := range report.Ratios {
		if r.FieldName == "BETA" {
			beta, err := strconv.ParseFloat(r.Value, 64)
			if err != nil {
				return 0, fmt.Errorf("parsing beta %q: %w", r.Value, err)
			}
			return beta, nil
		}
	}
	return 0, fmt.Errorf("no BETA ratio in snapshot for %s", symbol)
}

// fromReturns computes cov(sym, SPY)/var(SPY) over the lookback.
func (p *BetaProvider) fromReturns(ctx context.Context, symbol string) (float64, error) {
	if p.bars == nil {
		return 0, fmt.Errorf("no bar source configured")
	}
	symCloses, err := p.bars.DailyCloses(ctx, symbol, betaLookback+1)
	if err != nil {
		return 0, err
	}
	spyCloses, err := p.bars.DailyCloses(ctx, "SPY", betaLookback+1)
	if err != nil {
		return 0, err
	}
	n := len(symCloses)
	if len(spyCloses) < n {
		n = len(spyCloses)
	}
	if n < 30 {
		return 0, fmt.Errorf("only %d overlapping bars for %s", n, symbol)
	}
	symRet := toReturns(symCloses[len(symCloses)-n:])
	spyRet := toReturns(spyCloses[len(spyCloses)-n:])

	variance := stat.Variance(spyRet, nil)
	if variance == 0 {
		return 0, fmt.Errorf("degenerate SPY return variance")
	}
	return stat.Covariance(symRet, spyRet, nil) / variance, nil
}

func toReturns(closes []float64) []float64 {
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			rets = append(rets, closes[i]/closes[i-1]-1)
		} else {
			rets = append(rets, 0)
		}
	}
	return rets
}

// BWDelta converts one instrument's delta into SPY-equivalent deltas:
// delta · quantity · multiplier · (price / SPY price) · beta.
func BWDelta(delta, quantity, multiplier, price, spyPrice, beta float64) float64 {
	if spyPrice <= 0 {
		return 0
	}
	return delta * quantity * multiplier * (price / spyPrice) * beta
}
