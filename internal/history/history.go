// Package history maintains the per-symbol daily OHLCV cache on disk and
// derives the statistics fed from it: daily closes for the covariance beta,
// IV rank for the screener score, and settlement closes for shadow-trade
// evaluation.
package history

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/broker"
)

// hvWindow is the rolling window for the historical-volatility series.
const hvWindow = 20

// rankLookback is the window the current HV is ranked within.
const rankLookback = 252

// Cache is the CSV-backed daily bar store. One file per symbol under dir,
// incrementally appended with date de-duplication.
type Cache struct {
	dir    string
	broker broker.Broker
	log    zerolog.Logger
}

func NewCache(dir string, b broker.Broker, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create %s: %w", dir, err)
	}
	return &Cache{dir: dir, broker: b, log: log.With().Str("component", "history").Logger()}, nil
}

func (c *Cache) path(symbol string) string {
	return filepath.Join(c.dir, symbol+".csv")
}

// Refresh pulls a year of daily bars and merges them into the symbol's file.
// Existing dates keep their stored row; only new dates append.
func (c *Cache) Refresh(ctx context.Context, symbol string) error {
	bars, err := c.broker.HistoricalBars(ctx, symbol, "1 Y", "1 day")
	if err != nil {
		return fmt.Errorf("history: fetch %s: %w", symbol, err)
	}
	existing, err := c.load(symbol)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, b := range existing {
		seen[b.Date.Format("2006-01-02")] = true
	}

	merged := existing
	added := 0
	for _, b := range bars {
		key := b.Date.Format("2006-01-02")
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, b)
		added++
	}
	if added == 0 {
		return nil
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Date.Before(merged[j].Date) })

	if err := c.write(symbol, merged); err != nil {
		return err
	}
	c.log.Debug().Str("symbol", symbol).Int("added", added).Msg("historical cache refreshed")
	return nil
}

func (c *Cache) write(symbol string, bars []broker.Bar) error {
	tmp := c.path(symbol) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("history: write %s: %w", symbol, err)
	}
	w := csv.NewWriter(f)
	for _, b := range bars {
		rec := []string{
			b.Date.Format("2006-01-02"),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatInt(b.Volume, 10),
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return fmt.Errorf("history: write %s: %w", symbol, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("history: flush %s: %w", symbol, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("history: close %s: %w", symbol, err)
	}
	return os.Rename(tmp, c.path(symbol))
}

func (c *Cache) load(symbol string) ([]broker.Bar, error) {
	f, err := os.Open(c.path(symbol))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("history: parse %s: %w", symbol, err)
	}
	bars := make([]broker.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) != 6 {
			continue
		}
		date, err := time.Parse("2006-01-02", row[0])
		if err != nil {
			continue
		}
		open, _ := strconv.ParseFloat(row[1], 64)
		high, _ := strconv.ParseFloat(row[2], 64)
		low, _ := strconv.ParseFloat(row[3], 64)
		cl, err := strconv.ParseFloat(row[4], 64)
		if err != nil {
			continue
		}
		vol, _ := strconv.ParseInt(row[5], 10, 64)
		bars = append(bars, broker.Bar{Date: date, Open: open, High: high, Low: low, Close: cl, Volume: vol})
	}
	return bars, nil
}

// bars loads the symbol's file, refreshing first when it is missing or too
// short for the request.
func (c *Cache) bars(ctx context.Context, symbol string, minLen int) ([]broker.Bar, error) {
	loaded, err := c.load(symbol)
	if err != nil || len(loaded) < minLen {
		if rerr := c.Refresh(ctx, symbol); rerr != nil {
			if err != nil {
				return nil, rerr
			}
			c.log.Warn().Err(rerr).Str("symbol", symbol).Msg("refresh failed, serving stale cache")
		}
		loaded, err = c.load(symbol)
		if err != nil {
			return nil, fmt.Errorf("history: no data for %s: %w", symbol, err)
		}
	}
	return loaded, nil
}

// DailyCloses returns up to the last n closes in chronological order.
func (c *Cache) DailyCloses(ctx context.Context, symbol string, n int) ([]float64, error) {
	loaded, err := c.bars(ctx, symbol, n)
	if err != nil {
		return nil, err
	}
	if len(loaded) > n {
		loaded = loaded[len(loaded)-n:]
	}
	closes := make([]float64, len(loaded))
	for i, b := range loaded {
		closes[i] = b.Close
	}
	return closes, nil
}

// CloseOn returns the first close on or after the given date, falling back
// to the last available close when the date is past the cached range.
func (c *Cache) CloseOn(ctx context.Context, symbol string, date time.Time) (float64, error) {
	loaded, err := c.bars(ctx, symbol, 1)
	if err != nil {
		return 0, err
	}
	if len(loaded) == 0 {
		return 0, fmt.Errorf("history: no bars for %s", symbol)
	}
	day := date.UTC().Truncate(24 * time.Hour)
	for _, b := range loaded {
		if !b.Date.Before(day) {
			return b.Close, nil
		}
	}
	return loaded[len(loaded)-1].Close, nil
}

// IVRank ranks the current 20-day historical volatility within its trailing
// year, 0..100. Used as the realized-volatility proxy for the screener's IV
// rank term.
func (c *Cache) IVRank(ctx context.Context, symbol string) (float64, error) {
	closes, err := c.DailyCloses(ctx, symbol, rankLookback+hvWindow)
	if err != nil {
		return 0, err
	}
	hvs := hvSeries(closes)
	if len(hvs) < 2 {
		return 0, fmt.Errorf("history: not enough bars for %s IV rank", symbol)
	}
	current := hvs[len(hvs)-1]
	below := 0
	for _, v := range hvs[:len(hvs)-1] {
		if v < current {
			below++
		}
	}
	return 100 * float64(below) / float64(len(hvs)-1), nil
}

// hvSeries computes the rolling annualized close-to-close volatility, in
// percent, over hvWindow-day windows.
func hvSeries(closes []float64) []float64 {
	if len(closes) <= hvWindow {
		return nil
	}
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 {
			rets = append(rets, math.Log(closes[i]/closes[i-1]))
		}
	}
	var hvs []float64
	for i := hvWindow; i <= len(rets); i++ {
		window := rets[i-hvWindow : i]
		hvs = append(hvs, stddev(window)*math.Sqrt(252)*100)
	}
	return hvs
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
