// Package regime classifies the market into one of five regimes from a fixed
// feature vector, either through a trained linear model or a deterministic
// rule set when no model is present.
package regime

import (
	"fmt"
	"math"
	"sort"

	"github.com/markcheno/go-talib"

	"github.com/tvasek/condorbot/internal/broker"
)

// FeatureVector is the fixed-length input to the classifier. Field order
// matches the trained model's weight vector.
type FeatureVector struct {
	VIX           float64 `yaml:"vix"`
	VIXRatio      float64 `yaml:"vix_ratio"` // VIX / VIX3M
	IVRank        float64 `yaml:"iv_rank"`
	HVPercentile  float64 `yaml:"hv_percentile"`
	Return1D      float64 `yaml:"return_1d"`
	Return5D      float64 `yaml:"return_5d"`
	Return20D     float64 `yaml:"return_20d"`
	ATRPct        float64 `yaml:"atr_pct"`
	BollWidth     float64 `yaml:"boll_width"`
	VolumeRatio   float64 `yaml:"volume_ratio"`
	VWAPDev       float64 `yaml:"vwap_dev"`
	PutCallRatio  float64 `yaml:"put_call_ratio"`
	AdvanceDecl   float64 `yaml:"advance_decline"`
	RSI14         float64 `yaml:"rsi_14"`
	MACDNorm      float64 `yaml:"macd_norm"`
	Price         float64 `yaml:"price"`
	SMA50         float64 `yaml:"sma_50"`
	EventRisk     float64 `yaml:"event_risk"` // prediction-market odds of a macro event, 0..1
}

// slice returns the model-ordered values. Price, SMA50, and EventRisk stay
// outside the model input; the rules use them directly.
func (f FeatureVector) slice() []float64 {
	return []float64{
		f.VIX, f.VIXRatio, f.IVRank, f.HVPercentile,
		f.Return1D, f.Return5D, f.Return20D,
		f.ATRPct, f.BollWidth, f.VolumeRatio, f.VWAPDev,
		f.PutCallRatio, f.AdvanceDecl, f.RSI14, f.MACDNorm,
	}
}

// FeatureCount is the model input width.
const FeatureCount = 15

// minBars is the history needed for the longest lookback (SMA50 plus warmup).
const minBars = 60

// MarketInputs carries the live readings that do not come from bars.
type MarketInputs struct {
	VIX          float64
	VIX3M        float64
	IVRank       float64
	PutCallRatio float64
	AdvanceDecl  float64
	VWAP         float64
	EventRisk    float64 // highest prediction-market probability of a macro event
}

// ExtractFeatures builds the feature vector from daily SPY bars plus live
// market inputs. Bars must be ascending by date.
func ExtractFeatures(bars []broker.Bar, in MarketInputs) (FeatureVector, error) {
	if len(bars) < minBars {
		return FeatureVector{}, fmt.Errorf("regime: need at least %d bars, got %d", minBars, len(bars))
	}

	n := len(bars)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = float64(b.Volume)
	}
	last := closes[n-1]

	rsi := talib.Rsi(closes, 14)
	macd, signal, _ := talib.Macd(closes, 12, 26, 9)
	upper, _, lower := talib.BBands(closes, 20, 2, 2, 0)
	atr := talib.Atr(highs, lows, closes, 14)
	sma50 := talib.Sma(closes, 50)

	f := FeatureVector{
		VIX:          in.VIX,
		IVRank:       in.IVRank,
		PutCallRatio: in.PutCallRatio,
		AdvanceDecl:  in.AdvanceDecl,
		EventRisk:    in.EventRisk,
		Return1D:     ret(closes, 1),
		Return5D:     ret(closes, 5),
		Return20D:    ret(closes, 20),
		HVPercentile: hvPercentile(closes),
		RSI14:        rsi[n-1],
		ATRPct:       atr[n-1] / last * 100,
		BollWidth:    (upper[n-1] - lower[n-1]) / last,
		Price:        last,
		SMA50:        sma50[n-1],
	}
	if in.VIX3M > 0 {
		f.VIXRatio = in.VIX / in.VIX3M
	}
	if in.VWAP > 0 {
		f.VWAPDev = (last - in.VWAP) / in.VWAP
	}
	if avg := mean(volumes[n-20 : n]); avg > 0 {
		f.VolumeRatio = volumes[n-1] / avg
	}
	// Normalize MACD by price so the feature is scale-free across underlyings.
	f.MACDNorm = (macd[n-1] - signal[n-1]) / last

	return f, nil
}

// ret is the lookback-day simple return as a percentage.
func ret(closes []float64, lookback int) float64 {
	n := len(closes)
	prev := closes[n-1-lookback]
	if prev == 0 {
		return 0
	}
	return (closes[n-1] - prev) / prev * 100
}

// hvPercentile ranks the trailing 20-day historical volatility against the
// distribution of rolling 20-day windows over the full history.
func hvPercentile(closes []float64) float64 {
	const window = 20
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 {
			rets = append(rets, math.Log(closes[i]/closes[i-1]))
		}
	}
	if len(rets) < window {
		return 50
	}
	hvs := make([]float64, 0, len(rets)-window+1)
	for i := window; i <= len(rets); i++ {
		hvs = append(hvs, stddev(rets[i-window:i])*math.Sqrt(252)*100)
	}
	current := hvs[len(hvs)-1]
	sorted := append([]float64(nil), hvs...)
	sort.Float64s(sorted)
	rank := sort.SearchFloat64s(sorted, current)
	return float64(rank) / float64(len(sorted)) * 100
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func stddev(vs []float64) float64 {
	m := mean(vs)
	var sum float64
	for _, v := range vs {
		d := v - m
		sum += d * d
	}
	if len(vs) < 2 {
		return 0
	}
	return math.Sqrt(sum / float64(len(vs)-1))
}
