package positions

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Bounds for the model outputs. Predictions outside these ranges clamp; a
// stop multiplier below 1.5 would stop out inside normal noise, above 3.5
// would let losers run past defined risk.
const (
	stopMultMin = 1.5
	stopMultMax = 3.5
	profitPctMin = 0.4
	profitPctMax = 0.7
)

// exitFeatureCount is the length of the exit feature vector.
const exitFeatureCount = 12

// ExitFeatures feed the trailing-level model, one snapshot per poll.
type ExitFeatures struct {
	PLRatio        float64 // unrealized P/L over max risk
	DaysInTrade    float64
	DTE            float64
	TimeRatio      float64 // days in trade over original DTE
	VIX            float64
	VIXEntry       float64
	VIXChange      float64
	DeltaDrift     float64 // short-leg delta move since entry
	ThetaRealized  float64 // captured decay over theoretical decay
	VolTrend       float64
	RegimeStress   float64
	ProfitVelocity float64 // P/L ratio change per day
}

func (f ExitFeatures) slice() []float64 {
	return []float64{
		f.PLRatio, f.DaysInTrade, f.DTE, f.TimeRatio,
		f.VIX, f.VIXEntry, f.VIXChange, f.DeltaDrift,
		f.ThetaRealized, f.VolTrend, f.RegimeStress, f.ProfitVelocity,
	}
}

// exitModel is the YAML layout produced by the training pipeline: a
// standardization pair plus one linear head per output.
type exitModel struct {
	Version  int       `yaml:"version"`
	Features int       `yaml:"features"`
	Means    []float64 `yaml:"means"`
	Scales   []float64 `yaml:"scales"`
	Stop     struct {
		Bias    float64   `yaml:"bias"`
		Weights []float64 `yaml:"weights"`
	} `yaml:"stop"`
	Profit struct {
		Bias    float64   `yaml:"bias"`
		Weights []float64 `yaml:"weights"`
	} `yaml:"profit"`
	Confidence float64 `yaml:"confidence"`
}

// ExitModel predicts (stop multiplier, profit target pct) for one position.
type ExitModel struct {
	model exitModel
}

// LoadExitModel reads and validates a trained exit model file.
func LoadExitModel(path string) (*ExitModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading exit model: %w", err)
	}
	var m exitModel
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing exit model: %w", err)
	}
	if m.Features != exitFeatureCount {
		return nil, fmt.Errorf("exit model expects %d features, engine extracts %d", m.Features, exitFeatureCount)
	}
	if len(m.Means) != exitFeatureCount || len(m.Scales) != exitFeatureCount {
		return nil, fmt.Errorf("exit model standardization vectors have wrong length")
	}
	if len(m.Stop.Weights) != exitFeatureCount || len(m.Profit.Weights) != exitFeatureCount {
		return nil, fmt.Errorf("exit model weight vectors have wrong length")
	}
	if m.Confidence <= 0 || m.Confidence > 1 {
		return nil, fmt.Errorf("exit model confidence %.3f outside (0,1]", m.Confidence)
	}
	return &ExitModel{model: m}, nil
}

// Predict standardizes the features and evaluates both linear heads,
// clamping the outputs into their allowed ranges.
func (e *ExitModel) Predict(f ExitFeatures) (stopMult, profitPct, confidence float64) {
	x := f.slice()
	for i := range x {
		if e.model.Scales[i] != 0 {
			x[i] = (x[i] - e.model.Means[i]) / e.model.Scales[i]
		}
	}
	stopMult = e.model.Stop.Bias
	profitPct = e.model.Profit.Bias
	for i := range x {
		stopMult += e.model.Stop.Weights[i] * x[i]
		profitPct += e.model.Profit.Weights[i] * x[i]
	}
	return clamp(stopMult, stopMultMin, stopMultMax),
		clamp(profitPct, profitPctMin, profitPctMax),
		e.model.Confidence
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
