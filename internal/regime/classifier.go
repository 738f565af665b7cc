package regime

import (
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tvasek/condorbot/internal/models"
)

// Classification is a tagged classifier output.
type Classification struct {
	Regime     models.Regime
	Mode       models.ClassifierMode
	Confidence float64 // 0..1
}

// Classifier turns a feature vector into a market regime.
type Classifier interface {
	Classify(f FeatureVector) Classification
}

// NewClassifier loads the trained model from modelPath, falling back to the
// deterministic rules when the file is absent or malformed.
func NewClassifier(modelPath string, log zerolog.Logger) Classifier {
	log = log.With().Str("component", "regime").Logger()
	if modelPath != "" {
		ml, err := LoadMLClassifier(modelPath)
		if err == nil {
			log.Info().Str("model", modelPath).Msg("regime model loaded")
			return ml
		}
		log.Warn().Err(err).Str("model", modelPath).Msg("regime model unavailable, using rule-based classifier")
	}
	return RuleBased{}
}

// RuleBased is the deterministic fallback classifier.
type RuleBased struct{}

// Classify applies the fixed rule cascade: panic VIX first, then trend and
// volatility bands, defaulting to the low-volatility neutral regime.
func (RuleBased) Classify(f FeatureVector) Classification {
	var regime models.Regime
	switch {
	case f.VIX > 30:
		regime = models.RegimeExtremeStress
	case f.VIX >= 15 && f.VIX <= 30 && f.Return20D < -5:
		regime = models.RegimeBearTrending
	case f.VIX > 20 && math.Abs(f.Return20D) < 5:
		regime = models.RegimeHighVolNeutral
	case f.VIX < 15 && f.Return20D > 3 && f.Price > f.SMA50:
		regime = models.RegimeBullTrending
	default:
		regime = models.RegimeLowVolNeutral
	}
	// A binary macro event priced above 65% makes a calm tape untrustworthy;
	// treat it as the high-volatility neutral regime instead.
	if f.EventRisk >= 0.65 && regime == models.RegimeLowVolNeutral {
		regime = models.RegimeHighVolNeutral
	}
	return Classification{Regime: regime, Mode: models.ModeRuleBased, Confidence: 1}
}

// mlModel is the YAML layout produced by the training pipeline: one weight
// vector and bias per regime, scored linearly and normalized by softmax.
type mlModel struct {
	Version  int    `yaml:"version"`
	Features int    `yaml:"features"`
	Means    []float64 `yaml:"means"`
	Scales   []float64 `yaml:"scales"`
	Classes  []struct {
		Regime  string    `yaml:"regime"`
		Weights []float64 `yaml:"weights"`
		Bias    float64   `yaml:"bias"`
	} `yaml:"classes"`
}

// MLClassifier scores the standardized feature vector against per-regime
// linear weights.
type MLClassifier struct {
	model mlModel
}

// LoadMLClassifier reads and validates a trained model file.
func LoadMLClassifier(path string) (*MLClassifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading regime model: %w", err)
	}
	var m mlModel
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing regime model: %w", err)
	}
	if m.Features != FeatureCount {
		return nil, fmt.Errorf("regime model expects %d features, engine extracts %d", m.Features, FeatureCount)
	}
	if len(m.Means) != FeatureCount || len(m.Scales) != FeatureCount {
		return nil, fmt.Errorf("regime model standardization vectors have wrong length")
	}
	if len(m.Classes) == 0 {
		return nil, fmt.Errorf("regime model has no classes")
	}
	for _, c := range m.Classes {
		if !models.Regime(c.Regime).Valid() {
			return nil, fmt.Errorf("regime model names unknown regime %q", c.Regime)
		}
		if len(c.Weights) != FeatureCount {
			return nil, fmt.Errorf("regime %q weight vector has length %d", c.Regime, len(c.Weights))
		}
	}
	return &MLClassifier{model: m}, nil
}

// Classify standardizes the features, scores each class, and softmaxes the
// scores into a confidence.
func (c *MLClassifier) Classify(f FeatureVector) Classification {
	x := f.slice()
	for i := range x {
		if c.model.Scales[i] != 0 {
			x[i] = (x[i] - c.model.Means[i]) / c.model.Scales[i]
		}
	}

	scores := make([]float64, len(c.model.Classes))
	best := 0
	for i, class := range c.model.Classes {
		s := class.Bias
		for j, w := range class.Weights {
			s += w * x[j]
		}
		scores[i] = s
		if s > scores[best] {
			best = i
		}
	}

	var denom float64
	for _, s := range scores {
		denom += math.Exp(s - scores[best])
	}
	return Classification{
		Regime:     models.Regime(c.model.Classes[best].Regime),
		Mode:       models.ModeML,
		Confidence: 1 / denom,
	}
}

// PreferredStrategies maps a regime to the structures worth building in it.
// Extreme stress still permits defined-risk premium sales; the VIX panic gate
// upstream empties the pipeline before anything is built when VIX exceeds the
// panic threshold.
func PreferredStrategies(r models.Regime) []models.StrategyKind {
	switch r {
	case models.RegimeExtremeStress, models.RegimeHighVolNeutral:
		return []models.StrategyKind{
			models.StrategyIronCondor,
			models.StrategyVerticalCreditCall,
			models.StrategyVerticalCreditPut,
		}
	case models.RegimeBullTrending:
		return []models.StrategyKind{models.StrategyVerticalCreditPut}
	case models.RegimeBearTrending:
		return []models.StrategyKind{models.StrategyVerticalCreditCall}
	case models.RegimeLowVolNeutral:
		return []models.StrategyKind{
			models.StrategyVerticalDebitCall,
			models.StrategyVerticalDebitPut,
			models.StrategyCalendar,
		}
	default:
		return nil
	}
}
