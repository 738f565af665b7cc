package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/models"
)

// SanityCheck verifies an advisor recommendation against observed market
// reality. An advisor can hallucinate strikes, invert spreads, or drift out
// of the tradable window; none of that may reach the order manager.
func SanityCheck(rec models.Recommendation, chain []models.OptionQuote, spot float64,
	trading config.TradingConfig, greeks config.GreeksConfig, now time.Time) error {

	if rec.Verdict != models.VerdictApprove && rec.Verdict != models.VerdictRevise {
		return fmt.Errorf("sanity: verdict %s does not authorize a trade", rec.Verdict)
	}
	if !rec.Strategy.Valid() {
		return fmt.Errorf("sanity: unknown strategy %q", rec.Strategy)
	}

	shortQ, err := findStrike(chain, rec.ShortStrike, rec.Expiration)
	if err != nil {
		return fmt.Errorf("sanity: short strike: %w", err)
	}
	if _, err := findStrike(chain, rec.LongStrike, rec.Expiration); err != nil {
		return fmt.Errorf("sanity: long strike: %w", err)
	}

	if spot > 0 {
		for _, strike := range []float64{rec.ShortStrike, rec.LongStrike} {
			if math.Abs(strike-spot)/spot > 0.20 {
				return fmt.Errorf("sanity: strike %.2f deviates more than 20%% from spot %.2f", strike, spot)
			}
		}
	}

	if err := checkSpreadOrientation(rec); err != nil {
		return err
	}

	dte := int(rec.Expiration.Sub(now).Hours() / 24)
	if dte < trading.MinDTE || dte > trading.MaxDTE {
		return fmt.Errorf("sanity: DTE %d outside [%d, %d]", dte, trading.MinDTE, trading.MaxDTE)
	}

	if width := math.Abs(rec.ShortStrike - rec.LongStrike); width < 1.0 {
		return fmt.Errorf("sanity: spread width %.2f below 1.0", width)
	}

	d := math.Abs(shortQ.Delta)
	if rec.Strategy.IsCredit() {
		if d < greeks.CreditDeltaMin || d > greeks.CreditDeltaMax {
			return fmt.Errorf("sanity: short delta %.3f outside credit range [%.2f, %.2f]",
				d, greeks.CreditDeltaMin, greeks.CreditDeltaMax)
		}
	} else if d < greeks.DebitDeltaMin || d > greeks.DebitDeltaMax {
		return fmt.Errorf("sanity: delta %.3f outside debit range [%.2f, %.2f]",
			d, greeks.DebitDeltaMin, greeks.DebitDeltaMax)
	}

	if greeks.MaxVega > 0 && math.Abs(shortQ.Vega) > greeks.MaxVega {
		return fmt.Errorf("sanity: |vega| %.3f exceeds %.3f", math.Abs(shortQ.Vega), greeks.MaxVega)
	}

	// Short premium must collect time decay.
	if rec.Strategy.IsCredit() && shortQ.Theta >= 0 {
		return fmt.Errorf("sanity: short-premium strategy with non-negative theta %.4f on the short leg", shortQ.Theta)
	}
	return nil
}

// checkSpreadOrientation enforces short-vs-long strike ordering per strategy.
func checkSpreadOrientation(rec models.Recommendation) error {
	s, l := rec.ShortStrike, rec.LongStrike
	switch rec.Strategy {
	case models.StrategyVerticalCreditCall:
		if s >= l {
			return fmt.Errorf("sanity: credit call spread needs short %.2f < long %.2f", s, l)
		}
	case models.StrategyVerticalCreditPut:
		if s <= l {
			return fmt.Errorf("sanity: credit put spread needs short %.2f > long %.2f", s, l)
		}
	case models.StrategyVerticalDebitCall:
		if l >= s {
			return fmt.Errorf("sanity: debit call spread needs long %.2f < short %.2f", l, s)
		}
	case models.StrategyVerticalDebitPut:
		if l <= s {
			return fmt.Errorf("sanity: debit put spread needs long %.2f > short %.2f", l, s)
		}
	}
	return nil
}

func findStrike(chain []models.OptionQuote, strike float64, expiration time.Time) (models.OptionQuote, error) {
	for _, q := range chain {
		if q.Strike == strike && (expiration.IsZero() || q.Expiration.Equal(expiration)) {
			return q, nil
		}
	}
	return models.OptionQuote{}, fmt.Errorf("strike %.2f not present in observed chain", strike)
}
