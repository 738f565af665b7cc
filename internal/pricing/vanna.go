// Package pricing computes the second-order Greeks the risk gates consume:
// analytic Black-Scholes Vanna for European exercise, binomial-bump Vanna for
// American exercise, and the three-scenario volatility stress projection.
package pricing

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tvasek/condorbot/internal/models"
)

// ExerciseStyle selects the Vanna computation path.
type ExerciseStyle string

const (
	ExerciseEuropean ExerciseStyle = "EUROPEAN"
	ExerciseAmerican ExerciseStyle = "AMERICAN"
)

const (
	// binomialSteps is the CRR tree depth used for American exercise.
	binomialSteps = 801
	// volBump is the central-difference step in volatility space.
	volBump = 0.001
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// validateInputs rejects the degenerate parameter regions where neither the
// closed form nor the tree is meaningful.
func validateInputs(s, k, t, sigma float64) error {
	if s <= 0 || k <= 0 {
		return fmt.Errorf("pricing: spot %.4f and strike %.4f must be positive", s, k)
	}
	if t <= 0 {
		return fmt.Errorf("pricing: time to expiry %.6f must be positive", t)
	}
	if sigma <= 0 {
		return fmt.Errorf("pricing: volatility %.6f must be positive", sigma)
	}
	return nil
}

func d1d2(s, k, t, sigma, r float64) (float64, float64) {
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(s/k) + (r+sigma*sigma/2)*t) / (sigma * sqrtT)
	return d1, d1 - sigma*sqrtT
}

// VannaEuropean is the closed-form dDelta/dSigma, identical for calls and puts.
func VannaEuropean(s, k, t, sigma, r float64) (float64, error) {
	if err := validateInputs(s, k, t, sigma); err != nil {
		return 0, err
	}
	d1, d2 := d1d2(s, k, t, sigma, r)
	return -stdNormal.Prob(d1) * d2 / (s * sigma * math.Sqrt(t)), nil
}

// DeltaEuropean is the Black-Scholes delta.
func DeltaEuropean(s, k, t, sigma, r float64, right models.OptionRight) (float64, error) {
	if err := validateInputs(s, k, t, sigma); err != nil {
		return 0, err
	}
	d1, _ := d1d2(s, k, t, sigma, r)
	if right == models.RightCall {
		return stdNormal.CDF(d1), nil
	}
	return stdNormal.CDF(d1) - 1, nil
}

// DeltaAmerican prices on a CRR binomial tree and reads delta off the first
// time step.
func DeltaAmerican(s, k, t, sigma, r float64, right models.OptionRight) (float64, error) {
	if err := validateInputs(s, k, t, sigma); err != nil {
		return 0, err
	}
	dt := t / float64(binomialSteps)
	u := math.Exp(sigma * math.Sqrt(dt))
	d := 1 / u
	disc := math.Exp(-r * dt)
	p := (math.Exp(r*dt) - d) / (u - d)
	if p <= 0 || p >= 1 {
		return 0, fmt.Errorf("pricing: risk-neutral probability %.4f out of range", p)
	}

	intrinsic := func(spot float64) float64 {
		if right == models.RightCall {
			return math.Max(spot-k, 0)
		}
		return math.Max(k-spot, 0)
	}

	// Terminal payoffs, then backward induction with early exercise.
	values := make([]float64, binomialSteps+1)
	for i := 0; i <= binomialSteps; i++ {
		spot := s * math.Pow(u, float64(i)) * math.Pow(d, float64(binomialSteps-i))
		values[i] = intrinsic(spot)
	}
	for step := binomialSteps - 1; step >= 0; step-- {
		for i := 0; i <= step; i++ {
			cont := disc * (p*values[i+1] + (1-p)*values[i])
			spot := s * math.Pow(u, float64(i)) * math.Pow(d, float64(step-i))
			values[i] = math.Max(cont, intrinsic(spot))
		}
		if step == 1 {
			// Delta from the two step-1 nodes.
			return (values[1] - values[0]) / (s*u - s*d), nil
		}
	}
	return 0, fmt.Errorf("pricing: binomial tree underflow")
}

// VannaAmerican central-differences the binomial delta in volatility.
func VannaAmerican(s, k, t, sigma, r float64, right models.OptionRight) (float64, error) {
	if err := validateInputs(s, k, t, sigma); err != nil {
		return 0, err
	}
	up, err := DeltaAmerican(s, k, t, sigma+volBump, r, right)
	if err != nil {
		return 0, err
	}
	down, err := DeltaAmerican(s, k, t, sigma-volBump, r, right)
	if err != nil {
		return 0, err
	}
	return (up - down) / (2 * volBump), nil
}

// VannaBump central-differences the European delta, used to cross-check the
// closed form.
func VannaBump(s, k, t, sigma, r float64, right models.OptionRight) (float64, error) {
	up, err := DeltaEuropean(s, k, t, sigma+volBump, r, right)
	if err != nil {
		return 0, err
	}
	down, err := DeltaEuropean(s, k, t, sigma-volBump, r, right)
	if err != nil {
		return 0, err
	}
	return (up - down) / (2 * volBump), nil
}
