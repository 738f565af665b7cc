package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvasek/condorbot/internal/models"
)

type fixedYield struct{ rate float64 }

func (f fixedYield) TreasuryYield(ctx context.Context) (float64, error) { return f.rate, nil }

func TestVannaAnalyticMatchesBump(t *testing.T) {
	cases := []struct {
		name           string
		s, k, t, sigma float64
	}{
		{"atm_35d", 450, 450, 35.0 / 365, 0.18},
		{"otm_call_strike", 450, 465, 35.0 / 365, 0.22},
		{"itm_put_strike", 450, 430, 45.0 / 365, 0.25},
		{"short_dated", 100, 105, 5.0 / 365, 0.35},
		{"high_vol", 200, 180, 90.0 / 365, 0.60},
	}
	const r = 0.045
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			analytic, err := VannaEuropean(tc.s, tc.k, tc.t, tc.sigma, r)
			require.NoError(t, err)

			bumped, err := VannaBump(tc.s, tc.k, tc.t, tc.sigma, r, models.RightCall)
			require.NoError(t, err)

			assert.InDelta(t, analytic, bumped, 1e-4)

			// Vanna is right-independent; the put bump must agree too.
			bumpedPut, err := VannaBump(tc.s, tc.k, tc.t, tc.sigma, r, models.RightPut)
			require.NoError(t, err)
			assert.InDelta(t, analytic, bumpedPut, 1e-4)
		})
	}
}

func TestVannaRejectsDegenerateInputs(t *testing.T) {
	_, err := VannaEuropean(0, 450, 0.1, 0.18, 0.045)
	assert.Error(t, err)
	_, err = VannaEuropean(450, 450, 0, 0.18, 0.045)
	assert.Error(t, err)
	_, err = VannaEuropean(450, 450, 0.1, 0, 0.045)
	assert.Error(t, err)
}

func TestDeltaAmericanConvergesToEuropeanForCalls(t *testing.T) {
	// An American call on a non-dividend underlying is never exercised early,
	// so the tree delta should sit close to the closed form.
	s, k, tt, sigma, r := 450.0, 455.0, 35.0/365, 0.18, 0.045
	euro, err := DeltaEuropean(s, k, tt, sigma, r, models.RightCall)
	require.NoError(t, err)
	amer, err := DeltaAmerican(s, k, tt, sigma, r, models.RightCall)
	require.NoError(t, err)
	assert.InDelta(t, euro, amer, 5e-3)
}

func TestCalculatorCachesVanna(t *testing.T) {
	rf := NewRiskFree(fixedYield{rate: 0.045}, zerolog.Nop())
	calc := NewCalculator(rf, zerolog.Nop())

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	now := base
	calc.now = func() time.Time { return now }

	ctx := context.Background()
	v1, err := calc.Vanna(ctx, 450, 455, 35.0/365, 0.18, models.RightCall, ExerciseEuropean)
	require.NoError(t, err)

	v2, err := calc.Vanna(ctx, 450, 455, 35.0/365, 0.18, models.RightCall, ExerciseEuropean)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	// Past the TTL the entry recomputes; the value is unchanged for the same
	// inputs but the cache path is exercised.
	now = base.Add(61 * time.Second)
	v3, err := calc.Vanna(ctx, 450, 455, 35.0/365, 0.18, models.RightCall, ExerciseEuropean)
	require.NoError(t, err)
	assert.InDelta(t, v1, v3, 1e-12)
}

func TestStressDeltaFlagsUnsafeShortStrike(t *testing.T) {
	rf := NewRiskFree(fixedYield{rate: 0.045}, zerolog.Nop())
	calc := NewCalculator(rf, zerolog.Nop())
	ctx := context.Background()

	// A 0.22-delta call with modest Vanna stays under 0.40 in every scenario.
	_, safe, err := calc.StressDelta(ctx, 0.22, 450, 465, 35.0/365, 0.18, models.RightCall, ExerciseEuropean)
	require.NoError(t, err)
	assert.True(t, safe)

	// A quoted delta already near the bound fails as soon as any projection
	// crosses it.
	results, safe, err := calc.StressDelta(ctx, 0.41, 450, 455, 35.0/365, 0.18, models.RightCall, ExerciseEuropean)
	require.NoError(t, err)
	assert.False(t, safe)
	assert.Len(t, results, 3)
	for _, res := range results {
		assert.InDelta(t, 0.41, res.ProjectedDelta, 0.05, "projection moves linearly off the quote")
	}
}
