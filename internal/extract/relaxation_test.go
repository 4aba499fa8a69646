package extract

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFitStretchedExponentialRecoversKnownParameters(t *testing.T) {
	const baseline, amplitude, tau, beta = 1.0, 4.0, 30.0, 1.0
	n := 200
	t_ := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		ti := float64(i) * 0.5 // 0..99.5s, segment_length ~= 100s
		t_[i] = ti
		y[i] = baseline + amplitude*math.Exp(-math.Pow(ti/tau, beta))
	}

	fit := fitStretchedExponential(t_, y)

	assert.True(t, fit.Converged)
	assert.InDelta(t, baseline, fit.Baseline, 0.2)
	assert.InDelta(t, amplitude, fit.Amplitude, 0.2)
	assert.InDelta(t, tau, fit.Tau, 5)
	assert.Greater(t, fit.R2, 0.99)
}

func TestFitStretchedExponentialSeedsTauFromTimeSpanNotPointCount(t *testing.T) {
	// A coarsely sampled long segment (few points, large time span) should
	// still converge close to a long tau, proving the initial guess tracks
	// elapsed time rather than sample count.
	const baseline, amplitude, tau, beta = 0.5, 2.0, 400.0, 0.8
	n := 40
	t_ := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		ti := float64(i) * 25 // 0..975s
		t_[i] = ti
		y[i] = baseline + amplitude*math.Exp(-math.Pow(ti/tau, beta))
	}

	fit := fitStretchedExponential(t_, y)

	assert.True(t, fit.Converged)
	assert.InDelta(t, tau, fit.Tau, tau*0.5)
}
