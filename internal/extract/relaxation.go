package extract

import (
	"math"

	"gonum.org/v1/gonum/optimize"
)

// relaxationFit is the result of fitting I(t) = b + a*exp(-(t/tau)^beta) to
// one contiguous segment.
type relaxationFit struct {
	Baseline   float64 `json:"baseline"`
	Amplitude  float64 `json:"amplitude"`
	Tau        float64 `json:"tau"`
	Beta       float64 `json:"beta"`
	R2         float64 `json:"r2"`
	Iterations int     `json:"iterations"`
	Converged  bool    `json:"converged"`
	StartIndex int     `json:"start_index"`
	EndIndex   int     `json:"end_index"`
	NumPoints  int     `json:"n"`
}

// fitStretchedExponential fits the stretched-exponential relaxation model to
// the whole of t/y using gonum's derivative-free Nelder-Mead simplex
// method (no pack example fits curves directly; gonum is the ecosystem's
// standard numerical library for this, documented in DESIGN.md).
func fitStretchedExponential(t, y []float64) relaxationFit {
	n := len(t)
	tail := mean(y[maxInt(0, n-n/5):])
	head := mean(y[:maxInt(1, n/5)])

	segmentLength := t[n-1] - t[0]
	init := []float64{tail, head - tail, segmentLength / 3, 0.7}
	if init[2] <= 0 {
		init[2] = 1
	}

	objective := func(p []float64) float64 {
		b, a, tau, beta := p[0], p[1], p[2], p[3]
		if tau <= 0 || beta <= 0 || beta > 5 {
			return math.Inf(1)
		}
		var ss float64
		for i := range t {
			pred := b + a*math.Exp(-math.Pow(t[i]/tau, beta))
			d := pred - y[i]
			ss += d * d
		}
		return ss
	}

	problem := optimize.Problem{Func: objective}
	result, err := optimize.Minimize(problem, init, &optimize.Settings{MajorIterations: 500}, &optimize.NelderMead{})

	fit := relaxationFit{NumPoints: n}
	if err != nil || result == nil {
		return fit
	}
	fit.Baseline, fit.Amplitude, fit.Tau, fit.Beta = result.X[0], result.X[1], result.X[2], result.X[3]
	fit.Iterations = result.FuncEvaluations
	fit.Converged = result.Status == optimize.Success || result.Status == optimize.FunctionConvergence
	fit.R2 = rSquared(t, y, fit.Baseline, fit.Amplitude, fit.Tau, fit.Beta)
	return fit
}

func rSquared(t, y []float64, b, a, tau, beta float64) float64 {
	ybar := mean(y)
	var ssRes, ssTot float64
	for i := range t {
		pred := b + a*math.Exp(-math.Pow(t[i]/tau, beta))
		ssRes += (y[i] - pred) * (y[i] - pred)
		ssTot += (y[i] - ybar) * (y[i] - ybar)
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
