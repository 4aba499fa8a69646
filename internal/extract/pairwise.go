package extract

import (
	"gonum.org/v1/gonum/interp"

	"github.com/Joaquim-mph/optothermal/internal/records"
)

// InterpolationKind selects the resampling method used to put two sweeps on
// a common V_g grid.
type InterpolationKind string

const (
	InterpolationLinear InterpolationKind = "linear"
	InterpolationCubic  InterpolationKind = "cubic"
)

// SweepDifferenceConfig tunes the consecutive-sweep difference extractor (§4.8.5).
type SweepDifferenceConfig struct {
	MinVgOverlap  float64
	GridPoints    int
	Interpolation InterpolationKind
	EpsilonY      float64
}

// DefaultSweepDifferenceConfig returns the spec's stated defaults.
func DefaultSweepDifferenceConfig() SweepDifferenceConfig {
	return SweepDifferenceConfig{MinVgOverlap: 1.0, GridPoints: 200, Interpolation: InterpolationLinear, EpsilonY: 1e-12}
}

type sweepDifferenceExtractor struct{ cfg SweepDifferenceConfig }

// NewConsecutiveSweepDifferenceExtractor constructs the pairwise difference extractor.
func NewConsecutiveSweepDifferenceExtractor(cfg SweepDifferenceConfig) PairwiseExtractor {
	return &sweepDifferenceExtractor{cfg: cfg}
}

func (e *sweepDifferenceExtractor) MetricName() string     { return "consecutive_sweep_difference" }
func (e *sweepDifferenceExtractor) MetricCategory() string { return "sweep_difference" }
func (e *sweepDifferenceExtractor) ApplicableProcedures() []string {
	return []string{"IVg", "VVg"}
}

// ShouldPair implements the default pairing policy: same chip_number, same
// procedure. Consecutive seq_num adjacency is guaranteed by the Metric
// Pipeline, which only ever calls ExtractPairwise on sort-adjacent rows.
func (e *sweepDifferenceExtractor) ShouldPair(a, b records.ManifestRow) bool {
	if a.ChipNumber == nil || b.ChipNumber == nil {
		return false
	}
	return *a.ChipNumber == *b.ChipNumber && a.Proc == b.Proc
}

type sweepDifferencePayload struct {
	VgGrid        []float64 `json:"vg_grid"`
	DeltaY        []float64 `json:"delta_y"`
	DeltaR        []float64 `json:"delta_r"`
	MaxAbsDeltaY  float64   `json:"max_abs_delta_y"`
	MaxAbsDeltaR  float64   `json:"max_abs_delta_r"`
	EarlierRunID  string    `json:"earlier_run_id"`
}

func (e *sweepDifferenceExtractor) ExtractPairwise(a, b Measurement) (*records.DerivedMetric, error) {
	vg1, y1, r1, ok1 := dependentAndResistance(a.Row, a.Rows)
	vg2, y2, r2, ok2 := dependentAndResistance(b.Row, b.Rows)
	if !ok1 || !ok2 {
		return nil, nil
	}

	lo1, hi1 := minMax(vg1)
	lo2, hi2 := minMax(vg2)
	lo := maxf(lo1, lo2)
	hi := minf(hi1, hi2)
	if hi-lo < e.cfg.MinVgOverlap {
		return nil, nil
	}

	grid := linspace(lo, hi, e.cfg.GridPoints)
	y1g, err := resample(vg1, y1, grid, e.cfg.Interpolation)
	if err != nil {
		return nil, nil
	}
	y2g, err := resample(vg2, y2, grid, e.cfg.Interpolation)
	if err != nil {
		return nil, nil
	}
	r1g, err := resample(vg1, r1, grid, e.cfg.Interpolation)
	if err != nil {
		return nil, nil
	}
	r2g, err := resample(vg2, r2, grid, e.cfg.Interpolation)
	if err != nil {
		return nil, nil
	}

	deltaY := make([]float64, len(grid))
	deltaR := make([]float64, len(grid))
	for i := range grid {
		deltaY[i] = y2g[i] - y1g[i]
		deltaR[i] = r2g[i] - r1g[i]
	}

	maxAbsY := maxAbs(deltaY)
	maxAbsR := maxAbs(deltaR)
	if !finite(maxAbsY) {
		return nil, nil
	}

	confidence := 1.0
	if maxAbsY <= e.cfg.EpsilonY {
		confidence *= 0.5
	}
	// Magnitude gate: 10 mA for IVg drain current, 10 V for VVg drain-source
	// voltage. Exceeding it lowers confidence; the metric is still emitted.
	unit, magnitudeLimit := "A", 0.01
	if b.Row.Proc == "VVg" {
		unit, magnitudeLimit = "V", 10.0
	}
	if maxAbsY > magnitudeLimit {
		confidence *= 0.8
	}

	payload := sweepDifferencePayload{
		VgGrid: grid, DeltaY: deltaY, DeltaR: deltaR,
		MaxAbsDeltaY: maxAbsY, MaxAbsDeltaR: maxAbsR,
		EarlierRunID: a.Row.RunID,
	}
	value := maxAbsY
	return &records.DerivedMetric{
		RunID:                  b.Row.RunID,
		ChipNumber:             b.Row.ChipNumber,
		ChipGroup:              b.Row.ChipGroup,
		Procedure:              b.Row.Proc,
		MetricName:             e.MetricName(),
		MetricCategory:         e.MetricCategory(),
		ValueFloat:             &value,
		ValueJSON:              marshalJSON(payload),
		Unit:                   unit,
		ExtractionMethod:       "common_grid_interpolated_difference",
		ExtractionVersion:      b.Row.ExtractionVer,
		ExtractionTimestampUTC: timestampNow(),
		Confidence:             &confidence,
	}, nil
}

func dependentAndResistance(row records.ManifestRow, rows []records.StagedRow) (vg, y, r []float64, ok bool) {
	for _, s := range rows {
		if s.VG == nil {
			continue
		}
		var dep, current, vds float64
		switch row.Proc {
		case "IVg":
			if s.I == nil {
				continue
			}
			dep = *s.I
			current = *s.I
			if s.VDS != nil {
				vds = *s.VDS
			} else if row.VdsV != nil {
				vds = *row.VdsV
			} else {
				continue
			}
		case "VVg":
			if s.VDS == nil {
				continue
			}
			dep = *s.VDS
			vds = *s.VDS
			if s.IFixed != nil {
				current = *s.IFixed
			} else {
				continue
			}
		default:
			return nil, nil, nil, false
		}
		if current == 0 {
			continue
		}
		vg = append(vg, *s.VG)
		y = append(y, dep)
		r = append(r, absf(vds/current))
	}
	return vg, y, r, len(vg) > 1
}

func resample(xs, ys, grid []float64, kind InterpolationKind) ([]float64, error) {
	sortedX, sortedY := sortPaired(xs, ys)
	sortedX, sortedY = dedupeSortedByX(sortedX, sortedY)

	var fn interp.FittablePredictor
	switch kind {
	case InterpolationCubic:
		fn = &interp.PiecewiseCubic{}
	default:
		fn = &interp.PiecewiseLinear{}
	}
	if err := fn.Fit(sortedX, sortedY); err != nil {
		return nil, err
	}
	out := make([]float64, len(grid))
	for i, x := range grid {
		out[i] = fn.Predict(x)
	}
	return out, nil
}

func sortPaired(xs, ys []float64) ([]float64, []float64) {
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && xs[idx[j-1]] > xs[idx[j]]; j-- {
			idx[j-1], idx[j] = idx[j], idx[j-1]
		}
	}
	outX := make([]float64, len(xs))
	outY := make([]float64, len(ys))
	for i, id := range idx {
		outX[i] = xs[id]
		outY[i] = ys[id]
	}
	return outX, outY
}

// dedupeSortedByX collapses runs of equal x (as produced by a hysteretic
// sweep revisiting the same gate voltage) into one point, averaging y over
// the run. interp.PiecewiseLinear/PiecewiseCubic.Fit require strictly
// increasing x and error out otherwise, silently dropping the metric.
func dedupeSortedByX(xs, ys []float64) ([]float64, []float64) {
	if len(xs) == 0 {
		return xs, ys
	}
	outX := make([]float64, 0, len(xs))
	outY := make([]float64, 0, len(ys))
	i := 0
	for i < len(xs) {
		j := i + 1
		sum := ys[i]
		for j < len(xs) && xs[j] == xs[i] {
			sum += ys[j]
			j++
		}
		outX = append(outX, xs[i])
		outY = append(outY, sum/float64(j-i))
		i = j
	}
	return outX, outY
}

func linspace(lo, hi float64, n int) []float64 {
	if n < 2 {
		return []float64{lo}
	}
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	return out
}

func maxAbs(xs []float64) float64 {
	var m float64
	for _, x := range xs {
		if absf(x) > m {
			m = absf(x)
		}
	}
	return m
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
