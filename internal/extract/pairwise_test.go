package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joaquim-mph/optothermal/internal/records"
)

func chipNum(n int64) *int64 { return &n }

func ivgMeasurement(runID string, chip int64, vg []float64, i []float64, vds float64) Measurement {
	rows := make([]records.StagedRow, len(vg))
	for idx := range vg {
		v := vg[idx]
		c := i[idx]
		d := vds
		rows[idx] = records.StagedRow{VG: &v, I: &c, VDS: &d}
	}
	return Measurement{
		Row: records.ManifestRow{RunID: runID, Proc: "IVg", ChipNumber: chipNum(chip), VdsV: &vds},
		Rows: rows,
	}
}

func TestSweepDifferenceShouldPairSameChipSameProc(t *testing.T) {
	ex := NewConsecutiveSweepDifferenceExtractor(DefaultSweepDifferenceConfig())
	a := records.ManifestRow{ChipNumber: chipNum(1), Proc: "IVg"}
	b := records.ManifestRow{ChipNumber: chipNum(1), Proc: "IVg"}
	assert.True(t, ex.ShouldPair(a, b))

	c := records.ManifestRow{ChipNumber: chipNum(2), Proc: "IVg"}
	assert.False(t, ex.ShouldPair(a, c))

	d := records.ManifestRow{ChipNumber: chipNum(1), Proc: "VVg"}
	assert.False(t, ex.ShouldPair(a, d))
}

func TestSweepDifferenceShouldPairRequiresChipNumber(t *testing.T) {
	ex := NewConsecutiveSweepDifferenceExtractor(DefaultSweepDifferenceConfig())
	a := records.ManifestRow{ChipNumber: nil, Proc: "IVg"}
	b := records.ManifestRow{ChipNumber: chipNum(1), Proc: "IVg"}
	assert.False(t, ex.ShouldPair(a, b))
}

func TestExtractPairwiseComputesMaxAbsDelta(t *testing.T) {
	cfg := DefaultSweepDifferenceConfig()
	cfg.MinVgOverlap = 0.1
	cfg.GridPoints = 10
	ex := NewConsecutiveSweepDifferenceExtractor(cfg)

	vg := []float64{-2, -1, 0, 1, 2}
	a := ivgMeasurement("earlier", 1, vg, []float64{1e-9, 2e-9, 3e-9, 4e-9, 5e-9}, 0.1)
	b := ivgMeasurement("later", 1, vg, []float64{2e-9, 4e-9, 6e-9, 8e-9, 10e-9}, 0.1)

	m, err := ex.ExtractPairwise(a, b)
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, "later", m.RunID, "pairwise metrics bind to the later measurement's run_id")
	assert.Equal(t, "consecutive_sweep_difference", m.MetricName)
	require.NotNil(t, m.ValueFloat)
	assert.Greater(t, *m.ValueFloat, 0.0)
	require.NotNil(t, m.Confidence)
	assert.GreaterOrEqual(t, *m.Confidence, 0.0)
	assert.LessOrEqual(t, *m.Confidence, 1.0)
}

func TestExtractPairwiseRejectsInsufficientOverlap(t *testing.T) {
	cfg := DefaultSweepDifferenceConfig()
	cfg.MinVgOverlap = 10.0
	ex := NewConsecutiveSweepDifferenceExtractor(cfg)

	a := ivgMeasurement("a", 1, []float64{-1, 0, 1}, []float64{1e-9, 2e-9, 3e-9}, 0.1)
	b := ivgMeasurement("b", 1, []float64{-1, 0, 1}, []float64{2e-9, 4e-9, 6e-9}, 0.1)

	m, err := ex.ExtractPairwise(a, b)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestLinspaceEndpointsAndCount(t *testing.T) {
	grid := linspace(0, 10, 5)
	require.Len(t, grid, 5)
	assert.Equal(t, 0.0, grid[0])
	assert.Equal(t, 10.0, grid[4])
}

func TestResampleLinearInterpolatesMidpoint(t *testing.T) {
	xs := []float64{0, 1, 2}
	ys := []float64{0, 2, 4}
	got, err := resample(xs, ys, []float64{0.5, 1.5}, InterpolationLinear)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got[0], 1e-9)
	assert.InDelta(t, 3.0, got[1], 1e-9)
}

func TestSortPairedOrdersAscendingByX(t *testing.T) {
	xs := []float64{3, 1, 2}
	ys := []float64{30, 10, 20}
	sx, sy := sortPaired(xs, ys)
	assert.Equal(t, []float64{1, 2, 3}, sx)
	assert.Equal(t, []float64{10, 20, 30}, sy)
}

func TestDedupeSortedByXAveragesRepeatedX(t *testing.T) {
	xs := []float64{0, 1, 1, 1, 2}
	ys := []float64{0, 10, 20, 30, 40}
	dx, dy := dedupeSortedByX(xs, ys)
	assert.Equal(t, []float64{0, 1, 2}, dx)
	assert.Equal(t, []float64{0, 20, 40}, dy)
}

func TestResampleHandlesHystereticRepeatedX(t *testing.T) {
	xs := []float64{0, 1, 1, 2}
	ys := []float64{0, 2, 4, 6}
	got, err := resample(xs, ys, []float64{0.5, 1.5}, InterpolationLinear)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, got[0], 1e-9)
	assert.InDelta(t, 4.5, got[1], 1e-9)
}
