package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joaquim-mph/optothermal/internal/records"
)

func ivgSweepMeasurement(vgs []float64, vds float64, resistanceAt func(vg float64) float64) Measurement {
	rows := make([]records.StagedRow, len(vgs))
	for i, vg := range vgs {
		v := vg
		d := vds
		current := vds / resistanceAt(vg)
		c := current
		rows[i] = records.StagedRow{VG: &v, VDS: &d, I: &c}
	}
	return Measurement{
		Row:  records.ManifestRow{RunID: "run-1", Proc: "IVg", VdsV: &vds},
		Rows: rows,
	}
}

func TestCNPExtractFindsPeakNearZero(t *testing.T) {
	ex := NewCNPExtractor(DefaultCNPConfig())

	var vgs []float64
	for v := -5.0; v <= 5.0; v += 0.5 {
		vgs = append(vgs, v)
	}
	m := ivgSweepMeasurement(vgs, 1.0, func(vg float64) float64 { return 100 - 2*vg*vg })

	metric, err := ex.Extract(m)
	require.NoError(t, err)
	require.NotNil(t, metric)
	require.NotNil(t, metric.ValueFloat)
	assert.InDelta(t, 0.0, *metric.ValueFloat, 0.6)
	assert.Equal(t, "cnp_voltage", metric.MetricName)
	require.NotNil(t, metric.Confidence)
	assert.GreaterOrEqual(t, *metric.Confidence, 0.0)
	assert.LessOrEqual(t, *metric.Confidence, 1.0)
}

func TestCNPExtractReturnsNilWithoutEnoughPoints(t *testing.T) {
	ex := NewCNPExtractor(DefaultCNPConfig())
	m := ivgSweepMeasurement([]float64{-1, 0, 1}, 1.0, func(vg float64) float64 { return 100 - vg*vg })
	metric, err := ex.Extract(m)
	require.NoError(t, err)
	assert.Nil(t, metric)
}

func TestCNPExtractReturnsNilWhenNoPeakPresent(t *testing.T) {
	ex := NewCNPExtractor(DefaultCNPConfig())
	var vgs []float64
	for v := -5.0; v <= 5.0; v += 0.5 {
		vgs = append(vgs, v)
	}
	// Monotonic resistance has no interior peak.
	m := ivgSweepMeasurement(vgs, 1.0, func(vg float64) float64 { return 50 + vg })
	metric, err := ex.Extract(m)
	require.NoError(t, err)
	assert.Nil(t, metric)
}
