package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joaquim-mph/optothermal/internal/records"
)

func itTraceMeasurement(currents, ledV []float64) Measurement {
	rows := make([]records.StagedRow, len(currents))
	for i := range currents {
		c := currents[i]
		v := ledV[i]
		rows[i] = records.StagedRow{I: &c, VL: &v}
	}
	return Measurement{
		Row:  records.ManifestRow{RunID: "run-1", Proc: "It"},
		Rows: rows,
	}
}

func TestPhotoresponseExtractComputesDelta(t *testing.T) {
	ex := NewPhotoresponseExtractor(DefaultPhotoresponseConfig())

	var currents, ledV []float64
	for i := 0; i < 20; i++ {
		currents = append(currents, 1.0)
		ledV = append(ledV, 0.0)
	}
	for i := 0; i < 20; i++ {
		currents = append(currents, 2.0)
		ledV = append(ledV, 1.0)
	}
	for i := 0; i < 20; i++ {
		currents = append(currents, 1.0)
		ledV = append(ledV, 0.0)
	}
	m := itTraceMeasurement(currents, ledV)

	metric, err := ex.Extract(m)
	require.NoError(t, err)
	require.NotNil(t, metric)
	require.NotNil(t, metric.ValueFloat)
	assert.InDelta(t, 1.0, *metric.ValueFloat, 1e-9)
	assert.Equal(t, "photoresponse_delta", metric.MetricName)
	assert.Equal(t, "A", metric.Unit)
}

func TestPhotoresponseExtractReturnsNilWithoutBothWindows(t *testing.T) {
	ex := NewPhotoresponseExtractor(DefaultPhotoresponseConfig())

	var currents, ledV []float64
	for i := 0; i < 10; i++ {
		currents = append(currents, 1.0)
		ledV = append(ledV, 1.0)
	}
	m := itTraceMeasurement(currents, ledV)

	metric, err := ex.Extract(m)
	require.NoError(t, err)
	assert.Nil(t, metric)
}

func TestPhotoresponseExtractReturnsNilOnTooFewPoints(t *testing.T) {
	ex := NewPhotoresponseExtractor(DefaultPhotoresponseConfig())
	m := itTraceMeasurement([]float64{1, 2}, []float64{0, 1})

	metric, err := ex.Extract(m)
	require.NoError(t, err)
	assert.Nil(t, metric)
}
