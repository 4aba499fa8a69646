package extract

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joaquim-mph/optothermal/internal/records"
)

// threePhaseTrace synthesizes a PRE-DARK/LIGHT/POST-DARK current trace where
// each phase relaxes toward its own baseline following the stretched
// exponential model, with the LED high only during the LIGHT phase.
func threePhaseTrace(preN, lightN, postN int) Measurement {
	var rows []records.StagedRow
	tCursor := 0.0
	appendPhase := func(n int, led float64, baseline, amplitude, tau, beta float64) {
		for i := 0; i < n; i++ {
			tt := tCursor
			val := baseline + amplitude*math.Exp(-math.Pow(float64(i)/tau, beta))
			t := tt
			v := val
			l := led
			rows = append(rows, records.StagedRow{T: &t, I: &v, VL: &l})
			tCursor += 1.0
		}
	}
	appendPhase(preN, 0.0, 1.0, 0.3, 20, 0.7)
	appendPhase(lightN, 1.0, 2.0, 0.8, 20, 0.7)
	appendPhase(postN, 0.0, 1.0, 0.5, 20, 0.7)

	return Measurement{
		Row:  records.ManifestRow{RunID: "run-1", Proc: "ITS"},
		Rows: rows,
	}
}

func TestThreePhaseExtractFitsLightPhase(t *testing.T) {
	ex := NewThreePhaseExtractor(DefaultThreePhaseConfig())
	m := threePhaseTrace(70, 70, 70)

	metric, err := ex.Extract(m)
	require.NoError(t, err)
	require.NotNil(t, metric)
	require.NotNil(t, metric.ValueFloat)
	assert.Equal(t, "three_phase_relaxation", metric.MetricName)
	assert.Equal(t, "s", metric.Unit)
}

func TestThreePhaseExtractReturnsNilWithoutLightTransition(t *testing.T) {
	ex := NewThreePhaseExtractor(DefaultThreePhaseConfig())
	var rows []records.StagedRow
	for i := 0; i < 100; i++ {
		tt := float64(i)
		v := 1.0
		l := 0.0
		rows = append(rows, records.StagedRow{T: &tt, I: &v, VL: &l})
	}
	m := Measurement{Row: records.ManifestRow{RunID: "run-1", Proc: "ITS"}, Rows: rows}

	metric, err := ex.Extract(m)
	require.NoError(t, err)
	assert.Nil(t, metric)
}

func TestThreePhaseExtractDropsShortPhasesWhenAllRequired(t *testing.T) {
	cfg := DefaultThreePhaseConfig()
	cfg.RequireAllPhases = true
	ex := NewThreePhaseExtractor(cfg)
	// PRE-DARK phase too short to satisfy MinPointsForFit/MinPhaseDurationS.
	m := threePhaseTrace(5, 70, 70)

	metric, err := ex.Extract(m)
	require.NoError(t, err)
	assert.Nil(t, metric)
}
