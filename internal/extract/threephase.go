package extract

import "github.com/Joaquim-mph/optothermal/internal/records"

// ThreePhaseConfig tunes the three-phase relaxation extractor (§4.8.4).
type ThreePhaseConfig struct {
	MinPhaseDurationS float64
	MinPointsForFit   int
	DarkThreshV       float64
	RequireAllPhases  bool
}

// DefaultThreePhaseConfig returns the spec's stated defaults.
func DefaultThreePhaseConfig() ThreePhaseConfig {
	return ThreePhaseConfig{MinPhaseDurationS: 60, MinPointsForFit: 50, DarkThreshV: 0.1, RequireAllPhases: false}
}

type threePhaseExtractor struct{ cfg ThreePhaseConfig }

// NewThreePhaseExtractor constructs the ITS/ITt three-phase extractor.
func NewThreePhaseExtractor(cfg ThreePhaseConfig) SingleExtractor { return &threePhaseExtractor{cfg: cfg} }

func (e *threePhaseExtractor) MetricName() string     { return "three_phase_relaxation" }
func (e *threePhaseExtractor) MetricCategory() string { return "relaxation" }
func (e *threePhaseExtractor) ApplicableProcedures() []string {
	return []string{"ITS", "ITt"}
}

type threePhasePayload struct {
	PreDark  *relaxationFit `json:"pre_dark,omitempty"`
	Light    *relaxationFit `json:"light,omitempty"`
	PostDark *relaxationFit `json:"post_dark,omitempty"`
}

func (e *threePhaseExtractor) Extract(m Measurement) (*records.DerivedMetric, error) {
	t, i, ledV, ok := timeCurrentLED(m.Rows)
	if !ok {
		return nil, nil
	}

	riseIdx, fallIdx, ok := firstRiseFall(ledV, e.cfg.DarkThreshV)
	if !ok {
		return nil, nil
	}

	preFit, preOK := fitPhase(t, i, 0, riseIdx, e.cfg)
	lightFit, lightOK := fitPhase(t, i, riseIdx, fallIdx, e.cfg)
	postFit, postOK := fitPhase(t, i, fallIdx, len(t), e.cfg)

	if e.cfg.RequireAllPhases && !(preOK && lightOK && postOK) {
		return nil, nil
	}
	if !preOK && !lightOK && !postOK {
		return nil, nil
	}

	var missing []string
	payload := threePhasePayload{}
	if preOK {
		payload.PreDark = &preFit
	} else {
		missing = append(missing, "MISSING_PRE_DARK")
	}
	if lightOK {
		payload.Light = &lightFit
	} else {
		missing = append(missing, "MISSING_LIGHT")
	}
	if postOK {
		payload.PostDark = &postFit
	} else {
		missing = append(missing, "MISSING_POST_DARK")
	}

	if !lightOK {
		// The primary scalar is the LIGHT phase's tau; without it there is
		// nothing meaningful to bind value_float to.
		return nil, nil
	}
	tau := lightFit.Tau
	if !finite(tau) {
		return nil, nil
	}

	return &records.DerivedMetric{
		RunID:                  m.Row.RunID,
		ChipNumber:             m.Row.ChipNumber,
		ChipGroup:              m.Row.ChipGroup,
		Procedure:              m.Row.Proc,
		MetricName:             e.MetricName(),
		MetricCategory:         e.MetricCategory(),
		ValueFloat:             &tau,
		ValueJSON:              marshalJSON(payload),
		Unit:                   "s",
		ExtractionMethod:       "three_phase_stretched_exponential",
		ExtractionVersion:      m.Row.ExtractionVer,
		ExtractionTimestampUTC: timestampNow(),
		Flags:                  joinFlags(missing),
	}, nil
}

func fitPhase(t, y []float64, start, end int, cfg ThreePhaseConfig) (relaxationFit, bool) {
	if end-start < cfg.MinPointsForFit {
		return relaxationFit{}, false
	}
	if t[end-1]-t[start] < cfg.MinPhaseDurationS {
		return relaxationFit{}, false
	}
	t0 := t[start]
	shifted := make([]float64, end-start)
	for i := range shifted {
		shifted[i] = t[start+i] - t0
	}
	fit := fitStretchedExponential(shifted, y[start:end])
	if !fit.Converged {
		return fit, false
	}
	fit.StartIndex, fit.EndIndex = start, end
	return fit, true
}

// firstRiseFall locates the first low->high transition (rise) and the next
// high->low transition after it (fall), defining PRE-DARK/LIGHT/POST-DARK.
func firstRiseFall(ledV []float64, threshold float64) (rise, fall int, ok bool) {
	rise, fall = -1, -1
	for i := 1; i < len(ledV); i++ {
		if rise == -1 && ledV[i-1] <= threshold && ledV[i] > threshold {
			rise = i
			continue
		}
		if rise != -1 && fall == -1 && ledV[i-1] > threshold && ledV[i] <= threshold {
			fall = i
			break
		}
	}
	if rise == -1 {
		return 0, 0, false
	}
	if fall == -1 {
		fall = len(ledV)
	}
	return rise, fall, true
}
