package extract

import "github.com/Joaquim-mph/optothermal/internal/records"

// StretchedExponentialConfig tunes the single-segment relaxation fit (§4.8.3).
type StretchedExponentialConfig struct {
	MinDurationS float64
	MinPoints    int
	MinR2        float64
	DarkThreshV  float64
}

// DefaultStretchedExponentialConfig returns the spec's stated defaults.
func DefaultStretchedExponentialConfig() StretchedExponentialConfig {
	return StretchedExponentialConfig{MinDurationS: 10, MinPoints: 50, MinR2: 0.5, DarkThreshV: 0.1}
}

type stretchedExponentialExtractor struct{ cfg StretchedExponentialConfig }

// NewStretchedExponentialExtractor constructs the It relaxation extractor.
func NewStretchedExponentialExtractor(cfg StretchedExponentialConfig) SingleExtractor {
	return &stretchedExponentialExtractor{cfg: cfg}
}

func (e *stretchedExponentialExtractor) MetricName() string     { return "relaxation_time" }
func (e *stretchedExponentialExtractor) MetricCategory() string { return "relaxation" }
func (e *stretchedExponentialExtractor) ApplicableProcedures() []string {
	return []string{"It"}
}

func (e *stretchedExponentialExtractor) Extract(m Measurement) (*records.DerivedMetric, error) {
	t, i, ledV, ok := timeCurrentLED(m.Rows)
	if !ok {
		return nil, nil
	}

	start, end, ok := longestDarkSegment(t, ledV, e.cfg.DarkThreshV, e.cfg.MinDurationS, e.cfg.MinPoints)
	if !ok {
		return nil, nil
	}

	fit := fitStretchedExponential(t[start:end], i[start:end])
	fit.StartIndex, fit.EndIndex = start, end

	var flags []string
	if !fit.Converged {
		flags = append(flags, "NOT_CONVERGED")
	}
	if fit.R2 < e.cfg.MinR2 {
		flags = append(flags, "LOW_R2")
	}
	if !fit.Converged || fit.R2 < e.cfg.MinR2 {
		return nil, nil
	}
	if fit.Beta < 0.3 {
		flags = append(flags, "HIGHLY_STRETCHED")
	}
	if fit.Tau < 1 {
		flags = append(flags, "VERY_FAST")
	}
	if fit.Tau > 100 {
		flags = append(flags, "VERY_SLOW")
	}
	if !finite(fit.Tau) {
		return nil, nil
	}

	tau := fit.Tau
	return &records.DerivedMetric{
		RunID:                  m.Row.RunID,
		ChipNumber:             m.Row.ChipNumber,
		ChipGroup:              m.Row.ChipGroup,
		Procedure:              m.Row.Proc,
		MetricName:             e.MetricName(),
		MetricCategory:         e.MetricCategory(),
		ValueFloat:             &tau,
		ValueJSON:              marshalJSON(fit),
		Unit:                   "s",
		ExtractionMethod:       "stretched_exponential_nelder_mead",
		ExtractionVersion:      m.Row.ExtractionVer,
		ExtractionTimestampUTC: timestampNow(),
		Flags:                  joinFlags(flags),
	}, nil
}

func timeCurrentLED(rows []records.StagedRow) (t, i, ledV []float64, ok bool) {
	for _, r := range rows {
		if r.T == nil || r.I == nil {
			continue
		}
		t = append(t, *r.T)
		i = append(i, *r.I)
		if r.VL != nil {
			ledV = append(ledV, *r.VL)
		} else {
			ledV = append(ledV, 0)
		}
	}
	return t, i, ledV, len(t) > 0
}

// longestDarkSegment returns the widest contiguous run where ledV <=
// threshold, subject to minimum duration and point-count requirements.
func longestDarkSegment(t, ledV []float64, threshold, minDuration float64, minPoints int) (start, end int, ok bool) {
	bestLen := -1
	i := 0
	for i < len(ledV) {
		if ledV[i] > threshold {
			i++
			continue
		}
		j := i
		for j < len(ledV) && ledV[j] <= threshold {
			j++
		}
		duration := t[j-1] - t[i]
		if j-i >= minPoints && duration >= minDuration && (j-i) > bestLen {
			bestLen = j - i
			start, end = i, j
		}
		i = j
	}
	return start, end, bestLen > 0
}

func joinFlags(flags []string) string {
	out := ""
	for i, f := range flags {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}
