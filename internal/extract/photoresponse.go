package extract

import "github.com/Joaquim-mph/optothermal/internal/records"

// PhotoresponseConfig tunes the simple photoresponse extractor (§4.8.2).
type PhotoresponseConfig struct {
	LEDOnThresholdV float64
}

// DefaultPhotoresponseConfig returns the spec's stated default.
func DefaultPhotoresponseConfig() PhotoresponseConfig {
	return PhotoresponseConfig{LEDOnThresholdV: 0.1}
}

type photoresponseExtractor struct{ cfg PhotoresponseConfig }

// NewPhotoresponseExtractor constructs the simple photoresponse extractor.
func NewPhotoresponseExtractor(cfg PhotoresponseConfig) SingleExtractor {
	return &photoresponseExtractor{cfg: cfg}
}

func (e *photoresponseExtractor) MetricName() string     { return "photoresponse_delta" }
func (e *photoresponseExtractor) MetricCategory() string { return "photoresponse" }
func (e *photoresponseExtractor) ApplicableProcedures() []string {
	return []string{"It", "ITt", "Vt"}
}

type photoresponsePayload struct {
	MeanOn  float64 `json:"mean_on"`
	MeanOff float64 `json:"mean_off"`
	SNR     float64 `json:"snr"`
	Ratio   float64 `json:"ratio"`
}

func (e *photoresponseExtractor) Extract(m Measurement) (*records.DerivedMetric, error) {
	signal, ledOn, ok := dependentAndLED(m.Rows)
	if !ok || len(signal) < 4 {
		return nil, nil
	}

	onWindow, offWindow := lastWindows(signal, ledOn, e.cfg.LEDOnThresholdV)
	if len(onWindow) == 0 || len(offWindow) == 0 {
		return nil, nil
	}

	meanOn := mean(onWindow)
	meanOff := mean(offWindow)
	delta := meanOn - meanOff
	if !finite(delta) {
		return nil, nil
	}

	noise := stddev(offWindow)
	snr := 0.0
	if noise > 0 {
		snr = absf(delta) / noise
	}
	ratio := 0.0
	if meanOff != 0 {
		ratio = meanOn / meanOff
	}

	payload := photoresponsePayload{MeanOn: meanOn, MeanOff: meanOff, SNR: snr, Ratio: ratio}
	unit := "A"
	if m.Row.Proc == "Vt" {
		unit = "V"
	}
	return &records.DerivedMetric{
		RunID:                  m.Row.RunID,
		ChipNumber:             m.Row.ChipNumber,
		ChipGroup:              m.Row.ChipGroup,
		Procedure:              m.Row.Proc,
		MetricName:             e.MetricName(),
		MetricCategory:         e.MetricCategory(),
		ValueFloat:             &delta,
		ValueJSON:              marshalJSON(payload),
		Unit:                   unit,
		ExtractionMethod:       "led_window_delta",
		ExtractionVersion:      m.Row.ExtractionVer,
		ExtractionTimestampUTC: timestampNow(),
	}, nil
}

// dependentAndLED returns the measured signal (current, falling back to the
// dependent voltage column for Vt) and the laser drive voltage series.
func dependentAndLED(rows []records.StagedRow) (signal, ledV []float64, ok bool) {
	for _, r := range rows {
		if r.VL == nil {
			continue
		}
		var v float64
		switch {
		case r.I != nil:
			v = *r.I
		case r.VDS != nil:
			v = *r.VDS
		default:
			continue
		}
		signal = append(signal, v)
		ledV = append(ledV, *r.VL)
	}
	return signal, ledV, len(signal) > 0
}

// lastWindows returns the last contiguous on-window and the last contiguous
// off-window of signal, split by ledV crossing threshold.
func lastWindows(signal, ledV []float64, threshold float64) (onWindow, offWindow []float64) {
	type run struct {
		on         bool
		start, end int
	}
	var runs []run
	cur := run{on: ledV[0] > threshold, start: 0}
	for i := 1; i < len(ledV); i++ {
		on := ledV[i] > threshold
		if on != cur.on {
			cur.end = i
			runs = append(runs, cur)
			cur = run{on: on, start: i}
		}
	}
	cur.end = len(ledV)
	runs = append(runs, cur)

	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].on && onWindow == nil {
			onWindow = signal[runs[i].start:runs[i].end]
		}
		if !runs[i].on && offWindow == nil {
			offWindow = signal[runs[i].start:runs[i].end]
		}
		if onWindow != nil && offWindow != nil {
			break
		}
	}
	return onWindow, offWindow
}
