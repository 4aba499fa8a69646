package extract

import (
	"github.com/Joaquim-mph/optothermal/internal/records"
)

// CNPConfig tunes the charge-neutrality-point extractor (spec §4.8.1).
type CNPConfig struct {
	MinSegmentPoints  int
	ProminenceFactor  float64
	ClusterThresholdV float64
}

// DefaultCNPConfig returns the spec's stated defaults.
func DefaultCNPConfig() CNPConfig {
	return CNPConfig{MinSegmentPoints: 10, ProminenceFactor: 0.10, ClusterThresholdV: 0.5}
}

type cnpExtractor struct{ cfg CNPConfig }

// NewCNPExtractor constructs the CNP extractor with the given thresholds.
func NewCNPExtractor(cfg CNPConfig) SingleExtractor { return &cnpExtractor{cfg: cfg} }

func (e *cnpExtractor) MetricName() string           { return "cnp_voltage" }
func (e *cnpExtractor) MetricCategory() string       { return "gate_sweep" }
func (e *cnpExtractor) ApplicableProcedures() []string { return []string{"IVg", "VVg"} }

type cnpCluster struct {
	MeanV float64 `json:"mean_v"`
	StdV  float64 `json:"std_v"`
	N     int     `json:"n"`
}

type cnpPayload struct {
	Clusters   []cnpCluster `json:"clusters"`
	Candidates []float64    `json:"candidates"`
}

func (e *cnpExtractor) Extract(m Measurement) (*records.DerivedMetric, error) {
	vg, r, ok := resistanceSeries(m.Row, m.Rows)
	if !ok || len(vg) < e.cfg.MinSegmentPoints {
		return nil, nil
	}

	segments := segmentByDirection(vg, e.cfg.MinSegmentPoints)
	if len(segments) == 0 {
		return nil, nil
	}

	var candidates []float64
	globalMin, globalMax := minMax(r)
	for _, seg := range segments {
		segR := r[seg[0]:seg[1]]
		segVg := vg[seg[0]:seg[1]]
		lo, hi := minMax(segR)
		prominence := e.cfg.ProminenceFactor * (hi - lo)
		peaks := findPeaks(segR, prominence)
		if len(peaks) == 0 {
			continue
		}
		best := peaks[0]
		for _, p := range peaks[1:] {
			if segR[p] > segR[best] {
				best = p
			}
		}
		candidates = append(candidates, segVg[best])
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	clusterGroups := singleLinkageClusters(candidates, e.cfg.ClusterThresholdV)
	clusters := make([]cnpCluster, 0, len(clusterGroups))
	var allMeans []float64
	for _, g := range clusterGroups {
		clusters = append(clusters, cnpCluster{MeanV: mean(g), StdV: stddev(g), N: len(g)})
		allMeans = append(allMeans, mean(g))
	}
	value := mean(allMeans)
	if value < -15 || value > 15 {
		return nil, nil
	}

	confidence := 1.0
	if globalMax != 0 && globalMin != 0 && globalMax/absf(globalMin) < 2 {
		confidence *= 0.7
	}
	vgLo, vgHi := minMax(vg)
	span := vgHi - vgLo
	if span > 0 {
		edge := 0.05 * span
		if value-vgLo < edge || vgHi-value < edge {
			confidence *= 0.8
		}
	}
	if len(clusters) > 1 {
		confidence *= 0.85
	}
	spread := 0.0
	if len(allMeans) > 0 {
		lo, hi := minMax(allMeans)
		spread = hi - lo
	}
	if spread > 1.0 {
		confidence *= 0.8
	}
	confidence = clampConfidence(confidence)
	if confidence <= 0 {
		return nil, nil
	}

	payload := cnpPayload{Clusters: clusters, Candidates: candidates}
	return &records.DerivedMetric{
		RunID:                  m.Row.RunID,
		ChipNumber:             m.Row.ChipNumber,
		ChipGroup:              m.Row.ChipGroup,
		Procedure:              m.Row.Proc,
		MetricName:             e.MetricName(),
		MetricCategory:         e.MetricCategory(),
		ValueFloat:             &value,
		ValueJSON:              marshalJSON(payload),
		Unit:                   "V",
		ExtractionMethod:       "single_linkage_cluster_peak",
		ExtractionVersion:      m.Row.ExtractionVer,
		ExtractionTimestampUTC: timestampNow(),
		Confidence:             &confidence,
	}, nil
}

// resistanceSeries computes the per-sample gate voltage and resistance
// series for IVg (R = |Vds/I|) and VVg (R = |Vds/I_fixed|) procedures.
func resistanceSeries(row records.ManifestRow, rows []records.StagedRow) (vg, r []float64, ok bool) {
	for _, sample := range rows {
		if sample.VG == nil {
			continue
		}
		var current, vds float64
		switch row.Proc {
		case "IVg":
			if sample.I == nil {
				continue
			}
			current = *sample.I
			if sample.VDS != nil {
				vds = *sample.VDS
			} else if row.VdsV != nil {
				vds = *row.VdsV
			} else {
				continue
			}
		case "VVg":
			if sample.VDS == nil {
				continue
			}
			vds = *sample.VDS
			if sample.IFixed != nil {
				current = *sample.IFixed
			} else {
				continue
			}
		default:
			return nil, nil, false
		}
		if current == 0 {
			continue
		}
		vg = append(vg, *sample.VG)
		r = append(r, absf(vds/current))
	}
	return vg, r, len(vg) > 0
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
