// Package extract implements the Extractor Registry (C7), Metric Pipeline
// (C8), and the concrete single-measurement and pairwise extractors (C9,
// C10). Per the redesign notes, the registry is an explicit value built at
// program start from a list of concrete extractor instances, not a global
// decorator-populated map.
package extract

import (
	"github.com/Joaquim-mph/optothermal/internal/records"
)

// Measurement bundles a manifest row with its staged data, the unit of work
// every extractor operates on.
type Measurement struct {
	Row  records.ManifestRow
	Rows []records.StagedRow
}

// SingleExtractor derives one metric from one measurement.
type SingleExtractor interface {
	MetricName() string
	MetricCategory() string
	ApplicableProcedures() []string
	Extract(m Measurement) (*records.DerivedMetric, error)
}

// PairwiseExtractor derives one metric from two consecutive measurements of
// the same device and procedure.
type PairwiseExtractor interface {
	MetricName() string
	MetricCategory() string
	ApplicableProcedures() []string
	ShouldPair(a, b records.ManifestRow) bool
	ExtractPairwise(a, b Measurement) (*records.DerivedMetric, error)
}

// Registry indexes extractors by the procedures they apply to.
type Registry struct {
	single   map[string][]SingleExtractor
	pairwise map[string][]PairwiseExtractor
}

// NewRegistry inverts the given extractor lists into per-procedure indices.
// disabled names (matching MetricName) are skipped, supporting the
// engine's config-driven extractor enablement.
func NewRegistry(singles []SingleExtractor, pairs []PairwiseExtractor, disabled map[string]bool) *Registry {
	r := &Registry{single: make(map[string][]SingleExtractor), pairwise: make(map[string][]PairwiseExtractor)}
	for _, ex := range singles {
		if disabled[ex.MetricName()] {
			continue
		}
		for _, proc := range ex.ApplicableProcedures() {
			r.single[proc] = append(r.single[proc], ex)
		}
	}
	for _, ex := range pairs {
		if disabled[ex.MetricName()] {
			continue
		}
		for _, proc := range ex.ApplicableProcedures() {
			r.pairwise[proc] = append(r.pairwise[proc], ex)
		}
	}
	return r
}

// SingleFor returns the single-measurement extractors registered for proc.
func (r *Registry) SingleFor(proc string) []SingleExtractor { return r.single[proc] }

// PairwiseFor returns the pairwise extractors registered for proc.
func (r *Registry) PairwiseFor(proc string) []PairwiseExtractor { return r.pairwise[proc] }

// DefaultSingleExtractors returns the built-in single-measurement extractors
// (spec §4.8.1-4.8.4), constructed with their default thresholds.
func DefaultSingleExtractors() []SingleExtractor {
	return []SingleExtractor{
		NewCNPExtractor(DefaultCNPConfig()),
		NewPhotoresponseExtractor(DefaultPhotoresponseConfig()),
		NewStretchedExponentialExtractor(DefaultStretchedExponentialConfig()),
		NewThreePhaseExtractor(DefaultThreePhaseConfig()),
	}
}

// DefaultPairwiseExtractors returns the built-in pairwise extractors (§4.8.5).
func DefaultPairwiseExtractors() []PairwiseExtractor {
	return []PairwiseExtractor{
		NewConsecutiveSweepDifferenceExtractor(DefaultSweepDifferenceConfig()),
	}
}
