package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryIndexesByApplicableProcedure(t *testing.T) {
	r := NewRegistry(DefaultSingleExtractors(), DefaultPairwiseExtractors(), nil)

	cnpExtractors := r.SingleFor("IVg")
	require.NotEmpty(t, cnpExtractors)

	pairwise := r.PairwiseFor("IVg")
	require.Len(t, pairwise, 1)
	assert.Equal(t, "consecutive_sweep_difference", pairwise[0].MetricName())

	assert.Empty(t, r.SingleFor("unknown_procedure"))
}

func TestNewRegistryHonorsDisabledSet(t *testing.T) {
	disabled := map[string]bool{"cnp_voltage": true}
	r := NewRegistry(DefaultSingleExtractors(), DefaultPairwiseExtractors(), disabled)

	for _, ex := range r.SingleFor("IVg") {
		assert.NotEqual(t, "cnp_voltage", ex.MetricName())
	}
}

func TestNewRegistryNilDisabledKeepsAllExtractors(t *testing.T) {
	r := NewRegistry(DefaultSingleExtractors(), DefaultPairwiseExtractors(), nil)
	total := 0
	for _, proc := range []string{"IVg", "VVg", "It", "Vt"} {
		total += len(r.SingleFor(proc))
	}
	assert.Greater(t, total, 0)
}
