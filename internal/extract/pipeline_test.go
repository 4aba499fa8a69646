package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joaquim-mph/optothermal/internal/staging"
	"github.com/Joaquim-mph/optothermal/internal/telemetry/metrics"
)

// fakeCounter records every Inc call so tests can assert real counts rather
// than probing a concrete provider's internal registry.
type fakeCounter struct{ total float64 }

func (c *fakeCounter) Inc(delta float64, _ ...string) { c.total += delta }

type fakeGauge struct{}

func (fakeGauge) Set(float64, ...string) {}
func (fakeGauge) Add(float64, ...string) {}

type fakeHistogram struct{}

func (fakeHistogram) Observe(float64, ...string) {}

type fakeProvider struct {
	cacheHits   *fakeCounter
	cacheMisses *fakeCounter
}

func (p *fakeProvider) NewCounter(opts metrics.CounterOpts) metrics.Counter {
	switch opts.Name {
	case "cache_hits_total":
		return p.cacheHits
	case "cache_misses_total":
		return p.cacheMisses
	default:
		return &fakeCounter{}
	}
}
func (p *fakeProvider) NewGauge(metrics.GaugeOpts) metrics.Gauge             { return fakeGauge{} }
func (p *fakeProvider) NewHistogram(metrics.HistogramOpts) metrics.Histogram { return fakeHistogram{} }
func (p *fakeProvider) NewTimer(metrics.HistogramOpts) func() metrics.Timer {
	return func() metrics.Timer { return fakeTimer{} }
}
func (p *fakeProvider) Health(context.Context) error { return nil }

type fakeTimer struct{}

func (fakeTimer) ObserveDuration(...string) {}

const pipelineTestCatalog = `
procedures:
  IVg:
    Parameters:
      chip_number: int
      Vds: float
    Metadata:
      start_time: datetime
    Data:
      VG: float
      I: float
    ManifestColumns:
      chip_number: [chip_number]
      vds_v: [Vds]
    Config:
      light_detection: none
`

func ivgRawFile(chip int, vdsV float64, start string, vgs, is []float64) string {
	out := fmt.Sprintf("#Parameters:\nProcedure: IVg\nchip_number: %d\nVds: %g\n#Metadata:\nstart_time: %s\n#Data:\nVG,I\n", chip, vdsV, start)
	for i := range vgs {
		out += fmt.Sprintf("%g,%g\n", vgs[i], is[i])
	}
	return out
}

func TestDeriveEndToEndProducesCNPAndSweepDifferenceMetrics(t *testing.T) {
	dir := t.TempDir()
	rawRoot := filepath.Join(dir, "raw")
	stageRoot := filepath.Join(dir, "stage")
	require.NoError(t, os.MkdirAll(rawRoot, 0o755))

	var vgs, is1, is2 []float64
	for v := -5.0; v <= 5.0; v += 0.5 {
		vgs = append(vgs, v)
		is1 = append(is1, 1.0/(100-2*v*v+250))
		is2 = append(is2, 1.0/(100-2*(v-0.1)*(v-0.1)+250))
	}

	require.NoError(t, os.WriteFile(filepath.Join(rawRoot, "sweep1.csv"),
		[]byte(ivgRawFile(7, 1.0, "2024-01-01T00:00:00Z", vgs, is1)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rawRoot, "sweep2.csv"),
		[]byte(ivgRawFile(7, 1.0, "2024-01-02T00:00:00Z", vgs, is2)), 0o644))

	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(pipelineTestCatalog), 0o644))

	stageReport, err := staging.Stage(context.Background(), staging.Config{
		RawRoot:     rawRoot,
		StageRoot:   stageRoot,
		CatalogPath: catalogPath,
		Workers:     2,
	})
	require.NoError(t, err)
	require.Equal(t, 2, stageReport.Accepted)

	metricsPath := filepath.Join(dir, "derived", "_metrics", "metrics.parquet")
	report, err := Derive(context.Background(), Config{
		ManifestPath: stageReport.ManifestPath,
		MetricsPath:  metricsPath,
		Workers:      2,
	})
	require.NoError(t, err)
	assert.Greater(t, report.Derived, 0)
	assert.Greater(t, report.ByMetric["cnp_voltage"], 0)
	assert.Equal(t, 1, report.ByMetric["consecutive_sweep_difference"])
}

func TestDeriveReportsRealCacheHitMissCounts(t *testing.T) {
	dir := t.TempDir()
	rawRoot := filepath.Join(dir, "raw")
	stageRoot := filepath.Join(dir, "stage")
	require.NoError(t, os.MkdirAll(rawRoot, 0o755))

	var vgs, is []float64
	for v := -5.0; v <= 5.0; v += 0.5 {
		vgs = append(vgs, v)
		is = append(is, 1.0/(100-2*v*v+250))
	}
	require.NoError(t, os.WriteFile(filepath.Join(rawRoot, "sweep1.csv"),
		[]byte(ivgRawFile(7, 1.0, "2024-01-01T00:00:00Z", vgs, is)), 0o644))

	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(pipelineTestCatalog), 0o644))

	stageReport, err := staging.Stage(context.Background(), staging.Config{
		RawRoot:     rawRoot,
		StageRoot:   stageRoot,
		CatalogPath: catalogPath,
		Workers:     1,
	})
	require.NoError(t, err)
	require.Equal(t, 1, stageReport.Accepted)

	provider := &fakeProvider{cacheHits: &fakeCounter{}, cacheMisses: &fakeCounter{}}
	engineMetrics := metrics.NewEngineMetrics(provider)

	metricsPath := filepath.Join(dir, "derived", "_metrics", "metrics.parquet")
	_, err = Derive(context.Background(), Config{
		ManifestPath: stageReport.ManifestPath,
		MetricsPath:  metricsPath,
		Workers:      1,
		Metrics:      engineMetrics,
	})
	require.NoError(t, err)

	assert.Equal(t, float64(1), provider.cacheMisses.total, "the only load of sweep1 must count as a miss")
	assert.Equal(t, float64(0), provider.cacheHits.total, "a single run with one measurement never re-reads its own file")
}
