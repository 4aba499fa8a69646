package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joaquim-mph/optothermal/internal/manifest"
)

const testCatalog = `
procedures:
  IVg:
    Parameters:
      chip_number: int
    Metadata:
      start_time: datetime
    Data:
      VG: float
      I: float
    ManifestColumns:
      chip_number: [chip_number]
    Config:
      light_detection: none
`

const testRawFile = `#Parameters:
Procedure: IVg
chip_number: 3
#Metadata:
start_time: 2024-01-01T00:00:00Z
#Data:
VG,I
-1.0,1e-9
0.0,2e-9
1.0,3e-9
`

func newTestConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	rawRoot := filepath.Join(dir, "raw")
	stageRoot := filepath.Join(dir, "stage")
	require.NoError(t, os.MkdirAll(rawRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rawRoot, "run1.csv"), []byte(testRawFile), 0o644))

	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0o644))

	return Config{
		RawRoot:     rawRoot,
		StageRoot:   stageRoot,
		CatalogPath: catalogPath,
		Workers:     2,
	}
}

func TestStageAcceptsWellFormedFile(t *testing.T) {
	cfg := newTestConfig(t)
	report, err := Stage(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, 1, report.Accepted)
	assert.Equal(t, 0, report.Rejected)
	assert.Equal(t, 1, report.ByProcedure["IVg"])

	rows, err := manifest.Read(report.ManifestPath)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ChipNumber)
	assert.Equal(t, int64(3), *rows[0].ChipNumber)
}

func TestStageIsIdempotentWithoutForce(t *testing.T) {
	cfg := newTestConfig(t)
	_, err := Stage(context.Background(), cfg)
	require.NoError(t, err)

	report2, err := Stage(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, report2.Accepted)
	assert.Equal(t, 1, report2.Skipped)

	rows, err := manifest.Read(report2.ManifestPath)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "re-staging the same file must not duplicate the manifest row")
}

func TestStageForceReprocessesKnownRunID(t *testing.T) {
	cfg := newTestConfig(t)
	_, err := Stage(context.Background(), cfg)
	require.NoError(t, err)

	cfg.Force = true
	report2, err := Stage(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, report2.Accepted)
	assert.Equal(t, 0, report2.Skipped)
}

func TestStageRejectsUnknownProcedure(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.RawRoot, "bad.csv"), []byte("not a recognized header\n"), 0o644))

	report, err := Stage(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, 1, report.Rejected)
	require.Len(t, report.Rejects, 1)
	assert.Equal(t, "bad.csv", filepath.Base(report.Rejects[0].SourceFile))
}

func TestStageMissingRawRootErrors(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.RawRoot = filepath.Join(t.TempDir(), "does-not-exist")
	_, err := Stage(context.Background(), cfg)
	assert.Error(t, err)
}
