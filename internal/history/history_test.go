package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joaquim-mph/optothermal/internal/parquetio"
	"github.com/Joaquim-mph/optothermal/internal/records"
)

func chip(n int64) *int64 { return &n }

func TestBuildAssignsStableSequenceNumbers(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []records.ManifestRow{
		{RunID: "c", ChipGroup: "A", ChipNumber: chip(1), TimestampUTC: base.Add(2 * time.Hour)},
		{RunID: "a", ChipGroup: "A", ChipNumber: chip(1), TimestampUTC: base},
		{RunID: "b", ChipGroup: "A", ChipNumber: chip(1), TimestampUTC: base.Add(time.Hour)},
	}
	dir := t.TempDir()
	written, err := Build(rows, dir, Options{})
	require.NoError(t, err)
	require.Len(t, written, 1)

	got, err := parquetio.ReadAll[records.ChipHistoryRow](written[0])
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].RunID, got[1].RunID, got[2].RunID})
	assert.Equal(t, []int64{1, 2, 3}, []int64{got[0].Seq, got[1].Seq, got[2].Seq})
}

func TestBuildSkipsRowsMissingDeviceIdentity(t *testing.T) {
	rows := []records.ManifestRow{
		{RunID: "a", ChipGroup: "", ChipNumber: chip(1), TimestampUTC: time.Now().UTC()},
		{RunID: "b", ChipGroup: "A", ChipNumber: nil, TimestampUTC: time.Now().UTC()},
	}
	dir := t.TempDir()
	written, err := Build(rows, dir, Options{})
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestBuildAppliesMinExperimentsFilter(t *testing.T) {
	base := time.Now().UTC()
	rows := []records.ManifestRow{
		{RunID: "a", ChipGroup: "A", ChipNumber: chip(1), TimestampUTC: base},
		{RunID: "b", ChipGroup: "B", ChipNumber: chip(2), TimestampUTC: base},
		{RunID: "c", ChipGroup: "B", ChipNumber: chip(2), TimestampUTC: base.Add(time.Hour)},
	}
	dir := t.TempDir()
	written, err := Build(rows, dir, Options{MinExperiments: 2})
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, filepath.Join(dir, "B2_history.parquet"), written[0])
}

func TestBuildProducesUniquePartitionPaths(t *testing.T) {
	base := time.Now().UTC()
	rows := []records.ManifestRow{
		{RunID: "a", ChipGroup: "A", ChipNumber: chip(1), TimestampUTC: base},
		{RunID: "b", ChipGroup: "A", ChipNumber: chip(2), TimestampUTC: base},
	}
	dir := t.TempDir()
	written, err := Build(rows, dir, Options{})
	require.NoError(t, err)
	require.Len(t, written, 2)
	assert.NotEqual(t, written[0], written[1])
}
