package manifest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joaquim-mph/optothermal/internal/records"
)

func row(id string, ts time.Time) records.ManifestRow {
	return records.ManifestRow{
		RunID:        id,
		SourceFile:   "a.csv",
		Proc:         "IVg",
		TimestampUTC: ts,
		ExtractionVer: "v1",
	}
}

func TestDedupeKeepsLastOccurrencePerRunID(t *testing.T) {
	ts := time.Now().UTC()
	rows := []records.ManifestRow{
		row("aaaaaaaaaaaaaaaa", ts),
		row("bbbbbbbbbbbbbbbb", ts),
		row("aaaaaaaaaaaaaaaa", ts.Add(time.Hour)),
	}
	out := Dedupe(rows)
	require.Len(t, out, 2)
	for _, r := range out {
		if r.RunID == "aaaaaaaaaaaaaaaa" {
			assert.True(t, r.TimestampUTC.Equal(ts.Add(time.Hour)))
		}
	}
}

func TestValidateRejectsBadRunID(t *testing.T) {
	rows := []records.ManifestRow{row("short", time.Now().UTC())}
	violations := Validate(rows)
	assert.NotEmpty(t, violations)
}

func TestValidateRejectsUppercaseRunID(t *testing.T) {
	rows := []records.ManifestRow{row("AAAAAAAAAAAAAAAA", time.Now().UTC())}
	violations := Validate(rows)
	assert.NotEmpty(t, violations)
}

func TestValidateRejectsNonUTCTimestamp(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	rows := []records.ManifestRow{row("aaaaaaaaaaaaaaaa", time.Now().In(loc))}
	violations := Validate(rows)
	assert.NotEmpty(t, violations)
}

func TestValidateAcceptsWellFormedRows(t *testing.T) {
	rows := []records.ManifestRow{row("aaaaaaaaaaaaaaaa", time.Now().UTC())}
	assert.Empty(t, Validate(rows))
}

func TestReadMissingFileReturnsEmptyManifest(t *testing.T) {
	rows, err := Read(filepath.Join(t.TempDir(), "missing.parquet"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestWriteAtomicThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.parquet")
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []records.ManifestRow{
		row("bbbbbbbbbbbbbbbb", ts),
		row("aaaaaaaaaaaaaaaa", ts),
	}
	require.NoError(t, WriteAtomic(path, rows))

	got, err := Read(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "aaaaaaaaaaaaaaaa", got[0].RunID, "manifest is sorted by run_id")
	assert.Equal(t, "bbbbbbbbbbbbbbbb", got[1].RunID)
}

func TestIndexByRunID(t *testing.T) {
	rows := []records.ManifestRow{row("aaaaaaaaaaaaaaaa", time.Now().UTC())}
	idx := IndexByRunID(rows)
	_, ok := idx["aaaaaaaaaaaaaaaa"]
	assert.True(t, ok)
	_, ok = idx["notthere"]
	assert.False(t, ok)
}
