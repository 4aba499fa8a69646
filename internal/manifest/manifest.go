// Package manifest is the append-mostly columnar table of staged
// measurements, keyed by run-id. It owns the manifest file's atomic rewrite
// and dedup discipline; the Staging Engine (internal/staging) is its only
// writer.
package manifest

import (
	"fmt"
	"math"
	"os"
	"sort"

	pq "github.com/parquet-go/parquet-go"

	"github.com/Joaquim-mph/optothermal/internal/engineerr"
	"github.com/Joaquim-mph/optothermal/internal/parquetio"
	"github.com/Joaquim-mph/optothermal/internal/records"
)

// Read loads the manifest table at path. A missing file is treated as an
// empty manifest (the fresh-archive case), not an error.
func Read(path string) ([]records.ManifestRow, error) {
	rows, err := parquetio.ReadAll[records.ManifestRow](path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	return rows, nil
}

// WriteAtomic deduplicates rows by run_id, sorts them by run_id (the
// canonical order every round-trip law is stated against), and rewrites the
// manifest file atomically.
func WriteAtomic(path string, rows []records.ManifestRow) error {
	deduped := Dedupe(rows)
	if violations := Validate(deduped); len(violations) > 0 {
		return engineerr.New(engineerr.KindValidationFailure,
			fmt.Sprintf("manifest failed validation: %s", violations[0]), nil)
	}
	sort.Slice(deduped, func(i, j int) bool { return deduped[i].RunID < deduped[j].RunID })
	if err := parquetio.WriteAtomic(path, deduped, []pq.SortingColumn{pq.Ascending("run_id")}); err != nil {
		return engineerr.Wrap(engineerr.KindWriteFailure, "write manifest", err, map[string]string{"path": path})
	}
	return nil
}

// Dedupe keeps, for each run_id, the last occurrence in rows — the
// manifest's stand-in for "most recent write" since ManifestRow carries no
// extraction timestamp of its own; the staging engine appends freshly staged
// rows after the existing manifest's, so a re-staged run_id replaces the old
// row. Output follows the first-seen order of run_ids.
func Dedupe(rows []records.ManifestRow) []records.ManifestRow {
	byID := make(map[string]records.ManifestRow, len(rows))
	order := make([]string, 0, len(rows))
	for _, r := range rows {
		if _, seen := byID[r.RunID]; !seen {
			order = append(order, r.RunID)
		}
		byID[r.RunID] = r
	}
	out := make([]records.ManifestRow, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// Validate checks the invariants from spec §3: run_id shape, UTC
// timestamps, and that no present numeric field is NaN (infinities are not
// rejected).
func Validate(rows []records.ManifestRow) []string {
	var violations []string
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if len(r.RunID) < 16 || len(r.RunID) > 64 {
			violations = append(violations, fmt.Sprintf("run_id %q has invalid length", r.RunID))
		}
		if r.RunID != toLower(r.RunID) {
			violations = append(violations, fmt.Sprintf("run_id %q is not lowercase", r.RunID))
		}
		if _, dup := seen[r.RunID]; dup {
			violations = append(violations, fmt.Sprintf("duplicate run_id %q", r.RunID))
		}
		seen[r.RunID] = struct{}{}
		if r.TimestampUTC.Location().String() != "UTC" {
			violations = append(violations, fmt.Sprintf("run %q: timestamp_utc is not UTC", r.RunID))
		}
		for name, v := range numericFields(r) {
			if v != nil && math.IsNaN(*v) {
				violations = append(violations, fmt.Sprintf("run %q: field %q is NaN", r.RunID, name))
			}
		}
	}
	return violations
}

func numericFields(r records.ManifestRow) map[string]*float64 {
	return map[string]*float64{
		"vg_fixed_v":            r.VgFixedV,
		"vg_start_v":            r.VgStartV,
		"vg_end_v":              r.VgEndV,
		"vds_v":                 r.VdsV,
		"wavelength_nm":         r.WavelengthNM,
		"laser_voltage_v":       r.LaserVoltageV,
		"laser_voltage_start_v": r.LaserVoltageStV,
		"laser_voltage_end_v":   r.LaserVoltageEndV,
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// IndexByRunID builds a lookup set of known run-ids, used by the staging
// engine to decide which discovered files can be skipped when force=false.
func IndexByRunID(rows []records.ManifestRow) map[string]struct{} {
	idx := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		idx[r.RunID] = struct{}{}
	}
	return idx
}
