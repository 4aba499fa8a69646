// Package history builds per-device chronological views from the manifest:
// one Parquet file per (chip_group, chip_number), rows ordered by
// (timestamp_utc, run_id) and annotated with a stable sequence number.
package history

import (
	"fmt"
	"path/filepath"
	"sort"

	pq "github.com/parquet-go/parquet-go"

	"github.com/Joaquim-mph/optothermal/internal/engineerr"
	"github.com/Joaquim-mph/optothermal/internal/parquetio"
	"github.com/Joaquim-mph/optothermal/internal/records"
)

// Options controls build_histories.
type Options struct {
	MinExperiments int // groups with fewer rows than this are dropped; 0 disables the filter
}

// deviceKey identifies a physical device.
type deviceKey struct {
	group  string
	number int64
}

// Build groups manifest by device, assigns Seq in (timestamp_utc, run_id)
// order, and writes one history file per device under outDir. Returns the
// paths written, in (chip_group, chip_number) order for deterministic
// reporting.
func Build(manifestRows []records.ManifestRow, outDir string, opts Options) ([]string, error) {
	groups := make(map[deviceKey][]records.ManifestRow)
	for _, r := range manifestRows {
		if r.ChipGroup == "" || r.ChipNumber == nil {
			continue
		}
		key := deviceKey{group: r.ChipGroup, number: *r.ChipNumber}
		groups[key] = append(groups[key], r)
	}

	keys := make([]deviceKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].group != keys[j].group {
			return keys[i].group < keys[j].group
		}
		return keys[i].number < keys[j].number
	})

	var written []string
	for _, key := range keys {
		rows := groups[key]
		if opts.MinExperiments > 0 && len(rows) < opts.MinExperiments {
			continue
		}
		sort.Slice(rows, func(i, j int) bool {
			if !rows[i].TimestampUTC.Equal(rows[j].TimestampUTC) {
				return rows[i].TimestampUTC.Before(rows[j].TimestampUTC)
			}
			return rows[i].RunID < rows[j].RunID
		})

		out := make([]records.ChipHistoryRow, len(rows))
		for i, r := range rows {
			out[i] = records.ChipHistoryRow{ManifestRow: r, Seq: int64(i + 1)}
		}

		path := filepath.Join(outDir, fmt.Sprintf("%s%d_history.parquet", key.group, key.number))
		if err := parquetio.WriteAtomic(path, out, []pq.SortingColumn{pq.Ascending("seq")}); err != nil {
			return written, engineerr.Wrap(engineerr.KindWriteFailure, "write device history", err,
				map[string]string{"path": path})
		}
		written = append(written, path)
	}
	return written, nil
}
