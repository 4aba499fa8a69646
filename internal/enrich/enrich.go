// Package enrich implements the Enrichment Engine (C11): the three-way join
// of manifest, calibration-derived power, and derived metrics into per-device
// enriched histories, following the same device-partition pattern as
// internal/history.
package enrich

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	pq "github.com/parquet-go/parquet-go"
	"gonum.org/v1/gonum/interp"

	"github.com/Joaquim-mph/optothermal/internal/engineerr"
	"github.com/Joaquim-mph/optothermal/internal/manifest"
	"github.com/Joaquim-mph/optothermal/internal/parquetio"
	"github.com/Joaquim-mph/optothermal/internal/records"
)

// Config is the enrich_histories driver operation's input.
type Config struct {
	ManifestPath    string
	MetricsPath     string
	CalibrationPath string
	OutDir          string
	ChipFilter      *int64
}

// Enrich reads the manifest, metrics table, and calibration table, joins
// them per spec §4.9, and writes one enriched history file per device.
func Enrich(cfg Config) ([]string, error) {
	manifestRows, err := manifest.Read(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	metricRows, err := parquetio.ReadAll[records.DerivedMetric](cfg.MetricsPath)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindWriteFailure, "read metrics table", err, nil)
	}
	calibRows, err := parquetio.ReadAll[records.CalibrationPoint](cfg.CalibrationPath)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindWriteFailure, "read calibration table", err, nil)
	}

	pivot := pivotMetrics(metricRows)
	runs := groupCalibrationRuns(calibRows)

	filtered := manifestRows
	if cfg.ChipFilter != nil {
		filtered = nil
		for _, r := range manifestRows {
			if r.ChipNumber != nil && *r.ChipNumber == *cfg.ChipFilter {
				filtered = append(filtered, r)
			}
		}
	}

	type deviceKey struct {
		group  string
		number int64
	}
	groups := make(map[deviceKey][]records.ManifestRow)
	for _, r := range filtered {
		if r.ChipGroup == "" || r.ChipNumber == nil {
			continue
		}
		k := deviceKey{r.ChipGroup, *r.ChipNumber}
		groups[k] = append(groups[k], r)
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
		sort.Slice(rows, func(i, j int) bool {
			if !rows[i].TimestampUTC.Equal(rows[j].TimestampUTC) {
				return rows[i].TimestampUTC.Before(rows[j].TimestampUTC)
			}
			return rows[i].RunID < rows[j].RunID
		})

		out := make([]records.EnrichedHistoryRow, len(rows))
		for i, r := range rows {
			out[i] = buildEnrichedRow(r, int64(i+1), pivot, runs)
		}

		path := filepath.Join(cfg.OutDir, fmt.Sprintf("%s%d_history.parquet", key.group, key.number))
		if err := parquetio.WriteAtomic(path, out, []pq.SortingColumn{pq.Ascending("seq")}); err != nil {
			return written, engineerr.Wrap(engineerr.KindWriteFailure, "write enriched history", err,
				map[string]string{"path": path})
		}
		written = append(written, path)
	}
	return written, nil
}

func buildEnrichedRow(r records.ManifestRow, seq int64, pivot map[string]metricSet, runs calibrationIndex) records.EnrichedHistoryRow {
	out := records.EnrichedHistoryRow{ChipHistoryRow: records.ChipHistoryRow{ManifestRow: r, Seq: seq}}

	if m, ok := pivot[r.RunID]; ok {
		m.apply(&out)
	}

	if r.HasLight != nil && *r.HasLight && r.WavelengthNM != nil && r.LaserVoltageV != nil {
		run, ok := runs.nearestPrior(*r.WavelengthNM, r.TimestampUTC)
		if ok {
			power := run.interpolatePower(*r.LaserVoltageV)
			out.IrradiatedPowerW = &power
			out.CalibrationRunID = run.runID
		}
	}
	return out
}

// metricSet holds one run-id's pivoted metric values, keyed by the closed
// set of metric names the registry can produce (§4.8).
type metricSet struct {
	value      map[string]float64
	confidence map[string]float64
	flags      map[string]string
}

func pivotMetrics(rows []records.DerivedMetric) map[string]metricSet {
	out := make(map[string]metricSet)
	for _, m := range rows {
		set, ok := out[m.RunID]
		if !ok {
			set = metricSet{value: map[string]float64{}, confidence: map[string]float64{}, flags: map[string]string{}}
		}
		if m.ValueFloat != nil {
			set.value[m.MetricName] = *m.ValueFloat
		}
		if m.Confidence != nil {
			set.confidence[m.MetricName] = *m.Confidence
		}
		if m.Flags != "" {
			set.flags[m.MetricName] = m.Flags
		}
		out[m.RunID] = set
	}
	return out
}

// apply writes the pivoted values onto the matching named columns of row.
// Metric names outside the closed set are silently dropped; the registry
// never produces one that isn't listed here.
func (s metricSet) apply(row *records.EnrichedHistoryRow) {
	assign := func(name string, value **float64, confField **float64, flagsField *string) {
		if v, ok := s.value[name]; ok {
			v := v
			*value = &v
		}
		if c, ok := s.confidence[name]; ok {
			c := c
			*confField = &c
		}
		if f, ok := s.flags[name]; ok {
			*flagsField = f
		}
	}
	assign("cnp_voltage", &row.CNPVoltage, &row.CNPVoltageConfidence, &row.CNPVoltageFlags)
	assign("photoresponse_delta", &row.PhotoresponseDelta, &row.PhotoresponseDeltaConf, &row.PhotoresponseDeltaFlags)
	assign("relaxation_time", &row.RelaxationTime, &row.RelaxationTimeConfidence, &row.RelaxationTimeFlags)
	assign("three_phase_relaxation", &row.ThreePhaseRelaxation, &row.ThreePhaseRelaxationConf, &row.ThreePhaseRelaxationFlags)
	assign("consecutive_sweep_difference", &row.SweepDifference, &row.SweepDifferenceConfidence, &row.SweepDifferenceFlags)
}

// calibrationRun is one calibration sweep's (V_L, power) curve.
type calibrationRun struct {
	runID      string
	wavelength float64
	timestamp  time.Time
	laserV     []float64
	powerW     []float64
}

func (c calibrationRun) interpolatePower(vl float64) float64 {
	var fn interp.PiecewiseLinear
	if err := fn.Fit(c.laserV, c.powerW); err != nil {
		return 0
	}
	return fn.Predict(vl)
}

// dedupeSortedByX collapses runs of equal x (repeated calibration laser
// voltages) into one point, averaging y over the run. gonum's
// interp.PiecewiseLinear.Fit requires strictly increasing x and errors out
// otherwise, which would silently zero a real calibrated power.
func dedupeSortedByX(xs, ys []float64) ([]float64, []float64) {
	if len(xs) == 0 {
		return xs, ys
	}
	outX := make([]float64, 0, len(xs))
	outY := make([]float64, 0, len(ys))
	i := 0
	for i < len(xs) {
		j := i + 1
		sum := ys[i]
		for j < len(xs) && xs[j] == xs[i] {
			sum += ys[j]
			j++
		}
		outX = append(outX, xs[i])
		outY = append(outY, sum/float64(j-i))
		i = j
	}
	return outX, outY
}

type calibrationIndex map[float64][]calibrationRun

func groupCalibrationRuns(points []records.CalibrationPoint) calibrationIndex {
	byRun := make(map[string][]records.CalibrationPoint)
	for _, p := range points {
		byRun[p.RunID] = append(byRun[p.RunID], p)
	}

	index := make(calibrationIndex)
	for runID, pts := range byRun {
		sort.Slice(pts, func(i, j int) bool { return pts[i].LaserV < pts[j].LaserV })
		rawV := make([]float64, len(pts))
		rawP := make([]float64, len(pts))
		for i, p := range pts {
			rawV[i] = p.LaserV
			rawP[i] = p.PowerW
		}
		laserV, powerW := dedupeSortedByX(rawV, rawP)
		run := calibrationRun{
			runID:      runID,
			wavelength: pts[0].WavelengthNM,
			timestamp:  pts[0].TimestampUTC,
			laserV:     laserV,
			powerW:     powerW,
		}
		index[run.wavelength] = append(index[run.wavelength], run)
	}
	for wl := range index {
		runs := index[wl]
		sort.Slice(runs, func(i, j int) bool {
			if !runs[i].timestamp.Equal(runs[j].timestamp) {
				return runs[i].timestamp.Before(runs[j].timestamp)
			}
			return runs[i].runID < runs[j].runID
		})
		index[wl] = runs
	}
	return index
}

// nearestPrior finds the most recent calibration run at wavelength whose
// timestamp is <= ts, tie-breaking on the highest run_id (spec §4.9).
func (idx calibrationIndex) nearestPrior(wavelength float64, ts time.Time) (calibrationRun, bool) {
	runs, ok := idx[wavelength]
	if !ok {
		return calibrationRun{}, false
	}
	var best calibrationRun
	found := false
	for _, r := range runs {
		if r.timestamp.After(ts) {
			break
		}
		if !found || r.timestamp.After(best.timestamp) || (r.timestamp.Equal(best.timestamp) && r.runID > best.runID) {
			best = r
			found = true
		}
	}
	return best, found
}
