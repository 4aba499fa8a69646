// Package records defines the on-disk row shapes shared by every stage of
// the engine: the manifest, per-device histories, the derived-metrics table,
// and enriched histories. Keeping them in one package avoids import cycles
// between staging, history, extract and enrich, which all read or write a
// subset of these columns.
package records

import "time"

// ManifestRow is one staged measurement. Optional numeric fields are
// pointers so a column can be genuinely absent rather than zero-valued;
// parquet-go encodes a nil pointer as a null column entry.
type ManifestRow struct {
	RunID            string    `parquet:"run_id"`
	SourceFile       string    `parquet:"source_file"`
	Proc             string    `parquet:"proc"`
	TimestampUTC     time.Time `parquet:"timestamp_utc"`
	TimestampLocal   time.Time `parquet:"timestamp_local"`
	ExtractionVer    string    `parquet:"extraction_version"`
	ParquetPath      string    `parquet:"parquet_path"`
	ChipGroup        string    `parquet:"chip_group,optional"`
	ChipNumber       *int64    `parquet:"chip_number,optional"`
	VgFixedV         *float64  `parquet:"vg_fixed_v,optional"`
	VgStartV         *float64  `parquet:"vg_start_v,optional"`
	VgEndV           *float64  `parquet:"vg_end_v,optional"`
	VdsV             *float64  `parquet:"vds_v,optional"`
	WavelengthNM     *float64  `parquet:"wavelength_nm,optional"`
	LaserVoltageV    *float64  `parquet:"laser_voltage_v,optional"`
	LaserVoltageStV  *float64  `parquet:"laser_voltage_start_v,optional"`
	LaserVoltageEndV *float64  `parquet:"laser_voltage_end_v,optional"`
	HasLight         *bool     `parquet:"has_light,optional"`
}

// Key returns the run identifier used for dedup and joins.
func (r ManifestRow) Key() string { return r.RunID }

// ChipHistoryRow is a ManifestRow annotated with a per-device sequence
// number. Embedding keeps column layout stable relative to ManifestRow.
type ChipHistoryRow struct {
	ManifestRow
	Seq int64 `parquet:"seq"`
}

// DerivedMetric is the result of one extractor applied to one (or, for
// pairwise extractors, two) staged measurements.
type DerivedMetric struct {
	RunID                  string    `parquet:"run_id"`
	ChipNumber             *int64    `parquet:"chip_number,optional"`
	ChipGroup              string    `parquet:"chip_group,optional"`
	Procedure              string    `parquet:"procedure"`
	SeqNum                 *int64    `parquet:"seq_num,optional"`
	MetricName             string    `parquet:"metric_name"`
	MetricCategory         string    `parquet:"metric_category"`
	ValueFloat             *float64  `parquet:"value_float,optional"`
	ValueJSON              string    `parquet:"value_json,optional"`
	Unit                   string    `parquet:"unit,optional"`
	ExtractionMethod       string    `parquet:"extraction_method"`
	ExtractionVersion      string    `parquet:"extraction_version"`
	ExtractionTimestampUTC time.Time `parquet:"extraction_timestamp_utc"`
	Confidence             *float64  `parquet:"confidence,optional"`
	Flags                  string    `parquet:"flags,optional"`
}

// Key identifies a metric row uniquely within a metrics table.
func (m DerivedMetric) Key() [2]string { return [2]string{m.RunID, m.MetricName} }

// EnrichedHistoryRow is a ChipHistoryRow plus a resolved irradiated power and
// one column pair per known metric name. Like StagedRow, this trades the
// spec's fully dynamic metric pivot for a fixed physical-quantity schema,
// since parquet-go's generic writer needs one static row type per file; the
// known metric set is small and closed (§4.8), so every metric the pipeline
// can produce gets a named column here.
type EnrichedHistoryRow struct {
	ChipHistoryRow
	IrradiatedPowerW *float64 `parquet:"irradiated_power_w,optional"`
	CalibrationRunID string   `parquet:"calibration_run_id,optional"`

	CNPVoltage                *float64 `parquet:"cnp_voltage,optional"`
	CNPVoltageConfidence      *float64 `parquet:"cnp_voltage_confidence,optional"`
	CNPVoltageFlags           string   `parquet:"cnp_voltage_flags,optional"`
	PhotoresponseDelta        *float64 `parquet:"photoresponse_delta,optional"`
	PhotoresponseDeltaConf    *float64 `parquet:"photoresponse_delta_confidence,optional"`
	PhotoresponseDeltaFlags   string   `parquet:"photoresponse_delta_flags,optional"`
	RelaxationTime            *float64 `parquet:"relaxation_time,optional"`
	RelaxationTimeConfidence  *float64 `parquet:"relaxation_time_confidence,optional"`
	RelaxationTimeFlags       string   `parquet:"relaxation_time_flags,optional"`
	ThreePhaseRelaxation      *float64 `parquet:"three_phase_relaxation,optional"`
	ThreePhaseRelaxationConf  *float64 `parquet:"three_phase_relaxation_confidence,optional"`
	ThreePhaseRelaxationFlags string   `parquet:"three_phase_relaxation_flags,optional"`
	SweepDifference           *float64 `parquet:"consecutive_sweep_difference,optional"`
	SweepDifferenceConfidence *float64 `parquet:"consecutive_sweep_difference_confidence,optional"`
	SweepDifferenceFlags      string   `parquet:"consecutive_sweep_difference_flags,optional"`
}

// StagedRow is one sample of a StagedMeasurement. The engine projects every
// procedure's declared data columns onto this fixed physical-quantity
// schema (time, current, the two sweep voltages, laser drive voltage)
// because parquet-go's generic writer needs one static row type per file;
// a column absent from a given procedure is simply left null.
type StagedRow struct {
	T      *float64 `parquet:"t,optional"`
	I      *float64 `parquet:"i,optional"`
	VDS    *float64 `parquet:"v_ds,optional"`
	VG     *float64 `parquet:"v_g,optional"`
	VL     *float64 `parquet:"v_l,optional"`
	IFixed *float64 `parquet:"i_fixed,optional"`
}

// CalibrationPoint is one (V_L, power) sample of a calibration curve,
// keyed by wavelength and the calibration sweep's own run-id/timestamp.
type CalibrationPoint struct {
	RunID        string    `parquet:"run_id"`
	WavelengthNM float64   `parquet:"wavelength_nm"`
	TimestampUTC time.Time `parquet:"timestamp_utc"`
	LaserV       float64   `parquet:"laser_v"`
	PowerW       float64   `parquet:"power_w"`
}
