// Package staging implements the Staging Engine (C4): discovery, header
// parsing, schema validation, run-id assignment, partitioned columnar
// write-out, and atomic manifest update, run over a bounded worker pool the
// way the teacher's internal/pipeline fans work out across per-stage
// goroutines and joins on a sync.WaitGroup before its one mutating write.
package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	pq "github.com/parquet-go/parquet-go"

	"github.com/Joaquim-mph/optothermal/internal/catalog"
	"github.com/Joaquim-mph/optothermal/internal/engineerr"
	"github.com/Joaquim-mph/optothermal/internal/header"
	"github.com/Joaquim-mph/optothermal/internal/manifest"
	"github.com/Joaquim-mph/optothermal/internal/parquetio"
	"github.com/Joaquim-mph/optothermal/internal/records"
	"github.com/Joaquim-mph/optothermal/internal/runid"
	"github.com/Joaquim-mph/optothermal/internal/telemetry/logging"
	"github.com/Joaquim-mph/optothermal/internal/telemetry/metrics"
)

// Config is the staging driver operation's input (spec §6.3's "stage").
type Config struct {
	RawRoot           string
	StageRoot         string
	CatalogPath       string
	Workers           int
	Force             bool
	StrictData        bool
	LocalTZ           *time.Location
	ExtractionVersion string

	ManifestPath string // derived from StageRoot if empty
	RejectsDir   string // derived from StageRoot if empty

	Logger  logging.Logger
	Metrics *metrics.EngineMetrics
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 6
	}
	if c.LocalTZ == nil {
		c.LocalTZ = time.Local
	}
	if c.ManifestPath == "" {
		c.ManifestPath = filepath.Join(c.StageRoot, "_manifest", "manifest.parquet")
	}
	if c.RejectsDir == "" {
		c.RejectsDir = filepath.Join(filepath.Dir(c.StageRoot), "_rejects")
	}
	if c.ExtractionVersion == "" {
		c.ExtractionVersion = "unknown"
	}
	if c.Logger == nil {
		c.Logger = logging.New(nil)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewEngineMetrics(metrics.NewNoopProvider())
	}
}

// RejectRecord describes one file that failed to stage.
type RejectRecord struct {
	SourceFile string          `json:"source_file"`
	Kind       engineerr.Kind  `json:"kind"`
	Reason     string          `json:"reason"`
}

// StageReport summarizes one stage invocation.
type StageReport struct {
	Accepted     int
	Rejected     int
	Skipped      int
	ByProcedure  map[string]int
	Rejects      []RejectRecord
	ManifestPath string
}

// Stage runs the full discover -> parse -> validate -> write -> manifest
// pipeline described in spec §4.4.
func Stage(ctx context.Context, cfg Config) (*StageReport, error) {
	cfg.applyDefaults()

	if _, err := os.Stat(cfg.RawRoot); err != nil {
		return nil, engineerr.Wrap(engineerr.KindWriteFailure, "raw_root does not exist", err, map[string]string{"raw_root": cfg.RawRoot})
	}
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	files, err := discover(cfg.RawRoot)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindWriteFailure, "discover raw files", err, nil)
	}
	cfg.Metrics.FilesDiscovered.Inc(float64(len(files)))

	existing, err := manifest.Read(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	known := manifest.IndexByRunID(existing)

	type outcome struct {
		row    *records.ManifestRow
		reject *RejectRecord
		skip   bool
	}

	jobs := make(chan string)
	results := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				results <- processFile(ctx, path, cfg, cat, known)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, f := range files {
			select {
			case jobs <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	report := &StageReport{ByProcedure: make(map[string]int), ManifestPath: cfg.ManifestPath}
	accepted := append([]records.ManifestRow{}, existing...)

	for res := range results {
		switch {
		case res.skip:
			report.Skipped++
		case res.reject != nil:
			report.Rejected++
			report.Rejects = append(report.Rejects, *res.reject)
			cfg.Metrics.FilesRejected.Inc(1, string(res.reject.Kind))
			writeRejectSidecar(cfg.RejectsDir, *res.reject)
		case res.row != nil:
			report.Accepted++
			report.ByProcedure[res.row.Proc]++
			cfg.Metrics.FilesStaged.Inc(1, res.row.Proc)
			accepted = append(accepted, *res.row)
		}
	}

	if ctx.Err() != nil {
		return report, engineerr.New(engineerr.KindCancelled, "staging cancelled before manifest write", nil)
	}

	writeStart := time.Now()
	if err := manifest.WriteAtomic(cfg.ManifestPath, accepted); err != nil {
		return report, err
	}
	cfg.Metrics.ManifestWriteDur.Observe(time.Since(writeStart).Seconds())

	return report, nil
}

func discover(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".csv") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func processFile(ctx context.Context, path string, cfg Config, cat *catalog.Catalog, known map[string]struct{}) struct {
	row    *records.ManifestRow
	reject *RejectRecord
	skip   bool
} {
	type result = struct {
		row    *records.ManifestRow
		reject *RejectRecord
		skip   bool
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return result{reject: &RejectRecord{SourceFile: path, Kind: engineerr.KindWriteFailure, Reason: err.Error()}}
	}

	procedure := detectProcedure(raw, cat)
	if procedure == "" {
		return result{reject: &RejectRecord{SourceFile: path, Kind: engineerr.KindUnknownProcedure, Reason: "no Procedure: line matched a cataloged procedure"}}
	}
	spec, err := cat.Get(procedure)
	if err != nil {
		return result{reject: &RejectRecord{SourceFile: path, Kind: engineerr.KindUnknownProcedure, Reason: err.Error()}}
	}

	parsed, err := header.Parse(raw, procedure, spec, header.Options{LocalTZ: cfg.LocalTZ, StrictData: cfg.StrictData})
	if err != nil {
		kind := engineerr.KindMalformedHeader
		if ee, ok := err.(*engineerr.Error); ok {
			kind = ee.Kind
		}
		return result{reject: &RejectRecord{SourceFile: path, Kind: kind, Reason: err.Error()}}
	}

	rel, _ := filepath.Rel(cfg.RawRoot, path)
	id := runid.Compute(raw, parsed.StartUTC)

	if _, already := known[id]; already && !cfg.Force {
		return result{skip: true}
	}

	row, err := buildManifestRow(id, rel, procedure, spec, parsed, cfg)
	if err != nil {
		kind := engineerr.KindValidationFailure
		if ee, ok := err.(*engineerr.Error); ok {
			kind = ee.Kind
		}
		return result{reject: &RejectRecord{SourceFile: path, Kind: kind, Reason: err.Error()}}
	}

	if err := writeStagedMeasurement(row.ParquetPath, parsed); err != nil {
		return result{reject: &RejectRecord{SourceFile: path, Kind: engineerr.KindWriteFailure, Reason: err.Error()}}
	}

	return result{row: row}
}

// detectProcedure looks for a "Procedure: <name>" metadata line naming a
// known catalog entry. Instrument software commonly stamps this as the
// first metadata field; falling back to trying every catalog entry would
// be ambiguous, so an unmatched file is rejected as UnknownProcedure.
func detectProcedure(raw []byte, cat *catalog.Catalog) string {
	lines := strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(key), "Procedure") {
			continue
		}
		name := strings.TrimSpace(value)
		for _, known := range cat.Names() {
			if known == name {
				return known
			}
		}
	}
	return ""
}

func buildManifestRow(id, sourceFile, procedure string, spec catalog.ProcedureSpec, parsed *header.ParsedMeasurement, cfg Config) (*records.ManifestRow, error) {
	row := &records.ManifestRow{
		RunID:         id,
		SourceFile:    sourceFile,
		Proc:          procedure,
		TimestampUTC:  parsed.StartUTC,
		TimestampLocal: parsed.StartLocal,
		ExtractionVer: cfg.ExtractionVersion,
	}

	for column, aliases := range spec.ManifestColumns {
		v := firstAlias(parsed, aliases)
		if v == nil {
			continue
		}
		if err := assignManifestColumn(row, column, v); err != nil {
			return nil, err
		}
	}

	row.HasLight = resolveHasLight(spec.LightDetection, row)
	row.ParquetPath = filepath.Join(cfg.StageRoot, fmt.Sprintf("proc=%s", procedure), fmt.Sprintf("date=%s", row.TimestampLocal.Format("2006-01-02")), id+".parquet")

	if row.ChipGroup != "" {
		row.ChipGroup = titleCase(row.ChipGroup)
	}
	return row, nil
}

func firstAlias(parsed *header.ParsedMeasurement, aliases []string) any {
	for _, alias := range aliases {
		if v, ok := parsed.Parameters[alias]; ok && v != nil {
			return v
		}
		if v, ok := parsed.Metadata[alias]; ok && v != nil {
			return v
		}
	}
	return nil
}

func assignManifestColumn(row *records.ManifestRow, column string, v any) error {
	switch column {
	case "chip_group":
		if s, ok := v.(string); ok {
			row.ChipGroup = s
		}
	case "chip_number":
		if n, ok := toInt64(v); ok {
			row.ChipNumber = &n
		}
	case "vg_fixed_v":
		row.VgFixedV = toFloatPtr(v)
	case "vg_start_v":
		row.VgStartV = toFloatPtr(v)
	case "vg_end_v":
		row.VgEndV = toFloatPtr(v)
	case "vds_v":
		row.VdsV = toFloatPtr(v)
	case "wavelength_nm":
		row.WavelengthNM = toFloatPtr(v)
	case "laser_voltage_v":
		row.LaserVoltageV = toFloatPtr(v)
	case "laser_voltage_start_v":
		row.LaserVoltageStV = toFloatPtr(v)
	case "laser_voltage_end_v":
		row.LaserVoltageEndV = toFloatPtr(v)
	}
	return nil
}

func toFloatPtr(v any) *float64 {
	switch x := v.(type) {
	case float64:
		return &x
	case int64:
		f := float64(x)
		return &f
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	}
	return 0, false
}

func resolveHasLight(mode catalog.LightMode, row *records.ManifestRow) *bool {
	var v bool
	switch mode {
	case catalog.LightStandard:
		v = row.WavelengthNM != nil && row.LaserVoltageV != nil && *row.LaserVoltageV > 0
	case catalog.LightCalibration:
		v = row.WavelengthNM != nil && (row.LaserVoltageStV != nil || row.LaserVoltageEndV != nil)
	default:
		v = false
	}
	return &v
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	upperNext := true
	for i, c := range r {
		if c == ' ' || c == '-' || c == '_' {
			upperNext = true
			continue
		}
		if upperNext {
			r[i] = toUpperRune(c)
			upperNext = false
		}
	}
	return string(r)
}

func toUpperRune(c rune) rune {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}

func writeStagedMeasurement(path string, parsed *header.ParsedMeasurement) error {
	rows := projectStagedRows(parsed)
	return parquetio.WriteAtomic(path, rows, []pq.SortingColumn{pq.Ascending("t")})
}

// projectStagedRows maps a procedure's declared data columns onto the
// engine's fixed StagedRow schema by best-effort name matching, since
// parquet-go's generic writer needs one static row type per file.
func projectStagedRows(parsed *header.ParsedMeasurement) []records.StagedRow {
	n := 0
	for _, col := range parsed.Data {
		if len(col.Cells) > n {
			n = len(col.Cells)
		}
	}
	rows := make([]records.StagedRow, n)

	assign := func(target func(*records.StagedRow, float64), names ...string) {
		col, ok := findColumn(parsed.Data, names)
		if !ok {
			return
		}
		vals := col.Floats()
		for i := 0; i < n && i < len(vals); i++ {
			target(&rows[i], vals[i])
		}
	}

	assign(func(r *records.StagedRow, v float64) { r.T = &v }, "t", "time", "Time (s)")
	assign(func(r *records.StagedRow, v float64) { r.I = &v }, "I", "Current (A)", "current")
	assign(func(r *records.StagedRow, v float64) { r.VDS = &v }, "V_ds", "Vds", "V_ds (V)")
	assign(func(r *records.StagedRow, v float64) { r.VG = &v }, "V_g", "Vg", "V_g (V)")
	assign(func(r *records.StagedRow, v float64) { r.VL = &v }, "V_L", "VL", "V_L (V)")
	assign(func(r *records.StagedRow, v float64) { r.IFixed = &v }, "I_fixed", "Ifixed")

	return rows
}

func findColumn(data map[string]header.Column, names []string) (header.Column, bool) {
	for _, name := range names {
		if col, ok := data[name]; ok {
			return col, true
		}
	}
	for key, col := range data {
		for _, name := range names {
			if strings.EqualFold(key, name) {
				return col, true
			}
		}
	}
	return header.Column{}, false
}

func writeRejectSidecar(rejectsDir string, rec RejectRecord) {
	dir := filepath.Join(rejectsDir, filepath.Dir(rec.SourceFile))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	sidecar := filepath.Join(dir, filepath.Base(rec.SourceFile)+".reject.json")
	body := fmt.Sprintf("{\"reason\":%q,\"kind\":%q}\n", rec.Reason, rec.Kind)
	_ = os.WriteFile(sidecar, []byte(body), 0o644)
}
