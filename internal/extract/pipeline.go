// Package extract also implements the Metric Pipeline (C8): the driver
// operation that walks a manifest, loads each measurement's staged rows
// through the Data Reader Cache, and dispatches them through a Registry to
// produce the metrics table.
package extract

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	pq "github.com/parquet-go/parquet-go"

	"github.com/Joaquim-mph/optothermal/internal/cache"
	"github.com/Joaquim-mph/optothermal/internal/engineerr"
	"github.com/Joaquim-mph/optothermal/internal/manifest"
	"github.com/Joaquim-mph/optothermal/internal/parquetio"
	"github.com/Joaquim-mph/optothermal/internal/records"
	"github.com/Joaquim-mph/optothermal/internal/telemetry/logging"
	"github.com/Joaquim-mph/optothermal/internal/telemetry/metrics"
)

// Config is the derive-metrics driver operation's input (spec §6.3's
// "derive_metrics").
type Config struct {
	ManifestPath string
	MetricsPath  string // derived from ManifestPath if empty
	ChipFilter   *int64
	ProcFilter   string
	Workers      int
	CacheSize    int
	Registry     *Registry

	Logger  logging.Logger
	Metrics *metrics.EngineMetrics
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 6
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 100
	}
	if c.MetricsPath == "" {
		c.MetricsPath = filepath.Join(filepath.Dir(filepath.Dir(c.ManifestPath)), "_metrics", "metrics.parquet")
	}
	if c.Registry == nil {
		c.Registry = NewRegistry(DefaultSingleExtractors(), DefaultPairwiseExtractors(), nil)
	}
	if c.Logger == nil {
		c.Logger = logging.New(nil)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewEngineMetrics(metrics.NewNoopProvider())
	}
}

// MetricReport summarizes one derive_metrics invocation.
type MetricReport struct {
	Derived     int
	Dropped     int
	ByMetric    map[string]int
	MetricsPath string
}

// Derive runs the single-measurement pass (parallel across measurements,
// through the Data Reader Cache) and the pairwise pass (grouped by
// chip_number+procedure, serialized within a group, parallel across groups),
// then writes the combined metrics table atomically.
func Derive(ctx context.Context, cfg Config) (*MetricReport, error) {
	cfg.applyDefaults()

	rows, err := manifest.Read(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	rows = filterRows(rows, cfg.ChipFilter, cfg.ProcFilter)

	reader := cache.New(cfg.CacheSize)
	loadRows := func(path string) ([]records.StagedRow, error) {
		v, err := reader.Get(path, func() (any, error) {
			return parquetio.ReadAll[records.StagedRow](path)
		})
		if err != nil {
			return nil, err
		}
		return v.([]records.StagedRow), nil
	}

	singleMetrics := runSinglePass(ctx, rows, cfg, loadRows)
	pairMetrics := runPairwisePass(ctx, rows, cfg, loadRows)

	stats := reader.Stats()
	cfg.Metrics.CacheHits.Inc(float64(stats.Hits))
	cfg.Metrics.CacheMisses.Inc(float64(stats.Misses))

	all := append(singleMetrics, pairMetrics...)
	report := &MetricReport{ByMetric: make(map[string]int), MetricsPath: cfg.MetricsPath}
	kept := make([]records.DerivedMetric, 0, len(all))
	for _, m := range all {
		if m.ValueFloat == nil || !finite(*m.ValueFloat) {
			report.Dropped++
			continue
		}
		report.Derived++
		report.ByMetric[m.MetricName]++
		kept = append(kept, m)
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].RunID != kept[j].RunID {
			return kept[i].RunID < kept[j].RunID
		}
		return kept[i].MetricName < kept[j].MetricName
	})

	if ctx.Err() != nil {
		return report, engineerr.New(engineerr.KindCancelled, "metric derivation cancelled before metrics write", nil)
	}

	if err := parquetio.WriteAtomic(cfg.MetricsPath, kept, []pq.SortingColumn{pq.Ascending("run_id"), pq.Ascending("metric_name")}); err != nil {
		return report, err
	}
	return report, nil
}

func filterRows(rows []records.ManifestRow, chip *int64, proc string) []records.ManifestRow {
	if chip == nil && proc == "" {
		return rows
	}
	out := make([]records.ManifestRow, 0, len(rows))
	for _, r := range rows {
		if chip != nil && (r.ChipNumber == nil || *r.ChipNumber != *chip) {
			continue
		}
		if proc != "" && r.Proc != proc {
			continue
		}
		out = append(out, r)
	}
	return out
}

// runSinglePass dispatches every measurement to its applicable single
// extractors over a bounded worker pool, the way the staging engine fans
// file processing out across workers and joins on a WaitGroup.
func runSinglePass(ctx context.Context, rows []records.ManifestRow, cfg Config, loadRows func(string) ([]records.StagedRow, error)) []records.DerivedMetric {
	jobs := make(chan records.ManifestRow)
	results := make(chan []records.DerivedMetric)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				results <- extractSingle(ctx, row, cfg, loadRows)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, r := range rows {
			select {
			case jobs <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var out []records.DerivedMetric
	for batch := range results {
		out = append(out, batch...)
	}
	return out
}

func extractSingle(ctx context.Context, row records.ManifestRow, cfg Config, loadRows func(string) ([]records.StagedRow, error)) []records.DerivedMetric {
	extractors := cfg.Registry.SingleFor(row.Proc)
	if len(extractors) == 0 {
		return nil
	}
	staged, err := loadRows(row.ParquetPath)
	if err != nil {
		cfg.Logger.ErrorCtx(ctx, "load staged measurement", "error", err, "run_id", row.RunID)
		return nil
	}
	m := Measurement{Row: row, Rows: staged}

	var out []records.DerivedMetric
	for _, ex := range extractors {
		start := time.Now()
		metric, err := ex.Extract(m)
		cfg.Metrics.ExtractLatency.Observe(time.Since(start).Seconds(), ex.MetricName())
		if err != nil {
			cfg.Logger.ErrorCtx(ctx, "extract failed", "error", err, "run_id", row.RunID, "metric", ex.MetricName())
			continue
		}
		if metric != nil {
			out = append(out, *metric)
		}
	}
	return out
}

// runPairwisePass groups rows by (chip_number, procedure), sorts each group
// chronologically, and runs every registered pairwise extractor over each
// chronologically-adjacent pair. Groups run in parallel; pairs within a
// group run serially since each depends on the previous row's identity.
func runPairwisePass(ctx context.Context, rows []records.ManifestRow, cfg Config, loadRows func(string) ([]records.StagedRow, error)) []records.DerivedMetric {
	groups := groupForPairing(rows)

	keys := make([]pairGroupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].chip != keys[j].chip {
			return keys[i].chip < keys[j].chip
		}
		return keys[i].proc < keys[j].proc
	})

	var mu sync.Mutex
	var out []records.DerivedMetric
	var wg sync.WaitGroup
	sem := make(chan struct{}, cfg.Workers)

	for _, k := range keys {
		k := k
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			select {
			case <-ctx.Done():
				return
			default:
			}
			group := groups[k]
			derived := pairwiseForGroup(group, cfg, loadRows)
			mu.Lock()
			out = append(out, derived...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

type pairGroupKey struct {
	chip int64
	proc string
}

func groupForPairing(rows []records.ManifestRow) map[pairGroupKey][]records.ManifestRow {
	groups := make(map[pairGroupKey][]records.ManifestRow)
	for _, r := range rows {
		if r.ChipNumber == nil {
			continue
		}
		k := pairGroupKey{*r.ChipNumber, r.Proc}
		groups[k] = append(groups[k], r)
	}
	for k := range groups {
		g := groups[k]
		sort.Slice(g, func(i, j int) bool {
			if !g[i].TimestampUTC.Equal(g[j].TimestampUTC) {
				return g[i].TimestampUTC.Before(g[j].TimestampUTC)
			}
			return g[i].RunID < g[j].RunID
		})
		groups[k] = g
	}
	return groups
}

func pairwiseForGroup(group []records.ManifestRow, cfg Config, loadRows func(string) ([]records.StagedRow, error)) []records.DerivedMetric {
	var out []records.DerivedMetric
	for i := 1; i < len(group); i++ {
		a, b := group[i-1], group[i]
		extractors := cfg.Registry.PairwiseFor(b.Proc)
		if len(extractors) == 0 {
			continue
		}
		rowsA, err := loadRows(a.ParquetPath)
		if err != nil {
			continue
		}
		rowsB, err := loadRows(b.ParquetPath)
		if err != nil {
			continue
		}
		ma := Measurement{Row: a, Rows: rowsA}
		mb := Measurement{Row: b, Rows: rowsB}
		for _, ex := range extractors {
			if !ex.ShouldPair(a, b) {
				continue
			}
			metric, err := ex.ExtractPairwise(ma, mb)
			if err != nil || metric == nil {
				continue
			}
			out = append(out, *metric)
		}
	}
	return out
}
