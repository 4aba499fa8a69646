// Command optostage is a thin driver binary wiring the engine's four
// operations (stage, build_histories, derive_metrics, enrich_histories) for
// manual smoke-testing, the way the teacher's own cli command wires engine.New
// and the driver's Start/Snapshot calls rather than shipping a full CLI
// package here.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/Joaquim-mph/optothermal/internal/config"
	"github.com/Joaquim-mph/optothermal/internal/enrich"
	"github.com/Joaquim-mph/optothermal/internal/extract"
	"github.com/Joaquim-mph/optothermal/internal/history"
	"github.com/Joaquim-mph/optothermal/internal/manifest"
	"github.com/Joaquim-mph/optothermal/internal/staging"
	"github.com/Joaquim-mph/optothermal/internal/telemetry"
	"github.com/Joaquim-mph/optothermal/internal/telemetry/metrics"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: optostage <stage|build_histories|derive_metrics|enrich_histories|full_pipeline> [flags]")
		os.Exit(1)
	}
	op := os.Args[1]
	args := os.Args[2:]

	fs := flag.NewFlagSet(op, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	rawRoot := fs.String("raw-root", "", "override raw_root")
	chipFilter := fs.Int64("chip", 0, "restrict to one chip_number (0 = all)")
	procFilter := fs.String("proc", "", "restrict to one procedure")
	force := fs.Bool("force", false, "reprocess already-known run_ids")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *rawRoot != "" {
		cfg.RawRoot = *rawRoot
	}
	if *force {
		cfg.Force = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; cancelling")
		cancel()
	}()

	tracer := telemetry.NewTracer(true)
	if cfg.TracingEnabled {
		tp := telemetry.NewOTelTracerProvider("optostage")
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		tracer = telemetry.NewOTelTracer("optostage")
	}
	var span telemetry.Span
	ctx, span = tracer.StartSpan(ctx, op)
	defer span.End()

	metricsProvider := metrics.Select(cfg.MetricsEnabled, cfg.MetricsBackend)
	engineMetrics := metrics.NewEngineMetrics(metricsProvider)

	switch op {
	case "stage":
		localTZ, err := cfg.LocalTZ()
		if err != nil {
			log.Fatalf("resolve local_tz: %v", err)
		}
		report, err := staging.Stage(ctx, staging.Config{
			RawRoot:           cfg.RawRoot,
			StageRoot:         cfg.StageRoot,
			CatalogPath:       cfg.CatalogPath,
			Workers:           cfg.Workers,
			Force:             cfg.Force,
			StrictData:        cfg.StrictData,
			LocalTZ:           localTZ,
			ExtractionVersion: cfg.ExtractionVersion,
			ManifestPath:      cfg.ManifestPath,
		})
		emit(report, err)

	case "build_histories":
		rows, err := manifest.Read(cfg.ManifestPath)
		if err != nil {
			log.Fatalf("read manifest: %v", err)
		}
		written, err := history.Build(rows, cfg.HistoryDir, history.Options{MinExperiments: cfg.MinExperiments})
		emit(written, err)

	case "derive_metrics":
		var chip *int64
		if *chipFilter != 0 {
			chip = chipFilter
		}
		report, err := extract.Derive(ctx, extract.Config{
			ManifestPath: cfg.ManifestPath,
			MetricsPath:  cfg.MetricsPath,
			ChipFilter:   chip,
			ProcFilter:   *procFilter,
			Workers:      cfg.Workers,
			CacheSize:    cfg.CacheSize,
			Registry:     extract.NewRegistry(extract.DefaultSingleExtractors(), extract.DefaultPairwiseExtractors(), cfg.DisabledExtractorSet()),
			Metrics:      engineMetrics,
		})
		emit(report, err)

	case "enrich_histories":
		var chip *int64
		if *chipFilter != 0 {
			chip = chipFilter
		}
		written, err := enrich.Enrich(enrich.Config{
			ManifestPath:    cfg.ManifestPath,
			MetricsPath:     cfg.MetricsPath,
			CalibrationPath: cfg.CalibrationPath,
			OutDir:          cfg.EnrichedDir,
			ChipFilter:      chip,
		})
		emit(written, err)

	case "full_pipeline":
		emit(runFullPipeline(ctx, cfg, chipFilter, procFilter, engineMetrics), nil)

	default:
		fmt.Fprintf(os.Stderr, "unknown operation %q\n", op)
		os.Exit(1)
	}
}

// fullPipelineReport composes the four stage reports in run order, mirroring
// spec §6.3's full_pipeline composite report.
type fullPipelineReport struct {
	Stage         *staging.StageReport  `json:"stage"`
	HistoryPaths  []string              `json:"history_paths"`
	Metrics       *extract.MetricReport `json:"metrics"`
	EnrichedPaths []string              `json:"enriched_paths"`
}

// runFullPipeline runs stage -> build_histories -> derive_metrics ->
// enrich_histories in order, stopping at the first failing stage. Per
// spec §5, cancellation mid-run leaves every earlier stage's atomic write
// intact. stage and derive_metrics skip their own final write when ctx is
// cancelled; build_histories and enrich_histories do not take ctx and run to
// completion once started.
func runFullPipeline(ctx context.Context, cfg config.EngineConfig, chipFilter *int64, procFilter *string, engineMetrics *metrics.EngineMetrics) *fullPipelineReport {
	report := &fullPipelineReport{}

	localTZ, err := cfg.LocalTZ()
	if err != nil {
		log.Fatalf("resolve local_tz: %v", err)
	}
	stageReport, err := staging.Stage(ctx, staging.Config{
		RawRoot:           cfg.RawRoot,
		StageRoot:         cfg.StageRoot,
		CatalogPath:       cfg.CatalogPath,
		Workers:           cfg.Workers,
		Force:             cfg.Force,
		StrictData:        cfg.StrictData,
		LocalTZ:           localTZ,
		ExtractionVersion: cfg.ExtractionVersion,
		ManifestPath:      cfg.ManifestPath,
	})
	if err != nil {
		log.Fatalf("stage: %v", err)
	}
	report.Stage = stageReport

	rows, err := manifest.Read(stageReport.ManifestPath)
	if err != nil {
		log.Fatalf("read manifest: %v", err)
	}
	historyPaths, err := history.Build(rows, cfg.HistoryDir, history.Options{MinExperiments: cfg.MinExperiments})
	if err != nil {
		log.Fatalf("build_histories: %v", err)
	}
	report.HistoryPaths = historyPaths

	var chip *int64
	if chipFilter != nil && *chipFilter != 0 {
		chip = chipFilter
	}
	var proc string
	if procFilter != nil {
		proc = *procFilter
	}
	metricReport, err := extract.Derive(ctx, extract.Config{
		ManifestPath: stageReport.ManifestPath,
		MetricsPath:  cfg.MetricsPath,
		ChipFilter:   chip,
		ProcFilter:   proc,
		Workers:      cfg.Workers,
		CacheSize:    cfg.CacheSize,
		Registry:     extract.NewRegistry(extract.DefaultSingleExtractors(), extract.DefaultPairwiseExtractors(), cfg.DisabledExtractorSet()),
		Metrics:      engineMetrics,
	})
	if err != nil {
		log.Fatalf("derive_metrics: %v", err)
	}
	report.Metrics = metricReport

	enrichedPaths, err := enrich.Enrich(enrich.Config{
		ManifestPath:    stageReport.ManifestPath,
		MetricsPath:     metricReport.MetricsPath,
		CalibrationPath: cfg.CalibrationPath,
		OutDir:          cfg.EnrichedDir,
		ChipFilter:      chip,
	})
	if err != nil {
		log.Fatalf("enrich_histories: %v", err)
	}
	report.EnrichedPaths = enrichedPaths

	return report
}

func emit(v any, err error) {
	if err != nil {
		log.Fatalf("operation failed: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(v); encErr != nil {
		log.Fatalf("encode result: %v", encErr)
	}
}
