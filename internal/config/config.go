// Package config resolves the engine's EngineConfig value by layering
// built-in defaults, OPTO_* environment overrides, and an optional YAML
// config file, the way the teacher's packages/engine/config package resolves
// its own Config. A CatalogWatcher built on fsnotify supports hot-reloading
// the schema catalog, adapted from the teacher's internal/runtime
// HotReloadSystem.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// EngineConfig is the single resolved configuration value every driver
// operation reads from (spec §6.4).
type EngineConfig struct {
	RawRoot            string   `yaml:"raw_root"`
	StageRoot          string   `yaml:"stage_root"`
	CatalogPath        string   `yaml:"catalog_path"`
	ManifestPath       string   `yaml:"manifest_path"`
	HistoryDir         string   `yaml:"history_dir"`
	MetricsPath        string   `yaml:"metrics_path"`
	CalibrationPath    string   `yaml:"calibration_path"`
	EnrichedDir        string   `yaml:"enriched_dir"`
	Workers            int      `yaml:"workers"`
	Force              bool     `yaml:"force"`
	StrictData         bool     `yaml:"strict_data"`
	LocalTZName        string   `yaml:"local_tz"`
	ExtractionVersion  string   `yaml:"extraction_version"`
	CacheSize          int      `yaml:"cache_size"`
	MinExperiments     int      `yaml:"min_experiments"`
	DisabledExtractors []string `yaml:"disabled_extractors"`
	MetricsEnabled     bool     `yaml:"metrics_enabled"`
	MetricsBackend     string   `yaml:"metrics_backend"`
	TracingEnabled     bool     `yaml:"tracing_enabled"`
}

// Defaults returns the engine's built-in configuration defaults.
func Defaults() EngineConfig {
	return EngineConfig{
		StageRoot:         "stage",
		CatalogPath:       "catalog.yaml",
		Workers:           6,
		LocalTZName:       "Local",
		ExtractionVersion: "unknown",
		CacheSize:         100,
	}
}

// Load resolves an EngineConfig from, in increasing priority: built-in
// defaults, OPTO_* environment variables, the YAML file at path (skipped if
// path is empty or missing), and finally overrides applied by the caller.
func Load(path string) (EngineConfig, error) {
	cfg := Defaults()
	applyEnv(&cfg)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.normalize()
	return cfg, cfg.Validate()
}

func applyEnv(cfg *EngineConfig) {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("OPTO_RAW_ROOT", &cfg.RawRoot)
	str("OPTO_STAGE_ROOT", &cfg.StageRoot)
	str("OPTO_CATALOG_PATH", &cfg.CatalogPath)
	str("OPTO_MANIFEST_PATH", &cfg.ManifestPath)
	str("OPTO_HISTORY_DIR", &cfg.HistoryDir)
	str("OPTO_METRICS_PATH", &cfg.MetricsPath)
	str("OPTO_CALIBRATION_PATH", &cfg.CalibrationPath)
	str("OPTO_ENRICHED_DIR", &cfg.EnrichedDir)
	str("OPTO_LOCAL_TZ", &cfg.LocalTZName)
	str("OPTO_EXTRACTION_VERSION", &cfg.ExtractionVersion)
	str("OPTO_METRICS_BACKEND", &cfg.MetricsBackend)
	integer("OPTO_WORKERS", &cfg.Workers)
	integer("OPTO_CACHE_SIZE", &cfg.CacheSize)
	integer("OPTO_MIN_EXPERIMENTS", &cfg.MinExperiments)
	boolean("OPTO_FORCE", &cfg.Force)
	boolean("OPTO_STRICT_DATA", &cfg.StrictData)
	boolean("OPTO_METRICS_ENABLED", &cfg.MetricsEnabled)
	boolean("OPTO_TRACING_ENABLED", &cfg.TracingEnabled)
	if v, ok := os.LookupEnv("OPTO_DISABLED_EXTRACTORS"); ok && v != "" {
		cfg.DisabledExtractors = strings.Split(v, ",")
	}
}

// normalize fills derived paths and clamps bounded fields.
func (c *EngineConfig) normalize() {
	if c.Workers < 1 {
		c.Workers = 6
	}
	if c.Workers > 32 {
		c.Workers = 32
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 100
	}
	if c.LocalTZName == "" {
		c.LocalTZName = "Local"
	}
	if c.ExtractionVersion == "" {
		c.ExtractionVersion = "unknown"
	}
	if c.ManifestPath == "" && c.StageRoot != "" {
		c.ManifestPath = c.StageRoot + "/_manifest/manifest.parquet"
	}
	if c.MetricsPath == "" && c.StageRoot != "" {
		c.MetricsPath = c.StageRoot + "/_metrics/metrics.parquet"
	}
	if c.HistoryDir == "" && c.StageRoot != "" {
		c.HistoryDir = c.StageRoot + "/_history"
	}
	if c.EnrichedDir == "" && c.StageRoot != "" {
		c.EnrichedDir = c.StageRoot + "/_enriched"
	}
}

// Validate checks the fields required to run any driver operation.
func (c EngineConfig) Validate() error {
	if c.CatalogPath == "" {
		return fmt.Errorf("config: catalog_path is required")
	}
	if _, err := c.LocalTZ(); err != nil {
		return fmt.Errorf("config: local_tz %q: %w", c.LocalTZName, err)
	}
	return nil
}

// LocalTZ resolves the configured local timezone name.
func (c EngineConfig) LocalTZ() (*time.Location, error) {
	return time.LoadLocation(c.LocalTZName)
}

// DisabledExtractorSet returns DisabledExtractors as a lookup set, keyed by
// extractor MetricName.
func (c EngineConfig) DisabledExtractorSet() map[string]bool {
	set := make(map[string]bool, len(c.DisabledExtractors))
	for _, name := range c.DisabledExtractors {
		name = strings.TrimSpace(name)
		if name != "" {
			set[name] = true
		}
	}
	return set
}

// CatalogWatcher hot-reloads the schema catalog file, adapted from the
// teacher's HotReloadSystem: one fsnotify watcher on the catalog's
// directory, filtered to writes targeting the catalog path itself.
type CatalogWatcher struct {
	path    string
	watcher *fsnotify.Watcher
}

// NewCatalogWatcher opens an fsnotify watch on the catalog file's directory.
func NewCatalogWatcher(path string) (*CatalogWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create catalog watcher: %w", err)
	}
	dir := dirOf(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch catalog dir %s: %w", dir, err)
	}
	return &CatalogWatcher{path: path, watcher: w}, nil
}

// Watch runs until ctx is cancelled, invoking onChange whenever the catalog
// file is written.
func (c *CatalogWatcher) Watch(ctx context.Context, onChange func()) {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == c.path && ev.Op&fsnotify.Write == fsnotify.Write {
				onChange()
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the watcher.
func (c *CatalogWatcher) Close() error { return c.watcher.Close() }

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
