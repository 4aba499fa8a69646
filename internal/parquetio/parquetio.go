// Package parquetio wraps parquet-go's generic reader/writer with the
// write-to-temp-then-rename discipline every atomic table in this engine
// needs (manifest, histories, metrics, enriched histories), the way
// cc-backend's metricstore archiver writes sorted Zstd-compressed Parquet
// files before handing them to readers.
package parquetio

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	pq "github.com/parquet-go/parquet-go"
)

const writeBufferSize = 1 << 20 // 1MB

// WriteAtomic serializes rows to a temp file beside path and renames it into
// place, so concurrent readers never observe a partially written table.
// sortingColumns may be nil.
func WriteAtomic[T any](path string, rows []T, sortingColumns []pq.SortingColumn) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	bw := bufio.NewWriterSize(tmp, writeBufferSize)

	opts := []pq.WriterOption{pq.Compression(&pq.Zstd)}
	if len(sortingColumns) > 0 {
		opts = append(opts, pq.SortingWriterConfig(pq.SortingColumns(sortingColumns...)))
	}
	writer := pq.NewGenericWriter[T](bw, opts...)

	if _, err := writer.Write(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("writing rows to %s: %w", tmpPath, err)
	}
	if err := writer.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("closing parquet writer for %s: %w", tmpPath, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s into place at %s: %w", tmpPath, path, err)
	}
	return nil
}

// ReadAll loads every row of the Parquet file at path. Absence of the file
// is reported via os.IsNotExist on the returned error, so callers can treat
// a not-yet-created table (fresh manifest) as an empty table.
func ReadAll[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := pq.NewGenericReader[T](f)
	defer reader.Close()

	numRows := int(reader.NumRows())
	if numRows == 0 {
		return nil, nil
	}
	rows := make([]T, numRows)
	total := 0
	for {
		n, err := reader.Read(rows[total:])
		total += n
		if err != nil {
			break
		}
		if total >= len(rows) {
			break
		}
	}
	return rows[:total], nil
}
