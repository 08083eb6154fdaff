// Package stage serializes flushed batches into compressed delimited files
// under a per-segment staging directory, ready for upload.
package stage

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"lakefeed/internal/collector"
	"lakefeed/internal/domain"
	"lakefeed/internal/warehouse"
)

// Bounds of an eight-byte NUMERIC(19,8) warehouse column. Out-of-range
// values clamp here instead of failing the load.
var (
	numericMax = decimal.New(math.MaxInt64, -warehouse.NumericScale)
	numericMin = decimal.New(math.MaxInt64, -warehouse.NumericScale).Neg()
)

// Writer turns batches into gzipped CSV files. File names follow
// <table>_inserts.csv.gz, <table>_<n>_updates.csv.gz and
// <table>_deletes.csv.gz inside a directory named after the segment.
// A name already claimed within the segment (a table flushed twice, once
// by schema drift and once by rotation) gets a numeric suffix so an
// in-flight upload of the earlier file is never overwritten.
type Writer struct {
	logger  *slog.Logger
	dir     string
	segment uint64
	used    map[string]int
}

// NewWriter creates a Writer rooted at dir.
func NewWriter(logger *slog.Logger, dir string) *Writer {
	return &Writer{
		logger: logger.With("component", "stage"),
		dir:    dir,
		used:   make(map[string]int),
	}
}

// WriteBatch serializes one batch and returns the staged file descriptor.
// Errors are not retried: a staging disk failure means crashing and
// replaying the segment.
func (w *Writer) WriteBatch(batch collector.Batch) (*domain.StagedFile, error) {
	if batch.Segment != w.segment {
		w.segment = batch.Segment
		w.used = make(map[string]int)
	}

	segDir := filepath.Join(w.dir, domain.SegmentHex(batch.Segment))
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	name := w.claimName(batch)
	path := filepath.Join(segDir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating staged file %s: %w", name, err)
	}
	gz := gzip.NewWriter(f)
	cw := csv.NewWriter(gz)

	header := make([]string, len(batch.Columns))
	for i, info := range batch.Columns {
		header[i] = info.Name
	}
	if err := cw.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing header of %s: %w", name, err)
	}

	record := make([]string, len(batch.Columns))
	for _, row := range batch.Rows {
		for i, info := range batch.Columns {
			record[i], err = renderValue(batch.Table, row, info)
			if err != nil {
				f.Close()
				return nil, err
			}
		}
		if err := cw.Write(record); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing row of %s: %w", name, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flushing %s: %w", name, err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return nil, fmt.Errorf("closing gzip stream of %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing %s: %w", name, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}

	staged := &domain.StagedFile{
		Table:   batch.Table,
		Op:      batch.Op,
		Path:    path,
		Name:    name,
		Columns: batch.Columns,
		Rows:    len(batch.Rows),
		Bytes:   info.Size(),
		Segment: batch.Segment,
	}
	w.logger.Debug("staged batch",
		"file", name, "table", batch.Table, "op", batch.Op.String(),
		"rows", staged.Rows, "bytes", staged.Bytes)
	return staged, nil
}

func (w *Writer) claimName(batch collector.Batch) string {
	var name string
	switch batch.Op {
	case domain.OpInsert:
		name = batch.Table + "_inserts.csv.gz"
	case domain.OpUpdate:
		name = fmt.Sprintf("%s_%d_updates.csv.gz", batch.Table, batch.Ordinal)
	default:
		name = batch.Table + "_deletes.csv.gz"
	}
	n := w.used[name]
	w.used[name] = n + 1
	if n > 0 {
		stem := name[:len(name)-len(".csv.gz")]
		name = fmt.Sprintf("%s_%d.csv.gz", stem, n+1)
	}
	return name
}

// renderValue produces the delimited-file text for one column of one row.
// Nulls become empty unquoted fields, which the loader reads back as NULL;
// a value of exactly one NUL byte is written the same way.
func renderValue(table string, row *domain.Change, info domain.ColumnInfo) (string, error) {
	col, ok := row.Column(info.Name)
	if !ok {
		return "", domain.ErrLogic("table %s: staged column %s missing from row", table, info.Name)
	}
	switch col.Value.Kind {
	case domain.ValueNull:
		return "", nil
	case domain.ValueUnchanged:
		return "", domain.ErrLogic("table %s: toast-unchanged column %s reached staging", table, info.Name)
	}

	text := col.Value.Text
	if text == "\x00" {
		return "", nil
	}
	target := warehouse.TypeFor(info.SourceType)
	if target.Numeric {
		return renderNumeric(table, info.Name, text)
	}
	if target.ByteLen > 0 {
		return truncateBytes(text, target.ByteLen), nil
	}
	return text, nil
}

// renderNumeric renders a decimal literal at the warehouse scale,
// saturating to the representable range.
func renderNumeric(table, column, text string) (string, error) {
	d, err := decimal.NewFromString(text)
	if err != nil {
		return "", domain.ErrData("table %s: column %s: bad numeric literal %q", table, column, text)
	}
	d = d.Round(warehouse.NumericScale)
	if d.GreaterThan(numericMax) {
		d = numericMax
	} else if d.LessThan(numericMin) {
		d = numericMin
	}
	return d.StringFixed(warehouse.NumericScale), nil
}

// truncateBytes cuts s to at most limit bytes, backing off to the previous
// rune boundary so the result stays valid UTF-8.
func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
