// Package sink persists verification results as parquet.
package sink

import (
	"fmt"
	"io"
	"os"

	"github.com/23skdu/bpmstage/internal/metrics"
	"github.com/23skdu/bpmstage/internal/search"
	"github.com/parquet-go/parquet-go"
)

// ResultRecord is one verified candidate.
type ResultRecord struct {
	ReadID    uint64 `parquet:"read_id"`
	Read      string `parquet:"read"`
	Candidate int32  `parquet:"candidate"`
	Contig    string `parquet:"contig"`
	Position  uint64 `parquet:"position"`
	Size      uint32 `parquet:"size"`
	Column    uint32 `parquet:"column"`
	Score     uint32 `parquet:"score"`
	Valid     bool   `parquet:"valid"`
}

// Locator maps a reference position to a contig name and offset.
type Locator interface {
	Locate(pos uint64) (string, uint64, bool)
}

// Writer buffers result rows into a zstd-compressed parquet stream.
// It is not safe for concurrent use.
type Writer struct {
	pw      *parquet.GenericWriter[ResultRecord]
	loc     Locator
	closer  io.Closer
	file    *os.File
	rows    []ResultRecord
	written int64
}

// NewWriter writes to w. loc may be nil, leaving positions global.
func NewWriter(w io.Writer, loc Locator) *Writer {
	return &Writer{
		pw:  parquet.NewGenericWriter[ResultRecord](w, parquet.Compression(&parquet.Zstd)),
		loc: loc,
	}
}

// Create opens path for writing and returns a Writer that owns the file.
func Create(path string, loc Locator) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := NewWriter(f, loc)
	w.closer = f
	w.file = f
	return w, nil
}

// Write appends one row per candidate of s.
func (w *Writer) Write(s *search.Search) error {
	w.rows = w.rows[:0]
	for i, r := range s.Results {
		rec := ResultRecord{
			ReadID:    s.ID,
			Read:      s.Name,
			Candidate: int32(i),
			Position:  r.Position,
			Size:      r.Size,
			Column:    r.Column,
			Score:     r.Score,
			Valid:     r.Valid,
		}
		if w.loc != nil {
			if name, off, ok := w.loc.Locate(r.Position); ok {
				rec.Contig, rec.Position = name, off
			}
		}
		w.rows = append(w.rows, rec)
	}
	if len(w.rows) == 0 {
		return nil
	}
	n, err := w.pw.Write(w.rows)
	w.written += int64(n)
	metrics.ResultRowsWrittenTotal.Add(float64(n))
	if err != nil {
		return fmt.Errorf("write results of read %d: %w", s.ID, err)
	}
	return nil
}

// Rows returns the number of rows written so far.
func (w *Writer) Rows() int64 { return w.written }

// Close flushes the footer and closes the underlying file, if owned.
func (w *Writer) Close() error {
	err := w.pw.Close()
	if w.file != nil {
		if stat, serr := w.file.Stat(); serr == nil {
			metrics.ResultFileSizeBytes.Observe(float64(stat.Size()))
		}
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
