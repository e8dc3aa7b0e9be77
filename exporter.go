package gofusion

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Exporter defines an export interface.
type Exporter interface {
	Write(Snapshot) error
	Close() error
}

// CSVExporter streams snapshots as CSV lines: the time, the status and, for each
// state element, its value and its ±2σ bounds.
type CSVExporter struct {
	delimiter string
	axes      int
	w         io.Writer
}

// NewCSVExporter writes the CSV header for the provided number of axes to w.
// Closing the exporter closes w if it is an io.Closer.
func NewCSVExporter(w io.Writer, axes int) (*CSVExporter, error) {
	if axes < 1 || axes > 3 {
		return nil, errors.Wrapf(ErrInvalidInput, "axes must be within [1, 3], got %d", axes)
	}
	e := &CSVExporter{",", axes, w}
	hdr := []string{"time", "status"}
	for ax := 0; ax < axes; ax++ {
		for _, name := range []string{"position", "velocity", "acceleration"} {
			col := fmt.Sprintf("%s%d", name, ax)
			hdr = append(hdr, col, col+"+2s", col+"-2s")
		}
	}
	if err := e.WriteRawLn(fmt.Sprintf("# Creation date (UTC): %s\n%s", time.Now().UTC(), strings.Join(hdr, e.delimiter))); err != nil {
		return nil, err
	}
	return e, nil
}

// NewCSVFileExporter creates the file dir/filename and exports to it.
func NewCSVFileExporter(dir, filename string, axes int) (*CSVExporter, error) {
	f, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return nil, errors.Wrap(err, "csv export")
	}
	e, err := NewCSVExporter(f, axes)
	if err != nil {
		f.Close()
		return nil, err
	}
	return e, nil
}

// Write writes the snapshot as one CSV line.
func (e *CSVExporter) Write(s Snapshot) error {
	if s.Status == Uninitialized {
		return nil
	}
	x := s.State()
	if x.Len() != e.axes*axisDim {
		return errors.Wrapf(ErrInvalidInput, "snapshot has %d axes, expected %d", x.Len()/axisDim, e.axes)
	}
	vals := make([]string, 2, 2+x.Len()*3)
	vals[0] = s.Time.UTC().Format(time.RFC3339Nano)
	vals[1] = s.Status.String()
	for i := 0; i < x.Len(); i++ {
		bound := 2 * math.Sqrt(s.Covariance.At(i, i))
		vals = append(vals, fmt.Sprintf("%f", x.AtVec(i)), fmt.Sprintf("%f", bound), fmt.Sprintf("%f", -bound))
	}
	return e.WriteRawLn(strings.Join(vals, e.delimiter))
}

// WriteRawLn writes a raw line.
func (e *CSVExporter) WriteRawLn(s string) error {
	_, err := io.WriteString(e.w, s+"\n")
	return err
}

// Close writes the closing date and closes the underlying writer if possible.
func (e *CSVExporter) Close() error {
	if err := e.WriteRawLn(fmt.Sprintf("# Closing date (UTC): %s", time.Now().UTC())); err != nil {
		return err
	}
	if c, ok := e.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
