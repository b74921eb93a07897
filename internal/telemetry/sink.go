package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/tuberig/internal/kinematics"
	"github.com/banshee-data/tuberig/internal/security"
)

// Header is the first line of every sink.
var Header = []string{"timestamp", "position", "velocity", "contact"}

// Row is one line of a sink.
type Row struct {
	Timestamp float64
	Position  float64
	Velocity  float64
	Contact   bool
}

// RowFromSample keeps the recorded columns of s.
func RowFromSample(s kinematics.Sample) Row {
	return Row{Timestamp: s.Timestamp, Position: s.PositionCm, Velocity: s.VelocityCmS, Contact: s.Contact}
}

func (r Row) record() []string {
	contact := "0"
	if r.Contact {
		contact = "1"
	}
	return []string{
		strconv.FormatFloat(r.Timestamp, 'g', -1, 64),
		strconv.FormatFloat(r.Position, 'g', -1, 64),
		strconv.FormatFloat(r.Velocity, 'g', -1, 64),
		contact,
	}
}

// Sink is an append-only destination for rows.
type Sink interface {
	Write(Row) error
	Flush() error
	Close() error
	Path() string
}

// SinkOpener opens the sink for a Reset destination.
type SinkOpener func(destination string) (Sink, error)

// CSVSink writes rows to a CSV file. The header is written on open.
type CSVSink struct {
	path string
	f    *os.File
	w    *csv.Writer
	rows int
}

const flushEvery = 50

// CreateCSVSink creates path, failing if it exists, and writes the header.
func CreateCSVSink(path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create sink: %w", err)
	}
	s := &CSVSink{path: path, f: f, w: csv.NewWriter(f)}
	if err := s.w.Write(Header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write sink header: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("write sink header: %w", err)
	}
	return s, nil
}

// Write appends one row, flushing every few rows.
func (s *CSVSink) Write(r Row) error {
	if err := s.w.Write(r.record()); err != nil {
		return err
	}
	s.rows++
	if s.rows%flushEvery == 0 {
		return s.Flush()
	}
	return nil
}

// Flush pushes buffered rows to the file.
func (s *CSVSink) Flush() error {
	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the file.
func (s *CSVSink) Close() error {
	flushErr := s.Flush()
	closeErr := s.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Path returns the file path.
func (s *CSVSink) Path() string { return s.path }

// Rows returns how many rows were written after the header.
func (s *CSVSink) Rows() int { return s.rows }

// DirOpener opens CSV sinks inside dir. Destinations are reduced to a safe
// file name; an existing file gets a numeric suffix instead of being
// overwritten.
func DirOpener(dir string) SinkOpener {
	return func(destination string) (Sink, error) {
		if destination == "" {
			destination = "telemetry"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sink dir: %w", err)
		}
		path, err := security.ResolveSinkPath(dir, destination, ".csv")
		if err != nil {
			return nil, err
		}
		base := strings.TrimSuffix(path, ".csv")
		for i := 1; ; i++ {
			s, err := CreateCSVSink(path)
			if err == nil {
				return s, nil
			}
			if !errors.Is(err, os.ErrExist) || i > 999 {
				return nil, err
			}
			path = fmt.Sprintf("%s-%d.csv", base, i)
		}
	}
}

// ErrBadHeader is returned by ReadSink for input that is not a sink.
var ErrBadHeader = errors.New("not a telemetry sink")

// ReadSink parses a sink back into rows.
func ReadSink(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	head, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrBadHeader
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, h := range Header {
		if head[i] != h {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", ErrBadHeader, i, head[i], h)
		}
	}
	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, fmt.Errorf("line %d: %w", line, err)
		}
		row, err := parseRow(rec)
		if err != nil {
			return rows, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}

func parseRow(rec []string) (Row, error) {
	var row Row
	var err error
	if row.Timestamp, err = strconv.ParseFloat(rec[0], 64); err != nil {
		return row, err
	}
	if row.Position, err = strconv.ParseFloat(rec[1], 64); err != nil {
		return row, err
	}
	if row.Velocity, err = strconv.ParseFloat(rec[2], 64); err != nil {
		return row, err
	}
	if row.Contact, err = strconv.ParseBool(rec[3]); err != nil {
		return row, err
	}
	return row, nil
}

// ReadSinkFile opens and parses a sink file.
func ReadSinkFile(path string) ([]Row, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSink(f)
}
