// Package source streams rows out of legacy table exports (CSV and XLSX).
// Every value is delivered as text.
package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Stream is an open export. Rows and Errs are closed once the export is
// exhausted, fails or the context is cancelled.
type Stream struct {
	Header []string
	Rows   <-chan []string
	Errs   <-chan error

	close func() error
}

// Close releases the underlying file.
func (s *Stream) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Options configures Open.
type Options struct {
	CSV  CSVOptions
	XLSX XLSXOptions
}

// Open streams path, choosing the reader by file extension.
func Open(ctx context.Context, path string, opts Options) (*Stream, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return StreamXLSX(ctx, path, opts.XLSX)
	case ".csv", ".txt", ".tsv", "":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "source: open %s", path)
		}
		s, err := StreamCSV(ctx, f, opts.CSV)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		s.close = f.Close
		return s, nil
	default:
		return nil, eris.Errorf("source: unsupported file type %q", filepath.Ext(path))
	}
}

// Collect drains a stream. It is meant for small inputs and tests.
func Collect(s *Stream) ([][]string, error) {
	var rows [][]string
	for row := range s.Rows {
		rows = append(rows, row)
	}
	for err := range s.Errs {
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

// pump feeds rows from next into a Stream until next returns io.EOF, an
// error, or ctx is done.
func pump(ctx context.Context, format string, header []string, next func() ([]string, error)) *Stream {
	rows := make(chan []string, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(rows)

		cancelled := func() { errs <- eris.Wrapf(ctx.Err(), "%s: context cancelled", format) }
		for ctx.Err() == nil {
			row, err := next()
			if err == io.EOF {
				return
			}
			if err != nil {
				errs <- err
				return
			}
			select {
			case rows <- row:
			case <-ctx.Done():
				cancelled()
				return
			}
		}
		cancelled()
	}()

	return &Stream{Header: cleanHeader(header), Rows: rows, Errs: errs}
}

// cleanHeader trims names and drops a UTF-8 byte order mark.
func cleanHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		out[i] = strings.TrimSpace(h)
	}
	return out
}
