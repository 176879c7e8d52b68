package source

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions tunes the CSV reader. Zero values read a plain comma
// separated file.
type CSVOptions struct {
	Delimiter  rune
	Comment    rune
	LazyQuotes bool
	TrimSpace  bool
}

func (o CSVOptions) reader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	if o.Delimiter != 0 {
		cr.Comma = o.Delimiter
	}
	cr.Comment = o.Comment
	cr.LazyQuotes = o.LazyQuotes
	// Legacy exports drop trailing empty cells.
	cr.FieldsPerRecord = -1
	return cr
}

// StreamCSV reads the header row before returning, then streams the data
// rows from a goroutine.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (*Stream, error) {
	cr := opts.reader(r)

	header, err := cr.Read()
	switch {
	case eris.Is(err, io.EOF):
		return nil, eris.New("csv: header row required, file is empty")
	case err != nil:
		return nil, eris.Wrap(err, "csv: read header")
	}

	next := func() ([]string, error) {
		rec, err := cr.Read()
		if err != nil {
			if eris.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, eris.Wrap(err, "csv: read row")
		}
		if opts.TrimSpace {
			for i := range rec {
				rec[i] = strings.TrimSpace(rec[i])
			}
		}
		return rec, nil
	}
	return pump(ctx, "csv", header, next), nil
}
