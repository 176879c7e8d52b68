package source

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions picks the worksheet. SheetName wins over SheetIndex.
type XLSXOptions struct {
	SheetIndex int
	SheetName  string
}

// StreamXLSX streams one worksheet whose first row is the header. The
// workbook is loaded fully before streaming starts.
func StreamXLSX(ctx context.Context, path string, opts XLSXOptions) (*Stream, error) {
	wb, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "xlsx: open %s", path)
	}
	sheet, err := opts.pick(wb)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, eris.Errorf("xlsx: header row required, sheet %q is empty", sheet.Name)
	}

	rest := sheet.Rows[1:]
	next := func() ([]string, error) {
		if len(rest) == 0 {
			return nil, io.EOF
		}
		row := rest[0]
		rest = rest[1:]
		return cellText(row), nil
	}
	return pump(ctx, "xlsx", cellText(sheet.Rows[0]), next), nil
}

func (o XLSXOptions) pick(wb *xlsx.File) (*xlsx.Sheet, error) {
	if o.SheetName != "" {
		if s, ok := wb.Sheet[o.SheetName]; ok {
			return s, nil
		}
		return nil, eris.Errorf("xlsx: no sheet named %q", o.SheetName)
	}
	if o.SheetIndex < 0 || o.SheetIndex >= len(wb.Sheets) {
		return nil, eris.Errorf("xlsx: sheet %d requested, workbook has %d", o.SheetIndex, len(wb.Sheets))
	}
	return wb.Sheets[o.SheetIndex], nil
}

func cellText(row *xlsx.Row) []string {
	out := make([]string, 0, len(row.Cells))
	for _, c := range row.Cells {
		out = append(out, c.String())
	}
	return out
}
