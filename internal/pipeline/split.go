package pipeline

import (
	"context"
	"strconv"
	"strings"

	"github.com/sells-group/sis-migrate/internal/staging"
)

// Columns added by the split stage.
const (
	SourceRowColumn  = "source_row_id"
	SplitIndexColumn = "split_index"
)

// splitStage fans each target row out into one row per delimited part of
// the split column. A null or empty split value keeps the row once.
func (o *Orchestrator) splitStage(ctx context.Context, st *staging.Store, prev *TransformOutput) (*SplitOutput, error) {
	if prev == nil {
		if err := o.requireSlot(ctx, st, o.table.TargetModel); err != nil {
			return nil, err
		}
	}

	targets := o.table.TargetColumns()
	outCols := append([]string{SourceRowColumn, SplitIndexColumn}, targets...)
	splitTable := o.table.SplitTable()
	if err := st.ResetTable(ctx, splitTable, outCols); err != nil {
		return nil, err
	}

	out := &SplitOutput{SplitTable: splitTable}
	var nextID int64
	err := o.eachPage(ctx, st, o.table.TargetModel, targets, func(page []staging.Row) error {
		batch := make([]staging.Row, 0, len(page))
		for _, r := range page {
			out.InputRows++
			for i, part := range SplitValue(r.Get(o.table.Split.Column), o.table.Split.Delimiter) {
				fields := make(map[string]*string, len(outCols))
				for _, c := range targets {
					fields[c] = r.Get(c)
				}
				fields[o.table.Split.Column] = part
				fields[SourceRowColumn] = ptr(strconv.FormatInt(r.ID, 10))
				fields[SplitIndexColumn] = ptr(strconv.Itoa(i))
				nextID++
				batch = append(batch, staging.Row{ID: nextID, Fields: fields})
			}
		}
		out.OutputRows += len(batch)
		return st.InsertRows(ctx, splitTable, outCols, batch)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SplitValue splits v on delim, trimming parts and dropping empty ones. A
// value with no non-empty part yields a single nil.
func SplitValue(v *string, delim string) []*string {
	if v == nil {
		return []*string{nil}
	}
	var parts []*string
	for _, p := range strings.Split(*v, delim) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, ptr(p))
		}
	}
	if len(parts) == 0 {
		return []*string{nil}
	}
	return parts
}
