package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sis-migrate/internal/clean"
	"github.com/sells-group/sis-migrate/internal/staging"
)

// transformStage copies valid rows into the target model table, applying
// column transforms and then code maps.
func (o *Orchestrator) transformStage(ctx context.Context, st *staging.Store, prev *ValidateOutput) (*TransformOutput, error) {
	if prev == nil {
		if err := o.requireSlot(ctx, st, o.table.ValidatedTable); err != nil {
			return nil, err
		}
	}

	targets := o.table.TargetColumns()
	if err := st.ResetTable(ctx, o.table.TargetModel, targets); err != nil {
		return nil, err
	}
	engine := clean.NewEngine(o.rules)
	out := &TransformOutput{TargetTable: o.table.TargetModel}

	readCols := append(append([]string{}, targets...), ValidColumn)
	err := o.eachPage(ctx, st, o.table.ValidatedTable, readCols, func(page []staging.Row) error {
		batch := make([]staging.Row, 0, len(page))
		for _, r := range page {
			if v := r.Get(ValidColumn); v == nil || *v != "true" {
				out.Skipped++
				continue
			}
			fields := make(map[string]*string, len(targets))
			for _, col := range o.table.Columns {
				val := r.Get(col.Target)
				if rules := o.table.Transforms[col.Target]; len(rules) > 0 && val != nil {
					typed, err := clean.FromCanonical(val, col.DataType)
					if err != nil {
						return eris.Wrapf(err, "pipeline: transform %s.%s row %d", o.table.Name, col.Target, r.ID)
					}
					c := &clean.Context{
						Table:    o.table.Name,
						Column:   col.Target,
						DataType: col.DataType,
						RowID:    r.ID,
						Options:  o.table.Cleaning,
					}
					typed, err = engine.CleanValue(typed, rules, c)
					if err != nil {
						return eris.Wrapf(err, "pipeline: transform %s.%s", o.table.Name, col.Target)
					}
					val = typed.Canonical()
				}
				if mapped, ok := mapCode(o.table.CodeMaps[col.Target], val); ok {
					val = &mapped
					out.CodeMapped++
				}
				fields[col.Target] = val
			}
			batch = append(batch, staging.Row{ID: r.ID, Fields: fields})
			out.Rows++
		}
		return st.InsertRows(ctx, o.table.TargetModel, targets, batch)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// mapCode looks v up exactly, then case-insensitively.
func mapCode(codes map[string]string, v *string) (string, bool) {
	if len(codes) == 0 || v == nil {
		return "", false
	}
	if m, ok := codes[*v]; ok {
		return m, true
	}
	for k, m := range codes {
		if strings.EqualFold(k, *v) {
			return m, true
		}
	}
	return "", false
}
