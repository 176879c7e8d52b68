package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sells-group/sis-migrate/internal/clean"
	"github.com/sells-group/sis-migrate/internal/staging"
	"github.com/sells-group/sis-migrate/internal/validate"
)

// Bookkeeping columns of the validated slot.
const (
	ValidColumn   = "_is_valid"
	QualityColumn = "_quality"
	ReviewColumn  = "_needs_review"
	ErrorsColumn  = "_errors"
)

// validateStage runs the table's validator over the cleaned slot and writes
// the validated slot with per-row verdicts.
func (o *Orchestrator) validateStage(ctx context.Context, st *staging.Store, prev *CleanOutput) (*ValidateOutput, error) {
	if prev == nil {
		if err := o.requireSlot(ctx, st, o.table.CleanedTable); err != nil {
			return nil, err
		}
	}

	targets := o.table.TargetColumns()
	outCols := append(append([]string{}, targets...), ValidColumn, QualityColumn, ReviewColumn, ErrorsColumn)
	if err := st.ResetTable(ctx, o.table.ValidatedTable, outCols); err != nil {
		return nil, err
	}

	var tally validate.Tally
	err := o.eachPage(ctx, st, o.table.CleanedTable, targets, func(page []staging.Row) error {
		out := make([]staging.Row, 0, len(page))
		for _, r := range page {
			rec, typeErrs := o.record(r)
			errs := append(typeErrs, o.validator.Validate(rec)...)
			score := o.validator.QualityScore(rec)
			tally.Add(errs, score)

			fields := make(map[string]*string, len(outCols))
			for _, c := range targets {
				fields[c] = r.Get(c)
			}
			fields[ValidColumn] = ptr(strconv.FormatBool(len(errs) == 0))
			fields[QualityColumn] = ptr(fmt.Sprintf("%.4f", score))
			fields[ReviewColumn] = ptr(strconv.FormatBool(validate.NeedsReview(score)))
			if len(errs) > 0 {
				fields[ErrorsColumn] = ptr(validate.JoinErrors(errs))
			}
			out = append(out, staging.Row{ID: r.ID, Fields: fields})
		}
		return st.InsertRows(ctx, o.table.ValidatedTable, outCols, out)
	})
	if err != nil {
		return nil, err
	}

	missed := tally.Evaluate(o.table.Thresholds)
	return &ValidateOutput{
		ValidatedTable:   o.table.ValidatedTable,
		Tally:            tally,
		ThresholdsMissed: missed,
		MeetsThresholds:  len(missed) == 0,
	}, nil
}

// record rebuilds typed values from a cleaned row. Text that no longer
// parses as its column type is reported as a type error.
func (o *Orchestrator) record(r staging.Row) (validate.Record, []validate.FieldError) {
	rec := make(validate.Record, len(o.table.Columns))
	var errs []validate.FieldError
	for _, col := range o.table.Columns {
		v, err := clean.FromCanonical(r.Get(col.Target), col.DataType)
		if err != nil {
			errs = append(errs, validate.FieldError{
				Field:   col.Target,
				Kind:    validate.KindType,
				Message: err.Error(),
			})
		}
		rec[col.Target] = v
	}
	return rec, errs
}
