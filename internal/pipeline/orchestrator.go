package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sis-migrate/internal/clean"
	"github.com/sells-group/sis-migrate/internal/source"
	"github.com/sells-group/sis-migrate/internal/staging"
	"github.com/sells-group/sis-migrate/internal/tablecfg"
	"github.com/sells-group/sis-migrate/internal/validate"
)

// ErrQualityThresholds stops a run after stage 4 when the table misses its
// quality thresholds and the gate is enforced.
var ErrQualityThresholds = eris.New("quality thresholds not met")

// Options configures an Orchestrator. Zero values select the defaults.
type Options struct {
	// EnforceQualityGate stops before stage 5 when stage 4 misses the
	// table's thresholds.
	EnforceQualityGate bool
	Source             source.Options
	Rules              *clean.Registry
	Validators         *validate.Registry
}

// Orchestrator runs the six stages for one table.
type Orchestrator struct {
	table     *tablecfg.TableConfig
	store     *staging.Store
	rules     *clean.Registry
	validator validate.Validator
	opts      Options
	log       *zap.Logger

	// set by MultiTableCleaner for detail tables
	cached *cachedFields
}

// New validates the table configuration and returns an orchestrator for it.
// Configuration errors are fatal.
func New(table *tablecfg.TableConfig, st *staging.Store, opts Options) (*Orchestrator, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if opts.Rules == nil {
		opts.Rules = clean.DefaultRegistry()
	}
	if opts.Validators == nil {
		opts.Validators = validate.DefaultRegistry()
	}
	if err := opts.Rules.CheckTable(table); err != nil {
		return nil, eris.Wrap(tablecfg.ErrInvalidConfig, err.Error())
	}
	v, err := opts.Validators.ForTable(table)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		table:     table,
		store:     st,
		rules:     opts.Rules,
		validator: v,
		opts:      opts,
		log:       zap.L().With(zap.String("component", "pipeline"), zap.String("table", table.Name)),
	}, nil
}

// Table returns the table configuration.
func (o *Orchestrator) Table() *tablecfg.TableConfig { return o.table }

// Execute runs stages start through end. Stage 1 imports sourcePath; later
// stages read their input from the slots persisted by earlier runs. With
// dryRun the whole run shares one transaction that is rolled back at the
// end. On failure the result records the last completed stage and the error
// is returned as well.
func (o *Orchestrator) Execute(ctx context.Context, sourcePath string, start, end Stage, dryRun bool) (*Result, error) {
	res := &Result{Table: o.table.Name, StartStage: start, EndStage: end, DryRun: dryRun}
	began := time.Now()
	defer func() { res.Duration = time.Since(began) }()

	if !start.Valid() || !end.Valid() || start > end {
		err := eris.Errorf("pipeline: invalid stage range %d..%d", start, end)
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}
	if start == StageImport {
		if _, err := os.Stat(sourcePath); err != nil {
			err = eris.Wrapf(err, "pipeline: source file %q", sourcePath)
			res.Errors = append(res.Errors, err.Error())
			return res, err
		}
	}

	o.log.Info("pipeline: starting",
		zap.Stringer("start", start), zap.Stringer("end", end), zap.Bool("dry_run", dryRun))

	run := func(st *staging.Store) error { return o.run(ctx, st, sourcePath, start, end, res) }
	var err error
	if dryRun {
		err = o.store.Transact(ctx, false, run)
	} else {
		err = run(o.store)
	}

	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		o.log.Error("pipeline: failed",
			zap.Int("stage_completed", res.StageCompleted), zap.Error(err))
		return res, err
	}
	res.Success = true
	o.log.Info("pipeline: complete",
		zap.Int("stage_completed", res.StageCompleted),
		zap.Int("total", res.TotalRecords),
		zap.Int("valid", res.ValidRecords),
		zap.Duration("elapsed", time.Since(began)))
	return res, nil
}

// Resume reruns stages from stage through 6 using persisted slots only.
func (o *Orchestrator) Resume(ctx context.Context, stage Stage, dryRun bool) (*Result, error) {
	if stage <= StageImport || !stage.Valid() {
		return nil, eris.Errorf("pipeline: cannot resume from stage %d", stage)
	}
	if err := o.requireSlot(ctx, o.store, o.predecessorSlot(stage)); err != nil {
		return nil, err
	}
	return o.Execute(ctx, "", stage, StageSplit, dryRun)
}

func (o *Orchestrator) predecessorSlot(s Stage) string {
	switch s {
	case StageProfile, StageClean:
		return o.table.RawTable
	case StageValidate:
		return o.table.CleanedTable
	case StageTransform:
		return o.table.ValidatedTable
	default:
		return o.table.TargetModel
	}
}

func (o *Orchestrator) requireSlot(ctx context.Context, st *staging.Store, table string) error {
	ok, err := st.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Errorf("pipeline: table %s has no persisted slot %s; run the earlier stages first", o.table.Name, table)
	}
	return nil
}

// track runs one stage and appends its StageResult.
func (o *Orchestrator) track(res *Result, s Stage, fn func() (map[string]any, error)) error {
	began := time.Now()
	meta, err := fn()
	sr := StageResult{
		Stage:    s,
		Name:     s.String(),
		Duration: time.Since(began).Milliseconds(),
		Metadata: meta,
	}
	if err != nil {
		sr.Status = StageFailed
		sr.Error = err.Error()
		res.Stages = append(res.Stages, sr)
		o.log.Error("pipeline: stage failed",
			zap.Stringer("stage", s), zap.Int64("elapsed_ms", sr.Duration), zap.Error(err))
		return eris.Wrapf(err, "pipeline: %s", s)
	}
	sr.Status = StageComplete
	res.Stages = append(res.Stages, sr)
	res.StageCompleted = int(s)
	o.log.Info("pipeline: stage complete",
		zap.Stringer("stage", s), zap.Int64("elapsed_ms", sr.Duration))
	return nil
}

func (o *Orchestrator) run(ctx context.Context, st *staging.Store, sourcePath string, start, end Stage, res *Result) error {
	out := &res.Outputs
	for s := start; s <= end; s++ {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "pipeline: cancelled")
		}

		var err error
		switch s {
		case StageImport:
			err = o.track(res, s, func() (map[string]any, error) {
				imp, err := o.importStage(ctx, st, sourcePath)
				if err != nil {
					return nil, err
				}
				out.Import = imp
				res.TotalRecords = imp.Rows
				return map[string]any{"rows": imp.Rows, "missing_columns": imp.MissingColumns}, nil
			})
		case StageProfile:
			err = o.track(res, s, func() (map[string]any, error) {
				prof, err := o.profileStage(ctx, st, out.Import)
				if err != nil {
					return nil, err
				}
				out.Profile = prof
				res.TotalRecords = prof.Rows
				return map[string]any{"rows": prof.Rows, "columns": len(prof.Columns)}, nil
			})
		case StageClean:
			err = o.track(res, s, func() (map[string]any, error) {
				cl, err := o.cleanStage(ctx, st, out.Profile)
				if err != nil {
					return nil, err
				}
				out.Clean = cl
				res.TotalRecords = cl.Rows
				return map[string]any{"rows": cl.Rows, "issues": cl.Issues}, nil
			})
		case StageValidate:
			err = o.track(res, s, func() (map[string]any, error) {
				val, err := o.validateStage(ctx, st, out.Clean)
				if err != nil {
					return nil, err
				}
				out.Validate = val
				res.TotalRecords = val.Tally.Total
				res.ValidRecords = val.Tally.Valid
				res.InvalidRecords = val.Tally.Invalid
				return map[string]any{
					"valid":            val.Tally.Valid,
					"invalid":          val.Tally.Invalid,
					"pass_rate":        val.Tally.PassRate(),
					"meets_thresholds": val.MeetsThresholds,
				}, nil
			})
			if err == nil && o.opts.EnforceQualityGate && !out.Validate.MeetsThresholds && end > StageValidate {
				err = eris.Wrapf(ErrQualityThresholds, "pipeline: %s missed %v", o.table.Name, out.Validate.ThresholdsMissed)
			}
		case StageTransform:
			err = o.track(res, s, func() (map[string]any, error) {
				tr, err := o.transformStage(ctx, st, out.Validate)
				if err != nil {
					return nil, err
				}
				out.Transform = tr
				if out.Validate == nil {
					res.ValidRecords = tr.Rows
					res.InvalidRecords = tr.Skipped
					res.TotalRecords = tr.Rows + tr.Skipped
				}
				return map[string]any{"rows": tr.Rows, "skipped_invalid": tr.Skipped, "code_mapped": tr.CodeMapped}, nil
			})
		case StageSplit:
			if !o.table.SupportsRecordSplitting {
				res.Stages = append(res.Stages, StageResult{Stage: s, Name: s.String(), Status: StageSkipped})
				res.StageCompleted = int(s)
				o.log.Info("pipeline: stage skipped, table does not split records", zap.Stringer("stage", s))
				continue
			}
			err = o.track(res, s, func() (map[string]any, error) {
				sp, err := o.splitStage(ctx, st, out.Transform)
				if err != nil {
					return nil, err
				}
				out.Split = sp
				return map[string]any{"input_rows": sp.InputRows, "output_rows": sp.OutputRows}, nil
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// eachPage reads table in row_id order, ChunkSize rows at a time.
func (o *Orchestrator) eachPage(ctx context.Context, st *staging.Store, table string, cols []string, fn func([]staging.Row) error) error {
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "pipeline: cancelled")
		}
		rows, err := st.ReadRows(ctx, table, cols, after, o.table.ChunkSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := fn(rows); err != nil {
			return err
		}
		after = rows[len(rows)-1].ID
	}
}

func ptr(s string) *string { return &s }
