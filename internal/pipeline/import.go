package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/sis-migrate/internal/source"
	"github.com/sells-group/sis-migrate/internal/staging"
)

// importStage streams the source file into the raw slot. Header names match
// configured source columns case-insensitively; configured columns absent
// from the file are stored as NULL.
func (o *Orchestrator) importStage(ctx context.Context, st *staging.Store, path string) (*ImportOutput, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := source.Open(ctx, path, o.opts.Source)
	if err != nil {
		return nil, err
	}
	defer stream.Close() //nolint:errcheck

	cols := o.table.SourceColumns()
	positions, missing, extra := matchHeader(stream.Header, cols)
	if len(missing) == len(cols) {
		return nil, eris.Errorf("pipeline: %s: none of the configured columns found in header %v", path, stream.Header)
	}
	if len(missing) > 0 {
		o.log.Warn("pipeline: source is missing configured columns", zap.Strings("missing", missing))
	}

	if err := st.ResetTable(ctx, o.table.RawTable, cols); err != nil {
		return nil, err
	}

	batches := make(chan []staging.Row, 2)
	total := 0
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		var id int64
		batch := make([]staging.Row, 0, o.table.ChunkSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
			batch = make([]staging.Row, 0, o.table.ChunkSize)
			return nil
		}
		rows, errs := stream.Rows, stream.Errs
		for rows != nil || errs != nil {
			select {
			case rec, ok := <-rows:
				if !ok {
					rows = nil
					continue
				}
				id++
				batch = append(batch, toRow(id, rec, cols, positions))
				if len(batch) >= o.table.ChunkSize {
					if err := flush(); err != nil {
						return err
					}
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					return eris.Wrapf(err, "pipeline: read %s", path)
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return flush()
	})

	g.Go(func() error {
		for batch := range batches {
			if err := st.InsertRows(gctx, o.table.RawTable, cols, batch); err != nil {
				return err
			}
			total += len(batch)
			o.log.Debug("pipeline: imported batch", zap.Int("rows", total))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &ImportOutput{
		RawTable:       o.table.RawTable,
		Rows:           total,
		SourceColumns:  cols,
		MissingColumns: missing,
		ExtraColumns:   extra,
	}, nil
}

// matchHeader returns, for each configured column, its index in header or -1.
func matchHeader(header, cols []string) (positions []int, missing, extra []string) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}
	used := make(map[int]bool, len(cols))
	positions = make([]int, len(cols))
	for i, c := range cols {
		p, ok := index[strings.ToLower(c)]
		if !ok {
			positions[i] = -1
			missing = append(missing, c)
			continue
		}
		positions[i] = p
		used[p] = true
	}
	for i, h := range header {
		if !used[i] && strings.TrimSpace(h) != "" {
			extra = append(extra, h)
		}
	}
	return positions, missing, extra
}

func toRow(id int64, rec []string, cols []string, positions []int) staging.Row {
	fields := make(map[string]*string, len(cols))
	for i, c := range cols {
		p := positions[i]
		if p < 0 || p >= len(rec) {
			fields[c] = nil
			continue
		}
		fields[c] = ptr(rec[p])
	}
	return staging.Row{ID: id, Fields: fields}
}
