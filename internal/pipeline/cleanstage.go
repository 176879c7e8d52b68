package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sis-migrate/internal/clean"
	"github.com/sells-group/sis-migrate/internal/dependency"
	"github.com/sells-group/sis-migrate/internal/staging"
	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

// RuleUseCachedField short-circuits a shared column with the value cached
// from its header table.
const RuleUseCachedField = "use_cached_field"

// IssuesColumn holds the cleaning issues of a row as JSON.
const IssuesColumn = "_issues"

// cachedFields lets a detail table reuse cleaned header values.
type cachedFields struct {
	cache  *dependency.Cache
	shared map[string]tablecfg.SharedField
}

// cleanPlan is the rule chain and counters for one target column.
type cleanPlan struct {
	col    tablecfg.ColumnMapping
	rules  []string
	shared *tablecfg.SharedField
	hits   int
	misses int
}

func (o *Orchestrator) cleanPlans() []*cleanPlan {
	plans := make([]*cleanPlan, len(o.table.Columns))
	for i, col := range o.table.Columns {
		p := &cleanPlan{col: col, rules: clean.EffectiveRules(col, o.table.Cleaning)}
		if o.cached != nil {
			if sf, ok := o.cached.shared[col.Target]; ok {
				p.shared = &sf
				p.rules = append([]string{RuleUseCachedField}, p.rules...)
			}
		}
		plans[i] = p
	}
	return plans
}

// cleanStage applies each column's rule chain to the raw slot and writes
// the cleaned slot.
func (o *Orchestrator) cleanStage(ctx context.Context, st *staging.Store, prev *ProfileOutput) (*CleanOutput, error) {
	if prev == nil {
		if err := o.requireSlot(ctx, st, o.table.RawTable); err != nil {
			return nil, err
		}
	}

	reg := o.rules
	plans := o.cleanPlans()
	var current *cleanPlan
	var raw *string
	if o.cached != nil {
		reg = reg.Clone()
		// Raw text is the cache key; a hit stops the chain.
		err := reg.Register(RuleUseCachedField, func(v clean.Value, c *clean.Context) (clean.Value, error) {
			if current == nil || current.shared == nil || raw == nil {
				return v, nil
			}
			cached, ok := o.cached.cache.Get(current.shared.HeaderTable, current.shared.HeaderColumn, *raw)
			if !ok {
				current.misses++
				return v, nil
			}
			current.hits++
			c.Stop()
			return cached, nil
		})
		if err != nil {
			return nil, err
		}
	}
	engine := clean.NewEngine(reg)

	srcCols := o.table.SourceColumns()
	outCols := append(o.table.TargetColumns(), IssuesColumn)
	if err := st.ResetTable(ctx, o.table.CleanedTable, outCols); err != nil {
		return nil, err
	}

	rows := 0
	err := o.eachPage(ctx, st, o.table.RawTable, srcCols, func(page []staging.Row) error {
		out := make([]staging.Row, 0, len(page))
		for _, r := range page {
			var issueCols []string
			fields := make(map[string]*string, len(outCols))
			for _, p := range plans {
				before := engine.TotalIssues()
				current = p
				raw = r.Get(p.col.Source)
				c := &clean.Context{
					Table:    o.table.Name,
					Column:   p.col.Target,
					DataType: p.col.DataType,
					RowID:    r.ID,
					Options:  o.table.Cleaning,
				}
				v, err := engine.CleanValue(clean.Of(raw), p.rules, c)
				if err != nil {
					return eris.Wrapf(err, "pipeline: clean %s.%s", o.table.Name, p.col.Target)
				}
				fields[p.col.Target] = v.Canonical()
				if engine.TotalIssues() > before {
					issueCols = append(issueCols, p.col.Target)
				}
			}
			if len(issueCols) > 0 {
				b, err := json.Marshal(issueCols)
				if err != nil {
					return eris.Wrap(err, "pipeline: marshal issues")
				}
				fields[IssuesColumn] = ptr(string(b))
			}
			out = append(out, staging.Row{ID: r.ID, Fields: fields})
			rows++
		}
		return st.InsertRows(ctx, o.table.CleanedTable, outCols, out)
	})
	current, raw = nil, nil
	if err != nil {
		return nil, err
	}

	res := &CleanOutput{
		CleanedTable: o.table.CleanedTable,
		Rows:         rows,
		Issues:       engine.TotalIssues(),
		IssueCounts:  engine.IssueCounts(),
	}
	for _, p := range plans {
		if p.shared == nil {
			continue
		}
		res.CacheHits += p.hits
		res.CacheMisses += p.misses
		res.CachedFields = append(res.CachedFields, CachedField{
			Column:       p.col.Target,
			HeaderTable:  p.shared.HeaderTable,
			HeaderColumn: p.shared.HeaderColumn,
			Hits:         p.hits,
			Misses:       p.misses,
			RulesAvoided: p.hits * (len(p.rules) - 1),
		})
	}
	return res, nil
}
