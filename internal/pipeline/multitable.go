package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sis-migrate/internal/clean"
	"github.com/sells-group/sis-migrate/internal/dependency"
	"github.com/sells-group/sis-migrate/internal/staging"
	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

// TableCleanResult is the stage 3 outcome of one table in a multi-table run.
type TableCleanResult struct {
	Table       string  `json:"table"`
	Header      bool    `json:"header"`
	CacheLoaded int     `json:"cache_loaded,omitempty"`
	Result      *Result `json:"result"`
}

// FieldOptimization reports the cleaning work one cached header field saved.
type FieldOptimization struct {
	Key               string   `json:"key"`
	DetailColumns     []string `json:"detail_columns"`
	CachedValues      int      `json:"cached_values"`
	Hits              int      `json:"hits"`
	Misses            int      `json:"misses"`
	OperationsAvoided int      `json:"operations_avoided"`
}

// MultiTableSummary aggregates a dependency-aware stage 3 run.
type MultiTableSummary struct {
	Order        []string                       `json:"order"`
	Tables       []TableCleanResult             `json:"tables"`
	TotalRows    int                            `json:"total_rows"`
	DryRun       bool                           `json:"dry_run"`
	Duration     time.Duration                  `json:"duration"`
	CacheStats   map[string]dependency.KeyStats `json:"cache_stats"`
	CacheTotals  dependency.KeyStats            `json:"cache_totals"`
	Optimization []FieldOptimization            `json:"optimization"`
}

// MultiTableCleaner runs stage 3 over several tables in dependency order.
// Header tables are cleaned first and their cleaned shared fields are
// reused by detail tables through a cache scoped to one Run.
type MultiTableCleaner struct {
	tables   []*tablecfg.TableConfig
	byName   map[string]*tablecfg.TableConfig
	resolver *dependency.Resolver
	store    *staging.Store
	opts     Options
	log      *zap.Logger
}

// NewMultiTableCleaner returns a cleaner over tables.
func NewMultiTableCleaner(tables []*tablecfg.TableConfig, st *staging.Store, opts Options) *MultiTableCleaner {
	byName := make(map[string]*tablecfg.TableConfig, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}
	return &MultiTableCleaner{
		tables:   tables,
		byName:   byName,
		resolver: dependency.NewResolver(tables),
		store:    st,
		opts:     opts,
		log:      zap.L().With(zap.String("component", "multi_table_clean")),
	}
}

// Order returns the processing order for names (nil means every table).
func (m *MultiTableCleaner) Order(names []string) ([]string, error) {
	order, err := m.resolver.ProcessingOrder(names)
	if err != nil {
		return nil, eris.Wrap(tablecfg.ErrInvalidConfig, err.Error())
	}
	return order, nil
}

// Run cleans names (nil means every table). The raw slot of each table must
// already exist. Any table failure aborts the run.
func (m *MultiTableCleaner) Run(ctx context.Context, names []string, dryRun bool) (*MultiTableSummary, error) {
	began := time.Now()
	order, err := m.Order(names)
	if err != nil {
		return nil, err
	}
	sum := &MultiTableSummary{Order: order, DryRun: dryRun}
	cache := dependency.NewCache()

	m.log.Info("multi_table_clean: starting", zap.Strings("order", order), zap.Bool("dry_run", dryRun))

	run := func(st *staging.Store) error {
		for _, name := range order {
			tr, err := m.cleanTable(ctx, st, m.byName[name], cache)
			if tr != nil {
				if tr.Result != nil {
					tr.Result.DryRun = dryRun
					sum.TotalRows += tr.Result.TotalRecords
				}
				sum.Tables = append(sum.Tables, *tr)
			}
			if err != nil {
				m.log.Error("multi_table_clean: table failed, aborting run",
					zap.String("table", name), zap.Error(err))
				return eris.Wrapf(err, "multi_table_clean: %s", name)
			}
		}
		return nil
	}
	if dryRun {
		err = m.store.Transact(ctx, false, run)
	} else {
		err = run(m.store)
	}

	sum.Duration = time.Since(began)
	sum.CacheStats = cache.Stats()
	sum.CacheTotals = cache.Totals()
	sum.Optimization = optimization(sum.Tables, cache)
	if err != nil {
		return sum, err
	}

	m.log.Info("multi_table_clean: complete",
		zap.Int("tables", len(sum.Tables)),
		zap.Int("rows", sum.TotalRows),
		zap.Int("cache_hits", sum.CacheTotals.Hits),
		zap.Duration("elapsed", sum.Duration))
	return sum, nil
}

func (m *MultiTableCleaner) cleanTable(ctx context.Context, st *staging.Store, t *tablecfg.TableConfig, cache *dependency.Cache) (*TableCleanResult, error) {
	o, err := New(t, st, m.opts)
	if err != nil {
		return nil, err
	}
	if shared := m.resolver.SharedFields(t.Name); len(shared) > 0 {
		cf := &cachedFields{cache: cache, shared: make(map[string]tablecfg.SharedField, len(shared))}
		for _, sf := range shared {
			cf.shared[sf.Column] = sf
		}
		o.cached = cf
	}

	res, err := o.Execute(ctx, "", StageClean, StageClean, false)
	tr := &TableCleanResult{Table: t.Name, Header: m.resolver.IsHeaderTable(t.Name), Result: res}
	if err != nil {
		return tr, err
	}
	if tr.Header {
		n, err := m.loadHeaderCache(ctx, st, t, cache)
		if err != nil {
			return tr, err
		}
		tr.CacheLoaded = n
	}
	return tr, nil
}

// loadHeaderCache diffs raw against cleaned values of each shared header
// column, one query per column, and caches the pairs.
func (m *MultiTableCleaner) loadHeaderCache(ctx context.Context, st *staging.Store, t *tablecfg.TableConfig, cache *dependency.Cache) (int, error) {
	total := 0
	for _, colName := range m.resolver.HeaderColumns(t.Name) {
		col, ok := t.Column(colName)
		if !ok {
			return total, eris.Wrapf(tablecfg.ErrInvalidConfig, "multi_table_clean: header column %s.%s not found", t.Name, colName)
		}
		pairs, err := st.DistinctPairs(ctx, t.RawTable, col.Source, t.CleanedTable, col.Target)
		if err != nil {
			return total, err
		}
		values := make(map[string]clean.Value, len(pairs))
		for raw, cleaned := range pairs {
			v, err := clean.FromCanonical(cleaned, col.DataType)
			if err != nil {
				return total, eris.Wrapf(err, "multi_table_clean: cached value %s.%s", t.Name, colName)
			}
			values[raw] = v
		}
		cache.CacheCleanedFieldValues(t.Name, colName, values)
		total += len(values)
		m.log.Info("multi_table_clean: cached header field",
			zap.String("table", t.Name), zap.String("column", colName), zap.Int("values", len(values)))
	}
	return total, nil
}

func optimization(tables []TableCleanResult, cache *dependency.Cache) []FieldOptimization {
	index := make(map[string]int)
	var out []FieldOptimization
	for _, k := range cache.Keys() {
		index[k.String()] = len(out)
		out = append(out, FieldOptimization{Key: k.String(), CachedValues: cache.Len(k.Table, k.Column)})
	}
	for _, tr := range tables {
		if tr.Result == nil || tr.Result.Outputs.Clean == nil {
			continue
		}
		for _, cf := range tr.Result.Outputs.Clean.CachedFields {
			key := dependency.Key{Table: cf.HeaderTable, Column: cf.HeaderColumn}.String()
			i, ok := index[key]
			if !ok {
				index[key] = len(out)
				i = len(out)
				out = append(out, FieldOptimization{Key: key})
			}
			out[i].DetailColumns = append(out[i].DetailColumns, tr.Table+"."+cf.Column)
			out[i].Hits += cf.Hits
			out[i].Misses += cf.Misses
			out[i].OperationsAvoided += cf.RulesAvoided
		}
	}
	return out
}
