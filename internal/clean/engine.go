package clean

import (
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

// MaxIssueSamples caps the issues kept per column. Counts are always exact.
const MaxIssueSamples = 100

// Issue is one cell a rule could not clean.
type Issue struct {
	Table   string `json:"table"`
	Column  string `json:"column"`
	RowID   int64  `json:"row_id"`
	Rule    string `json:"rule"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Engine applies rule chains and accumulates cleaning issues.
type Engine struct {
	registry *Registry
	issues   map[string][]Issue
	counts   map[string]int
}

// NewEngine creates an engine resolving rules through r.
func NewEngine(r *Registry) *Engine {
	return &Engine{
		registry: r,
		issues:   make(map[string][]Issue),
		counts:   make(map[string]int),
	}
}

// Registry returns the registry the engine resolves rules through.
func (e *Engine) Registry() *Registry { return e.registry }

// EffectiveRules returns the chain run for col: its rules, preceded by
// fix_encoding when the table asks for it and the column does not list it.
func EffectiveRules(col tablecfg.ColumnMapping, opts tablecfg.CleaningOptions) []string {
	if opts.FixEncoding && !slices.Contains(col.Rules, RuleFixEncoding) {
		return append([]string{RuleFixEncoding}, col.Rules...)
	}
	return col.Rules
}

// Clean runs the rules of col over one raw cell. A nil raw is already null.
// The error is non-nil only for an unknown rule.
func (e *Engine) Clean(raw *string, col tablecfg.ColumnMapping, c *Context) (Value, error) {
	c.Column = col.Target
	c.DataType = col.DataType
	return e.CleanValue(Of(raw), EffectiveRules(col, c.Options), c)
}

// CleanValue applies rules in order. The chain ends once the value is null
// or a rule calls Context.Stop. Rule errors become issues and null values.
func (e *Engine) CleanValue(v Value, rules []string, c *Context) (Value, error) {
	c.stopped = false
	for _, name := range rules {
		if v.IsNull() {
			return v, nil
		}
		fn, ok := e.registry.Get(name)
		if !ok {
			return Null(), eris.Wrapf(ErrUnknownRule, "clean: %s", name)
		}
		out, err := fn(v, c)
		if err != nil {
			e.record(Issue{
				Table:   c.Table,
				Column:  c.Column,
				RowID:   c.RowID,
				Rule:    name,
				Value:   v.String(),
				Message: err.Error(),
			})
			return Null(), nil
		}
		v = out
		if c.stopped {
			break
		}
	}
	return v, nil
}

func (e *Engine) record(is Issue) {
	e.counts[is.Column]++
	if len(e.issues[is.Column]) < MaxIssueSamples {
		e.issues[is.Column] = append(e.issues[is.Column], is)
	}
}

// Issues returns the sampled issues, grouped by column in column order.
func (e *Engine) Issues() []Issue {
	cols := make([]string, 0, len(e.issues))
	for c := range e.issues {
		cols = append(cols, c)
	}
	slices.Sort(cols)
	var out []Issue
	for _, c := range cols {
		out = append(out, e.issues[c]...)
	}
	return out
}

// IssueCounts returns the number of issues per column.
func (e *Engine) IssueCounts() map[string]int {
	out := make(map[string]int, len(e.counts))
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}

// TotalIssues returns the number of issues recorded.
func (e *Engine) TotalIssues() int {
	n := 0
	for _, v := range e.counts {
		n += v
	}
	return n
}

// Reset clears accumulated issues.
func (e *Engine) Reset() {
	clear(e.issues)
	clear(e.counts)
}
