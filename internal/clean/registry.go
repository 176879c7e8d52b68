package clean

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

// ErrUnknownRule is returned when a column names a rule the registry lacks.
var ErrUnknownRule = eris.New("unknown cleaning rule")

// Context carries the column being cleaned into each rule.
type Context struct {
	Table    string
	Column   string
	DataType string
	RowID    int64
	Options  tablecfg.CleaningOptions

	stopped bool
}

// Stop ends the rule chain after the current rule.
func (c *Context) Stop() { c.stopped = true }

// Stopped reports whether a rule ended the chain.
func (c *Context) Stopped() bool { return c.stopped }

// Flag reports a domain flag from the table's cleaning options.
func (c *Context) Flag(name string) bool { return c.Options.Flags[name] }

// Rule transforms one value. A returned error is recorded as a cleaning
// issue and the value becomes null.
type Rule func(v Value, c *Context) (Value, error)

// Registry maps rule names to rules.
type Registry struct {
	rules map[string]Rule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// DefaultRegistry returns a registry holding the built-in rules.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for name, fn := range builtins() {
		r.rules[name] = fn
	}
	return r
}

// Register adds or replaces a rule.
func (r *Registry) Register(name string, fn Rule) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return eris.New("clean: rule name is required")
	}
	if fn == nil {
		return eris.Errorf("clean: rule %q is nil", name)
	}
	r.rules[name] = fn
	return nil
}

// Get returns the rule registered under name.
func (r *Registry) Get(name string) (Rule, bool) {
	fn, ok := r.rules[name]
	return fn, ok
}

// Check returns ErrUnknownRule naming every rule not registered.
func (r *Registry) Check(names []string) error {
	var missing []string
	for _, n := range names {
		if _, ok := r.rules[n]; !ok && !slices.Contains(missing, n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return eris.Wrapf(ErrUnknownRule, "clean: %s", strings.Join(missing, ", "))
	}
	return nil
}

// CheckTable verifies every rule referenced by a table's columns and
// transforms.
func (r *Registry) CheckTable(t *tablecfg.TableConfig) error {
	var names []string
	for _, c := range t.Columns {
		names = append(names, c.Rules...)
	}
	for _, rules := range t.Transforms {
		names = append(names, rules...)
	}
	if err := r.Check(names); err != nil {
		return eris.Wrapf(err, "table %s", t.Name)
	}
	return nil
}

// Clone returns an independent copy for run-specific rules.
func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	for name, fn := range r.rules {
		c.rules[name] = fn
	}
	return c
}

// Names returns registered rule names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.rules))
	for n := range r.rules {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
