// Package dependency orders tables by their declared dependencies and caches
// cleaned header values for reuse by detail tables.
package dependency

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

// ErrCycle is returned when declared dependencies form a cycle.
var ErrCycle = eris.New("dependency cycle")

// Resolver answers ordering and shared-field questions about a set of tables.
type Resolver struct {
	index  map[string]int
	names  []string
	deps   map[string][]string
	shared map[string][]tablecfg.SharedField
}

// NewResolver builds a resolver over tables in declaration order.
func NewResolver(tables []*tablecfg.TableConfig) *Resolver {
	r := &Resolver{
		index:  make(map[string]int, len(tables)),
		deps:   make(map[string][]string, len(tables)),
		shared: make(map[string][]tablecfg.SharedField, len(tables)),
	}
	for i, t := range tables {
		r.index[t.Name] = i
		r.names = append(r.names, t.Name)
		r.deps[t.Name] = slices.Clone(t.Dependencies)
		for _, sf := range t.SharedFields {
			r.shared[t.Name] = append(r.shared[t.Name], sf)
			if !slices.Contains(r.deps[t.Name], sf.HeaderTable) {
				r.deps[t.Name] = append(r.deps[t.Name], sf.HeaderTable)
			}
		}
	}
	return r
}

// ProcessingOrder sorts names so every table follows the tables it depends
// on. Ties keep declaration order. Dependencies outside names are treated as
// already processed. An empty names orders every table.
func (r *Resolver) ProcessingOrder(names []string) ([]string, error) {
	if len(names) == 0 {
		names = r.names
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := r.index[n]; !ok {
			return nil, eris.Errorf("dependency: unknown table %q", n)
		}
		want[n] = true
	}

	pending := make(map[string]int, len(want))
	for n := range want {
		for _, d := range r.deps[n] {
			if want[d] {
				pending[n]++
			}
		}
	}

	order := make([]string, 0, len(want))
	done := make(map[string]bool, len(want))
	for len(order) < len(want) {
		next := ""
		for _, n := range r.names {
			if want[n] && !done[n] && pending[n] == 0 {
				next = n
				break
			}
		}
		if next == "" {
			var stuck []string
			for _, n := range r.names {
				if want[n] && !done[n] {
					stuck = append(stuck, n)
				}
			}
			return nil, eris.Wrapf(ErrCycle, "dependency: among %s", strings.Join(stuck, ", "))
		}
		done[next] = true
		order = append(order, next)
		for _, n := range r.names {
			if want[n] && !done[n] && slices.Contains(r.deps[n], next) {
				pending[n]--
			}
		}
	}
	return order, nil
}

// Dependencies returns the tables name depends on, shared-field headers
// included.
func (r *Resolver) Dependencies(name string) []string {
	return slices.Clone(r.deps[name])
}

// IsHeaderTable reports whether another table reuses cleaned values of name.
func (r *Resolver) IsHeaderTable(name string) bool {
	for _, fields := range r.shared {
		for _, sf := range fields {
			if sf.HeaderTable == name {
				return true
			}
		}
	}
	return false
}

// DependentTables lists tables depending on name, in declaration order.
func (r *Resolver) DependentTables(name string) []string {
	var out []string
	for _, n := range r.names {
		if slices.Contains(r.deps[n], name) {
			out = append(out, n)
		}
	}
	return out
}

// SharedFieldMapping returns the shared-field declaration of table for column.
func (r *Resolver) SharedFieldMapping(table, column string) (tablecfg.SharedField, bool) {
	for _, sf := range r.shared[table] {
		if sf.Column == column {
			return sf, true
		}
	}
	return tablecfg.SharedField{}, false
}

// SharedFields returns every shared-field declaration of a detail table.
func (r *Resolver) SharedFields(table string) []tablecfg.SharedField {
	return slices.Clone(r.shared[table])
}

// HeaderColumns lists the columns of header whose cleaned values some detail
// table reuses, in first-declared order.
func (r *Resolver) HeaderColumns(header string) []string {
	var cols []string
	for _, n := range r.names {
		for _, sf := range r.shared[n] {
			if sf.HeaderTable == header && !slices.Contains(cols, sf.HeaderColumn) {
				cols = append(cols, sf.HeaderColumn)
			}
		}
	}
	return cols
}
