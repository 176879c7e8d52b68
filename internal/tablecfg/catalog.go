package tablecfg

import (
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Catalog holds table configs in declaration order.
type Catalog struct {
	tables map[string]*TableConfig
	order  []string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tables: make(map[string]*TableConfig)}
}

// Add applies defaults to t and registers it. Header tables named by shared
// fields become implicit dependencies.
func (c *Catalog) Add(t *TableConfig) error {
	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return err
	}
	if _, ok := c.tables[t.Name]; ok {
		return eris.Wrapf(ErrInvalidConfig, "tablecfg: duplicate table %q", t.Name)
	}
	for _, sf := range t.SharedFields {
		if !slices.Contains(t.Dependencies, sf.HeaderTable) {
			t.Dependencies = append(t.Dependencies, sf.HeaderTable)
		}
	}
	c.tables[t.Name] = t
	c.order = append(c.order, t.Name)
	return nil
}

// Get returns a table by name.
func (c *Catalog) Get(name string) (*TableConfig, error) {
	t, ok := c.tables[name]
	if !ok {
		return nil, eris.Errorf("tablecfg: unknown table %q", name)
	}
	return t, nil
}

// Names returns table names in declaration order.
func (c *Catalog) Names() []string {
	return slices.Clone(c.order)
}

// All returns tables in declaration order.
func (c *Catalog) All() []*TableConfig {
	out := make([]*TableConfig, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.tables[n])
	}
	return out
}

// Select returns the named tables, or all tables when names is empty.
func (c *Catalog) Select(names []string) ([]*TableConfig, error) {
	if len(names) == 0 {
		return c.All(), nil
	}
	out := make([]*TableConfig, 0, len(names))
	for _, n := range names {
		t, err := c.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Validate checks cross-table references: every dependency and every
// shared-field header must name a table in the catalog, and the header
// column must exist there.
func (c *Catalog) Validate() error {
	var errs []string
	for _, name := range c.order {
		t := c.tables[name]
		for _, dep := range t.Dependencies {
			if dep == t.Name {
				errs = append(errs, name+": depends on itself")
				continue
			}
			if _, ok := c.tables[dep]; !ok {
				errs = append(errs, name+": unresolvable dependency "+dep)
			}
		}
		for _, sf := range t.SharedFields {
			h, ok := c.tables[sf.HeaderTable]
			if !ok {
				continue
			}
			if _, ok := h.Column(sf.HeaderColumn); !ok {
				errs = append(errs, name+": header column "+sf.HeaderTable+"."+sf.HeaderColumn+" not found")
			}
		}
	}
	if len(errs) > 0 {
		return eris.Wrapf(ErrInvalidConfig, "tablecfg: %s", strings.Join(errs, "; "))
	}
	if cycle := c.findCycle(); len(cycle) > 0 {
		return eris.Wrapf(ErrInvalidConfig, "tablecfg: dependency cycle %s", strings.Join(cycle, " -> "))
	}
	return nil
}

// findCycle returns the first dependency cycle found, or nil.
func (c *Catalog) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.order))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range c.tables[name].Dependencies {
			switch state[dep] {
			case visiting:
				i := slices.Index(stack, dep)
				return append(slices.Clone(stack[i:]), dep)
			case unvisited:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, name := range c.order {
		if state[name] == unvisited {
			if cyc := visit(name); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

type catalogFile struct {
	Defaults struct {
		NullTokens  []string `yaml:"null_tokens"`
		DateFormats []string `yaml:"date_formats"`
		ChunkSize   int      `yaml:"chunk_size"`
	} `yaml:"defaults"`
	Tables []*TableConfig `yaml:"tables"`
}

// Parse builds a validated catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "tablecfg: parse yaml")
	}

	c := NewCatalog()
	for _, t := range f.Tables {
		if len(t.Cleaning.NullTokens) == 0 {
			t.Cleaning.NullTokens = f.Defaults.NullTokens
		}
		if len(t.Cleaning.DateFormats) == 0 {
			t.Cleaning.DateFormats = f.Defaults.DateFormats
		}
		if t.ChunkSize == 0 {
			t.ChunkSize = f.Defaults.ChunkSize
		}
		if err := c.Add(t); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "tablecfg: read %s", path)
	}
	return Parse(data)
}
