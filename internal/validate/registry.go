package validate

import (
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

// Registry resolves a table's validator by name.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]Validator)}
}

// DefaultRegistry returns a registry holding the built-in table validators.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, v := range []Validator{Students(), Terms(), AcademicClasses(), ClassEnrollments(), Receipts()} {
		r.validators[v.Name()] = v
	}
	return r
}

// Register adds a validator under its name.
func (r *Registry) Register(v Validator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.validators[v.Name()]; ok {
		return eris.Errorf("validate: validator %q already registered", v.Name())
	}
	r.validators[v.Name()] = v
	return nil
}

// Get returns the named validator.
func (r *Registry) Get(name string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	return v, ok
}

// ForTable returns the validator a table names, or a fallback derived from
// its column mappings when it names none.
func (r *Registry) ForTable(t *tablecfg.TableConfig) (Validator, error) {
	if t.Validator == "" {
		return Fallback(t), nil
	}
	v, ok := r.Get(t.Validator)
	if !ok {
		return nil, eris.Wrapf(tablecfg.ErrInvalidConfig, "validate: table %s names unknown validator %q", t.Name, t.Validator)
	}
	return v, nil
}

// Fallback builds a validator from column mappings: non-nullable and
// critical columns are required, important ones are valuable.
func Fallback(t *tablecfg.TableConfig) *RuleValidator {
	v := NewRuleValidator(t.Name)
	for _, c := range t.Columns {
		switch {
		case !c.Nullable || c.Priority == tablecfg.PriorityCritical:
			v.Required = append(v.Required, c.Target)
		case c.Priority == tablecfg.PriorityImportant:
			v.Valuable = append(v.Valuable, c.Target)
		}
	}
	return v
}
