// Package validate checks cleaned records against per-field constraints and
// cross-field invariants and scores their quality.
package validate

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/sis-migrate/internal/clean"
)

// ReviewThreshold is the quality score below which a record needs review.
const ReviewThreshold = 0.7

// Score weights.
const (
	requiredWeight    = 0.6
	valuableWeight    = 0.3
	consistencyWeight = 0.1
)

// Kinds of FieldError.
const (
	KindRequired = "required"
	KindField    = "field"
	KindCross    = "cross"
	KindType     = "type"
)

// Record is one cleaned row keyed by target column.
type Record map[string]clean.Value

// FieldError is one failed constraint of a record.
type FieldError struct {
	Field   string `json:"field"`
	Kind    string `json:"kind"`
	Tag     string `json:"tag,omitempty"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	if e.Tag != "" {
		return e.Field + ":" + e.Tag
	}
	return e.Field + ":" + e.Kind
}

// JoinErrors renders errors as "field:tag; field:tag".
func JoinErrors(errs []FieldError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}

// Validator checks one record. Failures are returned, never raised.
type Validator interface {
	Name() string
	Validate(rec Record) []FieldError
	QualityScore(rec Record) float64
}

// NeedsReview reports whether a score falls below ReviewThreshold.
func NeedsReview(score float64) bool {
	return score < ReviewThreshold
}

// FieldRule applies a validator tag (e.g. "gte=0,lte=4") to a non-null field.
type FieldRule struct {
	Field string
	Tag   string
}

// CrossCheck is a cross-field invariant. Fn returns nil when the invariant
// holds or does not apply.
type CrossCheck struct {
	Name string
	Fn   func(Record) error
}

// RuleValidator is a Validator assembled from declarative parts.
type RuleValidator struct {
	name     string
	Fields   []FieldRule
	Required []string
	Valuable []string
	Checks   []CrossCheck

	v *validator.Validate
}

// NewRuleValidator creates an empty validator named name.
func NewRuleValidator(name string) *RuleValidator {
	return &RuleValidator{name: name, v: validator.New()}
}

// Name implements Validator.
func (r *RuleValidator) Name() string { return r.name }

// Validate implements Validator.
func (r *RuleValidator) Validate(rec Record) []FieldError {
	var errs []FieldError
	for _, f := range r.Required {
		if rec[f].IsNull() {
			errs = append(errs, FieldError{Field: f, Kind: KindRequired, Message: "value is required"})
		}
	}
	for _, fr := range r.Fields {
		val := rec[fr.Field]
		if val.IsNull() {
			continue
		}
		if err := r.v.Var(native(val), fr.Tag); err != nil {
			var verrs validator.ValidationErrors
			if eris.As(err, &verrs) {
				for _, fe := range verrs {
					errs = append(errs, FieldError{
						Field:   fr.Field,
						Kind:    KindField,
						Tag:     fe.Tag(),
						Message: "failed " + fe.Tag() + " " + fe.Param(),
					})
				}
				continue
			}
			errs = append(errs, FieldError{Field: fr.Field, Kind: KindField, Tag: fr.Tag, Message: err.Error()})
		}
	}
	for _, cc := range r.Checks {
		if err := cc.Fn(rec); err != nil {
			errs = append(errs, FieldError{Field: cc.Name, Kind: KindCross, Message: err.Error()})
		}
	}
	return errs
}

// QualityScore implements Validator: 0.6 for required fields present, 0.3
// for valuable fields present and 0.1 for cross checks passed, each
// proportional.
func (r *RuleValidator) QualityScore(rec Record) float64 {
	passed := 0
	for _, cc := range r.Checks {
		if cc.Fn(rec) == nil {
			passed++
		}
	}
	score := requiredWeight*presentRatio(rec, r.Required) +
		valuableWeight*presentRatio(rec, r.Valuable) +
		consistencyWeight*ratio(passed, len(r.Checks))
	return min(max(score, 0), 1)
}

func presentRatio(rec Record, fields []string) float64 {
	n := 0
	for _, f := range fields {
		if !rec[f].IsNull() {
			n++
		}
	}
	return ratio(n, len(fields))
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(n) / float64(total)
}

// native converts a value into something validator tags understand.
func native(v clean.Value) any {
	if d, ok := v.Interface().(decimal.Decimal); ok {
		return d.InexactFloat64()
	}
	return v.Interface()
}

// HasCrossErrors reports whether errs contain a failed invariant.
func HasCrossErrors(errs []FieldError) bool {
	for _, e := range errs {
		if e.Kind == KindCross {
			return true
		}
	}
	return false
}
