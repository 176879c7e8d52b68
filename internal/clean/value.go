// Package clean turns raw legacy text into typed, canonical values through
// named rules resolved from a registry.
package clean

import (
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

// Canonical layouts used when values are stored as text.
const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02 15:04:05"
)

// Value is a cleaned field value. The zero Value is null.
//
// Non-null values hold one of: string, int64, float64, bool,
// decimal.Decimal or time.Time.
type Value struct {
	v     any
	valid bool
}

// Null returns the null value.
func Null() Value { return Value{} }

// Text wraps a string.
func Text(s string) Value { return Value{v: s, valid: true} }

// Of wraps v. A nil v yields Null. Plain int and float32 are widened.
func Of(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case int:
		return Value{v: int64(x), valid: true}
	case int32:
		return Value{v: int64(x), valid: true}
	case float32:
		return Value{v: float64(x), valid: true}
	case *string:
		if x == nil {
			return Null()
		}
		return Text(*x)
	}
	return Value{v: v, valid: true}
}

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return !v.valid }

// Interface returns the underlying value, or nil when null.
func (v Value) Interface() any {
	if !v.valid {
		return nil
	}
	return v.v
}

// AsString returns the value when it holds a string.
func (v Value) AsString() (string, bool) {
	s, ok := v.v.(string)
	return s, ok && v.valid
}

// String returns the canonical text form. Null renders as "".
func (v Value) String() string {
	if !v.valid {
		return ""
	}
	switch x := v.v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case decimal.Decimal:
		return x.String()
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(DateLayout)
		}
		return x.Format(DateTimeLayout)
	default:
		return ""
	}
}

// Canonical returns the canonical text, or nil when null.
func (v Value) Canonical() *string {
	if !v.valid {
		return nil
	}
	s := v.String()
	return &s
}

// Equal compares canonical forms.
func (v Value) Equal(o Value) bool {
	if v.valid != o.valid {
		return false
	}
	return v.String() == o.String()
}

// FromCanonical rebuilds a typed value from stored canonical text.
func FromCanonical(s *string, dataType string) (Value, error) {
	if s == nil {
		return Null(), nil
	}
	text := *s
	switch dataType {
	case tablecfg.TypeInt:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Null(), eris.Wrapf(err, "clean: canonical int %q", text)
		}
		return Of(n), nil
	case tablecfg.TypeFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Null(), eris.Wrapf(err, "clean: canonical float %q", text)
		}
		return Of(f), nil
	case tablecfg.TypeDecimal:
		d, err := decimal.NewFromString(text)
		if err != nil {
			return Null(), eris.Wrapf(err, "clean: canonical decimal %q", text)
		}
		return Of(d), nil
	case tablecfg.TypeBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return Null(), eris.Wrapf(err, "clean: canonical bool %q", text)
		}
		return Of(b), nil
	case tablecfg.TypeDate, tablecfg.TypeDateTime:
		for _, layout := range []string{DateTimeLayout, DateLayout} {
			if t, err := time.Parse(layout, text); err == nil {
				return Of(t), nil
			}
		}
		return Null(), eris.Errorf("clean: canonical time %q", text)
	default:
		return Text(text), nil
	}
}
