package clean

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Built-in rule names.
const (
	RuleTrim                = "trim"
	RuleNormalizeWhitespace = "normalize_whitespace"
	RuleUppercase           = "uppercase"
	RuleLowercase           = "lowercase"
	RuleTitleCase           = "title_case"
	RuleNullStandardize     = "null_standardize"
	RuleParseInt            = "parse_int"
	RuleParseFloat          = "parse_float"
	RuleParseDecimal        = "parse_decimal"
	RuleParseBoolean        = "parse_boolean"
	RuleParseDate           = "parse_date"
	RuleParseMSSQLDateTime  = "parse_mssql_datetime"
	RuleFixEncoding         = "fix_encoding"
	RuleNormalizeCode       = "normalize_code"
	RuleNormalizeGrade      = "normalize_grade"
)

// DefaultNullTokens apply when a table configures none. Matching ignores case
// and surrounding whitespace.
var DefaultNullTokens = []string{"", "NULL", "NONE", "N/A", "-1"}

// DefaultDateFormats apply to parse_date when a table configures none.
var DefaultDateFormats = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"02-Jan-2006",
	"Jan 2 2006",
}

var mssqlLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"Jan _2 2006 3:04PM",
	"Jan _2 2006  3:04PM",
	"01/02/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"2006-01-02",
}

var trueTokens = map[string]bool{"1": true, "TRUE": true, "T": true, "YES": true, "Y": true, "X": true, "ON": true}
var falseTokens = map[string]bool{"0": true, "FALSE": true, "F": true, "NO": true, "N": true, "OFF": true}

var gradeWords = map[string]string{
	"PASS":       "P",
	"PASSED":     "P",
	"FAIL":       "F",
	"FAILED":     "F",
	"WITHDRAW":   "W",
	"WITHDRAWN":  "W",
	"INCOMPLETE": "I",
	"AUDIT":      "AU",
}

func builtins() map[string]Rule {
	return map[string]Rule{
		RuleTrim:                textRule(strings.TrimSpace),
		RuleNormalizeWhitespace: textRule(func(s string) string { return strings.Join(strings.Fields(s), " ") }),
		RuleUppercase:           textRule(strings.ToUpper),
		RuleLowercase:           textRule(strings.ToLower),
		RuleTitleCase:           textRule(func(s string) string { return cases.Title(language.Und).String(s) }),
		RuleNullStandardize:     nullStandardize,
		RuleParseInt:            parseInt,
		RuleParseFloat:          parseFloat,
		RuleParseDecimal:        parseDecimal,
		RuleParseBoolean:        parseBoolean,
		RuleParseDate:           parseDate,
		RuleParseMSSQLDateTime:  parseMSSQLDateTime,
		RuleFixEncoding:         textRule(FixEncoding),
		RuleNormalizeCode:       textRule(NormalizeCode),
		RuleNormalizeGrade:      normalizeGrade,
	}
}

// textRule lifts a string function into a rule. Typed values pass through.
func textRule(fn func(string) string) Rule {
	return func(v Value, _ *Context) (Value, error) {
		s, ok := v.AsString()
		if !ok {
			return v, nil
		}
		return Text(fn(s)), nil
	}
}

func nullStandardize(v Value, c *Context) (Value, error) {
	s, ok := v.AsString()
	if !ok {
		return v, nil
	}
	tokens := c.Options.NullTokens
	if len(tokens) == 0 {
		tokens = DefaultNullTokens
	}
	s = strings.TrimSpace(s)
	for _, tok := range tokens {
		if strings.EqualFold(s, strings.TrimSpace(tok)) {
			return Null(), nil
		}
	}
	return v, nil
}

func numericText(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	return strings.ReplaceAll(s, ",", "")
}

func parseInt(v Value, _ *Context) (Value, error) {
	switch x := v.Interface().(type) {
	case int64:
		return v, nil
	case float64:
		if n, ok := wholeInt64(x); ok {
			return Of(n), nil
		}
		return Null(), eris.Errorf("not an integer: %v", x)
	case decimal.Decimal:
		if x.IsInteger() && x.GreaterThanOrEqual(minInt64) && x.LessThanOrEqual(maxInt64) {
			return Of(x.IntPart()), nil
		}
		return Null(), eris.Errorf("not an integer: %s", x)
	case string:
		s := numericText(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Of(n), nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if n, ok := wholeInt64(f); ok {
				return Of(n), nil
			}
		}
		return Null(), eris.Errorf("invalid integer %q", x)
	}
	return Null(), eris.Errorf("cannot parse %T as integer", v.Interface())
}

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// wholeInt64 converts f when it is a whole number inside the int64 range.
// float64(math.MaxInt64) rounds up to 2^63, so that bound is exclusive.
func wholeInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func parseFloat(v Value, _ *Context) (Value, error) {
	switch x := v.Interface().(type) {
	case float64:
		return v, nil
	case int64:
		return Of(float64(x)), nil
	case decimal.Decimal:
		return Of(x.InexactFloat64()), nil
	case string:
		f, err := strconv.ParseFloat(numericText(x), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Null(), eris.Errorf("invalid number %q", x)
		}
		return Of(f), nil
	}
	return Null(), eris.Errorf("cannot parse %T as float", v.Interface())
}

func parseDecimal(v Value, _ *Context) (Value, error) {
	switch x := v.Interface().(type) {
	case decimal.Decimal:
		return v, nil
	case int64:
		return Of(decimal.NewFromInt(x)), nil
	case float64:
		return Of(decimal.NewFromFloat(x)), nil
	case string:
		d, err := decimal.NewFromString(numericText(x))
		if err != nil {
			return Null(), eris.Errorf("invalid decimal %q", x)
		}
		return Of(d), nil
	}
	return Null(), eris.Errorf("cannot parse %T as decimal", v.Interface())
}

func parseBoolean(v Value, _ *Context) (Value, error) {
	switch x := v.Interface().(type) {
	case bool:
		return v, nil
	case int64:
		if x == 0 || x == 1 {
			return Of(x == 1), nil
		}
	case string:
		s := strings.ToUpper(strings.TrimSpace(x))
		if trueTokens[s] {
			return Of(true), nil
		}
		if falseTokens[s] {
			return Of(false), nil
		}
	}
	return Null(), eris.Errorf("invalid boolean %q", v.String())
}

func parseDate(v Value, c *Context) (Value, error) {
	switch x := v.Interface().(type) {
	case time.Time:
		return Of(truncateDay(x)), nil
	case string:
		formats := c.Options.DateFormats
		if len(formats) == 0 {
			formats = DefaultDateFormats
		}
		s := strings.TrimSpace(x)
		for _, layout := range formats {
			if t, err := time.Parse(layout, s); err == nil {
				return Of(truncateDay(t)), nil
			}
		}
		for _, layout := range mssqlLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return Of(truncateDay(t)), nil
			}
		}
		return Null(), eris.Errorf("invalid date %q", x)
	}
	return Null(), eris.Errorf("cannot parse %T as date", v.Interface())
}

func parseMSSQLDateTime(v Value, _ *Context) (Value, error) {
	switch x := v.Interface().(type) {
	case time.Time:
		return Of(x.UTC().Truncate(time.Second)), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range mssqlLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return Of(t.UTC().Truncate(time.Second)), nil
			}
		}
		return Null(), eris.Errorf("invalid datetime %q", x)
	}
	return Null(), eris.Errorf("cannot parse %T as datetime", v.Interface())
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FixEncoding repairs UTF-8 text that was decoded as Windows-1252 and stored
// again (mojibake such as "Ã©" for "é"), then normalizes to NFC.
func FixEncoding(s string) string {
	enc := charmap.Windows1252.NewEncoder()
	for range 2 {
		raw, err := enc.String(s)
		if err != nil || raw == s || !utf8.ValidString(raw) {
			break
		}
		s = raw
	}
	return norm.NFC.String(s)
}

// NormalizeCode upper-cases a code and joins its parts with single dashes:
// " ehss 7a " and "EHSS--7A" both become "EHSS-7A".
func NormalizeCode(s string) string {
	parts := strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '_' || r == '-'
	})
	return strings.Join(parts, "-")
}

func normalizeGrade(v Value, c *Context) (Value, error) {
	s, ok := v.AsString()
	if !ok {
		return v, nil
	}
	g := strings.ToUpper(strings.Join(strings.Fields(s), ""))
	if c.Flag("grade_normalization") {
		if mapped, ok := gradeWords[g]; ok {
			g = mapped
		}
	}
	return Text(g), nil
}
