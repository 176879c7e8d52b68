package clean

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

func apply(t *testing.T, rule string, v Value, opts tablecfg.CleaningOptions) (Value, error) {
	t.Helper()
	fn, ok := DefaultRegistry().Get(rule)
	require.True(t, ok, "rule %s", rule)
	return fn(v, &Context{Options: opts})
}

func TestTextRules(t *testing.T) {
	tests := []struct {
		rule string
		in   string
		want string
	}{
		{RuleTrim, "  Sok Dara  ", "Sok Dara"},
		{RuleNormalizeWhitespace, "Sok   \t Dara", "Sok Dara"},
		{RuleUppercase, "ehss", "EHSS"},
		{RuleLowercase, "Sok@Example.COM", "sok@example.com"},
		{RuleTitleCase, "sok DARA", "Sok Dara"},
		{RuleNormalizeCode, " ehss 7a ", "EHSS-7A"},
		{RuleNormalizeCode, "EHSS--7A", "EHSS-7A"},
		{RuleNormalizeCode, "ir_101", "IR-101"},
		{RuleFixEncoding, "cafÃ©", "café"},
		{RuleFixEncoding, "café", "café"},
		{RuleFixEncoding, "plain ascii", "plain ascii"},
	}
	for _, tt := range tests {
		t.Run(tt.rule+"/"+tt.in, func(t *testing.T) {
			got, err := apply(t, tt.rule, Text(tt.in), tablecfg.CleaningOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestTextRulesPassTypedValues(t *testing.T) {
	got, err := apply(t, RuleUppercase, Of(int64(5)), tablecfg.CleaningOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Interface())
}

func TestNullStandardize(t *testing.T) {
	for _, tok := range []string{"NULL", "null", "", "  ", "-1", "n/a", "None"} {
		got, err := apply(t, RuleNullStandardize, Text(tok), tablecfg.CleaningOptions{})
		require.NoError(t, err)
		assert.True(t, got.IsNull(), "token %q", tok)
	}

	got, err := apply(t, RuleNullStandardize, Text("0"), tablecfg.CleaningOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0", got.String())

	opts := tablecfg.CleaningOptions{NullTokens: []string{"?"}}
	got, err = apply(t, RuleNullStandardize, Text("?"), opts)
	require.NoError(t, err)
	assert.True(t, got.IsNull())
	got, err = apply(t, RuleNullStandardize, Text("NULL"), opts)
	require.NoError(t, err)
	assert.False(t, got.IsNull(), "table tokens replace the defaults")
}

func TestParseRules(t *testing.T) {
	tests := []struct {
		name string
		rule string
		in   Value
		want any
	}{
		{"int", RuleParseInt, Text("1,200"), int64(1200)},
		{"int from float text", RuleParseInt, Text("12.0"), int64(12)},
		{"int from float", RuleParseInt, Of(3.0), int64(3)},
		{"float", RuleParseFloat, Text("2.75"), 2.75},
		{"float from int", RuleParseFloat, Of(int64(2)), 2.0},
		{"bool yes", RuleParseBoolean, Text("Yes"), true},
		{"bool zero", RuleParseBoolean, Text("0"), false},
		{"bool from int", RuleParseBoolean, Of(int64(1)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := apply(t, tt.rule, tt.in, tablecfg.CleaningOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Interface())
		})
	}

	d, err := apply(t, RuleParseDecimal, Text("$1,250.50"), tablecfg.CleaningOptions{})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1250.5").Equal(d.Interface().(decimal.Decimal)))
}

func TestParseRulesRejectMalformed(t *testing.T) {
	for _, rule := range []string{RuleParseInt, RuleParseFloat, RuleParseDecimal, RuleParseBoolean, RuleParseDate, RuleParseMSSQLDateTime} {
		t.Run(rule, func(t *testing.T) {
			got, err := apply(t, rule, Text("garbage"), tablecfg.CleaningOptions{})
			assert.Error(t, err)
			assert.True(t, got.IsNull())
		})
	}
	_, err := apply(t, RuleParseInt, Text("1.5"), tablecfg.CleaningOptions{})
	assert.Error(t, err)
}

func TestParseIntOutOfRange(t *testing.T) {
	for _, in := range []Value{
		Text("1e20"),
		Text("-1e19"),
		Text("9223372036854775808"),
		Text("Inf"),
		Of(1e20),
		Of(decimal.RequireFromString("99999999999999999999")),
	} {
		t.Run(in.String(), func(t *testing.T) {
			got, err := apply(t, RuleParseInt, in, tablecfg.CleaningOptions{})
			require.Error(t, err)
			assert.True(t, got.IsNull())
		})
	}

	got, err := apply(t, RuleParseInt, Text("-9.2e18"), tablecfg.CleaningOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(-9200000000000000000), got.Interface())
}

func TestParseDates(t *testing.T) {
	got, err := apply(t, RuleParseDate, Text("03/15/2019"), tablecfg.CleaningOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2019-03-15", got.String())

	got, err = apply(t, RuleParseDate, Text("2019-03-15 13:45:00.000"), tablecfg.CleaningOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2019-03-15", got.String(), "datetime input is truncated to the day")

	opts := tablecfg.CleaningOptions{DateFormats: []string{"02.01.2006"}}
	got, err = apply(t, RuleParseDate, Text("15.03.2019"), opts)
	require.NoError(t, err)
	assert.Equal(t, "2019-03-15", got.String())

	got, err = apply(t, RuleParseMSSQLDateTime, Text("2019-03-15 13:45:10.123"), tablecfg.CleaningOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2019-03-15 13:45:10", got.String())

	got, err = apply(t, RuleParseMSSQLDateTime, Text("Mar  5 2019  1:30PM"), tablecfg.CleaningOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2019-03-05 13:30:00", got.String())
}

func TestNormalizeGrade(t *testing.T) {
	got, err := apply(t, RuleNormalizeGrade, Text(" b + "), tablecfg.CleaningOptions{})
	require.NoError(t, err)
	assert.Equal(t, "B+", got.String())

	got, err = apply(t, RuleNormalizeGrade, Text("pass"), tablecfg.CleaningOptions{})
	require.NoError(t, err)
	assert.Equal(t, "PASS", got.String())

	flags := tablecfg.CleaningOptions{Flags: map[string]bool{"grade_normalization": true}}
	got, err = apply(t, RuleNormalizeGrade, Text("pass"), flags)
	require.NoError(t, err)
	assert.Equal(t, "P", got.String())
}
