package clean

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

func strPtr(s string) *string { return &s }

func TestValue_Null(t *testing.T) {
	var zero Value
	assert.True(t, zero.IsNull())
	assert.True(t, Null().IsNull())
	assert.Nil(t, Null().Interface())
	assert.Nil(t, Null().Canonical())
	assert.Equal(t, "", Null().String())
	assert.True(t, Of(nil).IsNull())
	assert.True(t, Of((*string)(nil)).IsNull())
}

func TestValue_String(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"text", Text("abc"), "abc"},
		{"empty text is not null", Text(""), ""},
		{"int", Of(42), "42"},
		{"float", Of(2.5), "2.5"},
		{"bool", Of(true), "true"},
		{"decimal", Of(decimal.RequireFromString("12.50")), "12.5"},
		{"date", Of(time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)), "2019-03-04"},
		{"datetime", Of(time.Date(2019, 3, 4, 8, 30, 0, 0, time.UTC)), "2019-03-04 08:30:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.String())
			assert.False(t, tt.v.IsNull())
		})
	}
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, Null().Equal(Null()))
	assert.False(t, Null().Equal(Text("")))
	assert.True(t, Of(int64(3)).Equal(Text("3")))
	assert.False(t, Text("a").Equal(Text("b")))
}

func TestFromCanonical(t *testing.T) {
	v, err := FromCanonical(nil, tablecfg.TypeInt)
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	v, err = FromCanonical(strPtr("42"), tablecfg.TypeInt)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Interface())

	v, err = FromCanonical(strPtr("3.25"), tablecfg.TypeDecimal)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("3.25").Equal(v.Interface().(decimal.Decimal)))

	v, err = FromCanonical(strPtr("true"), tablecfg.TypeBool)
	require.NoError(t, err)
	assert.Equal(t, true, v.Interface())

	v, err = FromCanonical(strPtr("2020-01-15"), tablecfg.TypeDateTime)
	require.NoError(t, err)
	assert.Equal(t, "2020-01-15", v.String())

	v, err = FromCanonical(strPtr("2020-01-15 10:00:00"), tablecfg.TypeDateTime)
	require.NoError(t, err)
	assert.Equal(t, "2020-01-15 10:00:00", v.String())

	v, err = FromCanonical(strPtr("hello"), tablecfg.TypeString)
	require.NoError(t, err)
	assert.Equal(t, "hello", v.Interface())

	_, err = FromCanonical(strPtr("abc"), tablecfg.TypeInt)
	assert.Error(t, err)
	_, err = FromCanonical(strPtr("yesterday"), tablecfg.TypeDate)
	assert.Error(t, err)
}

func TestCanonicalRoundTrip(t *testing.T) {
	values := map[string]Value{
		tablecfg.TypeInt:      Of(int64(-7)),
		tablecfg.TypeFloat:    Of(0.125),
		tablecfg.TypeDecimal:  Of(decimal.RequireFromString("1000.01")),
		tablecfg.TypeBool:     Of(false),
		tablecfg.TypeDateTime: Of(time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)),
	}
	for typ, v := range values {
		t.Run(typ, func(t *testing.T) {
			back, err := FromCanonical(v.Canonical(), typ)
			require.NoError(t, err)
			assert.True(t, v.Equal(back))
		})
	}
}
