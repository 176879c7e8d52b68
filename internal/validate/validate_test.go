package validate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sis-migrate/internal/clean"
	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

func dec(s string) clean.Value { return clean.Of(decimal.RequireFromString(s)) }

func day(y int, m time.Month, d int) clean.Value {
	return clean.Of(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

func fields(errs []FieldError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Field
	}
	return out
}

func enrollment() Record {
	return Record{
		"student_legacy_id": clean.Text("18001"),
		"class_code":        clean.Text("EHSS-7A"),
		"term_code":         clean.Text("2019T1"),
		"grade":             clean.Text("B+"),
		"grade_points":      dec("3.3"),
		"credit_hours":      dec("3"),
		"total_points":      dec("9.9"),
		"is_passed":         clean.Of(true),
	}
}

func TestClassEnrollments(t *testing.T) {
	v := ClassEnrollments()

	t.Run("valid record", func(t *testing.T) {
		assert.Empty(t, v.Validate(enrollment()))
		assert.InDelta(t, 1.0, v.QualityScore(enrollment()), 1e-9)
	})

	t.Run("passing grade requires is_passed", func(t *testing.T) {
		rec := enrollment()
		rec["is_passed"] = clean.Of(false)
		errs := v.Validate(rec)
		require.Len(t, errs, 1)
		assert.Equal(t, "passing_grade_is_passed", errs[0].Field)
		assert.Equal(t, KindCross, errs[0].Kind)
	})

	t.Run("failing grade may be not passed", func(t *testing.T) {
		rec := enrollment()
		rec["grade"] = clean.Text("F")
		rec["is_passed"] = clean.Of(false)
		assert.Empty(t, v.Validate(rec))
	})

	t.Run("total points tolerance", func(t *testing.T) {
		rec := enrollment()
		rec["total_points"] = dec("9.905")
		assert.Empty(t, v.Validate(rec), "within 0.01")

		rec["total_points"] = dec("9.8")
		assert.Equal(t, []string{"total_points_consistent"}, fields(v.Validate(rec)))
	})

	t.Run("range tag", func(t *testing.T) {
		rec := enrollment()
		rec["grade_points"] = dec("4.5")
		rec["total_points"] = dec("13.5")
		errs := v.Validate(rec)
		require.Len(t, errs, 1)
		assert.Equal(t, "grade_points", errs[0].Field)
		assert.Equal(t, "lte", errs[0].Tag)
	})

	t.Run("missing required", func(t *testing.T) {
		rec := enrollment()
		rec["class_code"] = clean.Null()
		errs := v.Validate(rec)
		require.Len(t, errs, 1)
		assert.Equal(t, KindRequired, errs[0].Kind)
		assert.InDelta(t, 0.6*2.0/3.0+0.3+0.1, v.QualityScore(rec), 1e-9)
	})
}

func TestTerms(t *testing.T) {
	v := Terms()
	rec := Record{
		"term_code":  clean.Text("2019T1"),
		"start_date": day(2019, 1, 7),
		"end_date":   day(2019, 4, 26),
	}
	assert.Empty(t, v.Validate(rec))

	rec["end_date"] = day(2018, 12, 1)
	assert.Equal(t, []string{"term_dates_ordered"}, fields(v.Validate(rec)))
}

func TestReceipts(t *testing.T) {
	v := Receipts()
	rec := Record{
		"receipt_no":        clean.Text("R-1"),
		"student_legacy_id": clean.Text("18001"),
		"term_code":         clean.Text("2019T1"),
		"amount":            dec("200"),
		"discount":          dec("20"),
		"net_amount":        dec("180"),
	}
	assert.Empty(t, v.Validate(rec))

	rec["net_amount"] = dec("150")
	assert.Equal(t, []string{"net_amount_consistent"}, fields(v.Validate(rec)))

	rec["net_amount"] = dec("180")
	rec["amount"] = dec("-5")
	assert.Contains(t, fields(v.Validate(rec)), "amount")
}

func TestStudents(t *testing.T) {
	v := Students()
	rec := Record{
		"legacy_id": clean.Text("18001"),
		"full_name": clean.Text("Sok Dara"),
		"email":     clean.Text("not-an-email"),
		"gender":    clean.Text("X"),
	}
	errs := v.Validate(rec)
	assert.ElementsMatch(t, []string{"email", "gender"}, fields(errs))
	assert.Equal(t, "email:email; gender:oneof", JoinErrors(errs))
}

func TestQualityScoreAndReview(t *testing.T) {
	v := Students()
	bare := Record{"legacy_id": clean.Text("1"), "full_name": clean.Text("A")}
	score := v.QualityScore(bare)
	assert.InDelta(t, 0.7, score, 1e-9)
	assert.False(t, NeedsReview(score))

	empty := v.QualityScore(Record{})
	assert.InDelta(t, 0.1, empty, 1e-9)
	assert.True(t, NeedsReview(empty))
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	for _, name := range []string{"students", "terms", "academic_classes", "class_enrollments", "receipts"} {
		v, ok := r.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, name, v.Name())
	}
	assert.Error(t, r.Register(Students()))
	require.NoError(t, r.Register(NewRuleValidator("custom")))

	_, err := r.ForTable(&tablecfg.TableConfig{Name: "x", Validator: "ghost"})
	assert.Error(t, err)

	got, err := r.ForTable(&tablecfg.TableConfig{Name: "x", Validator: "terms"})
	require.NoError(t, err)
	assert.Equal(t, "terms", got.Name())
}

func TestFallback(t *testing.T) {
	tc := &tablecfg.TableConfig{
		Name: "misc",
		Columns: []tablecfg.ColumnMapping{
			{Target: "id", Priority: tablecfg.PriorityCritical},
			{Target: "note", Nullable: true, Priority: tablecfg.PriorityImportant},
			{Target: "extra", Nullable: true},
			{Target: "code"},
		},
	}
	v, err := DefaultRegistry().ForTable(tc)
	require.NoError(t, err)
	rv := v.(*RuleValidator)
	assert.Equal(t, "misc", rv.Name())
	assert.Equal(t, []string{"id", "code"}, rv.Required)
	assert.Equal(t, []string{"note"}, rv.Valuable)
}

func TestTally(t *testing.T) {
	var tally Tally
	tally.Add(nil, 1)
	tally.Add(nil, 0.9)
	tally.Add([]FieldError{{Field: "amount", Kind: KindField}}, 0.8)
	tally.Add([]FieldError{{Field: "net_amount_consistent", Kind: KindCross}}, 0.5)

	assert.Equal(t, 4, tally.Total)
	assert.Equal(t, 2, tally.Valid)
	assert.Equal(t, 2, tally.Invalid)
	assert.Equal(t, 3, tally.Consistent)
	assert.Equal(t, 1, tally.NeedsReview)
	assert.InDelta(t, 50.0, tally.PassRate(), 1e-9)
	assert.InDelta(t, 50.0, tally.ErrorRate(), 1e-9)
	assert.InDelta(t, 75.0, tally.ConsistencyRate(), 1e-9)
	assert.InDelta(t, 0.8, tally.AverageScore(), 1e-9)
	assert.Equal(t, map[string]int{"amount": 1, "net_amount_consistent": 1}, tally.FieldFailure)

	assert.Empty(t, tally.Evaluate(tablecfg.Thresholds{}))
	assert.Equal(t,
		[]string{"min_completeness", "min_consistency", "max_error_rate"},
		tally.Evaluate(tablecfg.Thresholds{MinCompleteness: 90, MinConsistency: 80, MaxErrorRate: 10}))
	assert.Empty(t, tally.Evaluate(tablecfg.Thresholds{MinCompleteness: 50, MinConsistency: 75, MaxErrorRate: 50}))

	var empty Tally
	assert.InDelta(t, 100.0, empty.PassRate(), 1e-9)
	assert.Zero(t, empty.AverageScore())
}
