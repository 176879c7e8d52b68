package validate

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/sis-migrate/internal/clean"
)

// Tolerance for monetary and grade-point arithmetic checks.
var Tolerance = decimal.RequireFromString("0.01")

var passingGrades = map[string]bool{
	"A+": true, "A": true, "A-": true,
	"B+": true, "B": true, "B-": true,
	"C+": true, "C": true, "C-": true,
	"D+": true, "D": true, "D-": true,
	"P": true,
}

// Students validates student master rows.
func Students() *RuleValidator {
	v := NewRuleValidator("students")
	v.Required = []string{"legacy_id", "full_name"}
	v.Valuable = []string{"birth_date", "email", "khmer_name", "gender"}
	v.Fields = []FieldRule{
		{Field: "email", Tag: "email"},
		{Field: "gender", Tag: "oneof=M F MALE FEMALE"},
		{Field: "legacy_id", Tag: "max=20"},
	}
	v.Checks = []CrossCheck{
		{Name: "birth_date_in_past", Fn: func(r Record) error {
			bd, ok := timeOf(r["birth_date"])
			if ok && bd.After(time.Now()) {
				return eris.New("birth_date is in the future")
			}
			return nil
		}},
	}
	return v
}

// Terms validates academic terms.
func Terms() *RuleValidator {
	v := NewRuleValidator("terms")
	v.Required = []string{"term_code", "start_date", "end_date"}
	v.Valuable = []string{"description", "term_type"}
	v.Checks = []CrossCheck{
		{Name: "term_dates_ordered", Fn: func(r Record) error {
			start, ok1 := timeOf(r["start_date"])
			end, ok2 := timeOf(r["end_date"])
			if ok1 && ok2 && end.Before(start) {
				return eris.New("end_date precedes start_date")
			}
			return nil
		}},
	}
	return v
}

// AcademicClasses validates class sections.
func AcademicClasses() *RuleValidator {
	v := NewRuleValidator("academic_classes")
	v.Required = []string{"class_code", "term_code"}
	v.Valuable = []string{"course_title", "credit_hours"}
	v.Fields = []FieldRule{{Field: "credit_hours", Tag: "gte=0,lte=12"}}
	return v
}

// ClassEnrollments validates enrollment rows.
func ClassEnrollments() *RuleValidator {
	v := NewRuleValidator("class_enrollments")
	v.Required = []string{"student_legacy_id", "class_code", "term_code"}
	v.Valuable = []string{"grade", "credit_hours", "grade_points"}
	v.Fields = []FieldRule{
		{Field: "grade_points", Tag: "gte=0,lte=4"},
		{Field: "credit_hours", Tag: "gte=0,lte=12"},
		{Field: "total_points", Tag: "gte=0"},
	}
	v.Checks = []CrossCheck{
		{Name: "passing_grade_is_passed", Fn: func(r Record) error {
			grade, ok := r["grade"].AsString()
			if !ok || !passingGrades[grade] {
				return nil
			}
			if passed, ok := r["is_passed"].Interface().(bool); ok && !passed {
				return eris.Errorf("grade %s is passing but is_passed is false", grade)
			}
			return nil
		}},
		{Name: "total_points_consistent", Fn: func(r Record) error {
			gp, ok1 := decimalOf(r["grade_points"])
			ch, ok2 := decimalOf(r["credit_hours"])
			tp, ok3 := decimalOf(r["total_points"])
			if !ok1 || !ok2 || !ok3 {
				return nil
			}
			want := gp.Mul(ch)
			if tp.Sub(want).Abs().GreaterThan(Tolerance) {
				return eris.Errorf("total_points %s != grade_points x credit_hours %s", tp, want)
			}
			return nil
		}},
	}
	return v
}

// Receipts validates legacy receipt headers.
func Receipts() *RuleValidator {
	v := NewRuleValidator("receipts")
	v.Required = []string{"receipt_no", "student_legacy_id", "term_code", "amount"}
	v.Valuable = []string{"payment_date", "payment_type", "net_amount"}
	v.Fields = []FieldRule{
		{Field: "amount", Tag: "gte=0"},
		{Field: "discount", Tag: "gte=0"},
		{Field: "net_amount", Tag: "gte=0"},
	}
	v.Checks = []CrossCheck{
		{Name: "net_amount_consistent", Fn: func(r Record) error {
			amount, ok1 := decimalOf(r["amount"])
			net, ok2 := decimalOf(r["net_amount"])
			if !ok1 || !ok2 {
				return nil
			}
			discount, _ := decimalOf(r["discount"])
			want := amount.Sub(discount)
			if net.Sub(want).Abs().GreaterThan(Tolerance) {
				return eris.Errorf("net_amount %s != amount - discount %s", net, want)
			}
			return nil
		}},
	}
	return v
}

func decimalOf(v clean.Value) (decimal.Decimal, bool) {
	switch x := v.Interface().(type) {
	case decimal.Decimal:
		return x, true
	case int64:
		return decimal.NewFromInt(x), true
	case float64:
		return decimal.NewFromFloat(x), true
	}
	return decimal.Zero, false
}

func timeOf(v clean.Value) (time.Time, bool) {
	t, ok := v.Interface().(time.Time)
	return t, ok
}
