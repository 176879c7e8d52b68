package reconstruct

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/sis-migrate/internal/config"
)

// CostBreakdown is the theoretical tuition for a student in a term.
type CostBreakdown struct {
	Tuition   decimal.Decimal
	Courses   int
	Credits   decimal.Decimal
	Total     decimal.Decimal
	FromRates bool
}

// Eligibility is the outcome of an early-bird check.
type Eligibility string

// Early-bird outcomes.
const (
	EarlyBirdEligible   Eligibility = "eligible"
	EarlyBirdIneligible Eligibility = "ineligible"
	EarlyBirdUnknown    Eligibility = "unknown"
)

// Pricing computes theoretical totals. Implementations are pure.
type Pricing interface {
	CalculateTotalCost(ctx context.Context, student *Student, term *Term, enrollments []Enrollment) (CostBreakdown, error)
	CheckEarlyBirdEligibility(student *Student, term *Term, paidAt *time.Time) Eligibility
}

// RatePricing charges per credit hour, or a flat rate for classes without
// credit hours.
type RatePricing struct {
	PerCreditHour    decimal.Decimal
	PerCourse        decimal.Decimal
	EarlyBirdDays    int
	EarlyBirdPercent float64
}

// NewRatePricing builds pricing from configuration.
func NewRatePricing(cfg config.PricingConfig) (*RatePricing, error) {
	perCredit, err := decimal.NewFromString(cfg.PerCreditHour)
	if err != nil {
		return nil, eris.Wrapf(err, "reconstruct: pricing.per_credit_hour %q", cfg.PerCreditHour)
	}
	perCourse, err := decimal.NewFromString(cfg.PerCourse)
	if err != nil {
		return nil, eris.Wrapf(err, "reconstruct: pricing.per_course %q", cfg.PerCourse)
	}
	if perCredit.IsNegative() || perCourse.IsNegative() {
		return nil, eris.New("reconstruct: pricing rates must not be negative")
	}
	return &RatePricing{
		PerCreditHour:    perCredit,
		PerCourse:        perCourse,
		EarlyBirdDays:    cfg.EarlyBirdDays,
		EarlyBirdPercent: cfg.EarlyBirdPercent,
	}, nil
}

// CalculateTotalCost prices the enrollments. No enrollments yields a zero
// total with FromRates false.
func (p *RatePricing) CalculateTotalCost(_ context.Context, _ *Student, _ *Term, enrollments []Enrollment) (CostBreakdown, error) {
	var b CostBreakdown
	for _, e := range enrollments {
		if e.CreditHours.IsNegative() {
			return CostBreakdown{}, eris.Errorf("negative credit hours for class %s", e.ClassCode)
		}
		b.Courses++
		if e.CreditHours.IsPositive() {
			b.Credits = b.Credits.Add(e.CreditHours)
			b.Tuition = b.Tuition.Add(e.CreditHours.Mul(p.PerCreditHour))
		} else {
			b.Tuition = b.Tuition.Add(p.PerCourse)
		}
	}
	b.Total = b.Tuition.Round(2)
	b.FromRates = b.Courses > 0
	return b, nil
}

// CheckEarlyBirdEligibility reports whether payment arrived at least
// EarlyBirdDays before the term started.
func (p *RatePricing) CheckEarlyBirdEligibility(_ *Student, term *Term, paidAt *time.Time) Eligibility {
	if term == nil || term.StartDate == nil || paidAt == nil {
		return EarlyBirdUnknown
	}
	deadline := term.StartDate.AddDate(0, 0, -p.EarlyBirdDays)
	if paidAt.After(deadline) {
		return EarlyBirdIneligible
	}
	return EarlyBirdEligible
}
