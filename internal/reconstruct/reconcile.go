package reconstruct

import (
	"github.com/shopspring/decimal"
)

// Validation statuses stored on receipt mappings.
const (
	StatusReconciled   = "reconciled"
	StatusNeedsReview  = "needs_review"
	StatusHighVariance = "high_variance"
)

// Reconciliation compares the theoretical total with what was charged.
type Reconciliation struct {
	Theoretical  decimal.Decimal
	Actual       decimal.Decimal
	Variance     decimal.Decimal
	VariancePct  float64
	NeedsReview  bool
	HighVariance bool
}

// Reconcile computes variance = theoretical - actual and its size relative
// to theoretical, in percent. A zero theoretical total has no meaningful
// percentage and is never flagged.
func Reconcile(theoretical, actual decimal.Decimal, reviewPct, highPct float64) Reconciliation {
	r := Reconciliation{
		Theoretical: theoretical,
		Actual:      actual,
		Variance:    theoretical.Sub(actual),
	}
	if theoretical.IsZero() {
		return r
	}
	r.VariancePct, _ = r.Variance.Abs().Div(theoretical.Abs()).Mul(decimal.NewFromInt(100)).Round(4).Float64()
	r.NeedsReview = r.VariancePct > reviewPct
	r.HighVariance = r.VariancePct > highPct
	return r
}

// Status returns the mapping validation status.
func (r Reconciliation) Status() string {
	switch {
	case r.HighVariance:
		return StatusHighVariance
	case r.NeedsReview:
		return StatusNeedsReview
	default:
		return StatusReconciled
	}
}
