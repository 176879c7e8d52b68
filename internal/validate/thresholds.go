package validate

import "github.com/sells-group/sis-migrate/internal/tablecfg"

// Tally accumulates per-record outcomes for one table.
type Tally struct {
	Total        int            `json:"total"`
	Valid        int            `json:"valid"`
	Invalid      int            `json:"invalid"`
	Consistent   int            `json:"consistent"`
	NeedsReview  int            `json:"needs_review"`
	ScoreSum     float64        `json:"-"`
	FieldFailure map[string]int `json:"field_failures"`
}

// Add folds one record's errors and score into the tally.
func (t *Tally) Add(errs []FieldError, score float64) {
	if t.FieldFailure == nil {
		t.FieldFailure = make(map[string]int)
	}
	t.Total++
	t.ScoreSum += score
	if len(errs) == 0 {
		t.Valid++
	} else {
		t.Invalid++
	}
	if !HasCrossErrors(errs) {
		t.Consistent++
	}
	if NeedsReview(score) {
		t.NeedsReview++
	}
	for _, e := range errs {
		t.FieldFailure[e.Field]++
	}
}

// PassRate is the percentage of valid records.
func (t Tally) PassRate() float64 { return pct(t.Valid, t.Total) }

// ErrorRate is the percentage of invalid records.
func (t Tally) ErrorRate() float64 { return pct(t.Invalid, t.Total) }

// ConsistencyRate is the percentage of records passing every cross check.
func (t Tally) ConsistencyRate() float64 { return pct(t.Consistent, t.Total) }

// AverageScore is the mean quality score.
func (t Tally) AverageScore() float64 {
	if t.Total == 0 {
		return 0
	}
	return t.ScoreSum / float64(t.Total)
}

// Evaluate compares the tally with a table's thresholds. Zero thresholds are
// not checked. The returned slice names each threshold missed.
func (t Tally) Evaluate(th tablecfg.Thresholds) []string {
	var missed []string
	if th.MinCompleteness > 0 && t.PassRate() < th.MinCompleteness {
		missed = append(missed, "min_completeness")
	}
	if th.MinConsistency > 0 && t.ConsistencyRate() < th.MinConsistency {
		missed = append(missed, "min_consistency")
	}
	if th.MaxErrorRate > 0 && t.ErrorRate() > th.MaxErrorRate {
		missed = append(missed, "max_error_rate")
	}
	return missed
}

func pct(n, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(n) / float64(total) * 100
}
