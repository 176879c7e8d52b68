package pipeline

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sis-migrate/internal/staging"
	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

const (
	maxDistinctTracked = 10000
	topValueCount      = 5
)

type columnStats struct {
	total, nulls   int
	minLen, maxLen int
	counts         map[string]int
	capped         bool
	ints, floats   int
	bools, dates   int
}

var profileDateLayouts = []string{
	"2006-01-02", "2006-01-02 15:04:05", "2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05", "01/02/2006", "1/2/2006",
}

// profileStage computes per-column statistics over the raw slot.
func (o *Orchestrator) profileStage(ctx context.Context, st *staging.Store, prev *ImportOutput) (*ProfileOutput, error) {
	if prev == nil {
		if err := o.requireSlot(ctx, st, o.table.RawTable); err != nil {
			return nil, err
		}
	}
	cols := o.table.SourceColumns()
	stats := make([]*columnStats, len(cols))
	for i := range stats {
		stats[i] = &columnStats{counts: make(map[string]int), minLen: -1}
	}

	rows := 0
	err := o.eachPage(ctx, st, o.table.RawTable, cols, func(page []staging.Row) error {
		for _, r := range page {
			rows++
			for i, c := range cols {
				stats[i].add(r.Get(c))
			}
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: profile")
	}

	out := &ProfileOutput{RawTable: o.table.RawTable, Rows: rows}
	for i, c := range cols {
		out.Columns = append(out.Columns, stats[i].profile(c))
	}
	return out, nil
}

func (s *columnStats) add(v *string) {
	s.total++
	if v == nil || strings.TrimSpace(*v) == "" {
		s.nulls++
		return
	}
	text := strings.TrimSpace(*v)
	n := utf8.RuneCountInString(text)
	if s.minLen < 0 || n < s.minLen {
		s.minLen = n
	}
	if n > s.maxLen {
		s.maxLen = n
	}
	if _, seen := s.counts[text]; seen || len(s.counts) < maxDistinctTracked {
		s.counts[text]++
	} else {
		s.capped = true
	}

	if _, err := strconv.ParseInt(text, 10, 64); err == nil {
		s.ints++
	}
	if _, err := strconv.ParseFloat(text, 64); err == nil {
		s.floats++
	}
	if _, err := strconv.ParseBool(text); err == nil {
		s.bools++
	}
	for _, layout := range profileDateLayouts {
		if _, err := time.Parse(layout, text); err == nil {
			s.dates++
			break
		}
	}
}

func (s *columnStats) profile(name string) ColumnProfile {
	p := ColumnProfile{
		Column:         name,
		Total:          s.total,
		Nulls:          s.nulls,
		Distinct:       len(s.counts),
		DistinctCapped: s.capped,
		MaxLength:      s.maxLen,
		InferredType:   s.inferType(),
	}
	if s.minLen > 0 {
		p.MinLength = s.minLen
	}
	if s.total > 0 {
		p.Completeness = float64(s.total-s.nulls) / float64(s.total) * 100
	}

	for v, n := range s.counts {
		p.TopValues = append(p.TopValues, ValueCount{Value: v, Count: n})
	}
	slices.SortFunc(p.TopValues, func(a, b ValueCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Value, b.Value)
	})
	if len(p.TopValues) > topValueCount {
		p.TopValues = p.TopValues[:topValueCount]
	}
	return p
}

// inferType picks the narrowest type every non-null value parses as.
func (s *columnStats) inferType() string {
	present := s.total - s.nulls
	switch {
	case present == 0:
		return tablecfg.TypeString
	case s.ints == present:
		return tablecfg.TypeInt
	case s.floats == present:
		return tablecfg.TypeDecimal
	case s.bools == present:
		return tablecfg.TypeBool
	case s.dates == present:
		return tablecfg.TypeDate
	default:
		return tablecfg.TypeString
	}
}
