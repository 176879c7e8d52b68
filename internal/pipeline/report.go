package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FormatReport renders a markdown report of one table run.
func FormatReport(r *Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Pipeline Report: %s\n", r.Table)
	fmt.Fprintf(&b, "Stages: %s .. %s\n", r.StartStage, r.EndStage)
	if r.DryRun {
		b.WriteString("Mode: dry run (rolled back)\n")
	}
	b.WriteString("\n")

	b.WriteString("## Summary\n")
	status := "success"
	if !r.Success {
		status = "failed"
	}
	fmt.Fprintf(&b, "- Status: %s\n", status)
	fmt.Fprintf(&b, "- Last completed stage: %d\n", r.StageCompleted)
	fmt.Fprintf(&b, "- Records: %d total, %d valid, %d invalid\n", r.TotalRecords, r.ValidRecords, r.InvalidRecords)
	fmt.Fprintf(&b, "- Duration: %s\n\n", r.Duration.Round(time.Millisecond))

	b.WriteString("## Stages\n")
	for _, s := range r.Stages {
		fmt.Fprintf(&b, "- %s: %s (%dms)\n", s.Name, s.Status, s.Duration)
		if s.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", s.Error)
		}
	}
	b.WriteString("\n")

	out := r.Outputs
	if out.Import != nil {
		b.WriteString("## Import\n")
		fmt.Fprintf(&b, "- Rows: %d into %s\n", out.Import.Rows, out.Import.RawTable)
		if len(out.Import.MissingColumns) > 0 {
			fmt.Fprintf(&b, "- Missing columns: %s\n", strings.Join(out.Import.MissingColumns, ", "))
		}
		if len(out.Import.ExtraColumns) > 0 {
			fmt.Fprintf(&b, "- Ignored columns: %s\n", strings.Join(out.Import.ExtraColumns, ", "))
		}
		b.WriteString("\n")
	}

	if out.Profile != nil {
		b.WriteString("## Profile\n")
		b.WriteString("| Column | Type | Complete | Distinct | Length | Top value |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, c := range out.Profile.Columns {
			top := ""
			if len(c.TopValues) > 0 {
				top = fmt.Sprintf("%s (%d)", c.TopValues[0].Value, c.TopValues[0].Count)
			}
			distinct := fmt.Sprintf("%d", c.Distinct)
			if c.DistinctCapped {
				distinct += "+"
			}
			fmt.Fprintf(&b, "| %s | %s | %.1f%% | %s | %d-%d | %s |\n",
				c.Column, c.InferredType, c.Completeness, distinct, c.MinLength, c.MaxLength, top)
		}
		b.WriteString("\n")
	}

	if out.Clean != nil {
		b.WriteString("## Cleaning\n")
		fmt.Fprintf(&b, "- Rows: %d, issues: %d\n", out.Clean.Rows, out.Clean.Issues)
		for _, col := range sortedKeys(out.Clean.IssueCounts) {
			fmt.Fprintf(&b, "  - %s: %d\n", col, out.Clean.IssueCounts[col])
		}
		if out.Clean.CacheHits+out.Clean.CacheMisses > 0 {
			fmt.Fprintf(&b, "- Cache: %d hits, %d misses\n", out.Clean.CacheHits, out.Clean.CacheMisses)
		}
		b.WriteString("\n")
	}

	if out.Validate != nil {
		t := out.Validate.Tally
		b.WriteString("## Validation\n")
		fmt.Fprintf(&b, "- Pass rate: %.1f%%\n", t.PassRate())
		fmt.Fprintf(&b, "- Consistency: %.1f%%\n", t.ConsistencyRate())
		fmt.Fprintf(&b, "- Error rate: %.1f%%\n", t.ErrorRate())
		fmt.Fprintf(&b, "- Average quality: %.2f, %d need review\n", t.AverageScore(), t.NeedsReview)
		if out.Validate.MeetsThresholds {
			b.WriteString("- Thresholds: met\n")
		} else {
			fmt.Fprintf(&b, "- Thresholds missed: %s\n", strings.Join(out.Validate.ThresholdsMissed, ", "))
		}
		for _, f := range sortedKeys(t.FieldFailure) {
			fmt.Fprintf(&b, "  - %s: %d\n", f, t.FieldFailure[f])
		}
		b.WriteString("\n")
	}

	if out.Transform != nil {
		b.WriteString("## Transform\n")
		fmt.Fprintf(&b, "- Rows: %d into %s (%d invalid skipped, %d codes mapped)\n\n",
			out.Transform.Rows, out.Transform.TargetTable, out.Transform.Skipped, out.Transform.CodeMapped)
	}

	if out.Split != nil {
		b.WriteString("## Split\n")
		fmt.Fprintf(&b, "- %d rows into %d rows of %s\n\n", out.Split.InputRows, out.Split.OutputRows, out.Split.SplitTable)
	}

	if len(r.Errors) > 0 {
		b.WriteString("## Errors\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}

	return b.String()
}

// FormatMultiTableReport renders a markdown report of a multi-table clean.
func FormatMultiTableReport(s *MultiTableSummary) string {
	var b strings.Builder

	b.WriteString("# Dependency-Aware Cleaning Report\n")
	fmt.Fprintf(&b, "Order: %s\n", strings.Join(s.Order, " -> "))
	if s.DryRun {
		b.WriteString("Mode: dry run (rolled back)\n")
	}
	b.WriteString("\n")

	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- Tables: %d\n", len(s.Tables))
	fmt.Fprintf(&b, "- Rows cleaned: %d\n", s.TotalRows)
	fmt.Fprintf(&b, "- Cache: %d entries, %d hits, %d misses (%.1f%% hit rate)\n",
		s.CacheTotals.Entries, s.CacheTotals.Hits, s.CacheTotals.Misses, s.CacheTotals.HitRate*100)
	fmt.Fprintf(&b, "- Duration: %s\n\n", s.Duration.Round(time.Millisecond))

	b.WriteString("## Tables\n")
	for _, t := range s.Tables {
		role := "detail"
		if t.Header {
			role = "header"
		}
		rows, issues := 0, 0
		if t.Result != nil && t.Result.Outputs.Clean != nil {
			rows = t.Result.Outputs.Clean.Rows
			issues = t.Result.Outputs.Clean.Issues
		}
		fmt.Fprintf(&b, "- %s (%s): %d rows, %d issues", t.Table, role, rows, issues)
		if t.CacheLoaded > 0 {
			fmt.Fprintf(&b, ", %d values cached", t.CacheLoaded)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString("## Optimization\n")
	if len(s.Optimization) == 0 {
		b.WriteString("No shared fields.\n")
	}
	for _, o := range s.Optimization {
		fmt.Fprintf(&b, "- **%s**: %d cached values, %d hits, %d misses, %d cleaning operations avoided\n",
			o.Key, o.CachedValues, o.Hits, o.Misses, o.OperationsAvoided)
		if len(o.DetailColumns) > 0 {
			fmt.Fprintf(&b, "  Used by: %s\n", strings.Join(o.DetailColumns, ", "))
		}
	}

	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
