package reconstruct

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sis-migrate/internal/notes"
)

// FormatSummary renders the batch summary as markdown.
func FormatSummary(s *Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# A/R Reconstruction: %s\n", s.BatchID)
	fmt.Fprintf(&b, "Mode: %s\n", s.Mode)
	if s.SourceFile != "" {
		fmt.Fprintf(&b, "Source: %s\n", s.SourceFile)
	}
	if s.DryRun {
		b.WriteString("Dry run: nothing was persisted\n")
	}
	b.WriteString("\n")

	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- Status: %s\n", s.Status)
	fmt.Fprintf(&b, "- Rows read: %d (%d deleted excluded, %d malformed skipped)\n", s.Rows, s.DeletedExcluded, s.Skipped)
	fmt.Fprintf(&b, "- Processed: %d\n", s.Processed)
	fmt.Fprintf(&b, "- Succeeded: %d\n", s.Succeeded)
	fmt.Fprintf(&b, "- Failed: %d\n", s.Failed)
	fmt.Fprintf(&b, "- Success rate: %.1f%%\n", s.SuccessRate()*100)
	fmt.Fprintf(&b, "- Duration: %s\n", s.Duration.Round(time.Millisecond))
	if s.StopReason != "" {
		fmt.Fprintf(&b, "- Stopped: %s\n", s.StopReason)
	}
	b.WriteString("\n")

	b.WriteString("## Reconciliation\n")
	fmt.Fprintf(&b, "- Needs review: %d\n", s.NeedsReview)
	fmt.Fprintf(&b, "- High variance: %d\n", s.HighVariance)
	fmt.Fprintf(&b, "- Net variance: %s\n\n", s.TotalVariance.StringFixed(2))

	if s.Failed > 0 {
		b.WriteString("## Rejections\n")
		for _, c := range Categories {
			if n := s.Categories[c]; n > 0 {
				fmt.Fprintf(&b, "- %s: %d\n", c, n)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Notes Processing\n")
	breakdown := s.Notes.TierBreakdown()
	for _, t := range notes.Tiers {
		c := breakdown[t]
		fmt.Fprintf(&b, "- %s: %d (%.1f%%)\n", t, c.Count, c.Percentage)
	}
	fmt.Fprintf(&b, "- With extracted adjustment: %d\n", s.Notes.WithAdjustment)

	return b.String()
}

// WriteReports writes <batch>_summary.md and <batch>_records.csv to dir and
// returns their paths.
func WriteReports(dir string, s *Summary) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "reconstruct: create reports dir %s", dir)
	}

	summaryPath := filepath.Join(dir, s.BatchID+"_summary.md")
	if err := os.WriteFile(summaryPath, []byte(FormatSummary(s)), 0o644); err != nil {
		return nil, eris.Wrap(err, "reconstruct: write summary report")
	}

	recordsPath := filepath.Join(dir, s.BatchID+"_records.csv")
	outcomes := s.Outcomes
	if outcomes == nil {
		outcomes = []Outcome{}
	}
	data, err := csvutil.Marshal(outcomes)
	if err != nil {
		return nil, eris.Wrap(err, "reconstruct: encode records report")
	}
	if err := os.WriteFile(recordsPath, data, 0o644); err != nil {
		return nil, eris.Wrap(err, "reconstruct: write records report")
	}
	return []string{summaryPath, recordsPath}, nil
}
