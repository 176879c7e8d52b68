package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sis-migrate/internal/notes"
	"github.com/sells-group/sis-migrate/internal/source"
)

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Inspect legacy receipt notes",
}

var notesClassifyCmd = &cobra.Command{
	Use:   "classify [note...]",
	Short: "Classify notes given as arguments or read from an export column",
	Long: `Classifies free-text receipt notes with the rule, keyword and fallback
tiers and prints one line per note followed by tier usage.

Notes come from the arguments, or from --column of the export given in
--file (CSV or XLSX).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := parseNotesOpts(cmd, args)
		if err != nil {
			return err
		}

		texts := opts.Notes
		if opts.File != "" {
			texts, err = readNotesColumn(cmd.Context(), opts.File, opts.Column)
			if err != nil {
				return err
			}
		}

		classified, stats := notes.NewProcessor().ProcessAll(texts)
		if !opts.StatsOnly {
			formatNotes(os.Stdout, classified)
			fmt.Println()
		}
		formatNoteStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	notesClassifyCmd.Flags().String("file", "", "export to read notes from")
	notesClassifyCmd.Flags().String("column", "Notes", "column holding the notes")
	notesClassifyCmd.Flags().Bool("stats-only", false, "print only tier and type counts")
	notesCmd.AddCommand(notesClassifyCmd)
	rootCmd.AddCommand(notesCmd)
}

type notesOpts struct {
	Notes     []string
	File      string
	Column    string
	StatsOnly bool
}

func parseNotesOpts(cmd *cobra.Command, args []string) (notesOpts, error) {
	file, _ := cmd.Flags().GetString("file")
	column, _ := cmd.Flags().GetString("column")
	statsOnly, _ := cmd.Flags().GetBool("stats-only")

	if file == "" && len(args) == 0 {
		return notesOpts{}, eris.New("notes classify: pass notes as arguments or --file")
	}
	if file != "" && len(args) > 0 {
		return notesOpts{}, eris.New("notes classify: use either arguments or --file, not both")
	}
	if file != "" && strings.TrimSpace(column) == "" {
		return notesOpts{}, eris.New("notes classify: --column must not be empty")
	}
	return notesOpts{Notes: args, File: file, Column: column, StatsOnly: statsOnly}, nil
}

// readNotesColumn returns every value of column in the export at path.
func readNotesColumn(ctx context.Context, path, column string) ([]string, error) {
	stream, err := source.Open(ctx, path, source.Options{})
	if err != nil {
		return nil, err
	}
	defer stream.Close() //nolint:errcheck

	idx := -1
	for i, h := range stream.Header {
		if strings.EqualFold(h, column) {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Drain so the reader goroutine exits.
		_, _ = source.Collect(stream)
		return nil, eris.Errorf("notes classify: column %q not found in %s", column, path)
	}

	rows, err := source.Collect(stream)
	if err != nil {
		return nil, eris.Wrapf(err, "notes classify: read %s", path)
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if idx < len(row) {
			out = append(out, row[idx])
		} else {
			out = append(out, "")
		}
	}
	return out, nil
}

func formatNotes(out io.Writer, ns []notes.Note) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TYPE\tTIER\tCONF\tADJUSTMENT\tAUTHORITY\tNOTE")
	_, _ = fmt.Fprintln(w, "----\t----\t----\t----------\t---------\t----")
	for _, n := range ns {
		adj := ""
		switch {
		case n.Percentage != nil:
			adj = fmt.Sprintf("%g%%", *n.Percentage)
		case n.Amount != nil:
			adj = n.Amount.StringFixed(2)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\t%s\n",
			n.Type, n.Tier, n.Confidence, adj, n.Authority, truncate(strings.TrimSpace(n.Original), 50))
	}
	_ = w.Flush()
}

func formatNoteStats(out io.Writer, s notes.Stats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Notes: %d (%d with an amount or percentage)\n\n", s.Total, s.WithAdjustment)
	_, _ = fmt.Fprintln(w, "TIER\tCOUNT\tSHARE")
	breakdown := s.TierBreakdown()
	for _, t := range notes.Tiers {
		c := breakdown[t]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.1f%%\n", t, c.Count, c.Percentage)
	}
	_, _ = fmt.Fprintln(w)

	types := make([]notes.Type, 0, len(s.ByType))
	for t := range s.ByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if s.ByType[types[i]] != s.ByType[types[j]] {
			return s.ByType[types[i]] > s.ByType[types[j]]
		}
		return types[i] < types[j]
	})
	_, _ = fmt.Fprintln(w, "TYPE\tCOUNT")
	for _, t := range types {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", t, s.ByType[t])
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
