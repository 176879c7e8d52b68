package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sis-migrate/internal/ledger"
	"github.com/sells-group/sis-migrate/internal/monitoring"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Manage the A/R ledger",
}

var ledgerMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply ledger schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("ledger migrations applied", zap.String("driver", cfg.Ledger.Driver))
		return nil
	},
}

var ledgerBatchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List recent reconstruction batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")
		if limit < 0 {
			return eris.New("ledger batches: --limit must not be negative")
		}

		st, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		batches, err := st.ListBatches(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "ledger batches")
		}
		if len(batches) == 0 {
			zap.L().Info("no batches found, run 'reconstruct' to create one")
			return nil
		}
		formatBatches(os.Stdout, batches)
		return nil
	},
}

var ledgerHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Summarize recent batches and send threshold alerts",
	Long: `Collects batch and record failure rates over the monitoring lookback
window and posts alerts to monitoring.webhook_url when thresholds are
breached. With --watch the check repeats every check_interval_secs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		watch, _ := cmd.Flags().GetBool("watch")

		st, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		checker := newChecker(st)
		if watch {
			checker.Run(ctx)
			return nil
		}

		snap, alerts := checker.Check(ctx)
		if snap == nil {
			return eris.New("ledger health: could not collect metrics")
		}
		formatHealth(os.Stdout, snap, alerts)
		return nil
	},
}

func init() {
	ledgerBatchesCmd.Flags().Int("limit", 20, "number of batches to show")
	ledgerHealthCmd.Flags().Bool("watch", false, "keep checking until interrupted")
	ledgerCmd.AddCommand(ledgerMigrateCmd, ledgerBatchesCmd, ledgerHealthCmd)
	rootCmd.AddCommand(ledgerCmd)
}

// formatBatches writes a tabular representation of batches to out.
func formatBatches(out io.Writer, batches []ledger.Batch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tMODE\tSTATUS\tSTARTED\tDURATION\tPROCESSED\tOK\tFAILED\tSKIPPED\tREVIEW\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t--------\t---------\t--\t------\t-------\t------\t-----")

	for _, b := range batches {
		dur := "-"
		if b.FinishedAt != nil {
			dur = b.FinishedAt.Sub(b.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			truncateID(b.ID),
			b.Mode,
			b.Status,
			b.StartedAt.Format(time.DateTime),
			dur,
			b.Processed,
			b.Succeeded,
			b.Failed,
			b.Skipped,
			b.NeedsReview,
			truncate(b.Error, 60),
		)
	}
	_ = w.Flush()
}

// truncateID shortens a UUID to its first 8 characters.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newChecker(st monitoring.BatchLister) *monitoring.Checker {
	return monitoring.NewChecker(monitoring.NewCollector(st), monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
}

func formatHealth(out io.Writer, snap *monitoring.MetricsSnapshot, alerts []monitoring.Alert) {
	_, _ = fmt.Fprintf(out, "Batches (last %dh): %d total, %d completed, %d failed, %d aborted, %d running\n",
		snap.LookbackHours, snap.BatchTotal, snap.BatchCompleted, snap.BatchFailed, snap.BatchAborted, snap.BatchRunning)
	_, _ = fmt.Fprintf(out, "Batch failure rate: %.1f%%\n", snap.BatchFailRate*100)
	_, _ = fmt.Fprintf(out, "Receipts: %d read, %d rejected, %d skipped (%.1f%% rejected)\n",
		snap.Records, snap.RecordsFailed, snap.RecordsSkipped, snap.RecordFailRate*100)
	if len(alerts) == 0 {
		_, _ = fmt.Fprintln(out, "Alerts: none")
		return
	}
	_, _ = fmt.Fprintf(out, "Alerts: %d\n", len(alerts))
	for _, a := range alerts {
		_, _ = fmt.Fprintf(out, "  [%s] %s: %s\n", a.Severity, a.Type, a.Message)
	}
}
