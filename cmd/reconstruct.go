package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sis-migrate/internal/config"
	"github.com/sells-group/sis-migrate/internal/reconstruct"
	"github.com/sells-group/sis-migrate/internal/resilience"
)

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct",
	Short: "Rebuild A/R history from legacy receipts",
	Long: `Reads a legacy receipt export and creates one invoice, one payment and
one receipt mapping per valid receipt. Theoretical costs come from the
staged students, terms and enrollments; the variance against the paid
amount is reconciled and flagged for review.

Payments are idempotent: a receipt already in the ledger is rejected as a
duplicate. The batch stops early when the success rate of a sample falls
below --success-threshold.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		log := zap.L().With(zap.String("command", "reconstruct"))

		if err := cfg.Validate("reconstruct"); err != nil {
			return err
		}
		opts, err := parseReconstructOpts(cmd, cfg.Reconstruct, cfg.Retry)
		if err != nil {
			return err
		}

		f, err := os.Open(opts.SourceFile)
		if err != nil {
			return eris.Wrapf(err, "reconstruct: open receipt file %s", opts.SourceFile)
		}
		defer f.Close() //nolint:errcheck

		st, err := openStaging()
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		pricing, err := reconstruct.NewRatePricing(cfg.Reconstruct.Pricing)
		if err != nil {
			return err
		}

		led, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer led.Close() //nolint:errcheck

		proc, err := reconstruct.NewProcessor(led, reconstruct.NewStagingDirectory(st, cfg.Reconstruct.Directory), pricing, opts)
		if err != nil {
			return err
		}

		sum, runErr := proc.Run(ctx, f)
		if sum == nil {
			return runErr
		}

		fmt.Print(reconstruct.FormatSummary(sum))
		if dir := cfg.Reconstruct.ReportsDir; dir != "" {
			paths, err := reconstruct.WriteReports(dir, sum)
			if err != nil {
				log.Warn("reports not written", zap.Error(err))
			} else {
				log.Info("reports written", zap.Strings("paths", paths))
			}
		}
		if !opts.DryRun && cfg.Monitoring.WebhookURL != "" {
			newChecker(led).Check(context.WithoutCancel(ctx))
		}
		return exitError(log, sum, runErr)
	},
}

func init() {
	f := reconstructCmd.Flags()
	f.String("receipt-file", "", "legacy receipt export (CSV, required)")
	f.Int("batch-size", 0, "receipts per chunk (default from config)")
	f.Int("start-from", 0, "number of non-deleted receipts to skip")
	f.Int("max-records", 0, "stop after this many receipts (0 = all)")
	f.Float64("success-threshold", 0, "minimum success rate before stopping early (default from config)")
	f.Int("min-sample", 0, "receipts to process before the success threshold applies (default from config)")
	f.Bool("dry-run", false, "process receipts without writing to the ledger")
	f.String("mode", "", "integrated or receipt_only (default from config)")
	rootCmd.AddCommand(reconstructCmd)
}

// exitError drops a tripped quality gate: the batch is recorded as aborted
// and its summary is already out, so it does not fail the command.
func exitError(log *zap.Logger, sum *reconstruct.Summary, runErr error) error {
	if eris.Is(runErr, resilience.ErrQualityGate) {
		log.Warn("batch stopped early by the quality gate",
			zap.String("batch_id", sum.BatchID),
			zap.Int("processed", sum.Processed),
			zap.Float64("success_rate", sum.SuccessRate()),
			zap.String("reason", sum.StopReason),
		)
		return nil
	}
	return runErr
}

// parseReconstructOpts builds processor options from configuration and
// overrides them with the flags that were set.
func parseReconstructOpts(cmd *cobra.Command, c config.ReconstructConfig, retry config.RetryConfig) (reconstruct.Options, error) {
	opts := reconstruct.OptionsFromConfig(c, retry)
	flags := cmd.Flags()

	file, _ := flags.GetString("receipt-file")
	if file == "" {
		return reconstruct.Options{}, eris.New("reconstruct: --receipt-file is required")
	}
	info, err := os.Stat(file)
	if err != nil {
		return reconstruct.Options{}, eris.Wrapf(err, "reconstruct: receipt file %s", file)
	}
	if info.IsDir() {
		return reconstruct.Options{}, eris.Errorf("reconstruct: receipt file %s is a directory", file)
	}
	opts.SourceFile = filepath.Clean(file)

	if flags.Changed("batch-size") {
		opts.BatchSize, _ = flags.GetInt("batch-size")
		if opts.BatchSize <= 0 {
			return reconstruct.Options{}, eris.New("reconstruct: --batch-size must be positive")
		}
	}
	if flags.Changed("start-from") {
		opts.StartFrom, _ = flags.GetInt("start-from")
	}
	if flags.Changed("max-records") {
		opts.MaxRecords, _ = flags.GetInt("max-records")
	}
	if flags.Changed("success-threshold") {
		opts.SuccessThreshold, _ = flags.GetFloat64("success-threshold")
	}
	if flags.Changed("min-sample") {
		opts.MinSample, _ = flags.GetInt("min-sample")
	}
	if flags.Changed("mode") {
		opts.Mode, _ = flags.GetString("mode")
	}
	opts.DryRun, _ = flags.GetBool("dry-run")

	if opts.StartFrom < 0 || opts.MaxRecords < 0 || opts.MinSample < 0 {
		return reconstruct.Options{}, eris.New("reconstruct: --start-from, --max-records and --min-sample must not be negative")
	}
	if opts.SuccessThreshold < 0 || opts.SuccessThreshold > 1 {
		return reconstruct.Options{}, eris.Errorf("reconstruct: --success-threshold %.2f must be between 0 and 1", opts.SuccessThreshold)
	}
	if opts.Mode != "" && opts.Mode != reconstruct.ModeIntegrated && opts.Mode != reconstruct.ModeReceiptOnly {
		return reconstruct.Options{}, eris.Errorf("reconstruct: unknown --mode %q", opts.Mode)
	}
	return opts, nil
}
