package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/sis-migrate/internal/config"
	"github.com/sells-group/sis-migrate/internal/ledger"
	"github.com/sells-group/sis-migrate/internal/reconstruct"
	"github.com/sells-group/sis-migrate/internal/resilience"
	"github.com/sells-group/sis-migrate/internal/staging"
)

func newReconstructFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test-reconstruct"}
	f := cmd.Flags()
	f.String("receipt-file", "", "")
	f.Int("batch-size", 0, "")
	f.Int("start-from", 0, "")
	f.Int("max-records", 0, "")
	f.Float64("success-threshold", 0, "")
	f.Int("min-sample", 0, "")
	f.Bool("dry-run", false, "")
	f.String("mode", "", "")
	return cmd
}

func testReconstructConfig() config.ReconstructConfig {
	return config.ReconstructConfig{
		Mode:              reconstruct.ModeIntegrated,
		BatchSize:         1000,
		SuccessThreshold:  0.8,
		MinSample:         100,
		ReviewVariancePct: 5,
		HighVariancePct:   10,
		MinNoteConfidence: 0.7,
	}
}

func writeReceiptFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ReceiptHeaders.csv")
	require.NoError(t, os.WriteFile(path, []byte("ReceiptNo,ID,TermID,Amount\n"), 0o644))
	return path
}

func TestParseReconstructOpts_ConfigDefaults(t *testing.T) {
	cmd := newReconstructFlagsCmd()
	path := writeReceiptFile(t)
	require.NoError(t, cmd.Flags().Set("receipt-file", path))

	opts, err := parseReconstructOpts(cmd, testReconstructConfig(), config.RetryConfig{MaxAttempts: 2})
	require.NoError(t, err)
	assert.Equal(t, path, opts.SourceFile)
	assert.Equal(t, reconstruct.ModeIntegrated, opts.Mode)
	assert.Equal(t, 1000, opts.BatchSize)
	assert.InDelta(t, 0.8, opts.SuccessThreshold, 0.0001)
	assert.Equal(t, 100, opts.MinSample)
	assert.Equal(t, 2, opts.Retry.MaxAttempts)
	assert.False(t, opts.DryRun)
}

func TestParseReconstructOpts_FlagOverrides(t *testing.T) {
	cmd := newReconstructFlagsCmd()
	set := map[string]string{
		"receipt-file":      writeReceiptFile(t),
		"batch-size":        "50",
		"start-from":        "200",
		"max-records":       "75",
		"success-threshold": "0.95",
		"min-sample":        "10",
		"dry-run":           "true",
		"mode":              "receipt_only",
	}
	for k, v := range set {
		require.NoError(t, cmd.Flags().Set(k, v))
	}

	opts, err := parseReconstructOpts(cmd, testReconstructConfig(), config.RetryConfig{})
	require.NoError(t, err)
	assert.Equal(t, 50, opts.BatchSize)
	assert.Equal(t, 200, opts.StartFrom)
	assert.Equal(t, 75, opts.MaxRecords)
	assert.InDelta(t, 0.95, opts.SuccessThreshold, 0.0001)
	assert.Equal(t, 10, opts.MinSample)
	assert.True(t, opts.DryRun)
	assert.Equal(t, reconstruct.ModeReceiptOnly, opts.Mode)
}

func TestParseReconstructOpts_ZeroThresholdFlagIsKept(t *testing.T) {
	cmd := newReconstructFlagsCmd()
	require.NoError(t, cmd.Flags().Set("receipt-file", writeReceiptFile(t)))
	require.NoError(t, cmd.Flags().Set("success-threshold", "0"))

	opts, err := parseReconstructOpts(cmd, testReconstructConfig(), config.RetryConfig{})
	require.NoError(t, err)
	assert.Zero(t, opts.SuccessThreshold)
}

func TestParseReconstructOpts_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		flags map[string]string
		want  string
	}{
		{"missing file flag", map[string]string{}, "--receipt-file is required"},
		{"file does not exist", map[string]string{"receipt-file": filepath.Join(dir, "nope.csv")}, "receipt file"},
		{"file is a directory", map[string]string{"receipt-file": dir}, "is a directory"},
		{"zero batch size", map[string]string{"batch-size": "0"}, "--batch-size must be positive"},
		{"negative start", map[string]string{"start-from": "-1"}, "must not be negative"},
		{"threshold above one", map[string]string{"success-threshold": "1.5"}, "between 0 and 1"},
		{"unknown mode", map[string]string{"mode": "fast"}, "unknown --mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newReconstructFlagsCmd()
			if _, ok := tt.flags["receipt-file"]; !ok && tt.name != "missing file flag" {
				require.NoError(t, cmd.Flags().Set("receipt-file", writeReceiptFile(t)))
			}
			for k, v := range tt.flags {
				require.NoError(t, cmd.Flags().Set(k, v))
			}
			_, err := parseReconstructOpts(cmd, testReconstructConfig(), config.RetryConfig{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReconstructCommand_QualityGateIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c := &config.Config{}
	c.Staging.Path = filepath.Join(dir, "staging.db")
	c.Ledger.Driver = "sqlite"
	c.Ledger.Path = filepath.Join(dir, "ledger.db")
	c.Retry.MaxAttempts = 1
	c.Reconstruct = testReconstructConfig()
	c.Reconstruct.BatchSize = 5
	c.Reconstruct.MinSample = 5
	c.Reconstruct.Pricing = config.PricingConfig{PerCreditHour: "60", PerCourse: "180"}
	c.Reconstruct.Directory = config.DirectoryConfig{
		StudentTable: "students", StudentKey: "student_id",
		TermTable: "terms", TermKey: "term_id",
	}
	withConfig(t, c)

	// No students are staged, so every receipt is rejected.
	st, err := staging.Open(c.Staging.Path)
	require.NoError(t, err)
	require.NoError(t, st.EnsureTable(ctx, "students", []string{"student_id", "full_name"}))
	require.NoError(t, st.Close())

	var b strings.Builder
	b.WriteString("ReceiptNo,ID,TermID,Amount,NetDiscount,NetAmount,PmtType,PmtDate,Notes,Deleted\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "R%d,18001,2024T1,180.00,0,180.00,CSH,2024-01-05,,0\n", i)
	}
	receipts := filepath.Join(dir, "receipts.csv")
	require.NoError(t, os.WriteFile(receipts, []byte(b.String()), 0o644))

	cmd := newReconstructFlagsCmd()
	cmd.SetContext(ctx)
	require.NoError(t, cmd.Flags().Set("receipt-file", receipts))

	require.NoError(t, reconstructCmd.RunE(cmd, nil))

	led, err := ledger.NewSQLite(c.Ledger.Path)
	require.NoError(t, err)
	defer led.Close() //nolint:errcheck
	batches, err := led.ListBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, ledger.BatchAborted, batches[0].Status)
	assert.Contains(t, batches[0].Error, "quality gate")
}

func TestExitError(t *testing.T) {
	sum := &reconstruct.Summary{BatchID: "b-1"}

	gate := eris.Wrap(resilience.ErrQualityGate, "success rate 0.0% below 80.0% after 5 records")
	assert.NoError(t, exitError(zap.NewNop(), sum, gate))
	assert.NoError(t, exitError(zap.NewNop(), sum, nil))

	fatal := eris.New("reconstruct: record rejections")
	assert.Equal(t, fatal, exitError(zap.NewNop(), sum, fatal))
}
