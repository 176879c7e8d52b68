package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sis-migrate/internal/config"
	"github.com/sells-group/sis-migrate/internal/ledger"
	"github.com/sells-group/sis-migrate/internal/monitoring"
)

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestOpenLedger_SQLiteMigrates(t *testing.T) {
	c := &config.Config{}
	c.Ledger.Driver = "sqlite"
	c.Ledger.Path = filepath.Join(t.TempDir(), "ledger.db")
	c.Retry.MaxAttempts = 1
	withConfig(t, c)

	ctx := context.Background()
	st, err := openLedger(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.CreateBatch(ctx, &ledger.Batch{
		ID: "b-1", Mode: "integrated", Status: ledger.BatchRunning, StartedAt: time.Now().UTC(),
	}))
	batches, err := st.ListBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "b-1", batches[0].ID)
}

func TestOpenLedger_InvalidDriver(t *testing.T) {
	c := &config.Config{}
	c.Ledger.Driver = "mysql"
	withConfig(t, c)

	_, err := openLedger(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.driver must be sqlite or postgres")
}

func TestFormatBatches(t *testing.T) {
	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	batches := []ledger.Batch{
		{
			ID: "0f8fad5b-d9cb-469f-a165-70867728950e", Mode: "integrated",
			Status: ledger.BatchCompleted, Total: 120, Succeeded: 110, Failed: 8, Skipped: 2,
			Processed: 118, NeedsReview: 17,
			StartedAt: started, FinishedAt: &finished,
		},
		{
			ID: "short", Mode: "receipt_only", Status: ledger.BatchAborted,
			Error: "quality gate", StartedAt: started,
		},
	}

	var buf bytes.Buffer
	formatBatches(&buf, batches)
	out := buf.String()

	assert.Contains(t, out, "0f8fad5b")
	assert.NotContains(t, out, "0f8fad5b-d9cb")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "PROCESSED")
	assert.Contains(t, out, "118")
	assert.Contains(t, out, "17")
	assert.Contains(t, out, "2025-03-01 09:00:00")
	assert.Contains(t, out, "aborted")
	assert.Contains(t, out, "quality gate")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abcdefgh", truncateID("abcdefghijkl"))
	assert.Equal(t, "abc", truncateID("abc"))
}

func TestFormatHealth(t *testing.T) {
	snap := &monitoring.MetricsSnapshot{
		BatchTotal: 3, BatchCompleted: 2, BatchAborted: 1, BatchFailRate: 1.0 / 3.0,
		Records: 200, RecordsFailed: 30, RecordFailRate: 0.15, LookbackHours: 24,
	}

	var buf bytes.Buffer
	formatHealth(&buf, snap, nil)
	assert.Contains(t, buf.String(), "Batches (last 24h): 3 total, 2 completed, 0 failed, 1 aborted")
	assert.Contains(t, buf.String(), "33.3%")
	assert.Contains(t, buf.String(), "Alerts: none")

	buf.Reset()
	formatHealth(&buf, snap, []monitoring.Alert{{Type: monitoring.AlertBatchAborted, Severity: "medium", Message: "1 stopped"}})
	assert.Contains(t, buf.String(), "Alerts: 1")
	assert.Contains(t, buf.String(), "[medium] batch_aborted: 1 stopped")
}
