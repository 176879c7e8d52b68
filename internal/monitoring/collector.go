package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sis-migrate/internal/ledger"
)

// MetricsSnapshot holds a point-in-time view of reconstruction health.
type MetricsSnapshot struct {
	// Batch metrics (within lookback window).
	BatchTotal     int     `json:"batch_total"`
	BatchCompleted int     `json:"batch_completed"`
	BatchFailed    int     `json:"batch_failed"`
	BatchAborted   int     `json:"batch_aborted"`
	BatchRunning   int     `json:"batch_running"`
	BatchFailRate  float64 `json:"batch_fail_rate"`

	// Record metrics summed over finished batches.
	Records        int     `json:"records"`
	RecordsFailed  int     `json:"records_failed"`
	RecordsSkipped int     `json:"records_skipped"`
	RecordFailRate float64 `json:"record_fail_rate"`

	// AbortedIDs lists batches stopped early, newest first.
	AbortedIDs []string `json:"aborted_ids,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// BatchLister is the ledger method the collector needs.
type BatchLister interface {
	ListBatches(ctx context.Context, limit int) ([]ledger.Batch, error)
}

// Collector gathers metrics from the ledger.
type Collector struct {
	batches BatchLister
}

// NewCollector creates a new metrics collector.
func NewCollector(b BatchLister) *Collector {
	return &Collector{batches: b}
}

// batchScanLimit bounds one collection; batches are listed newest first.
const batchScanLimit = 1000

// Collect gathers a snapshot of batch metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	batches, err := c.batches.ListBatches(ctx, batchScanLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batches")
	}

	for _, b := range batches {
		if lookbackHours > 0 && b.StartedAt.Before(cutoff) {
			continue
		}
		snap.BatchTotal++
		switch b.Status {
		case ledger.BatchCompleted:
			snap.BatchCompleted++
		case ledger.BatchFailed:
			snap.BatchFailed++
		case ledger.BatchAborted:
			snap.BatchAborted++
			snap.AbortedIDs = append(snap.AbortedIDs, b.ID)
		case ledger.BatchRunning:
			snap.BatchRunning++
			continue
		}
		snap.Records += b.Total
		snap.RecordsFailed += b.Failed
		snap.RecordsSkipped += b.Skipped
	}

	finished := snap.BatchCompleted + snap.BatchFailed + snap.BatchAborted
	if finished > 0 {
		snap.BatchFailRate = float64(snap.BatchFailed+snap.BatchAborted) / float64(finished)
	}
	if processed := snap.Records - snap.RecordsSkipped; processed > 0 {
		snap.RecordFailRate = float64(snap.RecordsFailed) / float64(processed)
	}
	return snap, nil
}
