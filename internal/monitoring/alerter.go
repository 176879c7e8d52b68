package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sis-migrate/internal/config"
	"github.com/sells-group/sis-migrate/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBatchFailureRate  AlertType = "batch_failure_rate"
	AlertBatchAborted      AlertType = "batch_aborted"
	AlertRecordFailureRate AlertType = "record_failure_rate"
)

// minFinishedBatches is the sample below which the batch failure rate is
// not alerted on.
const minFinishedBatches = 3

// Alert is one threshold breach, posted to the webhook as JSON.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns snapshots into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates an Alerter. A zero threshold disables its alert.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.InitialBackoff = time.Second
	retry.OnRetry = resilience.LogRetries("monitoring: webhook")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Evaluate returns the alerts snap triggers, in a fixed order: batch
// failure rate, aborted batches, receipt rejection rate.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	at := time.Now().UTC()
	var out []Alert

	finished := snap.BatchCompleted + snap.BatchFailed + snap.BatchAborted
	if finished >= minFinishedBatches && breached(snap.BatchFailRate, a.cfg.FailureRateThreshold) {
		unhealthy := snap.BatchFailed + snap.BatchAborted
		out = append(out, newAlert(AlertBatchFailureRate, "high", at,
			fmt.Sprintf("Batch failure rate %.1f%% is above %.1f%%: %d of %d finished batches in the last %dh did not complete",
				snap.BatchFailRate*100, a.cfg.FailureRateThreshold*100, unhealthy, finished, snap.LookbackHours),
			map[string]any{
				"failure_rate": snap.BatchFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.BatchFailed,
				"aborted":      snap.BatchAborted,
				"finished":     finished,
			}))
	}

	if snap.BatchAborted > 0 {
		out = append(out, newAlert(AlertBatchAborted, "medium", at,
			fmt.Sprintf("%d reconstruction batch(es) stopped early in the last %dh", snap.BatchAborted, snap.LookbackHours),
			map[string]any{"aborted": snap.BatchAborted, "batch_ids": snap.AbortedIDs}))
	}

	if breached(snap.RecordFailRate, a.cfg.RecordFailureThreshold) {
		out = append(out, newAlert(AlertRecordFailureRate, "medium", at,
			fmt.Sprintf("Receipt rejection rate %.1f%% is above %.1f%% in the last %dh",
				snap.RecordFailRate*100, a.cfg.RecordFailureThreshold*100, snap.LookbackHours),
			map[string]any{
				"records":        snap.Records,
				"records_failed": snap.RecordsFailed,
				"threshold":      a.cfg.RecordFailureThreshold,
			}))
	}
	return out
}

func breached(rate, threshold float64) bool {
	return threshold > 0 && rate > threshold
}

func newAlert(typ AlertType, severity string, at time.Time, msg string, details map[string]any) Alert {
	return Alert{Type: typ, Severity: severity, Message: msg, Details: details, Timestamp: at}
}

// SendAlerts posts each alert to the webhook and returns how many were
// accepted. Without a webhook URL nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}

	var delivered int
	for _, al := range alerts {
		log := zap.L().With(zap.String("alert", string(al.Type)), zap.String("severity", al.Severity))
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.post(ctx, al)
		})
		if err != nil {
			log.Error("monitoring: alert not delivered", zap.Error(err))
			continue
		}
		log.Info("monitoring: alert delivered")
		delivered++
	}
	return delivered
}

// post sends one alert. Network errors and 5xx responses are transient.
func (a *Alerter) post(ctx context.Context, al Alert) error {
	body, err := json.Marshal(al)
	if err != nil {
		return eris.Wrap(err, "monitoring: encode alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: post webhook"))
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return resilience.NewTransientError(eris.Errorf("monitoring: webhook status %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return eris.Errorf("monitoring: webhook rejected alert with status %d", resp.StatusCode)
	}
	return nil
}
