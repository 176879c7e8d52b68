package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/sis-migrate/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker ties a Collector to an Alerter.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	interval  time.Duration
	log       *zap.Logger
}

// NewChecker creates an alert checker. A non-positive check interval falls
// back to five minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  cfg.LookbackWindowHours,
		interval:  interval,
		log:       zap.L().With(zap.String("component", "monitoring")),
	}
}

// Run checks immediately and then on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("monitoring: watching batches",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			c.log.Info("monitoring: stopped watching")
			return
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot and sends the alerts it triggers. The
// snapshot is nil when collection failed.
func (c *Checker) Check(ctx context.Context) (*MetricsSnapshot, []Alert) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		c.log.Error("monitoring: collect", zap.Error(err))
		return nil, nil
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) > 0 {
		sent := c.alerter.SendAlerts(ctx, alerts)
		c.log.Warn("monitoring: thresholds breached",
			zap.Int("alerts", len(alerts)),
			zap.Int("delivered", sent),
			zap.Float64("batch_fail_rate", snap.BatchFailRate),
			zap.Float64("record_fail_rate", snap.RecordFailRate),
		)
		return snap, alerts
	}
	c.log.Debug("monitoring: batches healthy", zap.Int("batches", snap.BatchTotal))
	return snap, nil
}
