package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shivangiamit/hackathon/internal/audit"
	"github.com/shivangiamit/hackathon/internal/metrics"
)

// Purger deletes expired conversation records.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Janitor periodically removes conversations past their retention.
type Janitor struct {
	store    Purger
	audit    audit.Logger
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

// NewJanitor creates a janitor sweeping every interval.
func NewJanitor(store Purger, interval time.Duration, auditLog audit.Logger, logger *zap.Logger) *Janitor {
	if auditLog == nil {
		auditLog = audit.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:    store,
		audit:    auditLog,
		logger:   logger.Named("janitor"),
		interval: interval,
		now:      time.Now,
	}
}

// Sweep runs one purge and returns the number of removed records.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	start := j.now()
	n, err := j.store.PurgeExpired(ctx, start)

	event := audit.NewEvent(audit.EventRetentionSweep).
		WithAction("purge_expired").
		WithDuration(j.now().Sub(start)).
		WithMetadata("removed", n)
	if err != nil {
		event = event.WithError(err, "PURGE_FAILED")
	} else {
		event = event.WithResult(audit.ResultSuccess)
	}
	if aerr := j.audit.Log(ctx, event); aerr != nil {
		j.logger.Warn("audit retention sweep failed", zap.Error(aerr))
	}

	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	metrics.ConversationsPurged.Add(float64(n))
	if n > 0 {
		j.logger.Info("expired conversations purged", zap.Int64("removed", n))
	}
	return n, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.logger.Warn("retention sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
