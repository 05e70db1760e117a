package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/observability"
)

// RetentionCleaner deletes terminal jobs and their results once they age
// past the retention window.
type RetentionCleaner struct {
	jobs      domain.JobRepository
	retention time.Duration
	interval  time.Duration
}

// NewRetentionCleaner returns a cleaner, or nil when jobs is nil or the
// retention window is non-positive. A non-positive interval falls back
// to one run per day.
func NewRetentionCleaner(jobs domain.JobRepository, retention, interval time.Duration) *RetentionCleaner {
	if jobs == nil || retention <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionCleaner{jobs: jobs, retention: retention, interval: interval}
}

// Run cleans immediately and then on every interval tick until ctx is done.
func (c *RetentionCleaner) Run(ctx context.Context) {
	if c == nil || c.jobs == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.cleanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention cleaner stopping")
			return
		case <-ticker.C:
			c.cleanOnce(ctx)
		}
	}
}

func (c *RetentionCleaner) cleanOnce(ctx context.Context) {
	ctx, span := otel.Tracer("app.cleanup").Start(ctx, "RetentionCleaner.cleanOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-c.retention)
	deleted, err := c.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("retention cleanup failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("jobs.deleted", deleted))
	if deleted > 0 {
		observability.RetentionDeletedTotal.WithLabelValues("postgres").Add(float64(deleted))
		slog.Info("retention cleanup complete",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff))
	}
}
