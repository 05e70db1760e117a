package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/observability"
)

// StuckJobSweeper force-fails jobs that have sat in an in-flight state
// beyond maxAge. A worker crash between status updates leaves its job in
// CALCULATING or RUNNING forever; the sweeper turns those into a terminal
// FAILED so batch counters and user-facing status converge.
type StuckJobSweeper struct {
	jobs     domain.JobRepository
	maxAge   time.Duration
	interval time.Duration
}

// NewStuckJobSweeper returns a sweeper, or nil when jobs is nil.
// Non-positive durations fall back to 30m max age and a 5m interval.
func NewStuckJobSweeper(jobs domain.JobRepository, maxAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, maxAge: maxAge, interval: interval}
}

// Run sweeps immediately and then on every interval tick until ctx is done.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

const sweepPageSize = 100

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.maxAge)
	inflight := []domain.JobStatus{domain.JobCalculating, domain.JobRunning}
	span.SetAttributes(
		attribute.Float64("jobs.max_age_seconds", s.maxAge.Seconds()),
		attribute.Int("jobs.page_size", sweepPageSize),
	)

	swept := 0
	// Finished jobs leave the stale set, so the offset only advances past
	// the ones that could not be finished.
	for offset := 0; ; {
		jobs, err := s.jobs.ListStale(ctx, inflight, cutoff, offset, sweepPageSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck job sweep list failed", slog.Any("error", err))
			return
		}
		if len(jobs) == 0 {
			break
		}
		for _, j := range jobs {
			msg := fmt.Sprintf("job stuck in %s for over %v, failed by sweeper", j.Status, s.maxAge)
			if err := s.jobs.Finish(ctx, j.ID, domain.JobFailed, &msg); err != nil {
				slog.Error("stuck job sweep failed to finish job",
					slog.String("job_id", j.ID), slog.Any("error", err))
				offset++
				continue
			}
			swept++
			observability.StuckJobsSweptTotal.Inc()
			observability.JobFinished(string(domain.JobFailed))
			slog.Warn("stuck job failed by sweeper",
				slog.String("job_id", j.ID),
				slog.String("was", string(j.Status)))
		}
		if len(jobs) < sweepPageSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("jobs.swept", swept))
	if swept > 0 {
		slog.Info("stuck job sweep complete", slog.Int("swept", swept))
	}
}
