package verification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/agegate/internal/jobs"
)

// sweepBatchSize bounds how many stale sessions one sweep pass touches.
const sweepBatchSize = 100

// Sweeper expires verification sessions stuck in pending. Providers abandon
// sessions their users never complete; without the sweeper those users would
// hold a pending state forever and never be able to restart.
type Sweeper struct {
	repo    Repository
	maxAge  time.Duration
	metrics jobs.Reporter
	logger  *slog.Logger
}

// NewSweeper creates a Sweeper that expires pending sessions older than
// maxAge. metrics may be nil.
func NewSweeper(repo Repository, maxAge time.Duration, metrics jobs.Reporter, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:    repo,
		maxAge:  maxAge,
		metrics: metrics,
		logger:  logger,
	}
}

// RunOnce expires one batch of stale pending sessions and returns how many
// it expired. A late webhook can still land on an expired state; the
// orchestrator applies it normally, so racing a sweep against a decision
// event loses nothing.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.maxAge)

	stale, err := s.repo.ListStalePending(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale pending sessions: %w", err)
	}

	expired := 0
	for _, state := range stale {
		state.Status = StatusExpired
		state.Reason = "session expired before completion"
		if err := s.repo.PutState(ctx, state); err != nil {
			return expired, fmt.Errorf("expire session for user %s: %w", state.UserID, err)
		}

		if err := s.repo.AppendLog(ctx, &LogEntry{
			UserID:   state.UserID,
			Provider: state.Provider,
			Event:    EventExpired,
			Status:   StatusExpired,
			Payload:  map[string]any{"session_id": state.ProviderSessionID},
		}); err != nil {
			s.logger.ErrorContext(ctx, "failed to log session expiry",
				"user_id", state.UserID, "error", err)
		}
		expired++
	}

	return expired, nil
}

// Run sweeps on the given interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			expired, err := s.RunOnce(ctx)
			if s.metrics != nil {
				s.metrics.ObserveJobDuration(jobs.JobTypeSessionExpiry, time.Since(start).Seconds())
			}
			if err != nil {
				s.logger.ErrorContext(ctx, "session expiry sweep failed", "error", err)
				if s.metrics != nil {
					s.metrics.IncJobsTotal(jobs.JobTypeSessionExpiry, jobs.StatusFailure)
					s.metrics.IncJobErrors(jobs.JobTypeSessionExpiry, "repository_error")
				}
				continue
			}
			if expired > 0 {
				s.logger.InfoContext(ctx, "expired stale verification sessions", "count", expired)
			}
			if s.metrics != nil {
				s.metrics.IncJobsTotal(jobs.JobTypeSessionExpiry, jobs.StatusSuccess)
			}
		}
	}
}
