package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/observability"
)

// SchedulerConfig configures periodic reconciliation.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Repo       agreement.Repository
	Interval   time.Duration
	Logger     *zerolog.Logger
}

// Scheduler reconciles every open agreement on a fixed cadence.
type Scheduler struct {
	reconciler *Reconciler
	repo       agreement.Repository
	interval   time.Duration
	logger     zerolog.Logger
}

// NewScheduler constructs a scheduler. Interval defaults to five minutes.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := observability.NewLogger("reconcile-scheduler")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		repo:       cfg.Repo,
		interval:   interval,
		logger:     logger,
	}
}

// Start runs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil || s.repo == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("reconciliation run failed")
			}
		}
	}
}

// RunOnce reconciles all non-completed agreements and returns the number of
// drifts found.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	open, err := s.repo.List(ctx, agreement.ListFilter{Statuses: []agreement.Status{
		agreement.StatusActive,
		agreement.StatusInvestorRecovered,
		agreement.StatusDefaulted,
	}})
	if err != nil {
		return 0, err
	}

	drifts := 0
	for _, a := range open {
		rep, err := s.reconciler.Reconcile(ctx, a)
		if err != nil {
			return drifts, err
		}
		drifts += len(rep.Drifts)
	}
	s.logger.Info().
		Int("agreements", len(open)).
		Int("drifts", drifts).
		Msg("reconciliation run complete")
	return drifts, nil
}
