/**
 * @description
 * Cron scheduler for the stale consent sweep. The sweep polls consents that are
 * still PENDING or IN_PROGRESS after a quiet period, so a lost webhook does not
 * leave a consent stuck.
 */
package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/internal/store"
)

const staleSweepBatch = 100

// StatusPoller runs one status-check cycle.
type StatusPoller interface {
	CheckStatus(ctx context.Context, requestID int64) (*StatusCheckResult, error)
}

// StaleConsentSweep polls consents whose status has not moved for a while.
type StaleConsentSweep struct {
	repo   store.Repository
	poller StatusPoller
	age    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewStaleConsentSweep(repo store.Repository, poller StatusPoller, age time.Duration, logger *slog.Logger) *StaleConsentSweep {
	if age <= 0 {
		age = 10 * time.Minute
	}
	return &StaleConsentSweep{
		repo:   repo,
		poller: poller,
		age:    age,
		logger: logger.With("component", "stale_consent_sweep"),
		now:    time.Now,
	}
}

// Run polls one batch of stale consents. Individual failures are logged and the
// batch continues.
func (j *StaleConsentSweep) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	j.logger.Info("starting stale consent sweep")

	consents, err := j.repo.ListStaleConsents(ctx,
		[]domain.ConsentStatus{domain.ConsentStatusPending, domain.ConsentStatusInProgress},
		j.now().Add(-j.age), staleSweepBatch)
	if err != nil {
		j.logger.Error("failed to list stale consents", "error", err)
		return
	}

	var polled, changed int
	for _, consent := range consents {
		if ctx.Err() != nil {
			break
		}
		result, err := j.poller.CheckStatus(ctx, consent.RequestID)
		if err != nil {
			j.logger.Warn("stale consent poll failed", "request_id", consent.RequestID, "error", err)
			continue
		}
		polled++
		if result.StatusChanged {
			changed++
		}
	}
	j.logger.Info("stale consent sweep finished", "candidates", len(consents), "polled", polled, "changed", changed)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	sweep    *StaleConsentSweep
	schedule string
	logger   *slog.Logger
}

func NewScheduler(sweep *StaleConsentSweep, schedule string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		sweep:    sweep,
		schedule: strings.TrimSpace(schedule),
		logger:   logger,
	}
}

// Start registers the sweep and starts the scheduler. An empty schedule leaves the
// sweep disabled.
func (s *Scheduler) Start() {
	if s.schedule == "" {
		s.logger.Info("stale consent sweep disabled")
		return
	}
	if _, err := s.cron.AddFunc(s.schedule, s.sweep.Run); err != nil {
		s.logger.Error("failed to schedule stale consent sweep", "error", err)
		return
	}
	s.logger.Info("scheduled stale consent sweep", "schedule", s.schedule)
	s.cron.Start()
}

// Stop stops the scheduler; the returned context is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
