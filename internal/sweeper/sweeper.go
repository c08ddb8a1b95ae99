package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"buseta/internal/eta"
	"buseta/internal/notify"
)

// ETAJobs is the part of the ETA service driven on a schedule.
type ETAJobs interface {
	UpdateStatuses(ctx context.Context) (eta.SweepResult, error)
	ScanArrivals(ctx context.Context) (int, error)
	RecalculateActive(ctx context.Context) (eta.BatchResult, error)
}

type Notifier interface {
	DispatchPending(ctx context.Context) (notify.DispatchResult, error)
}

type Intervals struct {
	Status      time.Duration
	Notify      time.Duration
	ArrivalScan time.Duration
	Recalc      time.Duration
}

// Sweeper runs the periodic background jobs. Each job runs once on start and
// then on its own ticker; a failed run is logged and retried next tick.
type Sweeper struct {
	jobs      ETAJobs
	notifier  Notifier
	intervals Intervals
	logger    *slog.Logger

	ready   bool
	readyMu sync.RWMutex
}

func New(jobs ETAJobs, notifier Notifier, intervals Intervals, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		jobs:      jobs,
		notifier:  notifier,
		intervals: intervals,
		logger:    logger.With("component", "sweeper"),
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	statusTicker := time.NewTicker(s.intervals.Status)
	defer statusTicker.Stop()

	notifyTicker := time.NewTicker(s.intervals.Notify)
	defer notifyTicker.Stop()

	scanTicker := time.NewTicker(s.intervals.ArrivalScan)
	defer scanTicker.Stop()

	recalcTicker := time.NewTicker(s.intervals.Recalc)
	defer recalcTicker.Stop()

	s.recalc(ctx)
	s.scanArrivals(ctx)
	s.updateStatuses(ctx)
	s.dispatch(ctx)

	if !s.IsReady() {
		s.setReady(true)
		s.logger.Info("sweeper ready")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-recalcTicker.C:
			s.recalc(ctx)
		case <-scanTicker.C:
			s.scanArrivals(ctx)
		case <-statusTicker.C:
			s.updateStatuses(ctx)
		case <-notifyTicker.C:
			s.dispatch(ctx)
		}
	}
}

func (s *Sweeper) recalc(ctx context.Context) {
	start := time.Now()
	result, err := s.jobs.RecalculateActive(ctx)
	if err != nil {
		s.logger.Error("recalculation failed", "error", err)
		return
	}
	s.logger.Debug("recalculation completed",
		"updated", len(result.Updated),
		"passed", result.Passed,
		"failed", result.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (s *Sweeper) scanArrivals(ctx context.Context) {
	n, err := s.jobs.ScanArrivals(ctx)
	if err != nil {
		s.logger.Error("arrival scan failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("arrivals detected", "count", n)
	}
}

func (s *Sweeper) updateStatuses(ctx context.Context) {
	result, err := s.jobs.UpdateStatuses(ctx)
	if err != nil {
		s.logger.Error("status sweep failed", "error", err)
		return
	}
	s.logger.Debug("status sweep completed",
		"approaching", result.Approaching,
		"delayed", result.Delayed,
		"failed", result.Failed,
	)
}

func (s *Sweeper) dispatch(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	result, err := s.notifier.DispatchPending(ctx)
	if err != nil {
		s.logger.Error("notification dispatch failed", "error", err)
		return
	}
	if result.Sent > 0 || result.Failed > 0 {
		s.logger.Info("notifications dispatched",
			"checked", result.Checked,
			"sent", result.Sent,
			"failed", result.Failed,
			"waiting", result.Waiting,
		)
	}
}

func (s *Sweeper) IsReady() bool {
	s.readyMu.RLock()
	defer s.readyMu.RUnlock()
	return s.ready
}

func (s *Sweeper) setReady(ready bool) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	s.ready = ready
}
