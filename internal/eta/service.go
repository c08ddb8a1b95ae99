package eta

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"buseta/internal/cache"
	"buseta/internal/domain"
	"buseta/internal/metrics"
	"buseta/internal/store"
)

const (
	atStopAccuracySeconds = 30
	defaultArrivalsLimit  = 10
	maxBatchErrors        = 10
)

// Service computes, stores and publishes ETAs for tracked buses.
type Service struct {
	repo        Repository
	tracking    Tracking
	lines       Lines
	kv          cache.Store
	throttle    *Throttle
	broadcaster Broadcaster
	metrics     *metrics.Collector
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(repo Repository, tracking Tracking, lines Lines, kv cache.Store, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		tracking: tracking,
		lines:    lines,
		kv:       kv,
		cfg:      cfg,
		logger:   logger.With("component", "eta"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.throttle = NewThrottle(kv, cfg, s.now, s.metrics)
	return s
}

// CalculateETA computes the ETA of the session's bus at stopID and stores
// it. It returns nil, nil when the bus has already passed the stop.
func (s *Service) CalculateETA(ctx context.Context, sessionID, stopID string) (*domain.ETA, error) {
	e, err := s.calculate(ctx, sessionID, stopID)
	switch {
	case err != nil:
		s.metrics.Calculation("error")
	case e == nil:
		s.metrics.Calculation("passed")
	case e.Status == domain.ETAStatusArrived:
		s.metrics.Calculation("arrived")
	default:
		s.metrics.Calculation("estimated")
	}
	return e, err
}

func (s *Service) calculate(ctx context.Context, sessionID, stopID string) (*domain.ETA, error) {
	session, err := s.tracking.GetSession(ctx, sessionID)
	if err != nil {
		return nil, notFound("session", sessionID, err)
	}
	if _, err := s.lines.GetStop(ctx, stopID); err != nil {
		return nil, notFound("stop", stopID, err)
	}
	route, err := s.lines.LineStops(ctx, session.LineID)
	if err != nil {
		return nil, notFound("line", session.LineID, err)
	}
	targetIdx := indexOfStop(route, stopID)
	if targetIdx < 0 {
		return nil, validation("stop %s is not on line %s", stopID, session.LineID)
	}

	fix, err := s.tracking.LatestLocation(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, validation("session %s has no location updates", sessionID)
	}
	if err != nil {
		return nil, err
	}

	pos, err := Resolve(fix.Location, route)
	if err != nil {
		return nil, err
	}
	target := route[targetIdx]
	if target.Order < pos.Closest.Order {
		return nil, nil
	}

	now := s.now()
	key := domain.ETAKey{
		SessionID: session.ID,
		LineID:    session.LineID,
		BusID:     session.BusID,
		StopID:    stopID,
	}

	if target.Order == pos.Closest.Order && pos.DistanceToClosest < s.cfg.ArrivalRadius {
		return s.arriveNow(ctx, key, now)
	}

	est := s.cfg.EstimateArrival(RemainingDistance(route, pos, targetIdx), s.averageSpeed(ctx, sessionID), now)
	status := domain.ETAStatusScheduled
	if !est.EstimatedArrival.After(now.Add(s.cfg.ApproachingWindow)) {
		status = domain.ETAStatusApproaching
	}

	stored, err := s.repo.UpsertETA(ctx, &domain.ETA{
		SessionID:        key.SessionID,
		LineID:           key.LineID,
		BusID:            key.BusID,
		StopID:           key.StopID,
		EstimatedArrival: est.EstimatedArrival,
		Status:           status,
		AccuracySeconds:  est.AccuracySeconds,
		UpdatedAt:        now,
	})
	if err != nil {
		return nil, err
	}
	if stored.Status != domain.ETAStatusArrived {
		s.publishETA(ctx, stored)
	}
	return stored, nil
}

// arriveNow records the bus as being at the target stop. An ETA that is
// already arrived is returned as is.
func (s *Service) arriveNow(ctx context.Context, key domain.ETAKey, now time.Time) (*domain.ETA, error) {
	existing, err := s.repo.FindETA(ctx, key)
	if err == nil && existing.Status.Terminal() {
		return existing, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	actual := now
	stored, err := s.repo.UpsertETA(ctx, &domain.ETA{
		SessionID:        key.SessionID,
		LineID:           key.LineID,
		BusID:            key.BusID,
		StopID:           key.StopID,
		EstimatedArrival: now,
		ActualArrival:    &actual,
		Status:           domain.ETAStatusArrived,
		AccuracySeconds:  atStopAccuracySeconds,
		UpdatedAt:        now,
	})
	if err != nil {
		return nil, err
	}

	scheduled := now
	arrival, err := s.repo.CreateArrival(ctx, &domain.StopArrival{
		SessionID:        key.SessionID,
		LineID:           key.LineID,
		StopID:           key.StopID,
		BusID:            key.BusID,
		ArrivalTime:      now,
		ScheduledArrival: &scheduled,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ArrivalRecorded()
	s.rememberArrival(ctx, key.SessionID, key.StopID)

	s.publishETA(ctx, stored)
	if s.broadcaster != nil {
		s.broadcaster.BroadcastArrival(arrival)
	}
	return stored, nil
}

func (s *Service) averageSpeed(ctx context.Context, sessionID string) float64 {
	stats, err := s.tracking.SessionStatistics(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("session statistics unavailable", "session_id", sessionID, "error", err)
		}
		return s.cfg.DefaultSpeed
	}
	if stats.AverageSpeed > 0 {
		return stats.AverageSpeed
	}
	return s.cfg.DefaultSpeed
}

// publishETA writes the fast-path cache entry and broadcasts the ETA. Both
// are best effort.
func (s *Service) publishETA(ctx context.Context, e *domain.ETA) {
	key := cache.KeyETA(e.LineID, e.StopID, e.BusID)
	if err := cache.SetJSON(ctx, s.kv, key, e, s.cfg.ETACacheTTL); err != nil {
		s.metrics.CacheError("set")
		s.logger.Warn("failed to cache eta", "key", key, "error", err)
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastETA(e)
	}
}

// CachedETA reads the fast-path cache entry for a bus at a stop.
func (s *Service) CachedETA(ctx context.Context, lineID, stopID, busID string) (*domain.ETA, bool, error) {
	var e domain.ETA
	found, err := cache.GetJSON(ctx, s.kv, cache.KeyETA(lineID, stopID, busID), &e)
	if err != nil {
		s.metrics.CacheError("get")
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &e, true, nil
}

// GetNextArrivals returns upcoming ETAs for a stop, earliest first.
func (s *Service) GetNextArrivals(ctx context.Context, stopID string, limit int) ([]*domain.ETA, error) {
	if _, err := s.lines.GetStop(ctx, stopID); err != nil {
		return nil, notFound("stop", stopID, err)
	}
	if limit <= 0 {
		limit = defaultArrivalsLimit
	}
	return s.repo.ListUpcomingETAs(ctx, stopID, s.now(), limit)
}

// ItemError describes one failed (session, stop) pair of a batch.
type ItemError struct {
	SessionID string `json:"sessionId"`
	StopID    string `json:"stopId"`
	Error     string `json:"error"`
}

// BatchResult summarises a batch recalculation. Errors holds at most the
// first ten failures; Failed counts all of them.
type BatchResult struct {
	Updated []*domain.ETA `json:"updated"`
	Passed  int           `json:"passed"`
	Failed  int           `json:"failed"`
	Errors  []ItemError   `json:"errors,omitempty"`
}

func (r *BatchResult) fail(sessionID, stopID string, err error) {
	r.Failed++
	if len(r.Errors) < maxBatchErrors {
		r.Errors = append(r.Errors, ItemError{SessionID: sessionID, StopID: stopID, Error: err.Error()})
	}
}

func (r *BatchResult) merge(o BatchResult) {
	r.Updated = append(r.Updated, o.Updated...)
	r.Passed += o.Passed
	r.Failed += o.Failed
	for _, e := range o.Errors {
		if len(r.Errors) >= maxBatchErrors {
			break
		}
		r.Errors = append(r.Errors, e)
	}
}

// RecalculateForLine recomputes the ETA of every active session on the line
// for every stop of the line. Per-pair failures are counted, not returned.
func (s *Service) RecalculateForLine(ctx context.Context, lineID string) (BatchResult, error) {
	start := time.Now()
	var result BatchResult

	if _, err := s.lines.GetLine(ctx, lineID); err != nil {
		return result, notFound("line", lineID, err)
	}
	route, err := s.lines.LineStops(ctx, lineID)
	if err != nil {
		return result, notFound("line", lineID, err)
	}
	sessions, err := s.tracking.ActiveSessions(ctx, lineID)
	if err != nil {
		return result, err
	}

	for _, session := range sessions {
		for _, ls := range route {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			e, err := s.CalculateETA(ctx, session.ID, ls.Stop.ID)
			switch {
			case err != nil:
				s.logger.Debug("eta calculation failed",
					"session_id", session.ID,
					"stop_id", ls.Stop.ID,
					"error", err,
				)
				result.fail(session.ID, ls.Stop.ID, err)
			case e == nil:
				result.Passed++
			default:
				result.Updated = append(result.Updated, e)
			}
		}
	}

	s.metrics.ObserveBatch(time.Since(start))
	s.logger.Debug("line recalculated",
		"line_id", lineID,
		"sessions", len(sessions),
		"updated", len(result.Updated),
		"passed", result.Passed,
		"failed", result.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// RecalculateActive runs RecalculateForLine for every line that has an
// active session.
func (s *Service) RecalculateActive(ctx context.Context) (BatchResult, error) {
	var result BatchResult

	sessions, err := s.tracking.ActiveSessions(ctx, "")
	if err != nil {
		return result, err
	}
	seen := make(map[string]struct{})
	var lineIDs []string
	for _, session := range sessions {
		if _, ok := seen[session.LineID]; ok {
			continue
		}
		seen[session.LineID] = struct{}{}
		lineIDs = append(lineIDs, session.LineID)
	}
	sort.Strings(lineIDs)

	for _, lineID := range lineIDs {
		r, err := s.RecalculateForLine(ctx, lineID)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			s.logger.Warn("line recalculation failed", "line_id", lineID, "error", err)
			result.fail("", "", err)
			continue
		}
		result.merge(r)
	}
	return result, nil
}

// StartSession opens a tracking session for a bus on an existing line.
func (s *Service) StartSession(ctx context.Context, lineID, busID, driverID string) (*domain.TrackingSession, error) {
	if lineID == "" || busID == "" {
		return nil, validation("line and bus are required")
	}
	if _, err := s.lines.GetLine(ctx, lineID); err != nil {
		return nil, notFound("line", lineID, err)
	}
	session, err := s.tracking.StartSession(ctx, lineID, busID, driverID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("tracking session started", "session_id", session.ID, "line_id", lineID, "bus_id", busID)
	return session, nil
}

func (s *Service) EndSession(ctx context.Context, sessionID string) (*domain.TrackingSession, error) {
	session, err := s.tracking.EndSession(ctx, sessionID, s.now())
	if err != nil {
		return nil, notFound("session", sessionID, err)
	}
	s.logger.Info("tracking session ended", "session_id", sessionID)
	return session, nil
}

// IngestResult reports what a location update triggered.
type IngestResult struct {
	Recalculated bool `json:"recalculated"`
	Updated      int  `json:"updated"`
	Passed       int  `json:"passed"`
	Failed       int  `json:"failed"`
}

// IngestLocation stores a fix and, if the throttle allows it, recalculates
// the session's line.
func (s *Service) IngestLocation(ctx context.Context, u domain.LocationUpdate) (IngestResult, error) {
	var result IngestResult

	if u.Location.Lat < -90 || u.Location.Lat > 90 || u.Location.Lon < -180 || u.Location.Lon > 180 {
		return result, validation("coordinates out of range")
	}
	session, err := s.tracking.GetSession(ctx, u.SessionID)
	if err != nil {
		return result, notFound("session", u.SessionID, err)
	}
	if !session.Active {
		return result, validation("session %s has ended", u.SessionID)
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = s.now()
	}

	if err := s.tracking.RecordLocation(ctx, u); err != nil {
		if errors.Is(err, store.ErrSessionEnded) {
			return result, validation("session %s has ended", u.SessionID)
		}
		return result, notFound("session", u.SessionID, err)
	}

	recalc, err := s.throttle.ShouldRecalculate(ctx, u, session.LineID)
	if err != nil {
		s.metrics.CacheError("throttle")
		s.logger.Warn("throttle unavailable, recalculating", "session_id", u.SessionID, "error", err)
		recalc = true
	}
	if !recalc {
		return result, nil
	}

	batch, err := s.RecalculateForLine(ctx, session.LineID)
	if err != nil {
		return result, err
	}
	result.Recalculated = true
	result.Updated = len(batch.Updated)
	result.Passed = batch.Passed
	result.Failed = batch.Failed
	return result, nil
}
