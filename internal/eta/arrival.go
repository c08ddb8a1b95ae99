package eta

import (
	"context"
	"errors"
	"time"

	"buseta/internal/cache"
	"buseta/internal/domain"
	"buseta/internal/store"
)

// RecordArrival records that the session's bus reached stopID. An open ETA
// for the stop is stamped arrived with its delay. A new StopArrival is
// created on every call; callers are responsible for calling once per
// physical arrival.
func (s *Service) RecordArrival(ctx context.Context, sessionID, stopID string) (*domain.StopArrival, error) {
	session, err := s.tracking.GetSession(ctx, sessionID)
	if err != nil {
		return nil, notFound("session", sessionID, err)
	}
	if _, err := s.lines.GetStop(ctx, stopID); err != nil {
		return nil, notFound("stop", stopID, err)
	}

	now := s.now()
	key := domain.ETAKey{
		SessionID: session.ID,
		LineID:    session.LineID,
		BusID:     session.BusID,
		StopID:    stopID,
	}

	var (
		scheduled *time.Time
		delay     int
		arrived   *domain.ETA
	)
	open, err := s.repo.FindETA(ctx, key)
	switch {
	case err == nil && open.Open():
		delay = delayMinutes(now, open.EstimatedArrival)
		est := open.EstimatedArrival
		scheduled = &est
		arrived, err = s.repo.MarkETAArrived(ctx, open.ID, now, delay)
		if err != nil {
			return nil, err
		}
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	arrival, err := s.repo.CreateArrival(ctx, &domain.StopArrival{
		SessionID:        key.SessionID,
		LineID:           key.LineID,
		StopID:           key.StopID,
		BusID:            key.BusID,
		ArrivalTime:      now,
		ScheduledArrival: scheduled,
		DelayMinutes:     delay,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ArrivalRecorded()
	s.rememberArrival(ctx, sessionID, stopID)

	if arrived != nil {
		s.publishETA(ctx, arrived)
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastArrival(arrival)
	}

	s.logger.Info("arrival recorded",
		"session_id", sessionID,
		"stop_id", stopID,
		"delay_minutes", delay,
	)
	return arrival, nil
}

// RecordDeparture stamps the departure time on an existing arrival.
func (s *Service) RecordDeparture(ctx context.Context, arrivalID string) (*domain.StopArrival, error) {
	a, err := s.repo.SetDeparture(ctx, arrivalID, s.now())
	if err != nil {
		return nil, notFound("arrival", arrivalID, err)
	}
	return a, nil
}

// ScanArrivals records an arrival for every active session whose latest fix
// is within the arrival radius of a stop other than the last stop recorded
// for it. It returns the number of arrivals recorded.
func (s *Service) ScanArrivals(ctx context.Context) (int, error) {
	sessions, err := s.tracking.ActiveSessions(ctx, "")
	if err != nil {
		return 0, err
	}

	recorded := 0
	for _, session := range sessions {
		if err := ctx.Err(); err != nil {
			return recorded, err
		}

		fix, err := s.tracking.LatestLocation(ctx, session.ID)
		if err != nil {
			continue
		}
		route, err := s.lines.LineStops(ctx, session.LineID)
		if err != nil {
			s.logger.Debug("route unavailable", "session_id", session.ID, "line_id", session.LineID, "error", err)
			continue
		}
		pos, err := Resolve(fix.Location, route)
		if err != nil || pos.DistanceToClosest >= s.cfg.ArrivalRadius {
			continue
		}

		stopID := pos.Closest.Stop.ID
		last, err := s.kv.Get(ctx, cache.KeyLastArrivalStop(session.ID))
		if err != nil {
			s.metrics.CacheError("get")
			s.logger.Warn("failed to read last stop", "session_id", session.ID, "error", err)
			continue
		}
		if string(last) == stopID {
			continue
		}

		if _, err := s.RecordArrival(ctx, session.ID, stopID); err != nil {
			s.logger.Warn("failed to record arrival", "session_id", session.ID, "stop_id", stopID, "error", err)
			continue
		}
		recorded++
	}
	return recorded, nil
}

func (s *Service) rememberArrival(ctx context.Context, sessionID, stopID string) {
	if err := s.kv.Set(ctx, cache.KeyLastArrivalStop(sessionID), []byte(stopID), s.cfg.ETACacheTTL); err != nil {
		s.metrics.CacheError("set")
		s.logger.Warn("failed to remember last stop", "session_id", sessionID, "error", err)
	}
}

func delayMinutes(now, estimated time.Time) int {
	late := now.Sub(estimated)
	if late <= 0 {
		return 0
	}
	return int(late / time.Minute)
}
