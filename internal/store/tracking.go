package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/google/uuid"

	"buseta/internal/domain"
	"buseta/internal/geo"
)

var ErrSessionEnded = errors.New("tracking session ended")

// MemoryTracking holds tracking sessions and their most recent fix. Average
// speed is a moving average over the last speedWindow samples.
type MemoryTracking struct {
	mu          sync.RWMutex
	sessions    map[string]*domain.TrackingSession
	activeByBus map[string]string
	latest      map[string]*domain.LocationUpdate
	stats       map[string]*sessionStats
	speedWindow int
}

type sessionStats struct {
	speeds   *movingaverage.MovingAverage
	samples  int
	maxSpeed float64
	distance float64
}

func NewMemoryTracking(speedWindow int) *MemoryTracking {
	if speedWindow <= 0 {
		speedWindow = 30
	}
	return &MemoryTracking{
		sessions:    make(map[string]*domain.TrackingSession),
		activeByBus: make(map[string]string),
		latest:      make(map[string]*domain.LocationUpdate),
		stats:       make(map[string]*sessionStats),
		speedWindow: speedWindow,
	}
}

// StartSession opens a session for a bus on a line. Any session still
// active for the same bus is ended first.
func (t *MemoryTracking) StartSession(ctx context.Context, lineID, busID, driverID string, at time.Time) (*domain.TrackingSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prevID, ok := t.activeByBus[busID]; ok {
		t.end(prevID, at)
	}

	s := &domain.TrackingSession{
		ID:        uuid.New().String(),
		LineID:    lineID,
		BusID:     busID,
		DriverID:  driverID,
		StartedAt: at,
		Active:    true,
	}
	t.sessions[s.ID] = s
	t.activeByBus[busID] = s.ID
	t.stats[s.ID] = &sessionStats{speeds: movingaverage.New(t.speedWindow)}

	c := *s
	return &c, nil
}

func (t *MemoryTracking) EndSession(ctx context.Context, id string, at time.Time) (*domain.TrackingSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[id]; !ok {
		return nil, ErrNotFound
	}
	t.end(id, at)
	return copySession(t.sessions[id]), nil
}

func (t *MemoryTracking) end(id string, at time.Time) {
	s := t.sessions[id]
	if !s.Active {
		return
	}
	ended := at
	s.EndedAt = &ended
	s.Active = false
	if t.activeByBus[s.BusID] == id {
		delete(t.activeByBus, s.BusID)
	}
}

func (t *MemoryTracking) GetSession(ctx context.Context, id string) (*domain.TrackingSession, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// ActiveSessions lists active sessions, restricted to lineID when it is not
// empty, oldest first.
func (t *MemoryTracking) ActiveSessions(ctx context.Context, lineID string) ([]*domain.TrackingSession, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []*domain.TrackingSession
	for _, id := range t.activeByBus {
		s := t.sessions[id]
		if lineID != "" && s.LineID != lineID {
			continue
		}
		result = append(result, copySession(s))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// RecordLocation stores a fix for an active session. Fixes older than the
// current latest one still count towards statistics but do not replace it.
func (t *MemoryTracking) RecordLocation(ctx context.Context, u domain.LocationUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[u.SessionID]
	if !ok {
		return ErrNotFound
	}
	if !s.Active {
		return ErrSessionEnded
	}

	st := t.stats[u.SessionID]
	prev, hasPrev := t.latest[u.SessionID]
	if hasPrev {
		st.distance += geo.Distance(prev.Location, u.Location)
	}
	if u.Speed >= 0 {
		st.speeds.Add(u.Speed)
		st.samples++
		if u.Speed > st.maxSpeed {
			st.maxSpeed = u.Speed
		}
	}

	if !hasPrev || !u.Timestamp.Before(prev.Timestamp) {
		c := u
		t.latest[u.SessionID] = &c
	}
	return nil
}

func (t *MemoryTracking) LatestLocation(ctx context.Context, sessionID string) (*domain.LocationUpdate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u, ok := t.latest[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (t *MemoryTracking) SessionStatistics(ctx context.Context, sessionID string) (domain.SessionStatistics, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.stats[sessionID]
	if !ok {
		return domain.SessionStatistics{}, ErrNotFound
	}

	stats := domain.SessionStatistics{
		SessionID:      sessionID,
		Samples:        st.samples,
		MaxSpeed:       st.maxSpeed,
		DistanceMeters: st.distance,
	}
	if st.samples > 0 {
		stats.AverageSpeed = st.speeds.Avg()
	}
	return stats, nil
}

func copySession(s *domain.TrackingSession) *domain.TrackingSession {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
