package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"buseta/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
)

// Memory keeps ETAs, stop arrivals and ETA notifications in process. It is
// the default repository when no database is configured.
type Memory struct {
	mu            sync.RWMutex
	etas          map[string]*domain.ETA
	byKey         map[domain.ETAKey]string
	byStop        map[string]map[string]struct{}
	arrivals      map[string]*domain.StopArrival
	arrivalsOrder []string
	notifications map[string]*domain.ETANotification
	byTriple      map[notificationKey]string
}

type notificationKey struct {
	etaID   string
	userID  string
	channel domain.NotificationChannel
}

func NewMemory() *Memory {
	return &Memory{
		etas:          make(map[string]*domain.ETA),
		byKey:         make(map[domain.ETAKey]string),
		byStop:        make(map[string]map[string]struct{}),
		arrivals:      make(map[string]*domain.StopArrival),
		notifications: make(map[string]*domain.ETANotification),
		byTriple:      make(map[notificationKey]string),
	}
}

// UpsertETA stores e under its key, overwriting a prior non-terminal row.
// A prior arrived row is left untouched and returned instead.
func (s *Memory) UpsertETA(ctx context.Context, e *domain.ETA) (*domain.ETA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[e.Key()]; ok {
		existing := s.etas[id]
		if existing.Status.Terminal() {
			return copyETA(existing), nil
		}
		updated := copyETA(e)
		updated.ID = id
		s.etas[id] = updated
		return copyETA(updated), nil
	}

	stored := copyETA(e)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	s.etas[stored.ID] = stored
	s.byKey[stored.Key()] = stored.ID
	if s.byStop[stored.StopID] == nil {
		s.byStop[stored.StopID] = make(map[string]struct{})
	}
	s.byStop[stored.StopID][stored.ID] = struct{}{}

	return copyETA(stored), nil
}

func (s *Memory) GetETA(ctx context.Context, id string) (*domain.ETA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.etas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyETA(e), nil
}

func (s *Memory) FindETA(ctx context.Context, key domain.ETAKey) (*domain.ETA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyETA(s.etas[id]), nil
}

func (s *Memory) MarkETAArrived(ctx context.Context, id string, at time.Time, delayMinutes int) (*domain.ETA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.etas[id]
	if !ok {
		return nil, ErrNotFound
	}
	actual := at
	e.ActualArrival = &actual
	e.Status = domain.ETAStatusArrived
	e.DelayMinutes = delayMinutes
	e.UpdatedAt = at
	return copyETA(e), nil
}

// ListUpcomingETAs returns the non-arrived ETAs for a stop estimated at or
// after from, earliest first.
func (s *Memory) ListUpcomingETAs(ctx context.Context, stopID string, from time.Time, limit int) ([]*domain.ETA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.ETA, 0, len(s.byStop[stopID]))
	for id := range s.byStop[stopID] {
		e := s.etas[id]
		if e.Status.Terminal() || e.EstimatedArrival.Before(from) {
			continue
		}
		result = append(result, copyETA(e))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].EstimatedArrival.Before(result[j].EstimatedArrival)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkApproaching moves scheduled ETAs estimated within [from, until] to
// approaching and returns how many changed.
func (s *Memory) MarkApproaching(ctx context.Context, from, until time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.etas {
		if e.Status != domain.ETAStatusScheduled {
			continue
		}
		if e.EstimatedArrival.Before(from) || e.EstimatedArrival.After(until) {
			continue
		}
		e.Status = domain.ETAStatusApproaching
		e.UpdatedAt = from
		n++
	}
	return n, nil
}

// ListOverdueETAs returns scheduled or approaching ETAs estimated before now
// that have no recorded arrival.
func (s *Memory) ListOverdueETAs(ctx context.Context, now time.Time) ([]*domain.ETA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ETA
	for _, e := range s.etas {
		if e.Status != domain.ETAStatusScheduled && e.Status != domain.ETAStatusApproaching {
			continue
		}
		if e.ActualArrival != nil || !e.EstimatedArrival.Before(now) {
			continue
		}
		result = append(result, copyETA(e))
	}
	return result, nil
}

func (s *Memory) MarkDelayed(ctx context.Context, id string, delayMinutes int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.etas[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status.Terminal() {
		return nil
	}
	e.Status = domain.ETAStatusDelayed
	e.DelayMinutes = delayMinutes
	e.UpdatedAt = at
	return nil
}

func (s *Memory) CreateArrival(ctx context.Context, a *domain.StopArrival) (*domain.StopArrival, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyArrival(a)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	s.arrivals[stored.ID] = stored
	s.arrivalsOrder = append(s.arrivalsOrder, stored.ID)
	return copyArrival(stored), nil
}

func (s *Memory) GetArrival(ctx context.Context, id string) (*domain.StopArrival, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.arrivals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyArrival(a), nil
}

func (s *Memory) SetDeparture(ctx context.Context, id string, at time.Time) (*domain.StopArrival, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.arrivals[id]
	if !ok {
		return nil, ErrNotFound
	}
	dep := at
	a.DepartureTime = &dep
	return copyArrival(a), nil
}

// ListArrivals returns a session's arrivals in the order they were recorded.
func (s *Memory) ListArrivals(ctx context.Context, sessionID string) ([]*domain.StopArrival, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.StopArrival
	for _, id := range s.arrivalsOrder {
		a := s.arrivals[id]
		if a.SessionID == sessionID {
			result = append(result, copyArrival(a))
		}
	}
	return result, nil
}

// CreateNotification stores n unless one already exists for the same
// (ETA, user, channel); the stored row is returned along with whether it
// was newly created.
func (s *Memory) CreateNotification(ctx context.Context, n *domain.ETANotification) (*domain.ETANotification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.etas[n.ETAID]; !ok {
		return nil, false, ErrNotFound
	}

	key := notificationKey{etaID: n.ETAID, userID: n.UserID, channel: n.Channel}
	if id, ok := s.byTriple[key]; ok {
		return copyNotification(s.notifications[id]), false, nil
	}

	stored := copyNotification(n)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	s.notifications[stored.ID] = stored
	s.byTriple[key] = stored.ID
	return copyNotification(stored), true, nil
}

func (s *Memory) GetNotification(ctx context.Context, id string) (*domain.ETANotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNotification(n), nil
}

// ListPendingNotifications returns unsent notifications whose ETA is still
// scheduled or approaching and estimated after now.
func (s *Memory) ListPendingNotifications(ctx context.Context, now time.Time) ([]domain.PendingNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.PendingNotification
	for _, n := range s.notifications {
		if n.IsSent {
			continue
		}
		e, ok := s.etas[n.ETAID]
		if !ok {
			continue
		}
		if e.Status != domain.ETAStatusScheduled && e.Status != domain.ETAStatusApproaching {
			continue
		}
		if !e.EstimatedArrival.After(now) {
			continue
		}
		result = append(result, domain.PendingNotification{
			Notification: copyNotification(n),
			ETA:          copyETA(e),
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ETA.EstimatedArrival.Before(result[j].ETA.EstimatedArrival)
	})
	return result, nil
}

// MarkNotificationSent flips a pending notification to sent. It reports
// false if the row was already sent.
func (s *Memory) MarkNotificationSent(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return false, ErrNotFound
	}
	if n.IsSent {
		return false, nil
	}
	sentAt := at
	n.IsSent = true
	n.SentAt = &sentAt
	return true, nil
}

func (s *Memory) CountETAs(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.etas), nil
}

func copyETA(e *domain.ETA) *domain.ETA {
	c := *e
	if e.ActualArrival != nil {
		t := *e.ActualArrival
		c.ActualArrival = &t
	}
	return &c
}

func copyArrival(a *domain.StopArrival) *domain.StopArrival {
	c := *a
	if a.DepartureTime != nil {
		t := *a.DepartureTime
		c.DepartureTime = &t
	}
	if a.ScheduledArrival != nil {
		t := *a.ScheduledArrival
		c.ScheduledArrival = &t
	}
	return &c
}

func copyNotification(n *domain.ETANotification) *domain.ETANotification {
	c := *n
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	return &c
}
