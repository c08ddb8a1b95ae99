package eta

import (
	"context"
	"time"

	"buseta/internal/domain"
)

// Repository persists ETAs and stop arrivals.
type Repository interface {
	UpsertETA(ctx context.Context, e *domain.ETA) (*domain.ETA, error)
	GetETA(ctx context.Context, id string) (*domain.ETA, error)
	FindETA(ctx context.Context, key domain.ETAKey) (*domain.ETA, error)
	MarkETAArrived(ctx context.Context, id string, at time.Time, delayMinutes int) (*domain.ETA, error)
	ListUpcomingETAs(ctx context.Context, stopID string, from time.Time, limit int) ([]*domain.ETA, error)
	MarkApproaching(ctx context.Context, from, until time.Time) (int, error)
	ListOverdueETAs(ctx context.Context, now time.Time) ([]*domain.ETA, error)
	MarkDelayed(ctx context.Context, id string, delayMinutes int, at time.Time) error
	CreateArrival(ctx context.Context, a *domain.StopArrival) (*domain.StopArrival, error)
	SetDeparture(ctx context.Context, id string, at time.Time) (*domain.StopArrival, error)
}

// Tracking is the tracking-session collaborator.
type Tracking interface {
	StartSession(ctx context.Context, lineID, busID, driverID string, at time.Time) (*domain.TrackingSession, error)
	EndSession(ctx context.Context, id string, at time.Time) (*domain.TrackingSession, error)
	GetSession(ctx context.Context, id string) (*domain.TrackingSession, error)
	ActiveSessions(ctx context.Context, lineID string) ([]*domain.TrackingSession, error)
	RecordLocation(ctx context.Context, u domain.LocationUpdate) error
	LatestLocation(ctx context.Context, sessionID string) (*domain.LocationUpdate, error)
	SessionStatistics(ctx context.Context, sessionID string) (domain.SessionStatistics, error)
}

// Lines is the route topology collaborator. LineStops must be ordered by Order.
type Lines interface {
	GetLine(ctx context.Context, id string) (*domain.Line, error)
	GetStop(ctx context.Context, id string) (*domain.Stop, error)
	LineStops(ctx context.Context, lineID string) ([]domain.LineStop, error)
}

// Broadcaster receives ETA and arrival updates for live delivery.
type Broadcaster interface {
	BroadcastETA(e *domain.ETA)
	BroadcastArrival(a *domain.StopArrival)
}
