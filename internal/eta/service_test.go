package eta

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buseta/internal/cache"
	"buseta/internal/domain"
	"buseta/internal/store"
)

var (
	t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	// roughly 1000 m apart along the equator
	stopA = domain.Stop{ID: "A", Name: "Depot", Location: domain.Point{Lat: 0, Lon: 0}}
	stopB = domain.Stop{ID: "B", Name: "Market", Location: domain.Point{Lat: 0, Lon: 0.009}}
	stopC = domain.Stop{ID: "C", Name: "Terminus", Location: domain.Point{Lat: 0, Lon: 0.018}}
	stopZ = domain.Stop{ID: "Z", Name: "Elsewhere", Location: domain.Point{Lat: 1, Lon: 1}}
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	etas     []*domain.ETA
	arrivals []*domain.StopArrival
}

func (b *recordingBroadcaster) BroadcastETA(e *domain.ETA) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.etas = append(b.etas, e)
}

func (b *recordingBroadcaster) BroadcastArrival(a *domain.StopArrival) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.arrivals = append(b.arrivals, a)
}

type fixture struct {
	svc      *Service
	repo     *store.Memory
	tracking *store.MemoryTracking
	lines    *store.MemoryLines
	kv       *cache.MemoryCache
	clock    *clock
	events   *recordingBroadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:     store.NewMemory(),
		tracking: store.NewMemoryTracking(0),
		lines:    store.NewMemoryLines(),
		kv:       cache.NewMemoryCache(time.Minute),
		clock:    &clock{t: t0},
		events:   &recordingBroadcaster{},
	}
	f.lines.PutLine(domain.Line{ID: "L1", Name: "Riverside"}, []domain.LineStop{
		{Stop: stopA, Order: 0},
		{Stop: stopB, Order: 1},
		{Stop: stopC, Order: 2},
	})
	f.lines.PutStop(stopZ)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.repo, f.tracking, f.lines, f.kv, DefaultConfig(), logger,
		WithClock(f.clock.Now),
		WithBroadcaster(f.events),
	)
	return f
}

// startAt opens a session on L1 with a single stationary fix at p.
func (f *fixture) startAt(t *testing.T, bus string, p domain.Point) *domain.TrackingSession {
	t.Helper()
	ctx := context.Background()

	s, err := f.svc.StartSession(ctx, "L1", bus, "driver-"+bus)
	require.NoError(t, err)
	f.move(t, s.ID, p)
	return s
}

func (f *fixture) move(t *testing.T, sessionID string, p domain.Point) {
	t.Helper()
	err := f.tracking.RecordLocation(context.Background(), domain.LocationUpdate{
		SessionID: sessionID,
		Location:  p,
		Timestamp: f.clock.Now(),
	})
	require.NoError(t, err)
}

func TestCalculateETAEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.startAt(t, "B1", stopB.Location)

	e, err := f.svc.CalculateETA(ctx, s.ID, "C")
	require.NoError(t, err)
	require.NotNil(t, e)

	assert.WithinDuration(t, t0.Add(200*time.Second), e.EstimatedArrival, time.Second)
	assert.Equal(t, 20, e.AccuracySeconds)
	assert.Equal(t, domain.ETAStatusApproaching, e.Status)
	assert.Nil(t, e.ActualArrival)
	assert.Equal(t, "L1", e.LineID)
	assert.Equal(t, "B1", e.BusID)

	require.Len(t, f.events.etas, 1)
	assert.Equal(t, e.ID, f.events.etas[0].ID)
}

func TestCalculateETAPassedStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.startAt(t, "B1", stopC.Location)

	e, err := f.svc.CalculateETA(ctx, s.ID, "A")
	require.NoError(t, err)
	assert.Nil(t, e)

	_, err = f.repo.FindETA(ctx, domain.ETAKey{SessionID: s.ID, LineID: "L1", BusID: "B1", StopID: "A"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCalculateETAAtStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// about 11 m from B
	s := f.startAt(t, "B1", domain.Point{Lat: 0, Lon: 0.0091})

	e, err := f.svc.CalculateETA(ctx, s.ID, "B")
	require.NoError(t, err)
	require.NotNil(t, e)

	assert.Equal(t, domain.ETAStatusArrived, e.Status)
	assert.Equal(t, 0, e.DelayMinutes)
	assert.Equal(t, 30, e.AccuracySeconds)
	require.NotNil(t, e.ActualArrival)
	assert.Equal(t, t0, *e.ActualArrival)

	arrivals, err := f.repo.ListArrivals(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, arrivals, 1)
	assert.Equal(t, t0, arrivals[0].ArrivalTime)
	assert.Equal(t, 0, arrivals[0].DelayMinutes)
	assert.Len(t, f.events.arrivals, 1)

	// a second calculation leaves the arrived row and creates no new arrival
	f.clock.Advance(time.Minute)
	again, err := f.svc.CalculateETA(ctx, s.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, e.ID, again.ID)
	assert.Equal(t, t0, *again.ActualArrival)

	arrivals, err = f.repo.ListArrivals(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, arrivals, 1)
}

func TestCalculateETARecalculationOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.startAt(t, "B1", stopA.Location)

	first, err := f.svc.CalculateETA(ctx, s.ID, "C")
	require.NoError(t, err)
	assert.Equal(t, domain.ETAStatusScheduled, first.Status)

	f.clock.Advance(3 * time.Minute)
	f.move(t, s.ID, stopB.Location)
	second, err := f.svc.CalculateETA(ctx, s.ID, "C")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.EstimatedArrival.Before(first.EstimatedArrival.Add(3*time.Minute)))
	assert.Equal(t, t0.Add(3*time.Minute), second.UpdatedAt)

	n, err := f.repo.CountETAs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCalculateETAUsesSessionAverageSpeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.StartSession(ctx, "L1", "B1", "")
	require.NoError(t, err)
	require.NoError(t, f.tracking.RecordLocation(ctx, domain.LocationUpdate{
		SessionID: s.ID, Location: stopB.Location, Speed: 10, Timestamp: t0,
	}))

	e, err := f.svc.CalculateETA(ctx, s.ID, "C")
	require.NoError(t, err)
	assert.WithinDuration(t, t0.Add(100*time.Second), e.EstimatedArrival, time.Second)
	assert.Equal(t, 10, e.AccuracySeconds)
}

func TestCalculateETAErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	located := f.startAt(t, "B1", stopA.Location)
	silent, err := f.svc.StartSession(ctx, "L1", "B2", "")
	require.NoError(t, err)

	tests := []struct {
		name    string
		session string
		stop    string
		want    error
	}{
		{"unknown session", "nope", "A", ErrNotFound},
		{"unknown stop", located.ID, "nope", ErrNotFound},
		{"stop not on line", located.ID, "Z", ErrValidation},
		{"no location yet", silent.ID, "C", ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := f.svc.CalculateETA(ctx, tt.session, tt.stop)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, e)
		})
	}
}

func TestCachedETA(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.startAt(t, "B1", stopA.Location)

	_, found, err := f.svc.CachedETA(ctx, "L1", "C", "B1")
	require.NoError(t, err)
	assert.False(t, found)

	e, err := f.svc.CalculateETA(ctx, s.ID, "C")
	require.NoError(t, err)

	cached, found, err := f.svc.CachedETA(ctx, "L1", "C", "B1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, e.ID, cached.ID)
	assert.True(t, e.EstimatedArrival.Equal(cached.EstimatedArrival))
}

func TestGetNextArrivals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	far := f.startAt(t, "B1", stopA.Location)
	near := f.startAt(t, "B2", stopB.Location)

	_, err := f.svc.CalculateETA(ctx, far.ID, "C")
	require.NoError(t, err)
	_, err = f.svc.CalculateETA(ctx, near.ID, "C")
	require.NoError(t, err)

	list, err := f.svc.GetNextArrivals(ctx, "C", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "B2", list[0].BusID)
	assert.Equal(t, "B1", list[1].BusID)

	list, err = f.svc.GetNextArrivals(ctx, "C", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.svc.GetNextArrivals(ctx, "nope", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecalculateForLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startAt(t, "B1", stopB.Location)

	result, err := f.svc.RecalculateForLine(ctx, "L1")
	require.NoError(t, err)

	// A passed, B arrived, C estimated
	assert.Len(t, result.Updated, 2)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 0, result.Failed)

	_, err = f.svc.RecalculateForLine(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecalculateForLineIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startAt(t, "B1", stopA.Location)
	for _, bus := range []string{"B2", "B3", "B4", "B5"} {
		_, err := f.svc.StartSession(ctx, "L1", bus, "")
		require.NoError(t, err)
	}

	result, err := f.svc.RecalculateForLine(ctx, "L1")
	require.NoError(t, err)

	assert.Len(t, result.Updated, 3)
	assert.Equal(t, 12, result.Failed)
	assert.Len(t, result.Errors, 10)
	assert.Contains(t, result.Errors[0].Error, "no location")
}

func TestRecalculateActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startAt(t, "B1", stopA.Location)
	f.startAt(t, "B2", stopA.Location)

	result, err := f.svc.RecalculateActive(ctx)
	require.NoError(t, err)
	// A is an immediate arrival for both buses, B and C estimated
	assert.Len(t, result.Updated, 6)
	assert.Equal(t, 0, result.Failed)
}

func TestStartSessionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartSession(ctx, "nope", "B1", "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.StartSession(ctx, "L1", "", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.EndSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIngestLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.svc.StartSession(ctx, "L1", "B1", "")
	require.NoError(t, err)

	update := domain.LocationUpdate{SessionID: s.ID, Location: stopA.Location, Speed: 5, Heading: 90}

	res, err := f.svc.IngestLocation(ctx, update)
	require.NoError(t, err)
	assert.True(t, res.Recalculated)
	assert.Equal(t, 3, res.Updated)

	f.clock.Advance(10 * time.Second)
	res, err = f.svc.IngestLocation(ctx, update)
	require.NoError(t, err)
	assert.False(t, res.Recalculated)

	latest, err := f.tracking.LatestLocation(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Second), latest.Timestamp)

	_, err = f.svc.IngestLocation(ctx, domain.LocationUpdate{SessionID: s.ID, Location: domain.Point{Lat: 91}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.IngestLocation(ctx, domain.LocationUpdate{SessionID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.EndSession(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.svc.IngestLocation(ctx, update)
	assert.ErrorIs(t, err, ErrValidation)
}
