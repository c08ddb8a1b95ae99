package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buseta/internal/domain"
)

func TestStartSessionEndsPreviousForBus(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracking(0)

	first, err := tr.StartSession(ctx, "L1", "B1", "d1", t0)
	require.NoError(t, err)
	second, err := tr.StartSession(ctx, "L1", "B1", "d2", t0.Add(time.Hour))
	require.NoError(t, err)

	got, err := tr.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.NotNil(t, got.EndedAt)

	active, err := tr.ActiveSessions(ctx, "L1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	all, err := tr.ActiveSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	none, err := tr.ActiveSessions(ctx, "L2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordLocation(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracking(2)

	assert.ErrorIs(t, tr.RecordLocation(ctx, domain.LocationUpdate{SessionID: "nope"}), ErrNotFound)

	s, err := tr.StartSession(ctx, "L1", "B1", "", t0)
	require.NoError(t, err)

	_, err = tr.LatestLocation(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	fixes := []domain.LocationUpdate{
		{SessionID: s.ID, Location: domain.Point{Lat: 0, Lon: 0}, Speed: 4, Timestamp: t0},
		{SessionID: s.ID, Location: domain.Point{Lat: 0, Lon: 0.001}, Speed: 6, Timestamp: t0.Add(10 * time.Second)},
		{SessionID: s.ID, Location: domain.Point{Lat: 0, Lon: 0.002}, Speed: 10, Timestamp: t0.Add(20 * time.Second)},
	}
	for _, f := range fixes {
		require.NoError(t, tr.RecordLocation(ctx, f))
	}

	latest, err := tr.LatestLocation(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.002, latest.Location.Lon)

	// a stale fix does not replace the latest one
	require.NoError(t, tr.RecordLocation(ctx, domain.LocationUpdate{SessionID: s.ID, Speed: -1, Timestamp: t0.Add(5 * time.Second)}))
	latest, err = tr.LatestLocation(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.002, latest.Location.Lon)

	stats, err := tr.SessionStatistics(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Samples)
	assert.Equal(t, 10.0, stats.MaxSpeed)
	assert.InDelta(t, 8.0, stats.AverageSpeed, 1e-9)
	assert.Greater(t, stats.DistanceMeters, 200.0)

	_, err = tr.EndSession(ctx, s.ID, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.ErrorIs(t, tr.RecordLocation(ctx, fixes[0]), ErrSessionEnded)
}
