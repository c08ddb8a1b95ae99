package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
lines:
  - id: L1
    name: Riverside
    stops:
      - {id: C, name: Terminus, lat: 0, lon: 0.018}
      - {id: A, name: Depot, lat: 0, lon: 0}
      - {id: B, name: Market, lat: 0, lon: 0.009}
users:
  - id: u1
    name: Ana
    phone: "+15550100"
    device_tokens: [tok-1]
`

func TestLoadSeed(t *testing.T) {
	ctx := context.Background()
	lines := NewMemoryLines()
	users := NewMemoryUsers()

	require.NoError(t, LoadSeed([]byte(seedYAML), lines, users))

	route, err := lines.LineStops(ctx, "L1")
	require.NoError(t, err)
	require.Len(t, route, 3)
	// file order defines the route order
	assert.Equal(t, "C", route[0].Stop.ID)
	assert.Equal(t, 0.0, route[0].DistanceFromStart)
	assert.InDelta(t, 3002.3, route[2].DistanceFromStart, 1)

	stop, err := lines.GetStop(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "Market", stop.Name)

	u, err := users.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-1"}, u.DeviceTokens)

	_, err = users.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadSeedValidation(t *testing.T) {
	bad := `
lines:
  - id: L1
    stops:
      - {id: A, lat: 95, lon: 0}
      - {id: B, lat: 0, lon: 0}
`
	err := LoadSeed([]byte(bad), NewMemoryLines(), NewMemoryUsers())
	assert.Error(t, err)

	tooShort := `
lines:
  - id: L1
    stops:
      - {id: A, lat: 0, lon: 0}
`
	err = LoadSeed([]byte(tooShort), NewMemoryLines(), NewMemoryUsers())
	assert.Error(t, err)
}

func TestLineStopsUnknownLine(t *testing.T) {
	_, err := NewMemoryLines().LineStops(context.Background(), "none")
	assert.ErrorIs(t, err, ErrNotFound)
}
