package eta

import (
	"buseta/internal/domain"
	"buseta/internal/geo"
)

// Position is where a fix sits on a route: the nearest stop and how far
// away it is.
type Position struct {
	Closest           domain.LineStop
	Index             int
	DistanceToClosest float64
}

// Resolve finds the stop of route nearest to fix with a linear scan.
func Resolve(fix domain.Point, route []domain.LineStop) (Position, error) {
	if len(route) == 0 {
		return Position{}, validation("route has no stops")
	}

	best := Position{Index: -1}
	for i, ls := range route {
		d := geo.Distance(fix, ls.Stop.Location)
		if best.Index < 0 || d < best.DistanceToClosest {
			best = Position{Closest: ls, Index: i, DistanceToClosest: d}
		}
	}
	return best, nil
}

// RemainingDistance is the distance from fix to the closest stop plus the
// inter-stop distances from the closest stop up to the target.
func RemainingDistance(route []domain.LineStop, pos Position, targetIdx int) float64 {
	remaining := pos.DistanceToClosest
	for i := pos.Index; i < targetIdx; i++ {
		remaining += geo.Distance(route[i].Stop.Location, route[i+1].Stop.Location)
	}
	return remaining
}

func indexOfStop(route []domain.LineStop, stopID string) int {
	for i, ls := range route {
		if ls.Stop.ID == stopID {
			return i
		}
	}
	return -1
}
