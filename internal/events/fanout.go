package events

import (
	"buseta/internal/domain"
	"buseta/internal/eta"
)

// Fanout forwards every update to each of its broadcasters in order.
type Fanout []eta.Broadcaster

func (f Fanout) BroadcastETA(e *domain.ETA) {
	for _, b := range f {
		b.BroadcastETA(e)
	}
}

func (f Fanout) BroadcastArrival(a *domain.StopArrival) {
	for _, b := range f {
		b.BroadcastArrival(a)
	}
}
