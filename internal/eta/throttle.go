package eta

import (
	"context"
	"math"
	"time"

	"buseta/internal/cache"
	"buseta/internal/domain"
	"buseta/internal/geo"
	"buseta/internal/metrics"
)

type motion struct {
	Speed   float64   `json:"speed"`
	Heading float64   `json:"heading"`
	At      time.Time `json:"at"`
}

// Throttle decides whether a location update should trigger recalculation
// of its line. State lives in the cache so it expires after ThrottleTTL of
// inactivity.
type Throttle struct {
	kv           cache.Store
	interval     time.Duration
	speedDelta   float64
	headingDelta float64
	ttl          time.Duration
	now          func() time.Time
	metrics      *metrics.Collector
}

func NewThrottle(kv cache.Store, cfg Config, now func() time.Time, m *metrics.Collector) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{
		kv:           kv,
		interval:     cfg.ThrottleInterval,
		speedDelta:   cfg.ThrottleSpeedDelta,
		headingDelta: cfg.ThrottleHeadingDelta,
		ttl:          cfg.ThrottleTTL,
		now:          now,
		metrics:      m,
	}
}

// ShouldRecalculate applies, in order: no recorded calculation for the
// line, calculation older than the interval, a significant speed or heading
// change for the session. The session's motion is refreshed on every call.
func (t *Throttle) ShouldRecalculate(ctx context.Context, u domain.LocationUpdate, lineID string) (bool, error) {
	now := t.now()

	var lastCalc time.Time
	found, err := cache.GetJSON(ctx, t.kv, cache.KeyLastCalc(lineID), &lastCalc)
	if err != nil {
		t.metrics.ThrottleDecision("error")
		return false, err
	}

	reason := "skip"
	switch {
	case !found:
		reason = "first"
	case now.Sub(lastCalc) > t.interval:
		reason = "interval"
	default:
		var prev motion
		ok, err := cache.GetJSON(ctx, t.kv, cache.KeyMotion(u.SessionID), &prev)
		if err != nil {
			t.metrics.ThrottleDecision("error")
			return false, err
		}
		if ok && t.significant(prev, u) {
			reason = "motion"
		}
	}

	if err := cache.SetJSON(ctx, t.kv, cache.KeyMotion(u.SessionID), motion{Speed: u.Speed, Heading: u.Heading, At: now}, t.ttl); err != nil {
		t.metrics.ThrottleDecision("error")
		return false, err
	}
	t.metrics.ThrottleDecision(reason)

	if reason == "skip" {
		return false, nil
	}
	if err := cache.SetJSON(ctx, t.kv, cache.KeyLastCalc(lineID), now, t.ttl); err != nil {
		return true, err
	}
	return true, nil
}

func (t *Throttle) significant(prev motion, u domain.LocationUpdate) bool {
	if math.Abs(u.Speed-prev.Speed) > t.speedDelta {
		return true
	}
	return geo.HeadingDelta(prev.Heading, u.Heading) > t.headingDelta
}
