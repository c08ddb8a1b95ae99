package eta

import (
	"math"
	"time"
)

// Config holds the ETA tunables.
type Config struct {
	ArrivalRadius     float64 // metres
	DefaultSpeed      float64 // m/s
	MaxAccuracy       time.Duration
	AccuracyFactor    float64
	ApproachingWindow time.Duration
	ETACacheTTL       time.Duration

	ThrottleInterval     time.Duration
	ThrottleSpeedDelta   float64 // m/s
	ThrottleHeadingDelta float64 // degrees
	ThrottleTTL          time.Duration
}

func DefaultConfig() Config {
	return Config{
		ArrivalRadius:        50,
		DefaultSpeed:         5,
		MaxAccuracy:          300 * time.Second,
		AccuracyFactor:       0.1,
		ApproachingWindow:    5 * time.Minute,
		ETACacheTTL:          time.Hour,
		ThrottleInterval:     60 * time.Second,
		ThrottleSpeedDelta:   5,
		ThrottleHeadingDelta: 30,
		ThrottleTTL:          time.Hour,
	}
}

// Estimate is the outcome of the distance/speed formula.
type Estimate struct {
	RemainingMeters  float64
	Speed            float64
	TimeToArrival    time.Duration
	EstimatedArrival time.Time
	AccuracySeconds  int
}

// EstimateArrival computes arrival time and accuracy band for a bus that is
// remainingM metres from its target at speedMps. A non-positive speed falls
// back to DefaultSpeed.
func (c Config) EstimateArrival(remainingM, speedMps float64, now time.Time) Estimate {
	if speedMps <= 0 {
		speedMps = c.DefaultSpeed
	}
	if remainingM < 0 {
		remainingM = 0
	}

	seconds := remainingM / speedMps
	tta := time.Duration(seconds * float64(time.Second))
	accuracy := math.Min(c.MaxAccuracy.Seconds(), seconds*c.AccuracyFactor)

	return Estimate{
		RemainingMeters:  remainingM,
		Speed:            speedMps,
		TimeToArrival:    tta,
		EstimatedArrival: now.Add(tta),
		AccuracySeconds:  int(accuracy),
	}
}
