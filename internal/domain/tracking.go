package domain

import "time"

// TrackingSession is one continuous trip of a bus on a line
type TrackingSession struct {
	ID        string     `json:"id"`
	LineID    string     `json:"lineId"`
	BusID     string     `json:"busId"`
	DriverID  string     `json:"driverId,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Active    bool       `json:"active"`
}

// LocationUpdate is a single GPS fix. Speed is in m/s, Heading in degrees.
type LocationUpdate struct {
	SessionID string    `json:"sessionId"`
	Location  Point     `json:"location"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatistics summarises the fixes recorded for a session
type SessionStatistics struct {
	SessionID      string  `json:"sessionId"`
	Samples        int     `json:"samples"`
	AverageSpeed   float64 `json:"averageSpeed"`
	MaxSpeed       float64 `json:"maxSpeed"`
	DistanceMeters float64 `json:"distanceMeters"`
}

// User is a notification recipient
type User struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Phone        string   `json:"phone,omitempty" yaml:"phone"`
	Email        string   `json:"email,omitempty" yaml:"email"`
	DeviceTokens []string `json:"deviceTokens,omitempty" yaml:"device_tokens"`
}
