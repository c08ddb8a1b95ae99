package domain

import "time"

// ETAStatus is the lifecycle state of an ETA row
type ETAStatus string

const (
	ETAStatusScheduled   ETAStatus = "scheduled"
	ETAStatusApproaching ETAStatus = "approaching"
	ETAStatusDelayed     ETAStatus = "delayed"
	ETAStatusArrived     ETAStatus = "arrived"
)

// Terminal reports whether no further transition is allowed out of s.
func (s ETAStatus) Terminal() bool {
	return s == ETAStatusArrived
}

// ETAKey identifies the single ETA row kept per (session, line, bus, stop)
type ETAKey struct {
	SessionID string
	LineID    string
	BusID     string
	StopID    string
}

// ETA is a prediction of when a bus on a tracking session reaches a stop
type ETA struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"sessionId"`
	LineID           string     `json:"lineId"`
	BusID            string     `json:"busId"`
	StopID           string     `json:"stopId"`
	EstimatedArrival time.Time  `json:"estimatedArrival"`
	ActualArrival    *time.Time `json:"actualArrival,omitempty"`
	Status           ETAStatus  `json:"status"`
	DelayMinutes     int        `json:"delayMinutes"`
	AccuracySeconds  int        `json:"accuracySeconds"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func (e *ETA) Key() ETAKey {
	return ETAKey{
		SessionID: e.SessionID,
		LineID:    e.LineID,
		BusID:     e.BusID,
		StopID:    e.StopID,
	}
}

// Open reports whether the bus has not been recorded at the stop yet.
func (e *ETA) Open() bool {
	return e.ActualArrival == nil
}

// StopArrival is an immutable record of a bus reaching a stop. Only
// DepartureTime is filled in later.
type StopArrival struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"sessionId"`
	LineID           string     `json:"lineId"`
	StopID           string     `json:"stopId"`
	BusID            string     `json:"busId"`
	ArrivalTime      time.Time  `json:"arrivalTime"`
	DepartureTime    *time.Time `json:"departureTime,omitempty"`
	ScheduledArrival *time.Time `json:"scheduledArrival,omitempty"`
	DelayMinutes     int        `json:"delayMinutes"`
}

// NotificationChannel selects the transport used to reach a user
type NotificationChannel string

const (
	ChannelPush  NotificationChannel = "push"
	ChannelSMS   NotificationChannel = "sms"
	ChannelEmail NotificationChannel = "email"
)

func (c NotificationChannel) Valid() bool {
	switch c {
	case ChannelPush, ChannelSMS, ChannelEmail:
		return true
	default:
		return false
	}
}

// ETANotification asks for a user to be told once an ETA drops below a threshold.
// Unique per (ETAID, UserID, Channel).
type ETANotification struct {
	ID               string              `json:"id"`
	ETAID            string              `json:"etaId"`
	UserID           string              `json:"userId"`
	Channel          NotificationChannel `json:"channel"`
	ThresholdMinutes int                 `json:"thresholdMinutes"`
	IsSent           bool                `json:"isSent"`
	SentAt           *time.Time          `json:"sentAt,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
}

// PendingNotification pairs a pending notification with its parent ETA
type PendingNotification struct {
	Notification *ETANotification
	ETA          *ETA
}
