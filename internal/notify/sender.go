package notify

import (
	"context"
	"fmt"
	"time"

	"buseta/internal/domain"
)

// Message is the channel-independent content of a notification.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Sender delivers a message to a user over one channel and returns the
// provider's message ID.
type Sender interface {
	Send(ctx context.Context, user *domain.User, msg Message) (string, error)
}

// Registry selects the Sender for a notification channel.
type Registry struct {
	senders map[domain.NotificationChannel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[domain.NotificationChannel]Sender)}
}

func (r *Registry) Register(channel domain.NotificationChannel, s Sender) {
	r.senders[channel] = s
}

func (r *Registry) Sender(channel domain.NotificationChannel) (Sender, bool) {
	s, ok := r.senders[channel]
	return s, ok
}

func (r *Registry) Channels() []domain.NotificationChannel {
	channels := make([]domain.NotificationChannel, 0, len(r.senders))
	for ch := range r.senders {
		channels = append(channels, ch)
	}
	return channels
}

// ETAMessage builds the reminder sent when a bus is about to reach a stop.
func ETAMessage(e *domain.ETA, now time.Time) Message {
	minutes := int(e.EstimatedArrival.Sub(now).Round(time.Minute) / time.Minute)
	body := fmt.Sprintf("Bus %s on line %s arrives at stop %s in %d min", e.BusID, e.LineID, e.StopID, minutes)
	if minutes <= 0 {
		body = fmt.Sprintf("Bus %s on line %s is arriving at stop %s", e.BusID, e.LineID, e.StopID)
	}
	return Message{
		Title: "Your bus is almost here",
		Body:  body,
		Data: map[string]string{
			"eta_id":            e.ID,
			"line_id":           e.LineID,
			"stop_id":           e.StopID,
			"bus_id":            e.BusID,
			"estimated_arrival": e.EstimatedArrival.Format(time.RFC3339),
		},
	}
}
