package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"buseta/internal/domain"
	"buseta/internal/eta"
	"buseta/internal/metrics"
	"buseta/internal/store"
)

// Repository stores ETA notifications.
type Repository interface {
	GetETA(ctx context.Context, id string) (*domain.ETA, error)
	CreateNotification(ctx context.Context, n *domain.ETANotification) (*domain.ETANotification, bool, error)
	ListPendingNotifications(ctx context.Context, now time.Time) ([]domain.PendingNotification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) (bool, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
}

// Dispatcher sends pending ETA notifications once their ETA is within the
// requested threshold. Failed sends stay pending and are retried on the
// next run.
type Dispatcher struct {
	repo        Repository
	users       UserDirectory
	registry    *Registry
	metrics     *metrics.Collector
	sendTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.sendTimeout = timeout }
}

func NewDispatcher(repo Repository, users UserDirectory, registry *Registry, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:        repo,
		users:       users,
		registry:    registry,
		sendTimeout: 10 * time.Second,
		logger:      logger.With("component", "notify"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchResult summarises one dispatch run.
type DispatchResult struct {
	Checked int `json:"checked"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Waiting int `json:"waiting"`
}

func (d *Dispatcher) DispatchPending(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult
	now := d.now()

	pending, err := d.repo.ListPendingNotifications(ctx, now)
	if err != nil {
		return result, fmt.Errorf("list pending notifications: %w", err)
	}

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++

		minutesRemaining := p.ETA.EstimatedArrival.Sub(now).Minutes()
		if minutesRemaining > float64(p.Notification.ThresholdMinutes) {
			result.Waiting++
			continue
		}

		if err := d.send(ctx, p, now); err != nil {
			d.logger.Warn("notification send failed",
				"notification_id", p.Notification.ID,
				"channel", p.Notification.Channel,
				"user_id", p.Notification.UserID,
				"error", err,
			)
			d.metrics.Notification(string(p.Notification.Channel), "failed")
			result.Failed++
			continue
		}

		marked, err := d.repo.MarkNotificationSent(ctx, p.Notification.ID, now)
		if err != nil {
			d.logger.Error("failed to mark notification sent", "notification_id", p.Notification.ID, "error", err)
			result.Failed++
			continue
		}
		if marked {
			d.metrics.Notification(string(p.Notification.Channel), "sent")
			result.Sent++
		}
	}

	return result, nil
}

func (d *Dispatcher) send(ctx context.Context, p domain.PendingNotification, now time.Time) error {
	user, err := d.users.GetUser(ctx, p.Notification.UserID)
	if err != nil {
		return fmt.Errorf("user %s: %w", p.Notification.UserID, err)
	}
	sender, ok := d.registry.Sender(p.Notification.Channel)
	if !ok {
		return fmt.Errorf("no sender for channel %q", p.Notification.Channel)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	externalID, err := sender.Send(sendCtx, user, ETAMessage(p.ETA, now))
	if err != nil {
		return err
	}
	d.logger.Debug("notification sent",
		"notification_id", p.Notification.ID,
		"channel", p.Notification.Channel,
		"external_id", externalID,
	)
	return nil
}

// Subscribe asks for userID to be notified over channel once the ETA is
// within thresholdMinutes. Subscribing twice returns the existing row.
func (d *Dispatcher) Subscribe(ctx context.Context, etaID, userID string, channel domain.NotificationChannel, thresholdMinutes int) (*domain.ETANotification, bool, error) {
	if thresholdMinutes <= 0 {
		return nil, false, fmt.Errorf("threshold must be positive: %w", eta.ErrValidation)
	}
	if !channel.Valid() {
		return nil, false, fmt.Errorf("unknown channel %q: %w", channel, eta.ErrValidation)
	}
	if userID == "" {
		return nil, false, fmt.Errorf("user is required: %w", eta.ErrValidation)
	}

	if _, err := d.users.GetUser(ctx, userID); err != nil {
		return nil, false, mapNotFound("user", userID, err)
	}
	e, err := d.repo.GetETA(ctx, etaID)
	if err != nil {
		return nil, false, mapNotFound("eta", etaID, err)
	}
	if e.Status.Terminal() {
		return nil, false, fmt.Errorf("eta %s already arrived: %w", etaID, eta.ErrValidation)
	}

	n, created, err := d.repo.CreateNotification(ctx, &domain.ETANotification{
		ETAID:            etaID,
		UserID:           userID,
		Channel:          channel,
		ThresholdMinutes: thresholdMinutes,
		CreatedAt:        d.now(),
	})
	if err != nil {
		return nil, false, mapNotFound("eta", etaID, err)
	}
	if created {
		d.logger.Info("notification subscribed", "eta_id", etaID, "user_id", userID, "channel", channel)
	}
	return n, created, nil
}

func mapNotFound(kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, eta.ErrNotFound)
	}
	return err
}
