package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"buseta/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS eta (
    id                TEXT PRIMARY KEY,
    session_id        TEXT NOT NULL,
    line_id           TEXT NOT NULL,
    bus_id            TEXT NOT NULL,
    stop_id           TEXT NOT NULL,
    estimated_arrival TIMESTAMPTZ NOT NULL,
    actual_arrival    TIMESTAMPTZ,
    status            TEXT NOT NULL,
    delay_minutes     INTEGER NOT NULL DEFAULT 0,
    accuracy_seconds  INTEGER NOT NULL DEFAULT 0,
    updated_at        TIMESTAMPTZ NOT NULL,
    UNIQUE (session_id, line_id, bus_id, stop_id)
);
CREATE INDEX IF NOT EXISTS eta_stop_estimated_idx ON eta (stop_id, estimated_arrival);

CREATE TABLE IF NOT EXISTS stop_arrival (
    seq               BIGSERIAL,
    id                TEXT PRIMARY KEY,
    session_id        TEXT NOT NULL,
    line_id           TEXT NOT NULL,
    stop_id           TEXT NOT NULL,
    bus_id            TEXT NOT NULL,
    arrival_time      TIMESTAMPTZ NOT NULL,
    departure_time    TIMESTAMPTZ,
    scheduled_arrival TIMESTAMPTZ,
    delay_minutes     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS eta_notification (
    id                TEXT PRIMARY KEY,
    eta_id            TEXT NOT NULL REFERENCES eta (id),
    user_id           TEXT NOT NULL,
    channel           TEXT NOT NULL,
    threshold_minutes INTEGER NOT NULL,
    is_sent           BOOLEAN NOT NULL DEFAULT FALSE,
    sent_at           TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL,
    UNIQUE (eta_id, user_id, channel)
);
`

var (
	psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	etaColumns = []string{
		"id", "session_id", "line_id", "bus_id", "stop_id", "estimated_arrival",
		"actual_arrival", "status", "delay_minutes", "accuracy_seconds", "updated_at",
	}
	arrivalColumns = []string{
		"id", "session_id", "line_id", "stop_id", "bus_id", "arrival_time",
		"departure_time", "scheduled_arrival", "delay_minutes",
	}
	notificationColumns = []string{
		"id", "eta_id", "user_id", "channel", "threshold_minutes", "is_sent", "sent_at", "created_at",
	}
)

// Postgres is the durable repository backed by a pgx pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logger.Info("connected to postgres")
	return &Postgres{
		pool:   pool,
		logger: logger.With("component", "postgres"),
	}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Migrate creates the tables when they do not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanETA(row rowScanner) (*domain.ETA, error) {
	var e domain.ETA
	var status string
	err := row.Scan(
		&e.ID, &e.SessionID, &e.LineID, &e.BusID, &e.StopID, &e.EstimatedArrival,
		&e.ActualArrival, &status, &e.DelayMinutes, &e.AccuracySeconds, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = domain.ETAStatus(status)
	return &e, nil
}

func scanArrival(row rowScanner) (*domain.StopArrival, error) {
	var a domain.StopArrival
	err := row.Scan(
		&a.ID, &a.SessionID, &a.LineID, &a.StopID, &a.BusID, &a.ArrivalTime,
		&a.DepartureTime, &a.ScheduledArrival, &a.DelayMinutes,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanNotification(row rowScanner) (*domain.ETANotification, error) {
	var n domain.ETANotification
	var channel string
	err := row.Scan(
		&n.ID, &n.ETAID, &n.UserID, &channel, &n.ThresholdMinutes, &n.IsSent, &n.SentAt, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Channel = domain.NotificationChannel(channel)
	return &n, nil
}

func (p *Postgres) queryETAs(ctx context.Context, b sq.SelectBuilder) ([]*domain.ETA, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*domain.ETA
	for rows.Next() {
		e, err := scanETA(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *Postgres) getETA(ctx context.Context, where sq.Sqlizer) (*domain.ETA, error) {
	query, args, err := psql.Select(etaColumns...).From("eta").Where(where).ToSql()
	if err != nil {
		return nil, err
	}
	e, err := scanETA(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// UpsertETA inserts or overwrites the row for e's key. An arrived row is
// never overwritten; it is returned as stored.
func (p *Postgres) UpsertETA(ctx context.Context, e *domain.ETA) (*domain.ETA, error) {
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	query, args, err := psql.Insert("eta").
		Columns(etaColumns...).
		Values(id, e.SessionID, e.LineID, e.BusID, e.StopID, e.EstimatedArrival,
			e.ActualArrival, string(e.Status), e.DelayMinutes, e.AccuracySeconds, e.UpdatedAt).
		Suffix(`ON CONFLICT (session_id, line_id, bus_id, stop_id) DO UPDATE
SET estimated_arrival = EXCLUDED.estimated_arrival,
    actual_arrival = EXCLUDED.actual_arrival,
    status = EXCLUDED.status,
    delay_minutes = EXCLUDED.delay_minutes,
    accuracy_seconds = EXCLUDED.accuracy_seconds,
    updated_at = EXCLUDED.updated_at
WHERE eta.status <> 'arrived'
RETURNING id, session_id, line_id, bus_id, stop_id, estimated_arrival,
    actual_arrival, status, delay_minutes, accuracy_seconds, updated_at`).
		ToSql()
	if err != nil {
		return nil, err
	}

	stored, err := scanETA(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		// conflict with an arrived row
		return p.FindETA(ctx, e.Key())
	}
	if err != nil {
		return nil, fmt.Errorf("upsert eta: %w", err)
	}
	return stored, nil
}

func (p *Postgres) GetETA(ctx context.Context, id string) (*domain.ETA, error) {
	return p.getETA(ctx, sq.Eq{"id": id})
}

func (p *Postgres) FindETA(ctx context.Context, key domain.ETAKey) (*domain.ETA, error) {
	return p.getETA(ctx, sq.Eq{
		"session_id": key.SessionID,
		"line_id":    key.LineID,
		"bus_id":     key.BusID,
		"stop_id":    key.StopID,
	})
}

func (p *Postgres) MarkETAArrived(ctx context.Context, id string, at time.Time, delayMinutes int) (*domain.ETA, error) {
	query, args, err := psql.Update("eta").
		Set("actual_arrival", at).
		Set("status", string(domain.ETAStatusArrived)).
		Set("delay_minutes", delayMinutes).
		Set("updated_at", at).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING id, session_id, line_id, bus_id, stop_id, estimated_arrival, actual_arrival, status, delay_minutes, accuracy_seconds, updated_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	e, err := scanETA(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *Postgres) ListUpcomingETAs(ctx context.Context, stopID string, from time.Time, limit int) ([]*domain.ETA, error) {
	b := psql.Select(etaColumns...).From("eta").
		Where(sq.Eq{"stop_id": stopID}).
		Where(sq.NotEq{"status": string(domain.ETAStatusArrived)}).
		Where(sq.GtOrEq{"estimated_arrival": from}).
		OrderBy("estimated_arrival ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return p.queryETAs(ctx, b)
}

func (p *Postgres) MarkApproaching(ctx context.Context, from, until time.Time) (int, error) {
	query, args, err := psql.Update("eta").
		Set("status", string(domain.ETAStatusApproaching)).
		Set("updated_at", from).
		Where(sq.Eq{"status": string(domain.ETAStatusScheduled)}).
		Where(sq.GtOrEq{"estimated_arrival": from}).
		Where(sq.LtOrEq{"estimated_arrival": until}).
		ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark approaching: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) ListOverdueETAs(ctx context.Context, now time.Time) ([]*domain.ETA, error) {
	return p.queryETAs(ctx, psql.Select(etaColumns...).From("eta").
		Where(sq.Eq{"status": []string{string(domain.ETAStatusScheduled), string(domain.ETAStatusApproaching)}}).
		Where(sq.Eq{"actual_arrival": nil}).
		Where(sq.Lt{"estimated_arrival": now}))
}

func (p *Postgres) MarkDelayed(ctx context.Context, id string, delayMinutes int, at time.Time) error {
	query, args, err := psql.Update("eta").
		Set("status", string(domain.ETAStatusDelayed)).
		Set("delay_minutes", delayMinutes).
		Set("updated_at", at).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(domain.ETAStatusArrived)}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark delayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetETA(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) CreateArrival(ctx context.Context, a *domain.StopArrival) (*domain.StopArrival, error) {
	stored := copyArrival(a)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	query, args, err := psql.Insert("stop_arrival").
		Columns(arrivalColumns...).
		Values(stored.ID, stored.SessionID, stored.LineID, stored.StopID, stored.BusID, stored.ArrivalTime,
			stored.DepartureTime, stored.ScheduledArrival, stored.DelayMinutes).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("create arrival: %w", err)
	}
	return stored, nil
}

func (p *Postgres) GetArrival(ctx context.Context, id string) (*domain.StopArrival, error) {
	query, args, err := psql.Select(arrivalColumns...).From("stop_arrival").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	a, err := scanArrival(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *Postgres) SetDeparture(ctx context.Context, id string, at time.Time) (*domain.StopArrival, error) {
	query, args, err := psql.Update("stop_arrival").
		Set("departure_time", at).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING id, session_id, line_id, stop_id, bus_id, arrival_time, departure_time, scheduled_arrival, delay_minutes").
		ToSql()
	if err != nil {
		return nil, err
	}
	a, err := scanArrival(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *Postgres) ListArrivals(ctx context.Context, sessionID string) ([]*domain.StopArrival, error) {
	query, args, err := psql.Select(arrivalColumns...).From("stop_arrival").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("seq ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*domain.StopArrival
	for rows.Next() {
		a, err := scanArrival(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *Postgres) CreateNotification(ctx context.Context, n *domain.ETANotification) (*domain.ETANotification, bool, error) {
	if _, err := p.GetETA(ctx, n.ETAID); err != nil {
		return nil, false, err
	}

	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	query, args, err := psql.Insert("eta_notification").
		Columns(notificationColumns...).
		Values(id, n.ETAID, n.UserID, string(n.Channel), n.ThresholdMinutes, n.IsSent, n.SentAt, n.CreatedAt).
		Suffix("ON CONFLICT (eta_id, user_id, channel) DO NOTHING RETURNING id, eta_id, user_id, channel, threshold_minutes, is_sent, sent_at, created_at").
		ToSql()
	if err != nil {
		return nil, false, err
	}

	stored, err := scanNotification(p.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("create notification: %w", err)
	}

	query, args, err = psql.Select(notificationColumns...).From("eta_notification").
		Where(sq.Eq{"eta_id": n.ETAID, "user_id": n.UserID, "channel": string(n.Channel)}).
		ToSql()
	if err != nil {
		return nil, false, err
	}
	existing, err := scanNotification(p.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, false, fmt.Errorf("load existing notification: %w", err)
	}
	return existing, false, nil
}

func (p *Postgres) GetNotification(ctx context.Context, id string) (*domain.ETANotification, error) {
	query, args, err := psql.Select(notificationColumns...).From("eta_notification").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	n, err := scanNotification(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (p *Postgres) ListPendingNotifications(ctx context.Context, now time.Time) ([]domain.PendingNotification, error) {
	cols := make([]string, 0, len(notificationColumns)+len(etaColumns))
	for _, c := range notificationColumns {
		cols = append(cols, "n."+c)
	}
	for _, c := range etaColumns {
		cols = append(cols, "e."+c)
	}

	query, args, err := psql.Select(cols...).
		From("eta_notification n").
		Join("eta e ON e.id = n.eta_id").
		Where(sq.Eq{"n.is_sent": false}).
		Where(sq.Eq{"e.status": []string{string(domain.ETAStatusScheduled), string(domain.ETAStatusApproaching)}}).
		Where(sq.Gt{"e.estimated_arrival": now}).
		OrderBy("e.estimated_arrival ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.PendingNotification
	for rows.Next() {
		var n domain.ETANotification
		var e domain.ETA
		var channel, status string
		err := rows.Scan(
			&n.ID, &n.ETAID, &n.UserID, &channel, &n.ThresholdMinutes, &n.IsSent, &n.SentAt, &n.CreatedAt,
			&e.ID, &e.SessionID, &e.LineID, &e.BusID, &e.StopID, &e.EstimatedArrival,
			&e.ActualArrival, &status, &e.DelayMinutes, &e.AccuracySeconds, &e.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		n.Channel = domain.NotificationChannel(channel)
		e.Status = domain.ETAStatus(status)
		result = append(result, domain.PendingNotification{Notification: &n, ETA: &e})
	}
	return result, rows.Err()
}

func (p *Postgres) MarkNotificationSent(ctx context.Context, id string, at time.Time) (bool, error) {
	query, args, err := psql.Update("eta_notification").
		Set("is_sent", true).
		Set("sent_at", at).
		Where(sq.Eq{"id": id, "is_sent": false}).
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("mark notification sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetNotification(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *Postgres) CountETAs(ctx context.Context) (int, error) {
	query, args, err := psql.Select("COUNT(*)").From("eta").ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
