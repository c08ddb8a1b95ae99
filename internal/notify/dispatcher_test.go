package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buseta/internal/domain"
	"buseta/internal/eta"
	"buseta/internal/store"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []Message
	to   []string
}

func (f *fakeSender) Send(ctx context.Context, user *domain.User, msg Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	f.to = append(f.to, user.ID)
	return "ext-1", nil
}

type dispatchFixture struct {
	d      *Dispatcher
	repo   *store.Memory
	users  *store.MemoryUsers
	push   *fakeSender
	now    time.Time
	etaRow *domain.ETA
}

func newDispatchFixture(t *testing.T, etaIn time.Duration) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		repo:  store.NewMemory(),
		users: store.NewMemoryUsers(),
		push:  &fakeSender{},
		now:   t0,
	}
	f.users.Put(domain.User{ID: "u1", Name: "Ana", DeviceTokens: []string{"tok"}})

	registry := NewRegistry()
	registry.Register(domain.ChannelPush, f.push)

	var err error
	f.etaRow, err = f.repo.UpsertETA(context.Background(), &domain.ETA{
		SessionID:        "s1",
		LineID:           "L1",
		BusID:            "B1",
		StopID:           "C",
		EstimatedArrival: t0.Add(etaIn),
		Status:           domain.ETAStatusScheduled,
		UpdatedAt:        t0,
	})
	require.NoError(t, err)

	f.d = NewDispatcher(f.repo, f.users, registry, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func TestDispatchRespectsThreshold(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t, 6*time.Minute)

	n, created, err := f.d.Subscribe(ctx, f.etaRow.ID, "u1", domain.ChannelPush, 5)
	require.NoError(t, err)
	require.True(t, created)

	result, err := f.d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Checked: 1, Waiting: 1}, result)
	assert.Empty(t, f.push.sent)

	f.now = t0.Add(time.Minute)
	result, err = f.d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Checked: 1, Sent: 1}, result)
	require.Len(t, f.push.sent, 1)
	assert.Equal(t, f.etaRow.ID, f.push.sent[0].Data["eta_id"])
	assert.Contains(t, f.push.sent[0].Body, "in 5 min")

	got, err := f.repo.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSent)
	require.NotNil(t, got.SentAt)
	assert.Equal(t, t0.Add(time.Minute), *got.SentAt)

	// sent exactly once
	result, err = f.d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{}, result)
	assert.Len(t, f.push.sent, 1)
}

func TestDispatchFailureStaysPending(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t, 2*time.Minute)
	f.push.err = errors.New("fcm down")

	n, _, err := f.d.Subscribe(ctx, f.etaRow.ID, "u1", domain.ChannelPush, 5)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result, err := f.d.DispatchPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
	}

	got, err := f.repo.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.False(t, got.IsSent)

	f.push.err = nil
	result, err := f.d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
}

func TestDispatchUnknownUserOrChannel(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t, time.Minute)

	_, _, err := f.repo.CreateNotification(ctx, &domain.ETANotification{
		ETAID: f.etaRow.ID, UserID: "ghost", Channel: domain.ChannelPush, ThresholdMinutes: 5,
	})
	require.NoError(t, err)
	_, _, err = f.repo.CreateNotification(ctx, &domain.ETANotification{
		ETAID: f.etaRow.ID, UserID: "u1", Channel: domain.ChannelSMS, ThresholdMinutes: 5,
	})
	require.NoError(t, err)

	result, err := f.d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Checked: 2, Failed: 2}, result)
}

func TestDispatchIgnoresPastAndArrivedETAs(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t, 2*time.Minute)

	_, _, err := f.d.Subscribe(ctx, f.etaRow.ID, "u1", domain.ChannelPush, 5)
	require.NoError(t, err)

	f.now = t0.Add(3 * time.Minute)
	result, err := f.d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Checked)

	f.now = t0
	_, err = f.repo.MarkETAArrived(ctx, f.etaRow.ID, t0, 0)
	require.NoError(t, err)
	result, err = f.d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Checked)
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t, 10*time.Minute)

	first, created, err := f.d.Subscribe(ctx, f.etaRow.ID, "u1", domain.ChannelPush, 5)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, t0, first.CreatedAt)

	again, created, err := f.d.Subscribe(ctx, f.etaRow.ID, "u1", domain.ChannelPush, 3)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 5, again.ThresholdMinutes)

	tests := []struct {
		name      string
		etaID     string
		user      string
		channel   domain.NotificationChannel
		threshold int
		want      error
	}{
		{"zero threshold", f.etaRow.ID, "u1", domain.ChannelPush, 0, eta.ErrValidation},
		{"unknown channel", f.etaRow.ID, "u1", "pigeon", 5, eta.ErrValidation},
		{"missing user", f.etaRow.ID, "", domain.ChannelPush, 5, eta.ErrValidation},
		{"unknown user", f.etaRow.ID, "ghost", domain.ChannelPush, 5, eta.ErrNotFound},
		{"unknown eta", "nope", "u1", domain.ChannelPush, 5, eta.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.d.Subscribe(ctx, tt.etaID, tt.user, tt.channel, tt.threshold)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
