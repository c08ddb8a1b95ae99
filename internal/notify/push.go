package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/NaySoftware/go-fcm"

	"buseta/internal/domain"
)

var ErrNoRecipient = errors.New("user has no address for channel")

type fcmSendFunc func(tokens []string, payload *fcm.NotificationPayload, data map[string]string) (*fcm.FcmResponseStatus, error)

// PushSender delivers notifications to a user's devices through FCM.
type PushSender struct {
	send   fcmSendFunc
	logger *slog.Logger
}

func NewPushSender(serverKey string, logger *slog.Logger) *PushSender {
	return &PushSender{
		send: func(tokens []string, payload *fcm.NotificationPayload, data map[string]string) (*fcm.FcmResponseStatus, error) {
			// FcmClient keeps the message on the client, so one per send
			client := fcm.NewFcmClient(serverKey)
			client.NewFcmRegIdsMsg(tokens, data)
			client.SetNotificationPayload(payload)
			client.SetPriority(fcm.Priority_HIGH)
			return client.Send()
		},
		logger: logger.With("component", "push"),
	}
}

func (p *PushSender) Send(ctx context.Context, user *domain.User, msg Message) (string, error) {
	if len(user.DeviceTokens) == 0 {
		return "", fmt.Errorf("push to %s: %w", user.ID, ErrNoRecipient)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	status, err := p.send(user.DeviceTokens, &fcm.NotificationPayload{
		Title: msg.Title,
		Body:  msg.Body,
	}, msg.Data)
	if err != nil {
		return "", fmt.Errorf("fcm send: %w", err)
	}
	if !status.Ok || status.Success == 0 {
		return "", fmt.Errorf("fcm rejected message: status %d, %d failed: %s", status.StatusCode, status.Fail, status.Err)
	}

	p.logger.Debug("push sent", "user_id", user.ID, "success", status.Success, "failure", status.Fail)
	return strconv.FormatInt(status.MulticastId, 10), nil
}
