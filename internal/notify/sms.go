package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"buseta/internal/domain"
)

// SMSSender posts messages to an HTTP SMS gateway.
type SMSSender struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewSMSSender(url, token string, timeout time.Duration) *SMSSender {
	return &SMSSender{
		url:   url,
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type smsRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type smsResponse struct {
	ID string `json:"id"`
}

func (s *SMSSender) Send(ctx context.Context, user *domain.User, msg Message) (string, error) {
	if user.Phone == "" {
		return "", fmt.Errorf("sms to %s: %w", user.ID, ErrNoRecipient)
	}

	body, err := json.Marshal(smsRequest{To: user.Phone, Message: msg.Body})
	if err != nil {
		return "", fmt.Errorf("failed to encode sms: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("sms gateway returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return result.ID, nil
}
