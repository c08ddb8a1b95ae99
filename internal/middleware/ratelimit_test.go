package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newLimiter(rate int, whitelist []string) (*RateLimiter, *time.Time) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(rate, time.Minute, whitelist, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestAllowResetsAfterWindow(t *testing.T) {
	rl, now := newLimiter(2, nil)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	*now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("a"))

	*now = now.Add(5 * time.Minute)
	rl.evict()
	assert.Empty(t, rl.clients)
}

func TestMiddleware(t *testing.T) {
	rl, _ := newLimiter(1, []string{"10.0.0.9"})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(remote, xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/stops/A/arrivals", nil)
		req.RemoteAddr = remote
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:1234", ""))
	assert.Equal(t, http.StatusNoContent, call("127.0.0.1:1", "10.0.0.3, 172.16.0.1"))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNoContent, call("10.0.0.9:1234", ""))
	}
}
