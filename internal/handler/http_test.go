package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buseta/internal/cache"
	"buseta/internal/domain"
	"buseta/internal/eta"
	"buseta/internal/notify"
	"buseta/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	mux  *http.ServeMux
	repo *store.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	repo := store.NewMemory()
	lines := store.NewMemoryLines()
	lines.PutLine(domain.Line{ID: "L1", Name: "Riverside"}, []domain.LineStop{
		{Stop: domain.Stop{ID: "A", Location: domain.Point{Lat: 0, Lon: 0}}, Order: 0},
		{Stop: domain.Stop{ID: "B", Location: domain.Point{Lat: 0, Lon: 0.009}}, Order: 1},
		{Stop: domain.Stop{ID: "C", Location: domain.Point{Lat: 0, Lon: 0.018}}, Order: 2},
	})
	lines.PutStop(domain.Stop{ID: "Z", Location: domain.Point{Lat: 1, Lon: 1}})
	users := store.NewMemoryUsers()
	users.Put(domain.User{ID: "u1", DeviceTokens: []string{"tok"}})

	svc := eta.NewService(repo, store.NewMemoryTracking(0), lines, cache.NewMemoryCache(time.Minute), eta.DefaultConfig(), testLogger())
	dispatcher := notify.NewDispatcher(repo, users, notify.NewRegistry(), testLogger())

	mux := http.NewServeMux()
	NewHTTPHandler(svc, dispatcher, testLogger()).Register(mux)
	return &testServer{mux: mux, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v))
	return v
}

func (s *testServer) startSession(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/sessions", `{"lineId":"L1","busId":"b1","driverId":"d1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	return decode[domain.TrackingSession](t, rec).ID
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := s.startSession(t)

	rec := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/locations", `{"lat":0,"lon":0.001,"speed":5,"heading":90}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	result := decode[eta.IngestResult](t, rec)
	assert.True(t, result.Recalculated)
	assert.Positive(t, result.Updated)

	rec = s.do(t, http.MethodGet, "/v1/sessions/"+id+"/stops/C/eta", "")
	require.Equal(t, http.StatusOK, rec.Code)
	e := decode[domain.ETA](t, rec)
	assert.Equal(t, "C", e.StopID)
	assert.Equal(t, "b1", e.BusID)

	rec = s.do(t, http.MethodGet, "/v1/stops/C/arrivals?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	arrivals := decode[ArrivalsResponse](t, rec)
	assert.Equal(t, 1, arrivals.Count)

	rec = s.do(t, http.MethodGet, "/v1/lines/L1/stops/C/buses/b1/eta", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/lines/L1/stops/C/buses/other/eta", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// bus moves next to C, so A is behind it
	rec = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/locations", `{"lat":0,"lon":0.016,"speed":5,"heading":90}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/sessions/"+id+"/stops/A/eta", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/lines/L1/recalculate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[BatchSummary](t, rec)
	assert.Equal(t, 0, summary.Failed)
	assert.Positive(t, summary.Passed)

	rec = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/end", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.TrackingSession](t, rec).Active)

	rec = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/locations", `{"lat":0,"lon":0.017}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	id := s.startSession(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown session", http.MethodGet, "/v1/sessions/nope/stops/A/eta", "", http.StatusNotFound},
		{"unknown stop", http.MethodGet, "/v1/sessions/" + id + "/stops/nope/eta", "", http.StatusNotFound},
		{"stop off line", http.MethodGet, "/v1/sessions/" + id + "/stops/Z/eta", "", http.StatusUnprocessableEntity},
		{"no location yet", http.MethodGet, "/v1/sessions/" + id + "/stops/B/eta", "", http.StatusUnprocessableEntity},
		{"unknown line", http.MethodPost, "/v1/sessions", `{"lineId":"L9","busId":"b1"}`, http.StatusNotFound},
		{"missing bus", http.MethodPost, "/v1/sessions", `{"lineId":"L1"}`, http.StatusUnprocessableEntity},
		{"bad body", http.MethodPost, "/v1/sessions", `{"lineId":`, http.StatusBadRequest},
		{"bad coordinates", http.MethodPost, "/v1/sessions/" + id + "/locations", `{"lat":91,"lon":0}`, http.StatusUnprocessableEntity},
		{"bad limit", http.MethodGet, "/v1/stops/A/arrivals?limit=abc", "", http.StatusBadRequest},
		{"unknown stop arrivals", http.MethodGet, "/v1/stops/nope/arrivals", "", http.StatusNotFound},
		{"unknown arrival", http.MethodPost, "/v1/arrivals/nope/departure", "", http.StatusNotFound},
		{"unknown line recalculation", http.MethodPost, "/v1/lines/L9/recalculate", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestArrivalAndDeparture(t *testing.T) {
	s := newTestServer(t)
	id := s.startSession(t)

	rec := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/stops/B/arrival", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	a := decode[domain.StopArrival](t, rec)
	assert.Equal(t, "B", a.StopID)
	assert.Nil(t, a.DepartureTime)

	rec = s.do(t, http.MethodPost, "/v1/arrivals/"+a.ID+"/departure", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode[domain.StopArrival](t, rec).DepartureTime)
}

func TestSubscribeAndSweeps(t *testing.T) {
	s := newTestServer(t)
	id := s.startSession(t)

	rec := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/locations", `{"lat":0,"lon":0.001,"speed":5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/sessions/"+id+"/stops/C/eta", "")
	require.Equal(t, http.StatusOK, rec.Code)
	e := decode[domain.ETA](t, rec)

	path := "/v1/etas/" + e.ID + "/notifications"
	rec = s.do(t, http.MethodPost, path, `{"userId":"u1","channel":"push","thresholdMinutes":10}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	n := decode[domain.ETANotification](t, rec)
	assert.False(t, n.IsSent)

	rec = s.do(t, http.MethodPost, path, `{"userId":"u1","channel":"push","thresholdMinutes":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, n.ID, decode[domain.ETANotification](t, rec).ID)

	rec = s.do(t, http.MethodPost, path, `{"userId":"u1","channel":"fax","thresholdMinutes":10}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = s.do(t, http.MethodPost, path, `{"userId":"ghost","channel":"sms","thresholdMinutes":10}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/sweeps/statuses", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// no push sender is registered so the notification stays pending
	rec = s.do(t, http.MethodPost, "/v1/sweeps/notifications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[notify.DispatchResult](t, rec)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 0, result.Sent)

	got, err := s.repo.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.False(t, got.IsSent)
}

type staticReadiness bool

func (r staticReadiness) IsReady() bool { return bool(r) }

type countFunc func(ctx context.Context) (int, error)

func (f countFunc) CountETAs(ctx context.Context) (int, error) { return f(ctx) }

func TestHealth(t *testing.T) {
	ok := countFunc(func(ctx context.Context) (int, error) { return 3, nil })
	broken := countFunc(func(ctx context.Context) (int, error) { return 0, errors.New("connection refused") })

	tests := []struct {
		name  string
		h     *HealthHandler
		want  int
		ready bool
	}{
		{"ready", NewHealthHandler(staticReadiness(true), ok), http.StatusOK, true},
		{"warming up", NewHealthHandler(staticReadiness(false), ok), http.StatusServiceUnavailable, false},
		{"repository down", NewHealthHandler(staticReadiness(true), broken), http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.ready, decode[ReadyResponse](t, rec).Ready)
		})
	}

	rec := httptest.NewRecorder()
	NewHealthHandler(staticReadiness(false), ok).Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
