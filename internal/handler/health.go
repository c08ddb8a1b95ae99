package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type readiness interface {
	IsReady() bool
}

type etaCounter interface {
	CountETAs(ctx context.Context) (int, error)
}

type HealthHandler struct {
	sweeper readiness
	etas    etaCounter
}

func NewHealthHandler(sweeper readiness, etas etaCounter) *HealthHandler {
	return &HealthHandler{
		sweeper: sweeper,
		etas:    etas,
	}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready      bool      `json:"ready"`
	ETACount   int       `json:"etaCount"`
	ServerTime time.Time `json:"serverTime"`
	Error      string    `json:"error,omitempty"`
}

func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Ready:      h.sweeper.IsReady(),
		ServerTime: time.Now(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	count, err := h.etas.CountETAs(ctx)
	if err != nil {
		resp.Ready = false
		resp.Error = "repository unavailable"
	}
	resp.ETACount = count

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
