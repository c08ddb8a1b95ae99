package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"buseta/internal/domain"
	"buseta/internal/eta"
	"buseta/internal/notify"
)

// ETAService is the ETA surface exposed over HTTP.
type ETAService interface {
	StartSession(ctx context.Context, lineID, busID, driverID string) (*domain.TrackingSession, error)
	EndSession(ctx context.Context, sessionID string) (*domain.TrackingSession, error)
	IngestLocation(ctx context.Context, u domain.LocationUpdate) (eta.IngestResult, error)
	CalculateETA(ctx context.Context, sessionID, stopID string) (*domain.ETA, error)
	RecalculateForLine(ctx context.Context, lineID string) (eta.BatchResult, error)
	GetNextArrivals(ctx context.Context, stopID string, limit int) ([]*domain.ETA, error)
	CachedETA(ctx context.Context, lineID, stopID, busID string) (*domain.ETA, bool, error)
	RecordArrival(ctx context.Context, sessionID, stopID string) (*domain.StopArrival, error)
	RecordDeparture(ctx context.Context, arrivalID string) (*domain.StopArrival, error)
	UpdateStatuses(ctx context.Context) (eta.SweepResult, error)
}

type NotificationService interface {
	Subscribe(ctx context.Context, etaID, userID string, channel domain.NotificationChannel, thresholdMinutes int) (*domain.ETANotification, bool, error)
	DispatchPending(ctx context.Context) (notify.DispatchResult, error)
}

type HTTPHandler struct {
	etas   ETAService
	notify NotificationService
	logger *slog.Logger
}

func NewHTTPHandler(etas ETAService, n NotificationService, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{etas: etas, notify: n, logger: logger.With("component", "http")}
}

// Register mounts the API routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", h.StartSession)
	mux.HandleFunc("POST /v1/sessions/{id}/end", h.EndSession)
	mux.HandleFunc("POST /v1/sessions/{id}/locations", h.IngestLocation)
	mux.HandleFunc("GET /v1/sessions/{id}/stops/{stop}/eta", h.CalculateETA)
	mux.HandleFunc("POST /v1/sessions/{id}/stops/{stop}/arrival", h.RecordArrival)
	mux.HandleFunc("POST /v1/lines/{id}/recalculate", h.RecalculateLine)
	mux.HandleFunc("GET /v1/lines/{line}/stops/{stop}/buses/{bus}/eta", h.CachedETA)
	mux.HandleFunc("GET /v1/stops/{id}/arrivals", h.NextArrivals)
	mux.HandleFunc("POST /v1/arrivals/{id}/departure", h.RecordDeparture)
	mux.HandleFunc("POST /v1/etas/{id}/notifications", h.Subscribe)
	mux.HandleFunc("POST /v1/sweeps/statuses", h.SweepStatuses)
	mux.HandleFunc("POST /v1/sweeps/notifications", h.SweepNotifications)
}

type StartSessionRequest struct {
	LineID   string `json:"lineId"`
	BusID    string `json:"busId"`
	DriverID string `json:"driverId"`
}

func (h *HTTPHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := h.etas.StartSession(r.Context(), req.LineID, req.BusID, req.DriverID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, session)
}

func (h *HTTPHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.etas.EndSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

type LocationRequest struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *HTTPHandler) IngestLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.etas.IngestLocation(r.Context(), domain.LocationUpdate{
		SessionID: r.PathValue("id"),
		Location:  domain.Point{Lat: req.Lat, Lon: req.Lon},
		Speed:     req.Speed,
		Heading:   req.Heading,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

func (h *HTTPHandler) CalculateETA(w http.ResponseWriter, r *http.Request) {
	e, err := h.etas.CalculateETA(r.Context(), r.PathValue("id"), r.PathValue("stop"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if e == nil {
		// bus is already past the stop
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

type BatchSummary struct {
	Updated int             `json:"updated"`
	Passed  int             `json:"passed"`
	Failed  int             `json:"failed"`
	Errors  []eta.ItemError `json:"errors,omitempty"`
}

func (h *HTTPHandler) RecalculateLine(w http.ResponseWriter, r *http.Request) {
	result, err := h.etas.RecalculateForLine(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, BatchSummary{
		Updated: len(result.Updated),
		Passed:  result.Passed,
		Failed:  result.Failed,
		Errors:  result.Errors,
	})
}

type ArrivalsResponse struct {
	StopID     string        `json:"stopId"`
	ETAs       []*domain.ETA `json:"etas"`
	Count      int           `json:"count"`
	ServerTime time.Time     `json:"serverTime"`
}

func (h *HTTPHandler) NextArrivals(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit parameter: must be a positive integer")
			return
		}
		limit = n
	}

	stopID := r.PathValue("id")
	etas, err := h.etas.GetNextArrivals(r.Context(), stopID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if etas == nil {
		etas = []*domain.ETA{}
	}
	respondJSON(w, http.StatusOK, ArrivalsResponse{
		StopID:     stopID,
		ETAs:       etas,
		Count:      len(etas),
		ServerTime: time.Now(),
	})
}

func (h *HTTPHandler) CachedETA(w http.ResponseWriter, r *http.Request) {
	e, ok, err := h.etas.CachedETA(r.Context(), r.PathValue("line"), r.PathValue("stop"), r.PathValue("bus"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "no cached eta")
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (h *HTTPHandler) RecordArrival(w http.ResponseWriter, r *http.Request) {
	a, err := h.etas.RecordArrival(r.Context(), r.PathValue("id"), r.PathValue("stop"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (h *HTTPHandler) RecordDeparture(w http.ResponseWriter, r *http.Request) {
	a, err := h.etas.RecordDeparture(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

type SubscribeRequest struct {
	UserID           string                     `json:"userId"`
	Channel          domain.NotificationChannel `json:"channel"`
	ThresholdMinutes int                        `json:"thresholdMinutes"`
}

func (h *HTTPHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, created, err := h.notify.Subscribe(r.Context(), r.PathValue("id"), req.UserID, req.Channel, req.ThresholdMinutes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, n)
}

func (h *HTTPHandler) SweepStatuses(w http.ResponseWriter, r *http.Request) {
	result, err := h.etas.UpdateStatuses(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) SweepNotifications(w http.ResponseWriter, r *http.Request) {
	result, err := h.notify.DispatchPending(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, eta.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, eta.ErrValidation):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
