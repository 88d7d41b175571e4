package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"fleettrack/internal/domain"
	"fleettrack/internal/tracking"
)

// AlertFeed lists recently emitted alerts, newest first.
type AlertFeed interface {
	List() []domain.Alert
}

type TrackingHandler struct {
	coordinator *tracking.Coordinator
	alerts      AlertFeed
}

func NewTrackingHandler(c *tracking.Coordinator, alerts AlertFeed) *TrackingHandler {
	return &TrackingHandler{coordinator: c, alerts: alerts}
}

type StartRequest struct {
	VehicleIDs []string `json:"vehicleIds"`
}

type AuthorizationRequest struct {
	Granted *bool `json:"granted"`
}

func (h *TrackingHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.coordinator.Status())
}

func (h *TrackingHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	ids := make([]string, 0, len(req.VehicleIDs))
	for _, id := range req.VehicleIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	h.coordinator.Start(r.Context(), ids)
	respondJSON(w, http.StatusOK, h.coordinator.Status())
}

func (h *TrackingHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.coordinator.Stop()
	respondJSON(w, http.StatusOK, h.coordinator.Status())
}

func (h *TrackingHandler) SetAuthorization(w http.ResponseWriter, r *http.Request) {
	var req AuthorizationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Granted == nil {
		respondError(w, http.StatusBadRequest, "granted is required")
		return
	}

	h.coordinator.SetAuthorized(*req.Granted)
	respondJSON(w, http.StatusOK, h.coordinator.Status())
}

func (h *TrackingHandler) TrackVehicle(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.Track(chi.URLParam(r, "vehicleID")); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.coordinator.Status())
}

func (h *TrackingHandler) UntrackVehicle(w http.ResponseWriter, r *http.Request) {
	h.coordinator.Untrack(chi.URLParam(r, "vehicleID"))
	w.WriteHeader(http.StatusNoContent)
}

// Poll runs one ingestion tick immediately.
func (h *TrackingHandler) Poll(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.PollOnce(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.coordinator.Status())
}

type AlertsResponse struct {
	Alerts []domain.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

func (h *TrackingHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.alerts.List()
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	respondJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts, Count: len(alerts)})
}
