package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fleettrack/internal/domain"
	"fleettrack/internal/geofence"
	"fleettrack/internal/history"
	"fleettrack/internal/store"
	"fleettrack/internal/tracking"
)

type VehicleHandler struct {
	live        *store.Store
	history     *history.Store
	geofences   *geofence.Registry
	coordinator *tracking.Coordinator
	threshold   float64
}

func NewVehicleHandler(live *store.Store, h *history.Store, g *geofence.Registry, c *tracking.Coordinator, offRouteThreshold float64) *VehicleHandler {
	return &VehicleHandler{
		live:        live,
		history:     h,
		geofences:   g,
		coordinator: c,
		threshold:   offRouteThreshold,
	}
}

type VehiclesResponse struct {
	Vehicles   []domain.PositionSample `json:"vehicles"`
	Count      int                     `json:"count"`
	ServerTime time.Time               `json:"serverTime"`
}

type TrailResponse struct {
	VehicleID string              `json:"vehicleId"`
	Points    []domain.TrailPoint `json:"points"`
	Count     int                 `json:"count"`
}

type DeviationResponse struct {
	VehicleID       string  `json:"vehicleId"`
	DistanceMeters  float64 `json:"distanceMeters"`
	ThresholdMeters float64 `json:"thresholdMeters"`
	OffRoute        bool    `json:"offRoute"`
}

type GeofenceEventsResponse struct {
	VehicleID string                 `json:"vehicleId"`
	Events    []domain.GeofenceEvent `json:"events"`
}

func (h *VehicleHandler) List(w http.ResponseWriter, r *http.Request) {
	var bbox *domain.BoundingBox
	if raw := r.URL.Query().Get("bbox"); raw != "" {
		b, err := parseBBox(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid bbox: "+err.Error())
			return
		}
		bbox = b
	}

	vehicles := h.live.List(bbox)
	if vehicles == nil {
		vehicles = []domain.PositionSample{}
	}
	respondJSON(w, http.StatusOK, VehiclesResponse{
		Vehicles:   vehicles,
		Count:      len(vehicles),
		ServerTime: time.Now(),
	})
}

func (h *VehicleHandler) Get(w http.ResponseWriter, r *http.Request) {
	sample, ok := h.live.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "vehicle not found")
		return
	}
	respondJSON(w, http.StatusOK, sample)
}

// Trail returns recorded points, optionally limited by the inclusive
// RFC 3339 bounds from and to.
func (h *VehicleHandler) Trail(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "id")
	q := r.URL.Query()

	var points []domain.TrailPoint
	if q.Get("from") == "" && q.Get("to") == "" {
		points = h.history.Trail(vehicleID)
	} else {
		from, err := parseTime(q.Get("from"), time.Time{})
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from: "+err.Error())
			return
		}
		to, err := parseTime(q.Get("to"), time.Now())
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid to: "+err.Error())
			return
		}
		if to.Before(from) {
			respondError(w, http.StatusBadRequest, "to must not be before from")
			return
		}
		points = h.history.TrailBetween(vehicleID, from, to)
	}

	if points == nil {
		points = []domain.TrailPoint{}
	}
	respondJSON(w, http.StatusOK, TrailResponse{VehicleID: vehicleID, Points: points, Count: len(points)})
}

func (h *VehicleHandler) ETA(w http.ResponseWriter, r *http.Request) {
	est, err := h.coordinator.Estimate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, est)
}

func (h *VehicleHandler) Deviation(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "id")
	dist, err := h.coordinator.DistanceFromRoute(r.Context(), vehicleID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, DeviationResponse{
		VehicleID:       vehicleID,
		DistanceMeters:  dist,
		ThresholdMeters: h.threshold,
		OffRoute:        dist > h.threshold,
	})
}

func (h *VehicleHandler) GeofenceEvents(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "id")
	events := h.geofences.Events(vehicleID)
	if events == nil {
		events = []domain.GeofenceEvent{}
	}
	respondJSON(w, http.StatusOK, GeofenceEventsResponse{VehicleID: vehicleID, Events: events})
}

func parseTime(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, raw)
}
