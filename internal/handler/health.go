package handler

import (
	"context"
	"net/http"
	"time"

	"fleettrack/internal/store"
	"fleettrack/internal/tracking"
)

// ReadinessCheck probes one dependency; a nil error means healthy.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type HealthHandler struct {
	coordinator *tracking.Coordinator
	store       *store.Store
	checks      []ReadinessCheck
}

func NewHealthHandler(c *tracking.Coordinator, s *store.Store, checks ...ReadinessCheck) *HealthHandler {
	return &HealthHandler{
		coordinator: c,
		store:       s,
		checks:      checks,
	}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready          bool              `json:"ready"`
	TrackingActive bool              `json:"trackingActive"`
	VehicleCount   int               `json:"vehicleCount"`
	Checks         map[string]string `json:"checks,omitempty"`
	ServerTime     time.Time         `json:"serverTime"`
}

func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ready := true
	var results map[string]string
	if len(h.checks) > 0 {
		results = make(map[string]string, len(h.checks))
	}
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			ready = false
			results[c.Name] = err.Error()
			continue
		}
		results[c.Name] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, ReadyResponse{
		Ready:          ready,
		TrackingActive: h.coordinator.Status().Active,
		VehicleCount:   h.store.Count(),
		Checks:         results,
		ServerTime:     time.Now(),
	})
}
