package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"fleettrack/internal/domain"
	"fleettrack/internal/geofence"
	"fleettrack/internal/validation"
)

type GeofenceHandler struct {
	registry *geofence.Registry
}

func NewGeofenceHandler(registry *geofence.Registry) *GeofenceHandler {
	return &GeofenceHandler{registry: registry}
}

type GeofencesResponse struct {
	Geofences []domain.Geofence `json:"geofences"`
	Count     int               `json:"count"`
}

type LiveRegionsResponse struct {
	Monitoring bool     `json:"monitoring"`
	Regions    []string `json:"regions"`
	Count      int      `json:"count"`
}

func (h *GeofenceHandler) List(w http.ResponseWriter, r *http.Request) {
	geofences := h.registry.Geofences()
	if geofences == nil {
		geofences = []domain.Geofence{}
	}
	respondJSON(w, http.StatusOK, GeofencesResponse{Geofences: geofences, Count: len(geofences)})
}

func (h *GeofenceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in geofence.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := validation.Struct(in); err != nil {
		respondErr(w, err)
		return
	}

	g, err := h.registry.Register(r.Context(), in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, g)
}

func (h *GeofenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	g, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		respondErr(w, geofence.ErrGeofenceNotFound)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

func (h *GeofenceHandler) Update(w http.ResponseWriter, r *http.Request) {
	var p geofence.Patch
	if !decodeJSON(w, r, &p) {
		return
	}

	g, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

func (h *GeofenceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GeofenceHandler) Live(w http.ResponseWriter, r *http.Request) {
	regions := h.registry.LiveRegions()
	if regions == nil {
		regions = []string{}
	}
	respondJSON(w, http.StatusOK, LiveRegionsResponse{
		Monitoring: h.registry.IsMonitoring(),
		Regions:    regions,
		Count:      len(regions),
	})
}
