package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"fleettrack/internal/domain"
	"fleettrack/internal/geofence"
	"fleettrack/internal/tracking"
	"fleettrack/internal/validation"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string                 `json:"error"`
	Details []validation.FieldError `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondErr maps service errors to HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	var fields validation.Errors
	if errors.As(err, &fields) {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Details: fields})
		return
	}

	switch {
	case errors.Is(err, geofence.ErrInvalidGeofence),
		errors.Is(err, tracking.ErrInvalidRoute),
		errors.Is(err, errNoShapeCatalog):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, geofence.ErrGeofenceNotFound),
		errors.Is(err, tracking.ErrNoPosition),
		errors.Is(err, tracking.ErrNoActiveTrip),
		errors.Is(err, tracking.ErrNoRoute),
		errors.Is(err, errShapeNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tracking.ErrNotActive):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func parseBBox(raw string) (*domain.BoundingBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("expected minLat,minLon,maxLat,maxLon")
	}

	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}

	return &domain.BoundingBox{
		MinLat: vals[0], MinLon: vals[1],
		MaxLat: vals[2], MaxLon: vals[3],
	}, nil
}
