package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fleettrack/internal/domain"
	"fleettrack/internal/history"
	"fleettrack/internal/tracking"
	"fleettrack/internal/trips"
	"fleettrack/internal/validation"
)

var (
	errShapeNotFound    = errors.New("shape not found")
	errNoShapeCatalog   = errors.New("no shape catalog configured")
	errPolylineRequired = validation.Errors{{Field: "RouteRequest.polyline", Message: "is required"}}
)

// ShapeCatalog resolves planned geometry published in a static GTFS feed.
type ShapeCatalog interface {
	Shape(shapeID string) ([]domain.Coordinate, bool)
	ShapeForTrip(tripID string) ([]domain.Coordinate, bool)
}

type RouteHandler struct {
	coordinator *tracking.Coordinator
	shapes      ShapeCatalog
}

// NewRouteHandler accepts a nil catalog; routes must then carry a polyline.
func NewRouteHandler(c *tracking.Coordinator, shapes ShapeCatalog) *RouteHandler {
	return &RouteHandler{coordinator: c, shapes: shapes}
}

// RouteRequest carries either an explicit polyline or a shapeId. With
// neither, the GTFS shape of tripId is used when the catalog knows it.
type RouteRequest struct {
	TripID   string              `json:"tripId"`
	ShapeID  string              `json:"shapeId"`
	Polyline []domain.Coordinate `json:"polyline" validate:"omitempty,min=1,dive"`
}

type ShapeResponse struct {
	ShapeID  string              `json:"shapeId"`
	Polyline []domain.Coordinate `json:"polyline"`
}

type RoutesResponse struct {
	Routes []domain.MonitoredRoute `json:"routes"`
	Count  int                     `json:"count"`
}

func (h *RouteHandler) List(w http.ResponseWriter, r *http.Request) {
	routes := h.coordinator.Routes()
	if routes == nil {
		routes = []domain.MonitoredRoute{}
	}
	respondJSON(w, http.StatusOK, RoutesResponse{Routes: routes, Count: len(routes)})
}

func (h *RouteHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validation.Struct(req); err != nil {
		respondErr(w, err)
		return
	}

	polyline := req.Polyline
	if len(polyline) == 0 {
		line, err := h.resolveShape(req)
		if err != nil {
			respondErr(w, err)
			return
		}
		polyline = line
	}

	route, err := h.coordinator.MonitorRoute(chi.URLParam(r, "vehicleID"), req.TripID, polyline)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, route)
}

func (h *RouteHandler) resolveShape(req RouteRequest) ([]domain.Coordinate, error) {
	if h.shapes == nil {
		if req.ShapeID != "" {
			return nil, errNoShapeCatalog
		}
		return nil, errPolylineRequired
	}

	if req.ShapeID != "" {
		line, ok := h.shapes.Shape(req.ShapeID)
		if !ok {
			return nil, errShapeNotFound
		}
		return line, nil
	}

	if req.TripID != "" {
		if line, ok := h.shapes.ShapeForTrip(req.TripID); ok {
			return line, nil
		}
	}
	return nil, errPolylineRequired
}

func (h *RouteHandler) Shape(w http.ResponseWriter, r *http.Request) {
	shapeID := chi.URLParam(r, "id")
	if h.shapes == nil {
		respondErr(w, errNoShapeCatalog)
		return
	}
	line, ok := h.shapes.Shape(shapeID)
	if !ok {
		respondErr(w, errShapeNotFound)
		return
	}
	respondJSON(w, http.StatusOK, ShapeResponse{ShapeID: shapeID, Polyline: line})
}

func (h *RouteHandler) Get(w http.ResponseWriter, r *http.Request) {
	route, ok := h.coordinator.Route(chi.URLParam(r, "vehicleID"))
	if !ok {
		respondErr(w, tracking.ErrNoRoute)
		return
	}
	respondJSON(w, http.StatusOK, route)
}

func (h *RouteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.coordinator.UnmonitorRoute(chi.URLParam(r, "vehicleID")) {
		respondErr(w, tracking.ErrNoRoute)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type TripHandler struct {
	book    *trips.Book
	history *history.Store
}

func NewTripHandler(book *trips.Book, h *history.Store) *TripHandler {
	return &TripHandler{book: book, history: h}
}

type TripsResponse struct {
	Trips []domain.Trip `json:"trips"`
	Count int           `json:"count"`
}

type PlaybackResponse struct {
	TripID string              `json:"tripId"`
	Points []domain.TrailPoint `json:"points"`
	Count  int                 `json:"count"`
}

func (h *TripHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.book.List()
	if list == nil {
		list = []domain.Trip{}
	}
	respondJSON(w, http.StatusOK, TripsResponse{Trips: list, Count: len(list)})
}

// Put creates or replaces a trip. The path id wins over the body.
func (h *TripHandler) Put(w http.ResponseWriter, r *http.Request) {
	var trip domain.Trip
	if !decodeJSON(w, r, &trip) {
		return
	}
	trip.ID = chi.URLParam(r, "id")

	if err := validation.Struct(trip); err != nil {
		respondErr(w, err)
		return
	}

	h.book.Put(trip)
	respondJSON(w, http.StatusOK, trip)
}

func (h *TripHandler) Get(w http.ResponseWriter, r *http.Request) {
	trip, ok := h.book.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "trip not found")
		return
	}
	respondJSON(w, http.StatusOK, trip)
}

func (h *TripHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.book.Delete(chi.URLParam(r, "id")) {
		respondError(w, http.StatusNotFound, "trip not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TripHandler) Playback(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "id")
	points := h.history.TripPlayback(tripID)
	if points == nil {
		points = []domain.TrailPoint{}
	}
	respondJSON(w, http.StatusOK, PlaybackResponse{TripID: tripID, Points: points, Count: len(points)})
}
