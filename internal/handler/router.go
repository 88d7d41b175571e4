package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"fleettrack/internal/middleware"
)

type Handlers struct {
	Tracking  *TrackingHandler
	Geofences *GeofenceHandler
	Routes    *RouteHandler
	Trips     *TripHandler
	Vehicles  *VehicleHandler
	Health    *HealthHandler
	Stats     *StatsHandler
	WS        *WSHandler
	Limiter   *middleware.RateLimiter
}

func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(CORSMiddleware)
	r.Use(CountRequests)

	r.Get("/healthz", h.Health.Healthz)
	r.Get("/readyz", h.Health.Readyz)

	if h.WS != nil {
		r.Get("/v1/ws", h.WS.ServeWS)
	}

	r.Route("/v1", func(r chi.Router) {
		if h.Limiter != nil {
			r.Use(h.Limiter.Middleware)
		}
		r.Use(GzipMiddleware)

		r.Route("/tracking", func(r chi.Router) {
			r.Get("/", h.Tracking.Status)
			r.Post("/start", h.Tracking.Start)
			r.Post("/stop", h.Tracking.Stop)
			r.Post("/poll", h.Tracking.Poll)
			r.Put("/authorization", h.Tracking.SetAuthorization)
			r.Post("/vehicles/{vehicleID}", h.Tracking.TrackVehicle)
			r.Delete("/vehicles/{vehicleID}", h.Tracking.UntrackVehicle)
		})
		r.Get("/alerts", h.Tracking.ListAlerts)

		r.Route("/geofences", func(r chi.Router) {
			r.Get("/", h.Geofences.List)
			r.Post("/", h.Geofences.Create)
			r.Get("/live", h.Geofences.Live)
			r.Get("/{id}", h.Geofences.Get)
			r.Patch("/{id}", h.Geofences.Update)
			r.Delete("/{id}", h.Geofences.Delete)
		})

		r.Route("/routes", func(r chi.Router) {
			r.Get("/", h.Routes.List)
			r.Get("/{vehicleID}", h.Routes.Get)
			r.Put("/{vehicleID}", h.Routes.Put)
			r.Delete("/{vehicleID}", h.Routes.Delete)
		})
		r.Get("/shapes/{id}", h.Routes.Shape)

		r.Route("/trips", func(r chi.Router) {
			r.Get("/", h.Trips.List)
			r.Get("/{id}", h.Trips.Get)
			r.Put("/{id}", h.Trips.Put)
			r.Delete("/{id}", h.Trips.Delete)
			r.Get("/{id}/playback", h.Trips.Playback)
		})

		r.Route("/vehicles", func(r chi.Router) {
			r.Get("/", h.Vehicles.List)
			r.Get("/{id}", h.Vehicles.Get)
			r.Get("/{id}/trail", h.Vehicles.Trail)
			r.Get("/{id}/eta", h.Vehicles.ETA)
			r.Get("/{id}/deviation", h.Vehicles.Deviation)
			r.Get("/{id}/geofence-events", h.Vehicles.GeofenceEvents)
		})

		r.Get("/stats", h.Stats.GetStats)
	})

	return r
}
