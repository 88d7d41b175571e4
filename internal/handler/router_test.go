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
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/deviation"
	"fleettrack/internal/domain"
	"fleettrack/internal/eta"
	"fleettrack/internal/geofence"
	"fleettrack/internal/history"
	"fleettrack/internal/notify"
	"fleettrack/internal/store"
	"fleettrack/internal/tracking"
	"fleettrack/internal/trips"
)

var (
	epoch      = time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	routeStart = domain.Coordinate{Lat: 52.20, Lon: 21.00}
	routeEnd   = domain.Coordinate{Lat: 52.30, Lon: 21.00}
)

type mapSource struct {
	mu        sync.Mutex
	positions map[string]domain.Coordinate
	clock     *fakeclock.FakeClock
}

func (s *mapSource) NextPosition(_ context.Context, vehicleID string) (domain.PositionSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.positions[vehicleID]
	if !ok {
		return domain.PositionSample{}, tracking.ErrNoPosition
	}
	return domain.PositionSample{
		VehicleID:  vehicleID,
		Coordinate: c,
		Heading:    domain.HeadingUnknown,
		Timestamp:  s.clock.Now(),
	}, nil
}

type testServer struct {
	handler     http.Handler
	coordinator *tracking.Coordinator
	alerts      *notify.Recent
	source      *mapSource
	clock       *fakeclock.FakeClock
}

func newTestServer(t *testing.T, checks ...ReadinessCheck) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := fakeclock.NewFakeClock(epoch)
	src := &mapSource{positions: map[string]domain.Coordinate{"v1": routeStart}, clock: clk}

	hist := history.New(history.Options{Clock: clk})
	registry := geofence.NewRegistry(geofence.Options{Clock: clk, Logger: logger})
	book := trips.NewBook()
	live := store.New(14, time.Minute)
	recent := notify.NewRecent(10)
	shapes := store.NewShapeStore()
	shapes.UpdateAll(
		map[string][]domain.Coordinate{"S1": {routeStart, routeEnd}},
		map[string]string{"gtfs-t1": "S1"},
		epoch,
	)

	c := tracking.New(tracking.Deps{
		History:   hist,
		Geofences: registry,
		Deviation: deviation.NewDetector(deviation.Options{}),
		ETA:       eta.NewEstimator(eta.Options{}),
		Source:    src,
		Trips:     book,
		Sink:      recent,
		Live:      live,
		Clock:     clk,
		Logger:    logger,
	}, tracking.Config{IngestInterval: time.Hour, PurgeInterval: 48 * time.Hour})
	t.Cleanup(c.Stop)

	h := NewRouter(Handlers{
		Tracking:  NewTrackingHandler(c, recent),
		Geofences: NewGeofenceHandler(registry),
		Routes:    NewRouteHandler(c, shapes),
		Trips:     NewTripHandler(book, hist),
		Vehicles:  NewVehicleHandler(live, hist, registry, c, deviation.DefaultThresholdMeters),
		Health:    NewHealthHandler(c, live, checks...),
		Stats:     NewStatsHandler(live, hist, registry, c, nil, "test"),
	})

	return &testServer{handler: h, coordinator: c, alerts: recent, source: src, clock: clk}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestGeofenceEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/geofences", map[string]any{
		"name":         "Depot",
		"center":       map[string]float64{"lat": 52.2297, "lon": 21.0122},
		"radiusMeters": 150,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[domain.Geofence](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, []string{domain.AllTrips}, created.ApplicableTripIDs)

	rec = s.do(t, http.MethodPost, "/v1/geofences", map[string]any{
		"name":         "",
		"center":       map[string]float64{"lat": 91, "lon": 21},
		"radiusMeters": 0,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	invalid := decode[errorResponse](t, rec)
	fields := make([]string, 0, len(invalid.Details))
	for _, d := range invalid.Details {
		fields = append(fields, d.Field)
	}
	assert.Contains(t, fields, "Input.name")
	assert.Contains(t, fields, "Input.center.lat")
	assert.Contains(t, fields, "Input.radiusMeters")

	rec = s.do(t, http.MethodGet, "/v1/geofences", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[GeofencesResponse](t, rec).Count)

	rec = s.do(t, http.MethodPatch, "/v1/geofences/"+created.ID, map[string]any{"name": "Main depot"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Main depot", decode[domain.Geofence](t, rec).Name)

	rec = s.do(t, http.MethodPatch, "/v1/geofences/"+created.ID, map[string]any{"radiusMeters": -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/geofences/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	live := decode[LiveRegionsResponse](t, rec)
	assert.False(t, live.Monitoring)
	assert.Empty(t, live.Regions)

	rec = s.do(t, http.MethodDelete, "/v1/geofences/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/geofences/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/geofences/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrackingLifecycle(t *testing.T) {
	s := newTestServer(t)

	end := epoch.Add(time.Hour)
	rec := s.do(t, http.MethodPut, "/v1/trips/t1", map[string]any{
		"title":        "Depot to airport",
		"vehicleId":    "v1",
		"status":       "in_progress",
		"scheduledEnd": end,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPut, "/v1/routes/v1", map[string]any{
		"tripId":   "t1",
		"polyline": []domain.Coordinate{routeStart, routeEnd},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/v1/tracking/start", StartRequest{VehicleIDs: []string{"v1", " "}})
	require.Equal(t, http.StatusOK, rec.Code)
	session := decode[tracking.Session](t, rec)
	assert.True(t, session.Active)
	assert.True(t, session.Recording)
	assert.Equal(t, []string{"v1"}, session.TrackedVehicleIDs)

	rec = s.do(t, http.MethodPost, "/v1/tracking/poll", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/vehicles/v1/trail", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decode[TrailResponse](t, rec)
	require.NotEmpty(t, trail.Points)
	assert.Equal(t, "t1", trail.Points[0].TripID)

	rec = s.do(t, http.MethodGet, "/v1/vehicles/v1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/vehicles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[VehiclesResponse](t, rec).Count)

	rec = s.do(t, http.MethodGet, "/v1/vehicles/v1/eta", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	est := decode[domain.DelayEstimate](t, rec)
	assert.Equal(t, "t1", est.TripID)
	assert.Greater(t, est.RemainingDistanceMeters, 11000.0)

	rec = s.do(t, http.MethodGet, "/v1/vehicles/v1/deviation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dev := decode[DeviationResponse](t, rec)
	assert.InDelta(t, 0, dev.DistanceMeters, 0.5)
	assert.False(t, dev.OffRoute)

	rec = s.do(t, http.MethodGet, "/v1/trips/t1/playback", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotZero(t, decode[PlaybackResponse](t, rec).Count)

	rec = s.do(t, http.MethodPut, "/v1/tracking/authorization", map[string]bool{"granted": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[tracking.Session](t, rec).Authorized)

	rec = s.do(t, http.MethodPut, "/v1/tracking/authorization", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/tracking/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[tracking.Session](t, rec).Active)

	rec = s.do(t, http.MethodPost, "/v1/tracking/poll", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/tracking/vehicles/v2", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestVehicleEndpoints_Errors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/vehicles/v1/trail?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/vehicles/v1/trail?from=2026-10-18T09:00:00Z&to=2026-10-18T08:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/vehicles/v1/trail?from=2026-10-18T07:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[TrailResponse](t, rec).Count)

	rec = s.do(t, http.MethodGet, "/v1/vehicles?bbox=1,2,3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/vehicles/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/vehicles/ghost/eta", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/vehicles/ghost/geofence-events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[GeofenceEventsResponse](t, rec).Events)
}

func TestRouteAndTripValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/v1/routes/v1", map[string]any{"polyline": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/routes/v1", map[string]any{
		"polyline": []map[string]float64{{"lat": 95, "lon": 0}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/routes/v1", map[string]any{"tripId": "t1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/routes/v1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/routes/v1", map[string]any{"shapeId": "S404"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/routes/v1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/trips/t1", map[string]any{"vehicleId": "v1", "status": "parked"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/trips/t1", map[string]any{"vehicleId": "v1", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/trips/t1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/trips", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[TripsResponse](t, rec).Count)
}

func TestRoutesFromShapes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/v1/routes/v1", map[string]any{"tripId": "t1", "shapeId": "S1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	route := decode[domain.MonitoredRoute](t, rec)
	assert.Equal(t, "t1", route.TripID)
	assert.Equal(t, []domain.Coordinate{routeStart, routeEnd}, route.Polyline)

	rec = s.do(t, http.MethodPut, "/v1/routes/v2", map[string]any{"tripId": "gtfs-t1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[domain.MonitoredRoute](t, rec).Polyline, 2)

	rec = s.do(t, http.MethodGet, "/v1/routes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[RoutesResponse](t, rec).Count)

	rec = s.do(t, http.MethodGet, "/v1/shapes/S1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ShapeResponse](t, rec).Polyline, 2)

	rec = s.do(t, http.MethodGet, "/v1/shapes/S2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertsEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.alerts.Notify(context.Background(), domain.Alert{
		Kind:         domain.AlertDelay,
		TripID:       "t1",
		DelayMinutes: 12,
		Timestamp:    epoch,
	}))

	rec := s.do(t, http.MethodGet, "/v1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AlertsResponse](t, rec)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, domain.AlertDelay, resp.Alerts[0].Kind)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, ReadinessCheck{
		Name:  "redis",
		Check: func(context.Context) error { return errors.New("connection refused") },
	})

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	ready := decode[ReadyResponse](t, rec)
	assert.False(t, ready.Ready)
	assert.Equal(t, "connection refused", ready.Checks["redis"])

	healthy := newTestServer(t)
	rec = healthy.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsResponse](t, rec)
	assert.Equal(t, "test", stats.Server.Version)
	assert.False(t, stats.Tracking.Active)
	assert.Nil(t, stats.RateLimit)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodOptions, "/v1/geofences/abc", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
