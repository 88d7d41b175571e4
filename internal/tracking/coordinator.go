// Package tracking runs the ingestion loop: it polls a position source for
// every tracked vehicle, records the fix, and evaluates geofences, route
// deviation and arrival delay before handing alerts to a sink.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/sync/errgroup"

	"fleettrack/internal/deviation"
	"fleettrack/internal/domain"
	"fleettrack/internal/eta"
	"fleettrack/internal/geofence"
	"fleettrack/internal/history"
	"fleettrack/internal/notify"
	"fleettrack/internal/store"
	"fleettrack/internal/trips"
)

// PositionSource yields the current fix of a vehicle. Implementations must
// honor ctx cancellation.
type PositionSource interface {
	NextPosition(ctx context.Context, vehicleID string) (domain.PositionSample, error)
}

// Forgetter is implemented by sources that keep per-vehicle state, such as
// the simulator.
type Forgetter interface {
	Forget(vehicleID string)
}

type Broadcaster interface {
	Broadcast(deltas []domain.PositionDelta)
}

type Metrics interface {
	SampleRecorded(ctx context.Context)
	FetchFailed(ctx context.Context)
	AlertEmitted(ctx context.Context, kind domain.AlertKind)
}

type Config struct {
	IngestInterval         time.Duration
	DeviationCheckInterval time.Duration
	FetchTimeout           time.Duration
	PurgeInterval          time.Duration
	MaxParallel            int
}

func (c *Config) withDefaults() {
	if c.IngestInterval <= 0 {
		c.IngestInterval = 5 * time.Second
	}
	if c.DeviationCheckInterval <= 0 {
		c.DeviationCheckInterval = 15 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Hour
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 8
	}
}

type Deps struct {
	History   *history.Store
	Geofences *geofence.Registry
	Deviation *deviation.Detector
	ETA       *eta.Estimator
	Source    PositionSource
	Trips     trips.Lookup
	Sink      notify.Sink

	// Live and Broadcaster are optional.
	Live        *store.Store
	Broadcaster Broadcaster

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics Metrics
}

// Session is a point-in-time view of the tracking state.
type Session struct {
	Active            bool      `json:"active"`
	Authorized        bool      `json:"authorized"`
	Recording         bool      `json:"recording"`
	Monitoring        bool      `json:"monitoring"`
	TrackedVehicleIDs []string  `json:"trackedVehicleIds"`
	LastTick          time.Time `json:"lastTick,omitempty"`
	Ticks             uint64    `json:"ticks"`
}

type Coordinator struct {
	history   *history.Store
	geofences *geofence.Registry
	deviation *deviation.Detector
	eta       *eta.Estimator
	source    PositionSource
	trips     trips.Lookup
	sink      notify.Sink
	live      *store.Store
	broadcast Broadcaster
	clock     clock.Clock
	logger    *slog.Logger
	metrics   Metrics
	cfg       Config

	// lifecycle serializes Start and Stop, including Stop's teardown.
	lifecycle   sync.Mutex
	mu          sync.Mutex
	active      bool
	authorized  bool
	tracked     map[string]struct{}
	generation  uint64
	sessionCtx  context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	inflight    sync.WaitGroup
	lastTick    time.Time
	ticks       uint64
	lastChecked map[string]time.Time

	routesMu sync.RWMutex
	routes   map[string]domain.MonitoredRoute
}

func New(deps Deps, cfg Config) *Coordinator {
	cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.NewClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Sink == nil {
		deps.Sink = notify.NewLogSink(deps.Logger)
	}

	return &Coordinator{
		history:     deps.History,
		geofences:   deps.Geofences,
		deviation:   deps.Deviation,
		eta:         deps.ETA,
		source:      deps.Source,
		trips:       deps.Trips,
		sink:        deps.Sink,
		live:        deps.Live,
		broadcast:   deps.Broadcaster,
		clock:       deps.Clock,
		logger:      deps.Logger.With("component", "tracking"),
		metrics:     deps.Metrics,
		cfg:         cfg,
		authorized:  true,
		tracked:     make(map[string]struct{}),
		lastChecked: make(map[string]time.Time),
		routes:      make(map[string]domain.MonitoredRoute),
	}
}

// Start activates tracking for vehicleIDs. While active, further calls only
// add vehicles. The session outlives ctx; only Stop ends it.
func (c *Coordinator) Start(ctx context.Context, vehicleIDs []string) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range vehicleIDs {
		if id != "" {
			c.tracked[id] = struct{}{}
		}
	}

	if c.active {
		c.logger.Info("tracking extended", "vehicles", len(c.tracked))
		return
	}

	c.active = true
	c.generation++
	c.sessionCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.done = make(chan struct{})

	purged := c.history.StartRecording(c.clock.Now())
	c.geofences.StartMonitoring()

	go c.run(c.sessionCtx, c.generation, c.done)

	c.logger.Info("tracking started", "vehicles", len(c.tracked), "purged_points", purged)
}

// Stop ends the session. Once it returns no sample is recorded and no alert
// is emitted until the next Start.
func (c *Coordinator) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}

	c.active = false
	c.generation++
	c.tracked = make(map[string]struct{})
	c.lastChecked = make(map[string]time.Time)
	c.cancel()
	done := c.done
	c.mu.Unlock()

	<-done
	c.inflight.Wait()

	c.history.StopRecording()
	c.geofences.StopMonitoring()

	c.logger.Info("tracking stopped")
}

func (c *Coordinator) Track(vehicleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return ErrNotActive
	}
	c.tracked[vehicleID] = struct{}{}
	return nil
}

// Untrack stops polling a vehicle and drops its live position, geofence
// state and any source state. Its trail is kept.
func (c *Coordinator) Untrack(vehicleID string) {
	c.mu.Lock()
	delete(c.tracked, vehicleID)
	c.mu.Unlock()

	c.geofences.ForgetVehicle(vehicleID)
	if f, ok := c.source.(Forgetter); ok {
		f.Forget(vehicleID)
	}
	if c.live != nil {
		if delta, ok := c.live.Remove(vehicleID); ok && c.broadcast != nil {
			c.broadcast.Broadcast([]domain.PositionDelta{delta})
		}
	}
}

// SetAuthorized applies the location permission signal. Revoking pauses
// polling; granting resumes it if the session is still active.
func (c *Coordinator) SetAuthorized(granted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authorized == granted {
		return
	}
	c.authorized = granted

	if granted {
		c.logger.Info("location access granted", "active", c.active)
	} else {
		c.logger.Warn("location access revoked, polling paused", "active", c.active)
	}
}

func (c *Coordinator) Status() Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return Session{
		Active:            c.active,
		Authorized:        c.authorized,
		Recording:         c.history.IsRecording(),
		Monitoring:        c.geofences.IsMonitoring(),
		TrackedVehicleIDs: ids,
		LastTick:          c.lastTick,
		Ticks:             c.ticks,
	}
}

// PollOnce runs one ingestion tick outside the ticker schedule.
func (c *Coordinator) PollOnce(ctx context.Context) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNotActive
	}
	gen := c.generation
	tickCtx, cancel := context.WithCancel(c.sessionCtx)
	c.mu.Unlock()

	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	c.tick(tickCtx, gen)
	return nil
}

// Estimate projects arrival for the vehicle's latest recorded position.
func (c *Coordinator) Estimate(ctx context.Context, vehicleID string) (domain.DelayEstimate, error) {
	latest, trip, route, err := c.progressInputs(ctx, vehicleID)
	if err != nil {
		return domain.DelayEstimate{}, err
	}

	est, ok := c.eta.Estimate(trip, latest.PositionSample, route.Polyline, c.clock.Now())
	if !ok {
		return domain.DelayEstimate{}, ErrNoRoute
	}
	return est, nil
}

// DistanceFromRoute measures the latest recorded position against the
// vehicle's monitored route.
func (c *Coordinator) DistanceFromRoute(ctx context.Context, vehicleID string) (float64, error) {
	latest, _, route, err := c.progressInputs(ctx, vehicleID)
	if err != nil {
		return 0, err
	}

	dist, ok := c.deviation.Distance(latest.Coordinate, route.Polyline)
	if !ok {
		return 0, ErrNoRoute
	}
	return dist, nil
}

func (c *Coordinator) progressInputs(ctx context.Context, vehicleID string) (domain.TrailPoint, *domain.Trip, domain.MonitoredRoute, error) {
	latest, ok := c.history.Latest(vehicleID)
	if !ok {
		return domain.TrailPoint{}, nil, domain.MonitoredRoute{}, ErrNoPosition
	}

	trip, err := c.trips.ActiveTrip(ctx, vehicleID)
	if err != nil {
		return domain.TrailPoint{}, nil, domain.MonitoredRoute{}, err
	}
	if trip == nil {
		return domain.TrailPoint{}, nil, domain.MonitoredRoute{}, ErrNoActiveTrip
	}

	route, ok := c.Route(vehicleID)
	if !ok || !routeMatches(route, trip) {
		return domain.TrailPoint{}, nil, domain.MonitoredRoute{}, ErrNoRoute
	}

	return latest, trip, route, nil
}

func (c *Coordinator) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	ingest := c.clock.NewTicker(c.cfg.IngestInterval)
	defer ingest.Stop()

	purge := c.clock.NewTicker(c.cfg.PurgeInterval)
	defer purge.Stop()

	c.tick(ctx, gen)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ingest.C():
			c.tick(ctx, gen)
		case <-purge.C():
			c.purge(gen)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if !c.active || c.generation != gen {
		c.mu.Unlock()
		return
	}
	if !c.authorized {
		c.mu.Unlock()
		c.logger.Debug("tick skipped, location access revoked")
		return
	}

	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	c.inflight.Add(1)
	c.mu.Unlock()

	defer c.inflight.Done()

	start := c.clock.Now()

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxParallel)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			c.processVehicle(ctx, gen, id, start)
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	c.lastTick = start
	c.ticks++
	c.mu.Unlock()

	c.logger.Debug("tick completed", "vehicles", len(ids), "duration", c.clock.Since(start))
}

// processVehicle runs the pipeline for one vehicle. Recording happens before
// any evaluation, and every stage re-checks that the session is current.
func (c *Coordinator) processVehicle(ctx context.Context, gen uint64, vehicleID string, now time.Time) {
	logger := c.logger.With("vehicle_id", vehicleID)

	sample, ok := c.fetch(ctx, vehicleID, logger)
	if !ok || !c.current(gen) {
		return
	}

	trip, err := c.trips.ActiveTrip(ctx, vehicleID)
	if err != nil {
		logger.Warn("trip lookup failed", "error", err)
		trip = nil
	}

	var tripID string
	var status domain.TripStatus
	if trip != nil {
		tripID, status = trip.ID, trip.Status
	} else {
		logger.Debug("no active trip")
	}

	if c.history.Record(sample, tripID, status) {
		c.metrics.SampleRecorded(ctx)
	}
	c.publish(sample, now)

	if !c.current(gen) {
		return
	}

	var alerts []domain.Alert
	for _, evt := range c.geofences.Evaluate(vehicleID, sample.Coordinate, tripID, sample.Timestamp) {
		logger.Info("geofence transition", "geofence_id", evt.GeofenceID, "type", evt.Type, "trip_id", tripID)
		alerts = append(alerts, domain.AlertFromGeofenceEvent(evt))
	}

	if trip != nil && c.current(gen) {
		alerts = append(alerts, c.checkProgress(vehicleID, trip, sample, now)...)
	}

	c.emit(ctx, gen, alerts, logger)
}

func (c *Coordinator) fetch(ctx context.Context, vehicleID string, logger *slog.Logger) (domain.PositionSample, bool) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	sample, err := c.source.NextPosition(fetchCtx, vehicleID)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// session stopped
		case errors.Is(err, ErrPermissionDenied):
			c.SetAuthorized(false)
		case errors.Is(err, ErrNoPosition):
			logger.Debug("no position yet")
		default:
			c.metrics.FetchFailed(ctx)
			logger.Warn("position fetch failed", "error", err)
		}
		return domain.PositionSample{}, false
	}

	if sample.VehicleID == "" {
		sample.VehicleID = vehicleID
	}
	if !sample.Coordinate.Valid() {
		c.metrics.FetchFailed(ctx)
		logger.Warn("discarding out-of-range position", "lat", sample.Coordinate.Lat, "lon", sample.Coordinate.Lon)
		return domain.PositionSample{}, false
	}
	return sample, true
}

// checkProgress runs the deviation and delay checks when the trip's check
// interval has elapsed.
func (c *Coordinator) checkProgress(vehicleID string, trip *domain.Trip, sample domain.PositionSample, now time.Time) []domain.Alert {
	route, ok := c.Route(vehicleID)
	if !ok || !routeMatches(route, trip) {
		return nil
	}
	if !c.checkDue(trip.ID, now) {
		return nil
	}

	var alerts []domain.Alert
	if a, ok := c.deviation.Check(trip, sample, route.Polyline); ok {
		alerts = append(alerts, *a)
	}
	if a, ok := c.eta.CheckDelay(trip, sample, route.Polyline, now); ok {
		alerts = append(alerts, *a)
	}
	return alerts
}

func (c *Coordinator) checkDue(tripID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.lastChecked[tripID]; ok && now.Sub(last) < c.cfg.DeviationCheckInterval {
		return false
	}
	c.lastChecked[tripID] = now
	return true
}

func (c *Coordinator) emit(ctx context.Context, gen uint64, alerts []domain.Alert, logger *slog.Logger) {
	for _, a := range alerts {
		if !c.current(gen) {
			return
		}
		if err := c.sink.Notify(ctx, a); err != nil {
			logger.Error("alert delivery failed", "kind", a.Kind, "trip_id", a.TripID, "error", err)
			continue
		}
		c.metrics.AlertEmitted(ctx, a.Kind)
	}
}

func (c *Coordinator) publish(sample domain.PositionSample, now time.Time) {
	if c.live == nil {
		return
	}
	deltas := c.live.Update([]domain.PositionSample{sample}, now)
	if c.broadcast != nil {
		c.broadcast.Broadcast(deltas)
	}
}

func (c *Coordinator) purge(gen uint64) {
	if !c.current(gen) {
		return
	}

	now := c.clock.Now()
	if removed := c.history.PurgeExpired(); removed > 0 {
		c.logger.Info("purged expired trail points", "count", removed)
	}

	if c.live != nil {
		deltas := c.live.PruneStale(now)
		if len(deltas) > 0 {
			if c.broadcast != nil {
				c.broadcast.Broadcast(deltas)
			}
			c.logger.Info("pruned stale positions", "count", len(deltas))
		}
	}
}

func (c *Coordinator) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && c.generation == gen
}

// routeMatches accepts routes registered without a trip.
func routeMatches(route domain.MonitoredRoute, trip *domain.Trip) bool {
	return route.TripID == "" || route.TripID == trip.ID
}

type nopMetrics struct{}

func (nopMetrics) SampleRecorded(context.Context) {}
func (nopMetrics) FetchFailed(context.Context) {}
func (nopMetrics) AlertEmitted(context.Context, domain.AlertKind) {}
