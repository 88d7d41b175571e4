// Package source provides the position sources the tracking coordinator
// polls: a route-following simulator and a GTFS-Realtime feed adapter.
package source

import (
	"context"
	"math"
	"math/rand"
	"slices"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"fleettrack/internal/domain"
	"fleettrack/internal/geo"
	"fleettrack/internal/tracking"
)

var (
	_ tracking.PositionSource = (*Simulator)(nil)
	_ tracking.Forgetter      = (*Simulator)(nil)
)

const (
	DefaultSimSpeed  = 12.0
	DefaultSimJitter = 0.2
	// vehicles without a route start within this distance of the origin
	spawnRadiusMeters = 500.0
	walkTurnStdDev    = 15.0
)

// RouteProvider exposes the monitored route of a vehicle.
type RouteProvider interface {
	Route(vehicleID string) (domain.MonitoredRoute, bool)
}

// RouteFunc adapts a function to RouteProvider.
type RouteFunc func(vehicleID string) (domain.MonitoredRoute, bool)

func (f RouteFunc) Route(vehicleID string) (domain.MonitoredRoute, bool) {
	return f(vehicleID)
}

type SimulatorOptions struct {
	SpeedMPS float64
	// Jitter is the relative speed variation per step, 0 disables it.
	Jitter float64
	Seed   int64
	Origin domain.Coordinate
	Routes RouteProvider
	Clock  clock.Clock
}

type simVehicle struct {
	position  domain.Coordinate
	heading   float64
	travelled float64
	route     []domain.Coordinate
	last      time.Time
}

// Simulator moves each vehicle along its monitored route, or on a random
// walk around Origin when it has none. Output is deterministic for a seed
// and a sequence of clock readings.
type Simulator struct {
	mu       sync.Mutex
	rng      *rand.Rand
	vehicles map[string]*simVehicle

	speed  float64
	jitter float64
	origin domain.Coordinate
	routes RouteProvider
	clock  clock.Clock
}

func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.SpeedMPS <= 0 {
		opts.SpeedMPS = DefaultSimSpeed
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	return &Simulator{
		rng:      rand.New(rand.NewSource(opts.Seed)),
		vehicles: make(map[string]*simVehicle),
		speed:    opts.SpeedMPS,
		jitter:   opts.Jitter,
		origin:   opts.Origin,
		routes:   opts.Routes,
		clock:    opts.Clock,
	}
}

func (s *Simulator) NextPosition(ctx context.Context, vehicleID string) (domain.PositionSample, error) {
	if err := ctx.Err(); err != nil {
		return domain.PositionSample{}, err
	}

	now := s.clock.Now()

	var route []domain.Coordinate
	if s.routes != nil {
		if r, ok := s.routes.Route(vehicleID); ok {
			route = r.Polyline
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vehicles[vehicleID]
	if !ok {
		v = s.spawnLocked(route)
		v.last = now
		s.vehicles[vehicleID] = v
	}

	if !slices.Equal(v.route, route) {
		v.route = slices.Clone(route)
		v.travelled = 0
		if len(route) > 0 {
			v.position = route[0]
		}
	}

	elapsed := now.Sub(v.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	v.last = now

	speed := s.speed
	if s.jitter > 0 {
		speed *= 1 + s.jitter*(s.rng.Float64()*2-1)
	}
	step := speed * elapsed

	if len(v.route) > 0 {
		arrived := s.advanceOnRoute(v, step)
		if arrived {
			speed = 0
		}
	} else {
		s.walk(v, step)
	}

	return domain.PositionSample{
		VehicleID:  vehicleID,
		Coordinate: v.position,
		Heading:    v.heading,
		Speed:      speed,
		Timestamp:  now,
	}, nil
}

// Forget drops the simulated state of a vehicle.
func (s *Simulator) Forget(vehicleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vehicles, vehicleID)
}

func (s *Simulator) spawnLocked(route []domain.Coordinate) *simVehicle {
	if len(route) > 0 {
		return &simVehicle{position: route[0], heading: domain.HeadingUnknown}
	}

	angle := s.rng.Float64() * 2 * math.Pi
	dist := s.rng.Float64() * spawnRadiusMeters
	return &simVehicle{
		position: geo.Unproject(s.origin, geo.Vec{X: dist * math.Sin(angle), Y: dist * math.Cos(angle)}),
		heading:  s.rng.Float64() * 360,
	}
}

// advanceOnRoute reports whether the vehicle reached the last coordinate.
func (s *Simulator) advanceOnRoute(v *simVehicle, step float64) bool {
	v.travelled += step

	if len(v.route) == 1 {
		v.position = v.route[0]
		return true
	}

	remaining := v.travelled
	for i := 0; i < len(v.route)-1; i++ {
		a, b := v.route[i], v.route[i+1]
		segLen := geo.HaversineMeters(a, b)
		if segLen == 0 {
			continue
		}
		if remaining <= segLen {
			v.position = geo.Interpolate(a, b, remaining/segLen)
			v.heading = geo.Bearing(a, b)
			return false
		}
		remaining -= segLen
	}

	last := len(v.route) - 1
	v.position = v.route[last]
	v.heading = geo.Bearing(v.route[last-1], v.route[last])
	v.travelled = geo.PathLengthMeters(v.route)
	return true
}

func (s *Simulator) walk(v *simVehicle, step float64) {
	if step <= 0 {
		return
	}

	h := v.heading
	if h < 0 {
		h = 0
	}
	h = math.Mod(h+s.rng.NormFloat64()*walkTurnStdDev+360, 360)
	rad := h * math.Pi / 180

	v.position = geo.Unproject(v.position, geo.Vec{X: step * math.Sin(rad), Y: step * math.Cos(rad)})
	v.heading = h
}
