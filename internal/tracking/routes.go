package tracking

import (
	"fmt"
	"slices"
	"sort"

	"fleettrack/internal/domain"
)

// MonitorRoute sets the planned polyline of a vehicle. The last call wins.
func (c *Coordinator) MonitorRoute(vehicleID, tripID string, polyline []domain.Coordinate) (domain.MonitoredRoute, error) {
	if vehicleID == "" {
		return domain.MonitoredRoute{}, fmt.Errorf("%w: vehicle id is required", ErrInvalidRoute)
	}
	if len(polyline) == 0 {
		return domain.MonitoredRoute{}, fmt.Errorf("%w: polyline is empty", ErrInvalidRoute)
	}
	for i, p := range polyline {
		if !p.Valid() {
			return domain.MonitoredRoute{}, fmt.Errorf("%w: point %d out of range", ErrInvalidRoute, i)
		}
	}

	route := domain.MonitoredRoute{
		VehicleID: vehicleID,
		TripID:    tripID,
		Polyline:  slices.Clone(polyline),
	}

	c.routesMu.Lock()
	c.routes[vehicleID] = route
	c.routesMu.Unlock()

	c.logger.Info("route monitored", "vehicle_id", vehicleID, "trip_id", tripID, "points", len(polyline))
	return cloneRoute(route), nil
}

func (c *Coordinator) UnmonitorRoute(vehicleID string) bool {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()

	_, ok := c.routes[vehicleID]
	delete(c.routes, vehicleID)
	return ok
}

func (c *Coordinator) Route(vehicleID string) (domain.MonitoredRoute, bool) {
	c.routesMu.RLock()
	defer c.routesMu.RUnlock()

	route, ok := c.routes[vehicleID]
	if !ok {
		return domain.MonitoredRoute{}, false
	}
	return cloneRoute(route), true
}

func (c *Coordinator) Routes() []domain.MonitoredRoute {
	c.routesMu.RLock()
	defer c.routesMu.RUnlock()

	result := make([]domain.MonitoredRoute, 0, len(c.routes))
	for _, r := range c.routes {
		result = append(result, cloneRoute(r))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].VehicleID < result[j].VehicleID
	})
	return result
}

func cloneRoute(r domain.MonitoredRoute) domain.MonitoredRoute {
	r.Polyline = slices.Clone(r.Polyline)
	return r
}
