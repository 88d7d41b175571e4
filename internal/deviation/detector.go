package deviation

import (
	"fleettrack/internal/domain"
	"fleettrack/internal/geo"
)

const DefaultThresholdMeters = 500.0

// MeasureFunc returns the distance in meters from position to route, or
// false when no distance can be computed.
type MeasureFunc func(position domain.Coordinate, route []domain.Coordinate) (float64, bool)

type Options struct {
	ThresholdMeters float64
	Measure         MeasureFunc
}

// Detector flags vehicles whose distance from their planned route exceeds a
// threshold. It emits no event when a vehicle returns to its route.
type Detector struct {
	threshold float64
	measure   MeasureFunc
}

func NewDetector(opts Options) *Detector {
	if opts.ThresholdMeters <= 0 {
		opts.ThresholdMeters = DefaultThresholdMeters
	}
	if opts.Measure == nil {
		opts.Measure = geo.DistanceToRoute
	}
	return &Detector{
		threshold: opts.ThresholdMeters,
		measure:   opts.Measure,
	}
}

func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Distance is the perpendicular distance to the nearest route segment.
func (d *Detector) Distance(position domain.Coordinate, route []domain.Coordinate) (float64, bool) {
	if len(route) == 0 {
		return 0, false
	}
	return d.measure(position, route)
}

// Check returns an off-route alert when the distance is strictly greater
// than the threshold.
func (d *Detector) Check(trip *domain.Trip, position domain.PositionSample, route []domain.Coordinate) (*domain.Alert, bool) {
	if trip == nil {
		return nil, false
	}

	dist, ok := d.Distance(position.Coordinate, route)
	if !ok || dist <= d.threshold {
		return nil, false
	}

	return &domain.Alert{
		Kind:           domain.AlertOffRoute,
		TripID:         trip.ID,
		VehicleID:      position.VehicleID,
		Title:          trip.Title,
		DistanceMeters: dist,
		Timestamp:      position.Timestamp,
	}, true
}
