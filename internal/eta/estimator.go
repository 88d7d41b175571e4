// Package eta projects arrival times from the straight-line distance to a
// route's destination and a speed model, and flags trips running late.
package eta

import (
	"math"
	"time"

	"fleettrack/internal/domain"
	"fleettrack/internal/geo"
)

const (
	// DefaultAverageSpeed is roughly 50 km/h.
	DefaultAverageSpeed   = 13.9
	DefaultDelayThreshold = 10
	defaultLiveSpeedFloor = 1.0
)

// SpeedModel supplies the speed, in m/s, used to project arrival.
type SpeedModel interface {
	Speed(sample domain.PositionSample) float64
}

// ConstantSpeed ignores the sample.
type ConstantSpeed float64

func (c ConstantSpeed) Speed(domain.PositionSample) float64 {
	return float64(c)
}

// LiveSpeed uses the reported speed of the sample when it is above Floor
// and falls back to a constant otherwise.
type LiveSpeed struct {
	Floor    float64
	Fallback ConstantSpeed
}

func (l LiveSpeed) Speed(sample domain.PositionSample) float64 {
	floor := l.Floor
	if floor <= 0 {
		floor = defaultLiveSpeedFloor
	}
	if sample.Speed > floor {
		return sample.Speed
	}
	if l.Fallback > 0 {
		return float64(l.Fallback)
	}
	return DefaultAverageSpeed
}

type Options struct {
	DelayThresholdMinutes int
	Speed                 SpeedModel
}

type Estimator struct {
	threshold int
	speed     SpeedModel
}

func NewEstimator(opts Options) *Estimator {
	if opts.DelayThresholdMinutes <= 0 {
		opts.DelayThresholdMinutes = DefaultDelayThreshold
	}
	if opts.Speed == nil {
		opts.Speed = ConstantSpeed(DefaultAverageSpeed)
	}
	return &Estimator{
		threshold: opts.DelayThresholdMinutes,
		speed:     opts.Speed,
	}
}

// RemainingDistance is the great-circle distance from position to the last
// coordinate of route. It does not follow the polyline.
func RemainingDistance(position domain.Coordinate, route []domain.Coordinate) (float64, bool) {
	if len(route) == 0 {
		return 0, false
	}
	return geo.HaversineMeters(position, route[len(route)-1]), true
}

// SecondsToArrival returns +Inf for a non-positive speed with distance left.
func SecondsToArrival(remaining, speed float64) float64 {
	if remaining <= 0 {
		return 0
	}
	if speed <= 0 {
		return math.Inf(1)
	}
	return remaining / speed
}

// Estimate computes the current arrival projection. DelaySeconds is set only
// when the trip has a scheduled end.
func (e *Estimator) Estimate(trip *domain.Trip, position domain.PositionSample, route []domain.Coordinate, now time.Time) (domain.DelayEstimate, bool) {
	if trip == nil {
		return domain.DelayEstimate{}, false
	}

	remaining, ok := RemainingDistance(position.Coordinate, route)
	if !ok {
		return domain.DelayEstimate{}, false
	}

	seconds := SecondsToArrival(remaining, e.speed.Speed(position))
	if math.IsInf(seconds, 1) {
		return domain.DelayEstimate{}, false
	}

	projected := now.Add(time.Duration(seconds * float64(time.Second)))
	est := domain.DelayEstimate{
		TripID:                    trip.ID,
		RemainingDistanceMeters:   remaining,
		EstimatedSecondsToArrival: seconds,
		ProjectedArrival:          projected,
	}
	if trip.ScheduledEnd != nil {
		est.DelaySeconds = projected.Sub(*trip.ScheduledEnd).Seconds()
	}
	return est, true
}

// CheckDelay returns a delay alert for an in-progress trip whose projected
// arrival is at least the threshold, in whole minutes, past its scheduled end.
func (e *Estimator) CheckDelay(trip *domain.Trip, position domain.PositionSample, route []domain.Coordinate, now time.Time) (*domain.Alert, bool) {
	if !trip.InProgress() || trip.ScheduledEnd == nil {
		return nil, false
	}

	est, ok := e.Estimate(trip, position, route, now)
	if !ok || est.DelaySeconds <= 0 {
		return nil, false
	}

	minutes := int(math.Floor(est.DelaySeconds / 60))
	if minutes < e.threshold {
		return nil, false
	}

	return &domain.Alert{
		Kind:         domain.AlertDelay,
		TripID:       trip.ID,
		VehicleID:    position.VehicleID,
		Title:        trip.Title,
		DelayMinutes: minutes,
		Timestamp:    now,
	}, true
}
