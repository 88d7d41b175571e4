package domain

import "time"

// TripStatus is the lifecycle state of a trip
type TripStatus string

const (
	TripScheduled  TripStatus = "scheduled"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

func (s TripStatus) String() string {
	return string(s)
}

// Trip is the subset of a trip record the tracker needs. Trips are owned by
// the fleet CRUD layer; the tracker only reads them.
type Trip struct {
	ID           string     `json:"id" yaml:"id" validate:"required"`
	Title        string     `json:"title" yaml:"title"`
	VehicleID    string     `json:"vehicleId" yaml:"vehicleId" validate:"required"`
	Status       TripStatus `json:"status" yaml:"status" validate:"required,oneof=scheduled in_progress completed cancelled"`
	ScheduledEnd *time.Time `json:"scheduledEnd,omitempty" yaml:"scheduledEnd,omitempty"`
}

// InProgress reports whether the trip is currently running
func (t *Trip) InProgress() bool {
	return t != nil && t.Status == TripInProgress
}

// MonitoredRoute is the planned polyline a vehicle is expected to follow
type MonitoredRoute struct {
	VehicleID string       `json:"vehicleId"`
	TripID    string       `json:"tripId"`
	Polyline  []Coordinate `json:"polyline"`
}

// DelayEstimate is recomputed on each evaluation and never stored
type DelayEstimate struct {
	TripID                    string    `json:"tripId"`
	RemainingDistanceMeters   float64   `json:"remainingDistanceMeters"`
	EstimatedSecondsToArrival float64   `json:"estimatedSecondsToArrival"`
	ProjectedArrival          time.Time `json:"projectedArrival"`
	DelaySeconds              float64   `json:"delaySeconds"`
}
