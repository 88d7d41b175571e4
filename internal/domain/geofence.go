package domain

import "time"

// AllTrips is the applicability sentinel matching every trip
const AllTrips = "all"

// Geofence is a named circular zone
type Geofence struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Center            Coordinate `json:"center"`
	RadiusMeters      float64    `json:"radiusMeters"`
	ApplicableTripIDs []string   `json:"applicableTripIds"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// AppliesTo reports whether the geofence is evaluated for tripID. An empty
// applicability list behaves like AllTrips.
func (g *Geofence) AppliesTo(tripID string) bool {
	if len(g.ApplicableTripIDs) == 0 {
		return true
	}
	for _, id := range g.ApplicableTripIDs {
		if id == AllTrips || (tripID != "" && id == tripID) {
			return true
		}
	}
	return false
}

// GeofenceEventType is the membership state recorded for a vehicle/geofence pair
type GeofenceEventType string

const (
	GeofenceEntry GeofenceEventType = "entry"
	GeofenceExit  GeofenceEventType = "exit"
)

// GeofenceEvent is the last observed transition for one vehicle/geofence pair
type GeofenceEvent struct {
	Key          string            `json:"key"`
	VehicleID    string            `json:"vehicleId"`
	TripID       string            `json:"tripId"`
	GeofenceID   string            `json:"geofenceId"`
	GeofenceName string            `json:"geofenceName"`
	Type         GeofenceEventType `json:"type"`
	Timestamp    time.Time         `json:"timestamp"`
}

// GeofenceEventKey builds the unique key of a vehicle/geofence pair
func GeofenceEventKey(vehicleID, geofenceID string) string {
	return vehicleID + "_" + geofenceID
}
