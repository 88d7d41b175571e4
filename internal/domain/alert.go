package domain

import (
	"fmt"
	"time"
)

// AlertKind distinguishes the four alert events the tracker can emit
type AlertKind string

const (
	AlertOffRoute      AlertKind = "off_route"
	AlertDelay         AlertKind = "delay"
	AlertGeofenceEntry AlertKind = "geofence_entry"
	AlertGeofenceExit  AlertKind = "geofence_exit"
)

func (k AlertKind) String() string {
	return string(k)
}

// Alert is handed to a notification sink. Only the fields relevant to Kind
// are populated.
type Alert struct {
	Kind           AlertKind `json:"kind"`
	TripID         string    `json:"tripId"`
	VehicleID      string    `json:"vehicleId"`
	Title          string    `json:"title,omitempty"`
	ZoneName       string    `json:"zoneName,omitempty"`
	DistanceMeters float64   `json:"distanceMeters,omitempty"`
	DelayMinutes   int       `json:"delayMinutes,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Subject is a one-line summary suitable for a notification title
func (a Alert) Subject() string {
	switch a.Kind {
	case AlertOffRoute:
		return "Vehicle off route"
	case AlertDelay:
		return "Trip delayed"
	case AlertGeofenceEntry:
		return "Geofence entered"
	case AlertGeofenceExit:
		return "Geofence exited"
	default:
		return "Fleet alert"
	}
}

// Message renders a human-readable description of the alert
func (a Alert) Message() string {
	switch a.Kind {
	case AlertOffRoute:
		return fmt.Sprintf("Trip %q is %.0f m off its planned route", a.title(), a.DistanceMeters)
	case AlertDelay:
		return fmt.Sprintf("Trip %q is running %d minutes late", a.title(), a.DelayMinutes)
	case AlertGeofenceEntry:
		return fmt.Sprintf("Vehicle %s on trip %s entered %s", a.VehicleID, a.TripID, a.ZoneName)
	case AlertGeofenceExit:
		return fmt.Sprintf("Vehicle %s on trip %s left %s", a.VehicleID, a.TripID, a.ZoneName)
	default:
		return string(a.Kind)
	}
}

func (a Alert) title() string {
	if a.Title != "" {
		return a.Title
	}
	return a.TripID
}

// AlertFromGeofenceEvent converts a recorded transition to an alert
func AlertFromGeofenceEvent(evt GeofenceEvent) Alert {
	kind := AlertGeofenceEntry
	if evt.Type == GeofenceExit {
		kind = AlertGeofenceExit
	}
	return Alert{
		Kind:      kind,
		TripID:    evt.TripID,
		VehicleID: evt.VehicleID,
		ZoneName:  evt.GeofenceName,
		Timestamp: evt.Timestamp,
	}
}
