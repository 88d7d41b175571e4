package domain

import "time"

// HeadingUnknown marks a sample whose source reported no heading
const HeadingUnknown = -1.0

// Coordinate is a WGS-84 point
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"latitude"`
	Lon float64 `json:"lon" yaml:"lon" validate:"longitude"`
}

// Valid reports whether the coordinate lies within WGS-84 bounds
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// PositionSample is a single timestamped fix for one vehicle
type PositionSample struct {
	VehicleID  string     `json:"vehicleId"`
	Coordinate Coordinate `json:"coordinate"`
	Heading    float64    `json:"heading"`
	Speed      float64    `json:"speed"`
	Timestamp  time.Time  `json:"timestamp"`
}

// TrailPoint is a PositionSample captured into a vehicle's history
type TrailPoint struct {
	PositionSample
	TripID     string     `json:"tripId,omitempty"`
	TripStatus TripStatus `json:"tripStatus,omitempty"`
}

// DeltaType indicates whether a vehicle position was updated or removed
type DeltaType string

const (
	DeltaUpdate DeltaType = "update"
	DeltaRemove DeltaType = "remove"
)

// PositionDelta is pushed to live subscribers when a vehicle moves
type PositionDelta struct {
	Type   DeltaType       `json:"type"`
	Sample *PositionSample `json:"sample,omitempty"`
	Key    string          `json:"key,omitempty"`
	TileID string          `json:"tileId"`
}

// BoundingBox represents a geographic rectangle
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// Contains checks if a point is within the bounding box
func (bb *BoundingBox) Contains(c Coordinate) bool {
	return c.Lat >= bb.MinLat && c.Lat <= bb.MaxLat &&
		c.Lon >= bb.MinLon && c.Lon <= bb.MaxLon
}
