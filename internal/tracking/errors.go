package tracking

import "errors"

var (
	// ErrPermissionDenied is returned by a PositionSource when location
	// access has been revoked. The coordinator pauses until access is
	// granted again.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrNoPosition means the source has no fix for the vehicle yet.
	ErrNoPosition = errors.New("no position available")

	ErrNotActive    = errors.New("tracking is not active")
	ErrNoActiveTrip = errors.New("vehicle has no active trip")
	ErrNoRoute      = errors.New("vehicle has no monitored route")
	ErrInvalidRoute = errors.New("invalid route")
)
