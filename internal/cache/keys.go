package cache

const (
	KeyGeofences       = "geofences"
	KeyHistorySnapshot = "history:snapshot"
)
