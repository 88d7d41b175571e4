// Package geo holds the geometry used by the tracker: great-circle distance
// for geofence membership and ETA, and planar point-to-polyline distance for
// route deviation.
//
// Deviation is measured in a local equirectangular projection centered on
// the vehicle. That is accurate to well under a meter at city scale, which is
// all the tracker needs.
package geo

import (
	"math"

	"fleettrack/internal/domain"
)

// EarthRadiusMeters is the mean radius of Earth.
const EarthRadiusMeters = 6_371_000.0

// Vec is a point in a planar coordinate system.
type Vec struct {
	X float64
	Y float64
}

// HaversineMeters returns the great-circle distance between two coordinates.
func HaversineMeters(a, b domain.Coordinate) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLon := degToRad(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLon*sinLon

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Project maps c into meters on a plane tangent at origin. X grows east,
// Y grows north.
func Project(origin, c domain.Coordinate) Vec {
	cosLat := math.Cos(degToRad(origin.Lat))
	return Vec{
		X: degToRad(c.Lon-origin.Lon) * cosLat * EarthRadiusMeters,
		Y: degToRad(c.Lat-origin.Lat) * EarthRadiusMeters,
	}
}

// Unproject is the inverse of Project.
func Unproject(origin domain.Coordinate, v Vec) domain.Coordinate {
	cosLat := math.Cos(degToRad(origin.Lat))
	lon := origin.Lon
	if cosLat != 0 {
		lon += radToDeg(v.X / (EarthRadiusMeters * cosLat))
	}
	return domain.Coordinate{
		Lat: origin.Lat + radToDeg(v.Y/EarthRadiusMeters),
		Lon: lon,
	}
}

// PointToSegment returns the distance from p to the segment ab. The
// projection parameter is clamped to [0,1], so points beyond either end
// measure to the nearest endpoint. A zero-length segment measures to a.
func PointToSegment(p, a, b Vec) float64 {
	vx := b.X - a.X
	vy := b.Y - a.Y
	wx := p.X - a.X
	wy := p.Y - a.Y

	denom := vx*vx + vy*vy
	if denom == 0 {
		return math.Hypot(wx, wy)
	}

	t := (wx*vx + wy*vy) / denom
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}

	return math.Hypot(p.X-(a.X+t*vx), p.Y-(a.Y+t*vy))
}

// DistanceToPolyline returns the minimum distance from p to any segment of
// line. A single vertex is treated as a zero-length segment. ok is false
// for an empty line.
func DistanceToPolyline(p Vec, line []Vec) (dist float64, ok bool) {
	switch len(line) {
	case 0:
		return 0, false
	case 1:
		return math.Hypot(p.X-line[0].X, p.Y-line[0].Y), true
	}

	dist = math.MaxFloat64
	for i := 0; i < len(line)-1; i++ {
		if d := PointToSegment(p, line[i], line[i+1]); d < dist {
			dist = d
		}
	}
	return dist, true
}

// DistanceToRoute returns the distance in meters from position to the
// nearest segment of route. ok is false when the route is empty.
func DistanceToRoute(position domain.Coordinate, route []domain.Coordinate) (float64, bool) {
	if len(route) == 0 {
		return 0, false
	}

	line := make([]Vec, len(route))
	for i, c := range route {
		line[i] = Project(position, c)
	}
	return DistanceToPolyline(Vec{}, line)
}

// PathLengthMeters returns the summed great-circle length of a polyline.
func PathLengthMeters(route []domain.Coordinate) float64 {
	total := 0.0
	for i := 0; i < len(route)-1; i++ {
		total += HaversineMeters(route[i], route[i+1])
	}
	return total
}

// Bearing returns the initial bearing from a to b in degrees, 0 = north.
func Bearing(a, b domain.Coordinate) float64 {
	lat1 := degToRad(a.Lat)
	lat2 := degToRad(b.Lat)
	dLon := degToRad(b.Lon - a.Lon)

	x := math.Sin(dLon) * math.Cos(lat2)
	y := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	return math.Mod(radToDeg(math.Atan2(x, y))+360, 360)
}

// Interpolate returns the point a fraction t of the way from a to b.
func Interpolate(a, b domain.Coordinate, t float64) domain.Coordinate {
	return domain.Coordinate{
		Lat: a.Lat + (b.Lat-a.Lat)*t,
		Lon: a.Lon + (b.Lon-a.Lon)*t,
	}
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180
}

func radToDeg(rad float64) float64 {
	return rad * 180 / math.Pi
}
