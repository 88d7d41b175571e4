package store

import (
	"slices"
	"sync"
	"time"

	"fleettrack/internal/domain"
)

// ShapeStore holds planned route geometry loaded from a static GTFS feed.
// Each update replaces the whole catalog.
type ShapeStore struct {
	mu         sync.RWMutex
	shapes     map[string][]domain.Coordinate
	tripShapes map[string]string
	lastUpdate time.Time
}

func NewShapeStore() *ShapeStore {
	return &ShapeStore{
		shapes:     make(map[string][]domain.Coordinate),
		tripShapes: make(map[string]string),
	}
}

func (s *ShapeStore) UpdateAll(shapes map[string][]domain.Coordinate, tripShapes map[string]string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shapes = shapes
	s.tripShapes = tripShapes
	s.lastUpdate = at
}

// Shape returns a copy of the polyline with the given shape id.
func (s *ShapeStore) Shape(shapeID string) ([]domain.Coordinate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pts, ok := s.shapes[shapeID]
	if !ok {
		return nil, false
	}
	return slices.Clone(pts), true
}

// ShapeForTrip resolves the polyline a GTFS trip follows.
func (s *ShapeStore) ShapeForTrip(tripID string) ([]domain.Coordinate, bool) {
	s.mu.RLock()
	shapeID, ok := s.tripShapes[tripID]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return s.Shape(shapeID)
}

type ShapeStats struct {
	Shapes     int       `json:"shapes"`
	Trips      int       `json:"trips"`
	LastUpdate time.Time `json:"last_update"`
}

func (s *ShapeStore) Stats() ShapeStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ShapeStats{
		Shapes:     len(s.shapes),
		Trips:      len(s.tripShapes),
		LastUpdate: s.lastUpdate,
	}
}
