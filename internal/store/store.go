package store

import (
	"sort"
	"sync"
	"time"

	"fleettrack/internal/domain"
	"fleettrack/internal/hub"
)

// Store holds the latest position of every tracked vehicle, indexed by map
// tile for websocket subscribers.
type Store struct {
	mu        sync.RWMutex
	positions map[string]*entry
	byTile    map[string]map[string]struct{}

	zoom       int
	staleAfter time.Duration
}

type entry struct {
	sample    domain.PositionSample
	tileID    string
	updatedAt time.Time
}

func New(zoom int, staleAfter time.Duration) *Store {
	return &Store{
		positions:  make(map[string]*entry),
		byTile:     make(map[string]map[string]struct{}),
		zoom:       zoom,
		staleAfter: staleAfter,
	}
}

func (s *Store) Update(samples []domain.PositionSample, now time.Time) []domain.PositionDelta {
	s.mu.Lock()
	defer s.mu.Unlock()

	deltas := make([]domain.PositionDelta, 0, len(samples))

	for _, sample := range samples {
		tileID := hub.TileID(sample.Coordinate.Lat, sample.Coordinate.Lon, s.zoom)

		existing, exists := s.positions[sample.VehicleID]
		if exists && !hasChanged(existing.sample, sample) {
			existing.updatedAt = now
			continue
		}

		if exists && existing.tileID != tileID {
			s.removeFromTileIndex(sample.VehicleID, existing.tileID)
		}

		s.positions[sample.VehicleID] = &entry{sample: sample, tileID: tileID, updatedAt: now}
		s.addToTileIndex(sample.VehicleID, tileID)

		copy := sample
		deltas = append(deltas, domain.PositionDelta{
			Type:   domain.DeltaUpdate,
			Sample: &copy,
			TileID: tileID,
		})
	}

	return deltas
}

func (s *Store) Remove(vehicleID string) (domain.PositionDelta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.positions[vehicleID]
	if !ok {
		return domain.PositionDelta{}, false
	}
	s.removeFromTileIndex(vehicleID, e.tileID)
	delete(s.positions, vehicleID)

	return domain.PositionDelta{Type: domain.DeltaRemove, Key: vehicleID, TileID: e.tileID}, true
}

func (s *Store) PruneStale(now time.Time) []domain.PositionDelta {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.staleAfter)
	var deltas []domain.PositionDelta

	for id, e := range s.positions {
		if e.updatedAt.Before(cutoff) {
			deltas = append(deltas, domain.PositionDelta{
				Type:   domain.DeltaRemove,
				Key:    id,
				TileID: e.tileID,
			})
			s.removeFromTileIndex(id, e.tileID)
			delete(s.positions, id)
		}
	}

	return deltas
}

func (s *Store) Get(vehicleID string) (domain.PositionSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.positions[vehicleID]
	if !ok {
		return domain.PositionSample{}, false
	}
	return e.sample, true
}

// List returns positions inside bbox, or all of them when bbox is nil,
// ordered by vehicle id.
func (s *Store) List(bbox *domain.BoundingBox) []domain.PositionSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PositionSample, 0, len(s.positions))
	for _, e := range s.positions {
		if bbox != nil && !bbox.Contains(e.sample.Coordinate) {
			continue
		}
		result = append(result, e.sample)
	}
	sortByVehicle(result)
	return result
}

func (s *Store) SnapshotForTiles(tileIDs []string) []domain.PositionSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var result []domain.PositionSample

	for _, tileID := range tileIDs {
		for id := range s.byTile[tileID] {
			if _, exists := seen[id]; exists {
				continue
			}
			seen[id] = struct{}{}
			result = append(result, s.positions[id].sample)
		}
	}
	sortByVehicle(result)
	return result
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

func (s *Store) addToTileIndex(vehicleID, tileID string) {
	if s.byTile[tileID] == nil {
		s.byTile[tileID] = make(map[string]struct{})
	}
	s.byTile[tileID][vehicleID] = struct{}{}
}

func (s *Store) removeFromTileIndex(vehicleID, tileID string) {
	if s.byTile[tileID] != nil {
		delete(s.byTile[tileID], vehicleID)
		if len(s.byTile[tileID]) == 0 {
			delete(s.byTile, tileID)
		}
	}
}

func sortByVehicle(samples []domain.PositionSample) {
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].VehicleID < samples[j].VehicleID
	})
}

func hasChanged(old, new domain.PositionSample) bool {
	const epsilon = 0.000001

	latDiff := old.Coordinate.Lat - new.Coordinate.Lat
	if latDiff < 0 {
		latDiff = -latDiff
	}
	lonDiff := old.Coordinate.Lon - new.Coordinate.Lon
	if lonDiff < 0 {
		lonDiff = -lonDiff
	}

	if latDiff > epsilon || lonDiff > epsilon {
		return true
	}

	return !old.Timestamp.Equal(new.Timestamp)
}
