package history

import (
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"fleettrack/internal/domain"
)

const (
	DefaultCap       = 1000
	DefaultRetention = 24 * time.Hour
)

type Options struct {
	Cap       int
	Retention time.Duration
	Clock     clock.Clock
}

type Stats struct {
	Vehicles  int  `json:"vehicles"`
	Points    int  `json:"points"`
	Recording bool `json:"recording"`
}

// Store keeps a bounded, time-ordered trail per vehicle.
type Store struct {
	mu        sync.RWMutex
	trails    map[string][]domain.TrailPoint
	recording bool

	cap       int
	retention time.Duration
	clock     clock.Clock
}

func New(opts Options) *Store {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	return &Store{
		trails:    make(map[string][]domain.TrailPoint),
		cap:       opts.Cap,
		retention: opts.Retention,
		clock:     opts.Clock,
	}
}

// StartRecording enables Record and sweeps anything already outside the
// retention window.
func (s *Store) StartRecording(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = true
	return s.purgeLocked(now.Add(-s.retention))
}

func (s *Store) StopRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = false
}

func (s *Store) IsRecording() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recording
}

// Record appends a sample to the vehicle's trail. It reports false when the
// store is not recording or the sample is already outside retention.
func (s *Store) Record(sample domain.PositionSample, tripID string, status domain.TripStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recording {
		return false
	}

	cutoff := s.clock.Now().Add(-s.retention)
	if sample.Timestamp.Before(cutoff) {
		return false
	}

	point := domain.TrailPoint{
		PositionSample: sample,
		TripID:         tripID,
		TripStatus:     status,
	}

	trail := insertSorted(s.trails[sample.VehicleID], point)
	trail = dropBefore(trail, cutoff)
	if excess := len(trail) - s.cap; excess > 0 {
		trail = append([]domain.TrailPoint(nil), trail[excess:]...)
	}
	s.trails[sample.VehicleID] = trail

	return true
}

func (s *Store) Trail(vehicleID string) []domain.TrailPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.TrailPoint(nil), s.trails[vehicleID]...)
}

// TrailBetween returns the points with from <= timestamp <= to.
func (s *Store) TrailBetween(vehicleID string, from, to time.Time) []domain.TrailPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trail := s.trails[vehicleID]
	start := sort.Search(len(trail), func(i int) bool {
		return !trail[i].Timestamp.Before(from)
	})
	end := sort.Search(len(trail), func(i int) bool {
		return trail[i].Timestamp.After(to)
	})
	if start >= end {
		return nil
	}
	return append([]domain.TrailPoint(nil), trail[start:end]...)
}

// TripPlayback gathers every recorded point of tripID across all vehicles.
func (s *Store) TripPlayback(tripID string) []domain.TrailPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.TrailPoint
	for _, trail := range s.trails {
		for _, p := range trail {
			if p.TripID == tripID {
				result = append(result, p)
			}
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

func (s *Store) Latest(vehicleID string) (domain.TrailPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trail := s.trails[vehicleID]
	if len(trail) == 0 {
		return domain.TrailPoint{}, false
	}
	return trail[len(trail)-1], true
}

// PurgeOlderThan removes points strictly older than cutoff and returns how
// many were removed.
func (s *Store) PurgeOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(cutoff)
}

// PurgeExpired applies the retention window against the store clock.
func (s *Store) PurgeExpired() int {
	return s.PurgeOlderThan(s.clock.Now().Add(-s.retention))
}

func (s *Store) Clear(vehicleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trails, vehicleID)
}

func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trails = make(map[string][]domain.TrailPoint)
}

func (s *Store) Snapshot() map[string][]domain.TrailPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]domain.TrailPoint, len(s.trails))
	for id, trail := range s.trails {
		result[id] = append([]domain.TrailPoint(nil), trail...)
	}
	return result
}

// Restore replaces the store contents. Trails are re-sorted and trimmed to
// the cap and retention window.
func (s *Store) Restore(trails map[string][]domain.TrailPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-s.retention)
	s.trails = make(map[string][]domain.TrailPoint, len(trails))

	for id, trail := range trails {
		sorted := append([]domain.TrailPoint(nil), trail...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
		sorted = dropBefore(sorted, cutoff)
		if excess := len(sorted) - s.cap; excess > 0 {
			sorted = sorted[excess:]
		}
		if len(sorted) > 0 {
			s.trails[id] = sorted
		}
	}
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points := 0
	for _, trail := range s.trails {
		points += len(trail)
	}
	return Stats{
		Vehicles:  len(s.trails),
		Points:    points,
		Recording: s.recording,
	}
}

func (s *Store) purgeLocked(cutoff time.Time) int {
	removed := 0
	for id, trail := range s.trails {
		kept := dropBefore(trail, cutoff)
		removed += len(trail) - len(kept)
		if len(kept) == 0 {
			delete(s.trails, id)
			continue
		}
		s.trails[id] = kept
	}
	return removed
}

func insertSorted(trail []domain.TrailPoint, p domain.TrailPoint) []domain.TrailPoint {
	n := len(trail)
	if n == 0 || !p.Timestamp.Before(trail[n-1].Timestamp) {
		return append(trail, p)
	}

	i := sort.Search(n, func(i int) bool {
		return trail[i].Timestamp.After(p.Timestamp)
	})
	trail = append(trail, domain.TrailPoint{})
	copy(trail[i+1:], trail[i:])
	trail[i] = p
	return trail
}

// dropBefore assumes trail is sorted.
func dropBefore(trail []domain.TrailPoint, cutoff time.Time) []domain.TrailPoint {
	i := sort.Search(len(trail), func(i int) bool {
		return !trail[i].Timestamp.Before(cutoff)
	})
	if i == 0 {
		return trail
	}
	return append([]domain.TrailPoint(nil), trail[i:]...)
}
