// Package trips resolves the trip a vehicle is currently running. Trip
// records are owned by the fleet CRUD layer; the tracker only reads them.
package trips

import (
	"context"
	"slices"
	"sync"

	"fleettrack/internal/domain"
)

// Lookup returns the active trip of a vehicle, or nil when it has none.
type Lookup interface {
	ActiveTrip(ctx context.Context, vehicleID string) (*domain.Trip, error)
}

// Book is an in-memory Lookup fed by the HTTP API and seed file.
type Book struct {
	mu    sync.RWMutex
	trips map[string]domain.Trip
}

func NewBook() *Book {
	return &Book{trips: make(map[string]domain.Trip)}
}

func (b *Book) Put(trip domain.Trip) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trips[trip.ID] = trip
}

func (b *Book) Delete(tripID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.trips[tripID]
	delete(b.trips, tripID)
	return ok
}

func (b *Book) Get(tripID string) (domain.Trip, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.trips[tripID]
	return t, ok
}

func (b *Book) List() []domain.Trip {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]domain.Trip, 0, len(b.trips))
	for _, t := range b.trips {
		result = append(result, t)
	}
	slices.SortFunc(result, func(a, b domain.Trip) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return result
}

// ActiveTrip prefers an in-progress trip and falls back to a scheduled one.
// Ties are broken by trip id.
func (b *Book) ActiveTrip(_ context.Context, vehicleID string) (*domain.Trip, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var best *domain.Trip
	for _, t := range b.trips {
		if t.VehicleID != vehicleID {
			continue
		}
		if t.Status != domain.TripInProgress && t.Status != domain.TripScheduled {
			continue
		}
		if best == nil || rank(t) < rank(*best) || (rank(t) == rank(*best) && t.ID < best.ID) {
			candidate := t
			best = &candidate
		}
	}
	return best, nil
}

func rank(t domain.Trip) int {
	if t.Status == domain.TripInProgress {
		return 0
	}
	return 1
}

// Chain consults each Lookup in order and returns the first active trip.
// An error from any lookup stops the search.
type Chain []Lookup

func (c Chain) ActiveTrip(ctx context.Context, vehicleID string) (*domain.Trip, error) {
	for _, l := range c {
		trip, err := l.ActiveTrip(ctx, vehicleID)
		if err != nil {
			return nil, err
		}
		if trip != nil {
			return trip, nil
		}
	}
	return nil, nil
}
