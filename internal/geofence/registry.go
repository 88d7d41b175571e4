// Package geofence keeps the logical list of circular zones, the bounded
// table of live regions, and the last observed transition per
// vehicle/geofence pair.
package geofence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"fleettrack/internal/domain"
	"fleettrack/internal/geo"
	"fleettrack/internal/validation"
)

// DefaultLiveRegionCap mirrors the platform ceiling on concurrently
// monitored regions.
const DefaultLiveRegionCap = 15

var (
	ErrGeofenceNotFound = errors.New("geofence not found")
	ErrInvalidGeofence  = errors.New("invalid geofence")
)

// Input describes a geofence to register.
type Input struct {
	Name              string            `json:"name" validate:"required,max=200"`
	Center            domain.Coordinate `json:"center"`
	RadiusMeters      float64           `json:"radiusMeters" validate:"gt=0"`
	ApplicableTripIDs []string          `json:"applicableTripIds" validate:"omitempty,dive,required"`
}

// Patch carries the fields to change on Update. Nil fields are kept.
type Patch struct {
	Name              *string            `json:"name,omitempty"`
	Center            *domain.Coordinate `json:"center,omitempty"`
	RadiusMeters      *float64           `json:"radiusMeters,omitempty"`
	ApplicableTripIDs []string           `json:"applicableTripIds,omitempty"`
}

// Repository persists the logical geofence list.
type Repository interface {
	SaveAll(ctx context.Context, geofences []domain.Geofence) error
	LoadAll(ctx context.Context) ([]domain.Geofence, error)
}

type Options struct {
	LiveRegionCap int
	Repository    Repository
	Clock         clock.Clock
	Logger        *slog.Logger
	// OnEvict is called with the id of each evicted live region.
	OnEvict func(geofenceID string)
}

type Registry struct {
	// persistMu orders repository writes so the last save carries the
	// newest list.
	persistMu  sync.Mutex
	mu         sync.Mutex
	geofences  []domain.Geofence
	live       []string
	events     map[string]domain.GeofenceEvent
	monitoring bool

	cap     int
	repo    Repository
	clock   clock.Clock
	logger  *slog.Logger
	onEvict func(string)
}

func NewRegistry(opts Options) *Registry {
	if opts.LiveRegionCap <= 0 {
		opts.LiveRegionCap = DefaultLiveRegionCap
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		events:  make(map[string]domain.GeofenceEvent),
		cap:     opts.LiveRegionCap,
		repo:    opts.Repository,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "geofence_registry"),
		onEvict: opts.OnEvict,
	}
}

// Load replaces the logical list with the repository contents.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.repo == nil {
		return 0, nil
	}

	loaded, err := r.repo.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load geofences: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.geofences = nil
	r.live = nil
	for _, g := range loaded {
		if err := validateGeofence(g); err != nil {
			r.logger.Warn("skipping stored geofence", "geofence_id", g.ID, "error", err)
			continue
		}
		r.geofences = append(r.geofences, g)
		if r.monitoring {
			r.addLiveLocked(g.ID)
		}
	}
	return len(r.geofences), nil
}

func (r *Registry) Register(ctx context.Context, in Input) (domain.Geofence, error) {
	if err := validation.Struct(in); err != nil {
		return domain.Geofence{}, fmt.Errorf("%w: %v", ErrInvalidGeofence, err)
	}

	g := domain.Geofence{
		ID:                uuid.New().String(),
		Name:              in.Name,
		Center:            in.Center,
		RadiusMeters:      in.RadiusMeters,
		ApplicableTripIDs: normalizeTripIDs(in.ApplicableTripIDs),
		CreatedAt:         r.clock.Now(),
	}

	r.mu.Lock()
	r.geofences = append(r.geofences, g)
	if r.monitoring {
		r.addLiveLocked(g.ID)
	}
	r.mu.Unlock()

	r.logger.Info("geofence registered", "geofence_id", g.ID, "name", g.Name, "radius_m", g.RadiusMeters)
	r.persist(ctx)

	return g, nil
}

// Update stops the live region before the new definition is applied and
// restarts it afterwards when monitoring.
func (r *Registry) Update(ctx context.Context, id string, p Patch) (domain.Geofence, error) {
	r.mu.Lock()

	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return domain.Geofence{}, fmt.Errorf("%w: %s", ErrGeofenceNotFound, id)
	}

	updated := r.geofences[idx]
	if p.Name != nil {
		updated.Name = *p.Name
	}
	if p.Center != nil {
		updated.Center = *p.Center
	}
	if p.RadiusMeters != nil {
		updated.RadiusMeters = *p.RadiusMeters
	}
	if p.ApplicableTripIDs != nil {
		updated.ApplicableTripIDs = normalizeTripIDs(p.ApplicableTripIDs)
	}

	if err := validateGeofence(updated); err != nil {
		r.mu.Unlock()
		return domain.Geofence{}, err
	}

	wasLive := r.removeLiveLocked(id)
	r.geofences[idx] = updated
	if r.monitoring {
		r.addLiveLocked(id)
	}
	r.mu.Unlock()

	r.logger.Info("geofence updated", "geofence_id", id, "was_live", wasLive)
	r.persist(ctx)

	return updated, nil
}

// Remove deletes the geofence along with its live region and stored
// transitions.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()

	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGeofenceNotFound, id)
	}

	r.removeLiveLocked(id)
	r.geofences = slices.Delete(r.geofences, idx, idx+1)
	for key, evt := range r.events {
		if evt.GeofenceID == id {
			delete(r.events, key)
		}
	}
	r.mu.Unlock()

	r.logger.Info("geofence removed", "geofence_id", id)
	r.persist(ctx)

	return nil
}

func (r *Registry) Get(id string) (domain.Geofence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(id)
	if idx < 0 {
		return domain.Geofence{}, false
	}
	return cloneGeofence(r.geofences[idx]), true
}

// Geofences returns the logical list in registration order.
func (r *Registry) Geofences() []domain.Geofence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// LiveRegions returns live region ids, oldest first.
func (r *Registry) LiveRegions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.live)
}

// StartMonitoring re-establishes live regions for every geofence in
// registration order, subject to the cap.
func (r *Registry) StartMonitoring() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.monitoring = true
	r.live = nil
	for _, g := range r.geofences {
		r.addLiveLocked(g.ID)
	}
	r.logger.Info("geofence monitoring started", "live_regions", len(r.live), "geofences", len(r.geofences))
}

func (r *Registry) StopMonitoring() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.monitoring = false
	r.live = nil
	r.logger.Info("geofence monitoring stopped")
}

func (r *Registry) IsMonitoring() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.monitoring
}

// Evaluate computes membership of location in every geofence applicable to
// tripID and returns the transitions that differ from the stored state. The
// first observation of a pair is always reported.
//
// All registered geofences are evaluated, live or not. The live-region cap
// bounds what is monitored as a region; evicting one does not silence its
// transitions.
func (r *Registry) Evaluate(vehicleID string, location domain.Coordinate, tripID string, at time.Time) []domain.GeofenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emitted []domain.GeofenceEvent

	for i := range r.geofences {
		g := &r.geofences[i]
		if !g.AppliesTo(tripID) {
			continue
		}

		state := domain.GeofenceExit
		if geo.HaversineMeters(location, g.Center) <= g.RadiusMeters {
			state = domain.GeofenceEntry
		}

		key := domain.GeofenceEventKey(vehicleID, g.ID)
		if stored, ok := r.events[key]; ok && stored.Type == state {
			continue
		}

		evt := domain.GeofenceEvent{
			Key:          key,
			VehicleID:    vehicleID,
			TripID:       tripID,
			GeofenceID:   g.ID,
			GeofenceName: g.Name,
			Type:         state,
			Timestamp:    at,
		}
		r.events[key] = evt
		emitted = append(emitted, evt)
	}

	return emitted
}

// Events returns the stored transition records of a vehicle.
func (r *Registry) Events(vehicleID string) []domain.GeofenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []domain.GeofenceEvent
	for _, evt := range r.events {
		if evt.VehicleID == vehicleID {
			result = append(result, evt)
		}
	}
	slices.SortFunc(result, func(a, b domain.GeofenceEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return result
}

// ForgetVehicle drops the stored transitions of a vehicle.
func (r *Registry) ForgetVehicle(vehicleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, evt := range r.events {
		if evt.VehicleID == vehicleID {
			delete(r.events, key)
		}
	}
}

func (r *Registry) addLiveLocked(id string) {
	if slices.Contains(r.live, id) {
		return
	}

	if len(r.live) >= r.cap {
		evicted := r.live[0]
		r.live = slices.Delete(r.live, 0, 1)
		r.logger.Info("live region evicted", "geofence_id", evicted, "cap", r.cap)
		if r.onEvict != nil {
			r.onEvict(evicted)
		}
	}

	r.live = append(r.live, id)
}

func (r *Registry) removeLiveLocked(id string) bool {
	idx := slices.Index(r.live, id)
	if idx < 0 {
		return false
	}
	r.live = slices.Delete(r.live, idx, idx+1)
	return true
}

func (r *Registry) indexLocked(id string) int {
	return slices.IndexFunc(r.geofences, func(g domain.Geofence) bool {
		return g.ID == id
	})
}

func (r *Registry) snapshotLocked() []domain.Geofence {
	result := make([]domain.Geofence, len(r.geofences))
	for i, g := range r.geofences {
		result[i] = cloneGeofence(g)
	}
	return result
}

func (r *Registry) persist(ctx context.Context) {
	if r.repo == nil {
		return
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	geofences := r.snapshotLocked()
	r.mu.Unlock()

	if err := r.repo.SaveAll(ctx, geofences); err != nil {
		r.logger.Error("failed to persist geofences", "count", len(geofences), "error", err)
	}
}

func validateGeofence(g domain.Geofence) error {
	err := validation.Struct(Input{
		Name:              g.Name,
		Center:            g.Center,
		RadiusMeters:      g.RadiusMeters,
		ApplicableTripIDs: g.ApplicableTripIDs,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGeofence, err)
	}
	return nil
}

// normalizeTripIDs collapses any list containing the "all" sentinel.
func normalizeTripIDs(ids []string) []string {
	if len(ids) == 0 || slices.Contains(ids, domain.AllTrips) {
		return []string{domain.AllTrips}
	}
	return slices.Clone(ids)
}

func cloneGeofence(g domain.Geofence) domain.Geofence {
	g.ApplicableTripIDs = slices.Clone(g.ApplicableTripIDs)
	return g
}
