package geofence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/domain"
)

var (
	epoch   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	depot   = domain.Coordinate{Lat: 52.2297, Lon: 21.0122}
	faraway = domain.Coordinate{Lat: 52.2497, Lon: 21.0122}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = fakeclock.NewFakeClock(epoch)
	}
	opts.Logger = discardLogger()
	return NewRegistry(opts)
}

func register(t *testing.T, r *Registry, name string, center domain.Coordinate, tripIDs ...string) domain.Geofence {
	t.Helper()
	g, err := r.Register(context.Background(), Input{
		Name:              name,
		Center:            center,
		RadiusMeters:      200,
		ApplicableTripIDs: tripIDs,
	})
	require.NoError(t, err)
	return g
}

func TestRegister_Validation(t *testing.T) {
	r := newRegistry(t, Options{})

	tests := []struct {
		name string
		in   Input
	}{
		{"missing name", Input{Center: depot, RadiusMeters: 100}},
		{"zero radius", Input{Name: "depot", Center: depot}},
		{"negative radius", Input{Name: "depot", Center: depot, RadiusMeters: -5}},
		{"bad latitude", Input{Name: "depot", Center: domain.Coordinate{Lat: 91, Lon: 0}, RadiusMeters: 100}},
		{"bad longitude", Input{Name: "depot", Center: domain.Coordinate{Lat: 0, Lon: 181}, RadiusMeters: 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidGeofence)
		})
	}
	assert.Empty(t, r.Geofences())
}

func TestRegister_AssignsIdentity(t *testing.T) {
	r := newRegistry(t, Options{})
	g := register(t, r, "depot", depot)

	assert.NotEmpty(t, g.ID)
	assert.Equal(t, epoch, g.CreatedAt)
	assert.Equal(t, []string{domain.AllTrips}, g.ApplicableTripIDs)

	got, ok := r.Get(g.ID)
	require.True(t, ok)
	assert.Equal(t, g, got)
}

func TestEvaluate_DeduplicatesInside(t *testing.T) {
	r := newRegistry(t, Options{})
	register(t, r, "depot", depot)

	first := r.Evaluate("v1", depot, "t1", epoch)
	second := r.Evaluate("v1", depot, "t1", epoch.Add(5*time.Second))

	require.Len(t, first, 1)
	assert.Equal(t, domain.GeofenceEntry, first[0].Type)
	assert.Equal(t, "depot", first[0].GeofenceName)
	assert.Empty(t, second)
}

func TestEvaluate_TransitionOrder(t *testing.T) {
	r := newRegistry(t, Options{})
	register(t, r, "depot", depot)

	var types []domain.GeofenceEventType
	for i, loc := range []domain.Coordinate{depot, faraway, faraway, depot} {
		for _, evt := range r.Evaluate("v1", loc, "t1", epoch.Add(time.Duration(i)*time.Second)) {
			types = append(types, evt.Type)
		}
	}

	assert.Equal(t, []domain.GeofenceEventType{
		domain.GeofenceEntry,
		domain.GeofenceExit,
		domain.GeofenceEntry,
	}, types)
}

func TestEvaluate_FirstObservationOutside(t *testing.T) {
	r := newRegistry(t, Options{})
	g := register(t, r, "depot", depot)

	events := r.Evaluate("v1", faraway, "t1", epoch)
	require.Len(t, events, 1)
	assert.Equal(t, domain.GeofenceExit, events[0].Type)
	assert.Equal(t, domain.GeofenceEventKey("v1", g.ID), events[0].Key)
}

func TestEvaluate_Applicability(t *testing.T) {
	r := newRegistry(t, Options{})
	register(t, r, "trip zone", depot, "t1")
	register(t, r, "everyone", depot, domain.AllTrips)

	events := r.Evaluate("v1", depot, "t2", epoch)
	require.Len(t, events, 1)
	assert.Equal(t, "everyone", events[0].GeofenceName)

	events = r.Evaluate("v2", depot, "t1", epoch)
	assert.Len(t, events, 2)
}

func TestEvaluate_PerVehicleState(t *testing.T) {
	r := newRegistry(t, Options{})
	register(t, r, "depot", depot)

	assert.Len(t, r.Evaluate("v1", depot, "t1", epoch), 1)
	assert.Len(t, r.Evaluate("v2", depot, "t2", epoch), 1)

	r.ForgetVehicle("v1")
	assert.Empty(t, r.Events("v1"))
	assert.Len(t, r.Events("v2"), 1)
	assert.Len(t, r.Evaluate("v1", depot, "t1", epoch), 1)
}

func TestLiveRegionEviction(t *testing.T) {
	var evicted []string
	r := newRegistry(t, Options{
		LiveRegionCap: 15,
		OnEvict:       func(id string) { evicted = append(evicted, id) },
	})
	r.StartMonitoring()

	var ids []string
	for i := 0; i < 16; i++ {
		g := register(t, r, fmt.Sprintf("zone-%d", i), depot)
		ids = append(ids, g.ID)
	}

	live := r.LiveRegions()
	assert.Len(t, live, 15)
	assert.NotContains(t, live, ids[0])
	assert.Equal(t, ids[1:], live)
	assert.Equal(t, []string{ids[0]}, evicted)

	// The logical list is unaffected by eviction.
	assert.Len(t, r.Geofences(), 16)

	events := r.Evaluate("v1", depot, "t1", epoch)
	require.Len(t, events, 16)
	assert.Equal(t, ids[0], events[0].GeofenceID)
	assert.Equal(t, domain.GeofenceEntry, events[0].Type)
}

func TestStartMonitoring_RespectsCap(t *testing.T) {
	r := newRegistry(t, Options{LiveRegionCap: 2})
	a := register(t, r, "a", depot)
	b := register(t, r, "b", depot)
	c := register(t, r, "c", depot)

	assert.Empty(t, r.LiveRegions(), "no live regions before monitoring")

	r.StartMonitoring()
	assert.True(t, r.IsMonitoring())
	assert.Equal(t, []string{b.ID, c.ID}, r.LiveRegions())
	assert.NotContains(t, r.LiveRegions(), a.ID)

	r.StopMonitoring()
	assert.False(t, r.IsMonitoring())
	assert.Empty(t, r.LiveRegions())
}

func TestUpdate(t *testing.T) {
	r := newRegistry(t, Options{})
	r.StartMonitoring()
	a := register(t, r, "a", depot)
	b := register(t, r, "b", depot)

	radius := 5000.0
	name := "a-wide"
	updated, err := r.Update(context.Background(), a.ID, Patch{Name: &name, RadiusMeters: &radius})
	require.NoError(t, err)
	assert.Equal(t, "a-wide", updated.Name)
	assert.Equal(t, 5000.0, updated.RadiusMeters)
	assert.Equal(t, a.CreatedAt, updated.CreatedAt)

	// Restarted live region goes to the back of the table.
	assert.Equal(t, []string{b.ID, a.ID}, r.LiveRegions())

	// New geometry is used on the next evaluation.
	events := r.Evaluate("v1", faraway, "t1", epoch)
	for _, evt := range events {
		if evt.GeofenceID == a.ID {
			assert.Equal(t, domain.GeofenceEntry, evt.Type)
		}
	}
}

func TestUpdate_Errors(t *testing.T) {
	r := newRegistry(t, Options{})
	a := register(t, r, "a", depot)

	_, err := r.Update(context.Background(), "missing", Patch{})
	assert.ErrorIs(t, err, ErrGeofenceNotFound)

	zero := 0.0
	_, err = r.Update(context.Background(), a.ID, Patch{RadiusMeters: &zero})
	assert.ErrorIs(t, err, ErrInvalidGeofence)

	got, _ := r.Get(a.ID)
	assert.Equal(t, 200.0, got.RadiusMeters, "failed update leaves the geofence unchanged")
}

func TestRemove(t *testing.T) {
	r := newRegistry(t, Options{})
	r.StartMonitoring()
	a := register(t, r, "a", depot)
	b := register(t, r, "b", depot)

	r.Evaluate("v1", depot, "t1", epoch)
	require.Len(t, r.Events("v1"), 2)

	require.NoError(t, r.Remove(context.Background(), a.ID))
	assert.Equal(t, []string{b.ID}, r.LiveRegions())
	assert.Len(t, r.Geofences(), 1)
	require.Len(t, r.Events("v1"), 1)
	assert.Equal(t, b.ID, r.Events("v1")[0].GeofenceID)

	assert.ErrorIs(t, r.Remove(context.Background(), a.ID), ErrGeofenceNotFound)
}

func TestConcurrentRegistrationKeepsCap(t *testing.T) {
	r := newRegistry(t, Options{LiveRegionCap: 5})
	r.StartMonitoring()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Register(context.Background(), Input{Name: fmt.Sprintf("z%d", i), Center: depot, RadiusMeters: 10})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.LiveRegions(), 5)
	assert.Len(t, r.Geofences(), 40)
}

type memoryJSONStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemoryJSONStore() *memoryJSONStore {
	return &memoryJSONStore{data: make(map[string][]byte)}
}

func (m *memoryJSONStore) SetJSON(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = data
	return nil
}

func (m *memoryJSONStore) GetJSON(_ context.Context, key string, dest interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	data, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func TestRepositoryRoundTrip(t *testing.T) {
	store := newMemoryJSONStore()
	repo := NewRedisRepository(store, "geofences")

	r := newRegistry(t, Options{Repository: repo})
	a := register(t, r, "a", depot)
	register(t, r, "b", faraway, "t9")

	restored := newRegistry(t, Options{Repository: repo, LiveRegionCap: 1})
	restored.StartMonitoring()
	n, err := restored.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, ok := restored.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, a.Name, got.Name)
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))
	assert.Len(t, restored.LiveRegions(), 1)
}

func TestRepository_Errors(t *testing.T) {
	store := newMemoryJSONStore()
	store.err = errors.New("connection refused")
	repo := NewRedisRepository(store, "geofences")

	// Persistence failures do not fail registration.
	r := newRegistry(t, Options{Repository: repo})
	register(t, r, "a", depot)

	_, err := r.Load(context.Background())
	assert.Error(t, err)

	empty := newRegistry(t, Options{Repository: NewRedisRepository(newMemoryJSONStore(), "geofences")})
	n, err := empty.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type gatedRepo struct {
	mu      sync.Mutex
	saved   []domain.Geofence
	saves   int
	started chan struct{}
	release chan struct{}
}

func (g *gatedRepo) SaveAll(_ context.Context, geofences []domain.Geofence) error {
	g.mu.Lock()
	g.saves++
	first := g.saves == 1
	g.mu.Unlock()

	if first {
		close(g.started)
		<-g.release
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.saved = geofences
	return nil
}

func (g *gatedRepo) LoadAll(context.Context) ([]domain.Geofence, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.saved, nil
}

func TestPersist_SlowSaveDoesNotLoseRegistration(t *testing.T) {
	repo := &gatedRepo{started: make(chan struct{}), release: make(chan struct{})}
	r := newRegistry(t, Options{Repository: repo})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := r.Register(context.Background(), Input{Name: "first", Center: depot, RadiusMeters: 200})
		assert.NoError(t, err)
	}()
	<-repo.started

	go func() {
		defer wg.Done()
		_, err := r.Register(context.Background(), Input{Name: "second", Center: faraway, RadiusMeters: 200})
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return len(r.Geofences()) == 2 }, time.Second, time.Millisecond)

	close(repo.release)
	wg.Wait()

	stored, err := repo.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	restored := newRegistry(t, Options{Repository: repo})
	n, err := restored.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
