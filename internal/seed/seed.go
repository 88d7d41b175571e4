// Package seed loads the startup fixture of geofences, trips and routes.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"fleettrack/internal/domain"
	"fleettrack/internal/geofence"
	"fleettrack/internal/validation"
)

type Document struct {
	Geofences []Geofence    `json:"geofences" yaml:"geofences" validate:"dive"`
	Trips     []domain.Trip `json:"trips" yaml:"trips" validate:"dive"`
	Routes    []Route       `json:"routes" yaml:"routes" validate:"dive"`
	// Vehicles are tracked as soon as the service starts.
	Vehicles []string `json:"vehicles" yaml:"vehicles" validate:"dive,required"`
}

type Geofence struct {
	Name         string            `json:"name" yaml:"name" validate:"required,max=200"`
	Center       domain.Coordinate `json:"center" yaml:"center"`
	RadiusMeters float64           `json:"radiusMeters" yaml:"radiusMeters" validate:"gt=0"`
	Trips        []string          `json:"trips" yaml:"trips" validate:"omitempty,dive,required"`
}

type Route struct {
	VehicleID string              `json:"vehicleId" yaml:"vehicleId" validate:"required"`
	TripID    string              `json:"tripId" yaml:"tripId"`
	Polyline  []domain.Coordinate `json:"polyline" yaml:"polyline" validate:"min=1,dive"`
}

// Load reads and validates a seed file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	if err := validation.Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}
	return &doc, nil
}

type GeofenceRegistrar interface {
	Geofences() []domain.Geofence
	Register(ctx context.Context, in geofence.Input) (domain.Geofence, error)
}

type TripStore interface {
	Put(trip domain.Trip)
}

type RouteMonitor interface {
	MonitorRoute(vehicleID, tripID string, polyline []domain.Coordinate) (domain.MonitoredRoute, error)
}

type Target struct {
	Geofences GeofenceRegistrar
	Trips     TripStore
	Routes    RouteMonitor
	Logger    *slog.Logger
}

type Result struct {
	GeofencesAdded   int
	GeofencesSkipped int
	Trips            int
	Routes           int
}

// Apply installs the document into the target services. Geofences whose
// name is already registered are skipped so a restored registry is not
// duplicated. Nil targets are ignored.
func Apply(ctx context.Context, doc *Document, t Target) (Result, error) {
	var res Result
	if doc == nil {
		return res, nil
	}

	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "seed")

	var errs []error

	if t.Geofences != nil {
		existing := make(map[string]struct{})
		for _, g := range t.Geofences.Geofences() {
			existing[g.Name] = struct{}{}
		}

		for _, g := range doc.Geofences {
			if _, ok := existing[g.Name]; ok {
				res.GeofencesSkipped++
				continue
			}
			_, err := t.Geofences.Register(ctx, geofence.Input{
				Name:              g.Name,
				Center:            g.Center,
				RadiusMeters:      g.RadiusMeters,
				ApplicableTripIDs: g.Trips,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("geofence %q: %w", g.Name, err))
				continue
			}
			existing[g.Name] = struct{}{}
			res.GeofencesAdded++
		}
	}

	if t.Trips != nil {
		for _, trip := range doc.Trips {
			t.Trips.Put(trip)
			res.Trips++
		}
	}

	if t.Routes != nil {
		for _, r := range doc.Routes {
			if _, err := t.Routes.MonitorRoute(r.VehicleID, r.TripID, r.Polyline); err != nil {
				errs = append(errs, fmt.Errorf("route for %q: %w", r.VehicleID, err))
				continue
			}
			res.Routes++
		}
	}

	logger.Info("seed applied",
		"geofences_added", res.GeofencesAdded,
		"geofences_skipped", res.GeofencesSkipped,
		"trips", res.Trips,
		"routes", res.Routes,
	)

	return res, errors.Join(errs...)
}
