// Package notify delivers tracker alerts to their consumers.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"fleettrack/internal/domain"
)

// Sink receives alerts. Delivery and de-duplication beyond geofence
// transitions are up to the implementation.
type Sink interface {
	Notify(ctx context.Context, alert domain.Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, alert domain.Alert) error

func (f SinkFunc) Notify(ctx context.Context, alert domain.Alert) error {
	return f(ctx, alert)
}

// Multi delivers every alert to all sinks and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, alert domain.Alert) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "alerts")}
}

func (s *LogSink) Notify(ctx context.Context, alert domain.Alert) error {
	s.logger.InfoContext(ctx, alert.Subject(),
		"kind", alert.Kind,
		"trip_id", alert.TripID,
		"vehicle_id", alert.VehicleID,
		"message", alert.Message(),
	)
	return nil
}

// Recent keeps the last alerts in memory for the HTTP API.
type Recent struct {
	mu     sync.RWMutex
	alerts []domain.Alert
	size   int
}

func NewRecent(size int) *Recent {
	if size <= 0 {
		size = 100
	}
	return &Recent{size: size}
}

func (r *Recent) Notify(_ context.Context, alert domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.alerts = append(r.alerts, alert)
	if excess := len(r.alerts) - r.size; excess > 0 {
		r.alerts = append([]domain.Alert(nil), r.alerts[excess:]...)
	}
	return nil
}

// List returns retained alerts, newest last.
func (r *Recent) List() []domain.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Alert(nil), r.alerts...)
}
