package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"code.cloudfoundry.org/clock"

	"fleettrack/internal/domain"
)

// CompressedJSONStore is the part of RedisCache the snapshotter uses.
type CompressedJSONStore interface {
	SetJSONCompressed(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetJSONCompressed(ctx context.Context, key string, dest interface{}) (bool, error)
}

// Trails is implemented by history.Store.
type Trails interface {
	Snapshot() map[string][]domain.TrailPoint
	Restore(trails map[string][]domain.TrailPoint)
}

type HistorySnapshot struct {
	Trails  map[string][]domain.TrailPoint `json:"trails"`
	SavedAt time.Time                      `json:"saved_at"`
}

// Snapshotter persists vehicle trails so a restart does not lose the
// retention window.
type Snapshotter struct {
	store   CompressedJSONStore
	history Trails
	ttl     time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

func NewSnapshotter(store CompressedJSONStore, history Trails, ttl time.Duration, clk clock.Clock, logger *slog.Logger) *Snapshotter {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Snapshotter{
		store:   store,
		history: history,
		ttl:     ttl,
		clock:   clk,
		logger:  logger.With("component", "history_snapshotter"),
	}
}

func (s *Snapshotter) Save(ctx context.Context) error {
	start := s.clock.Now()

	snap := HistorySnapshot{Trails: s.history.Snapshot(), SavedAt: start}
	if err := s.store.SetJSONCompressed(ctx, KeyHistorySnapshot, snap, s.ttl); err != nil {
		return fmt.Errorf("save history snapshot: %w", err)
	}

	points := 0
	for _, trail := range snap.Trails {
		points += len(trail)
	}
	s.logger.Debug("history snapshot saved",
		"vehicles", len(snap.Trails),
		"points", points,
		"duration_ms", s.clock.Since(start).Milliseconds(),
	)
	return nil
}

// Restore loads the last snapshot into the history store and returns the
// number of vehicles restored.
func (s *Snapshotter) Restore(ctx context.Context) (int, error) {
	var snap HistorySnapshot
	found, err := s.store.GetJSONCompressed(ctx, KeyHistorySnapshot, &snap)
	if err != nil {
		return 0, fmt.Errorf("load history snapshot: %w", err)
	}
	if !found {
		return 0, nil
	}

	s.history.Restore(snap.Trails)
	s.logger.Info("history snapshot restored", "vehicles", len(snap.Trails), "saved_at", snap.SavedAt)
	return len(snap.Trails), nil
}

// Run saves on every interval and once more when ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := s.Save(saveCtx); err != nil {
				s.logger.Error("final history snapshot failed", "error", err)
			}
			cancel()
			return

		case <-ticker.C():
			if err := s.Save(ctx); err != nil {
				s.logger.Error("history snapshot failed", "error", err)
			}
		}
	}
}
