package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"fleettrack/internal/domain"
	"fleettrack/internal/tracking"
	"fleettrack/pkg/gtfsrt"
)

var _ tracking.PositionSource = (*FeedSource)(nil)

// FeedFetcher downloads a full snapshot of vehicle positions.
type FeedFetcher interface {
	Fetch(ctx context.Context) ([]domain.PositionSample, error)
}

type FeedOptions struct {
	// MaxAge is how long one snapshot serves lookups before it is
	// refetched; normally the ingest interval.
	MaxAge time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

// FeedSource answers per-vehicle lookups from a cached feed snapshot so
// that one tick costs a single download regardless of fleet size.
type FeedSource struct {
	fetcher FeedFetcher
	maxAge  time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	positions map[string]domain.PositionSample
	fetchedAt time.Time
	// lastErr is returned to every lookup until failedAt + maxAge.
	lastErr  error
	failedAt time.Time
}

func NewFeedSource(fetcher FeedFetcher, opts FeedOptions) *FeedSource {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FeedSource{
		fetcher: fetcher,
		maxAge:  opts.MaxAge,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "feed_source"),
	}
}

func (f *FeedSource) NextPosition(ctx context.Context, vehicleID string) (domain.PositionSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lastErr != nil && f.clock.Since(f.failedAt) < f.maxAge {
		return domain.PositionSample{}, f.lastErr
	}
	if f.positions == nil || f.clock.Since(f.fetchedAt) >= f.maxAge {
		if err := f.refreshLocked(ctx); err != nil {
			// A cancelled caller says nothing about the feed.
			if ctx.Err() == nil {
				f.lastErr = err
				f.failedAt = f.clock.Now()
			}
			return domain.PositionSample{}, err
		}
	}

	sample, ok := f.positions[vehicleID]
	if !ok {
		return domain.PositionSample{}, tracking.ErrNoPosition
	}
	return sample, nil
}

func (f *FeedSource) refreshLocked(ctx context.Context) error {
	samples, err := f.fetcher.Fetch(ctx)
	if err != nil {
		if errors.Is(err, gtfsrt.ErrUnauthorized) {
			return fmt.Errorf("%w: %v", tracking.ErrPermissionDenied, err)
		}
		return fmt.Errorf("fetching feed: %w", err)
	}

	positions := make(map[string]domain.PositionSample, len(samples))
	for _, s := range samples {
		if prev, ok := positions[s.VehicleID]; ok && prev.Timestamp.After(s.Timestamp) {
			continue
		}
		positions[s.VehicleID] = s
	}

	f.positions = positions
	f.fetchedAt = f.clock.Now()
	f.lastErr = nil
	f.logger.Debug("feed refreshed", "vehicles", len(positions))
	return nil
}
