package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/domain"
	"fleettrack/internal/tracking"
	"fleettrack/pkg/gtfsrt"
)

type stubFetcher struct {
	mu      sync.Mutex
	samples []domain.PositionSample
	err     error
	calls   int
}

func (s *stubFetcher) Fetch(context.Context) ([]domain.PositionSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.samples, s.err
}

func TestFeedSource_CachesSnapshot(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	fetcher := &stubFetcher{samples: []domain.PositionSample{
		{VehicleID: "bus-1", Coordinate: routeStart, Timestamp: epoch},
		{VehicleID: "bus-2", Coordinate: routeEnd, Timestamp: epoch},
	}}
	src := NewFeedSource(fetcher, FeedOptions{MaxAge: 5 * time.Second, Clock: clk})
	ctx := context.Background()

	s, err := src.NextPosition(ctx, "bus-1")
	require.NoError(t, err)
	assert.Equal(t, routeStart, s.Coordinate)

	_, err = src.NextPosition(ctx, "bus-2")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)

	clk.Increment(5 * time.Second)
	_, err = src.NextPosition(ctx, "bus-2")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}

func TestFeedSource_KeepsNewestDuplicate(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	fetcher := &stubFetcher{samples: []domain.PositionSample{
		{VehicleID: "bus-1", Coordinate: routeEnd, Timestamp: epoch.Add(time.Second)},
		{VehicleID: "bus-1", Coordinate: routeStart, Timestamp: epoch},
	}}
	src := NewFeedSource(fetcher, FeedOptions{Clock: clk})

	s, err := src.NextPosition(context.Background(), "bus-1")
	require.NoError(t, err)
	assert.Equal(t, routeEnd, s.Coordinate)
}

func TestFeedSource_Errors(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	fetcher := &stubFetcher{}
	src := NewFeedSource(fetcher, FeedOptions{Clock: clk})
	ctx := context.Background()

	_, err := src.NextPosition(ctx, "ghost")
	assert.ErrorIs(t, err, tracking.ErrNoPosition)

	clk.Increment(time.Minute)
	fetcher.err = fmt.Errorf("%w: status 403", gtfsrt.ErrUnauthorized)
	_, err = src.NextPosition(ctx, "ghost")
	assert.ErrorIs(t, err, tracking.ErrPermissionDenied)

	clk.Increment(time.Minute)
	fetcher.err = errors.New("connection reset")
	_, err = src.NextPosition(ctx, "ghost")
	require.Error(t, err)
	assert.NotErrorIs(t, err, tracking.ErrPermissionDenied)
	assert.NotErrorIs(t, err, tracking.ErrNoPosition)
}

func TestFeedSource_FailureCachedForMaxAge(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	fetcher := &stubFetcher{err: errors.New("feed down")}
	src := NewFeedSource(fetcher, FeedOptions{MaxAge: 5 * time.Second, Clock: clk})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := src.NextPosition(ctx, fmt.Sprintf("bus-%d", i))
		require.Error(t, err)
	}
	assert.Equal(t, 1, fetcher.calls)

	clk.Increment(5 * time.Second)
	fetcher.err = nil
	fetcher.samples = []domain.PositionSample{{VehicleID: "bus-1", Coordinate: routeStart, Timestamp: epoch}}
	s, err := src.NextPosition(ctx, "bus-1")
	require.NoError(t, err)
	assert.Equal(t, routeStart, s.Coordinate)
	assert.Equal(t, 2, fetcher.calls)
}

func TestFeedSource_CancelledLookupNotCached(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	fetcher := &stubFetcher{err: context.Canceled}
	src := NewFeedSource(fetcher, FeedOptions{Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.NextPosition(ctx, "bus-1")
	require.Error(t, err)

	fetcher.err = nil
	fetcher.samples = []domain.PositionSample{{VehicleID: "bus-1", Coordinate: routeStart, Timestamp: epoch}}
	_, err = src.NextPosition(context.Background(), "bus-1")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}
