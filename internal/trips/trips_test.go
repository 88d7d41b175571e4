package trips

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/domain"
)

func TestBook_ActiveTrip(t *testing.T) {
	b := NewBook()
	b.Put(domain.Trip{ID: "t3", VehicleID: "v1", Status: domain.TripScheduled})
	b.Put(domain.Trip{ID: "t2", VehicleID: "v1", Status: domain.TripInProgress})
	b.Put(domain.Trip{ID: "t1", VehicleID: "v1", Status: domain.TripCompleted})
	b.Put(domain.Trip{ID: "t4", VehicleID: "v2", Status: domain.TripScheduled})

	trip, err := b.ActiveTrip(context.Background(), "v1")
	require.NoError(t, err)
	require.NotNil(t, trip)
	assert.Equal(t, "t2", trip.ID)

	trip, err = b.ActiveTrip(context.Background(), "v2")
	require.NoError(t, err)
	assert.Equal(t, "t4", trip.ID)

	trip, err = b.ActiveTrip(context.Background(), "v9")
	require.NoError(t, err)
	assert.Nil(t, trip)
}

func TestBook_PutGetDelete(t *testing.T) {
	b := NewBook()
	b.Put(domain.Trip{ID: "b", VehicleID: "v1", Status: domain.TripScheduled})
	b.Put(domain.Trip{ID: "a", VehicleID: "v2", Status: domain.TripScheduled})

	got, ok := b.Get("a")
	require.True(t, ok)
	assert.Equal(t, "v2", got.VehicleID)

	list := b.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	assert.True(t, b.Delete("a"))
	assert.False(t, b.Delete("a"))
	_, ok = b.Get("a")
	assert.False(t, ok)
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case **time.Time:
			*p = r.values[i].(*time.Time)
		}
	}
	return nil
}

type fakeQuerier struct {
	row  fakeRow
	args []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	q.args = args
	return q.row
}

func TestPostgresLookup(t *testing.T) {
	end := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	q := &fakeQuerier{row: fakeRow{values: []any{"t1", "Depot run", "v1", "in_progress", &end}}}

	trip, err := NewPostgresLookup(q).ActiveTrip(context.Background(), "v1")
	require.NoError(t, err)
	require.NotNil(t, trip)
	assert.Equal(t, []any{"v1"}, q.args)
	assert.Equal(t, domain.TripInProgress, trip.Status)
	assert.True(t, trip.InProgress())
	assert.Equal(t, end, *trip.ScheduledEnd)
}

func TestPostgresLookup_Errors(t *testing.T) {
	trip, err := NewPostgresLookup(&fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}).ActiveTrip(context.Background(), "v1")
	assert.NoError(t, err)
	assert.Nil(t, trip)

	_, err = NewPostgresLookup(&fakeQuerier{row: fakeRow{err: errors.New("conn reset")}}).ActiveTrip(context.Background(), "v1")
	assert.ErrorContains(t, err, "query active trip")
}

func TestChain(t *testing.T) {
	book := NewBook()
	book.Put(domain.Trip{ID: "local", VehicleID: "v2", Status: domain.TripInProgress})

	db := NewPostgresLookup(&fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}})
	chain := Chain{book, db}

	trip, err := chain.ActiveTrip(context.Background(), "v2")
	require.NoError(t, err)
	require.NotNil(t, trip)
	assert.Equal(t, "local", trip.ID)

	trip, err = chain.ActiveTrip(context.Background(), "v1")
	require.NoError(t, err)
	assert.Nil(t, trip)

	failing := Chain{NewPostgresLookup(&fakeQuerier{row: fakeRow{err: errors.New("conn reset")}}), book}
	_, err = failing.ActiveTrip(context.Background(), "v2")
	assert.Error(t, err)
}
