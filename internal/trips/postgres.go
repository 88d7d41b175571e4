package trips

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleettrack/internal/domain"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLookup reads trips from the fleet database.
type PostgresLookup struct {
	db Querier
}

func NewPostgresLookup(db Querier) *PostgresLookup {
	return &PostgresLookup{db: db}
}

const activeTripQuery = `
	SELECT id, title, vehicle_id, status, scheduled_end
	FROM trips
	WHERE vehicle_id = $1
	  AND status IN ('in_progress', 'scheduled')
	ORDER BY CASE status WHEN 'in_progress' THEN 0 ELSE 1 END, id
	LIMIT 1
`

func (l *PostgresLookup) ActiveTrip(ctx context.Context, vehicleID string) (*domain.Trip, error) {
	var (
		t      domain.Trip
		status string
		end    *time.Time
	)

	err := l.db.QueryRow(ctx, activeTripQuery, vehicleID).Scan(&t.ID, &t.Title, &t.VehicleID, &status, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active trip: %w", err)
	}

	t.Status = domain.TripStatus(status)
	t.ScheduledEnd = end
	return &t, nil
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	return pool, nil
}
