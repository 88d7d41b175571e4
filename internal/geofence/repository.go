package geofence

import (
	"context"
	"fmt"
	"time"

	"fleettrack/internal/domain"
)

// JSONStore is the subset of cache.RedisCache the repository needs.
type JSONStore interface {
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
}

// RedisRepository stores the whole geofence list under a single key.
type RedisRepository struct {
	store JSONStore
	key   string
}

func NewRedisRepository(store JSONStore, key string) *RedisRepository {
	return &RedisRepository{store: store, key: key}
}

func (r *RedisRepository) SaveAll(ctx context.Context, geofences []domain.Geofence) error {
	if geofences == nil {
		geofences = []domain.Geofence{}
	}
	if err := r.store.SetJSON(ctx, r.key, geofences, 0); err != nil {
		return fmt.Errorf("save geofences: %w", err)
	}
	return nil
}

func (r *RedisRepository) LoadAll(ctx context.Context) ([]domain.Geofence, error) {
	var geofences []domain.Geofence
	found, err := r.store.GetJSON(ctx, r.key, &geofences)
	if err != nil {
		return nil, fmt.Errorf("load geofences: %w", err)
	}
	if !found {
		return nil, nil
	}
	return geofences, nil
}
