package cache

import (
	"context"
	"time"

	"chaitrack/backend/internal/domain"
)

const SnapshotKey = "chaitrack:snapshot"

// SnapshotCache keeps the last known business collections between restarts.
type SnapshotCache interface {
	Get(ctx context.Context, key string) (*domain.Snapshot, bool, error)
	Set(ctx context.Context, key string, value *domain.Snapshot, ttl time.Duration) error
}

type NoopSnapshotCache struct{}

func (NoopSnapshotCache) Get(_ context.Context, _ string) (*domain.Snapshot, bool, error) {
	return nil, false, nil
}

func (NoopSnapshotCache) Set(_ context.Context, _ string, _ *domain.Snapshot, _ time.Duration) error {
	return nil
}
