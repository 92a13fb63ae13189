package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore persists binary document snapshots keyed by room.
// Snapshots have no TTL: they are the durable content of a document
// between editing sessions.
type SnapshotStore struct {
	r *Redis
}

func NewSnapshotStore(r *Redis) *SnapshotStore {
	return &SnapshotStore{r: r}
}

func snapshotKey(room string) string {
	return "doc:" + room
}

func (s *SnapshotStore) Save(ctx context.Context, room string, snapshot []byte) error {
	if err := s.r.client.Set(ctx, snapshotKey(room), snapshot, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot for %s: %w", room, err)
	}
	return nil
}

func (s *SnapshotStore) Load(ctx context.Context, room string) ([]byte, error) {
	data, err := s.r.client.Get(ctx, snapshotKey(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", room, err)
	}
	return data, nil
}
