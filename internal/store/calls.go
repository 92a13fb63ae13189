package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/craftroom/relay/internal/call"
)

const callTTL = 24 * time.Hour

// CallStore mirrors call snapshots so the lookup API can serve them
// after the in-memory record is gone.
type CallStore struct {
	r *Redis
}

func NewCallStore(r *Redis) *CallStore {
	return &CallStore{r: r}
}

func callKey(id string) string {
	return "callrecord:" + id
}

func (s *CallStore) Save(ctx context.Context, snapshot call.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal call %s: %w", snapshot.ID, err)
	}
	if err := s.r.client.Set(ctx, callKey(snapshot.ID), data, callTTL).Err(); err != nil {
		return fmt.Errorf("save call %s: %w", snapshot.ID, err)
	}
	return nil
}

func (s *CallStore) Load(ctx context.Context, id string) (call.Snapshot, error) {
	data, err := s.r.client.Get(ctx, callKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return call.Snapshot{}, fmt.Errorf("call %s: %w", id, call.ErrNotFound)
	}
	if err != nil {
		return call.Snapshot{}, fmt.Errorf("load call %s: %w", id, err)
	}
	var snapshot call.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return call.Snapshot{}, fmt.Errorf("parse call %s: %w", id, err)
	}
	return snapshot, nil
}
