package store

import (
	"context"
	"fmt"
	"time"
)

// PresenceStore keeps per-scope membership in shared Redis sets. The
// TTL is refreshed on every add so a missed disconnect can only leave
// a stale entry for one TTL window.
type PresenceStore struct {
	r   *Redis
	ttl time.Duration
}

func NewPresenceStore(r *Redis, ttl time.Duration) *PresenceStore {
	return &PresenceStore{r: r, ttl: ttl}
}

func presenceKey(scope string) string {
	return "presence:" + scope
}

func (s *PresenceStore) Add(ctx context.Context, scope, userID string) error {
	key := presenceKey(scope)
	pipe := s.r.client.Pipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence add %s to %s: %w", userID, scope, err)
	}
	return nil
}

func (s *PresenceStore) Remove(ctx context.Context, scope, userID string) error {
	if err := s.r.client.SRem(ctx, presenceKey(scope), userID).Err(); err != nil {
		return fmt.Errorf("presence remove %s from %s: %w", userID, scope, err)
	}
	return nil
}

func (s *PresenceStore) Members(ctx context.Context, scope string) ([]string, error) {
	members, err := s.r.client.SMembers(ctx, presenceKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members of %s: %w", scope, err)
	}
	return members, nil
}
