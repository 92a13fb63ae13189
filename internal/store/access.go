package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrForbidden        = errors.New("store: not a member")
	ErrResourceMissing  = errors.New("store: resource does not exist")
	ErrCheckUnavailable = errors.New("store: authorization check unavailable")
)

// AccessChecker answers the pre-upgrade authorization question: is the
// user a member of the scope, and does the resource exist. The data is
// written by the platform's CRUD layer; the relay only reads it.
type AccessChecker struct {
	r *Redis
}

func NewAccessChecker(r *Redis) *AccessChecker {
	return &AccessChecker{r: r}
}

func membersKey(projectID string) string {
	return "project:" + projectID + ":members"
}

// CheckMembership verifies the user belongs to the project.
func (a *AccessChecker) CheckMembership(ctx context.Context, userID, projectID string) error {
	ok, err := a.r.client.SIsMember(ctx, membersKey(projectID), userID).Result()
	if err != nil {
		return fmt.Errorf("membership of %s in project %s: %w: %w", userID, projectID, ErrCheckUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("user %s in project %s: %w", userID, projectID, ErrForbidden)
	}
	return nil
}

// CheckResource verifies the addressed resource exists. Resources are
// indexed by their room name (file:{projectId}:{fileId} and so on).
func (a *AccessChecker) CheckResource(ctx context.Context, room string) error {
	n, err := a.r.client.Exists(ctx, "resource:"+room).Result()
	if err != nil {
		return fmt.Errorf("resource %s: %w: %w", room, ErrCheckUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("resource %s: %w", room, ErrResourceMissing)
	}
	return nil
}
