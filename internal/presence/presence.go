// Package presence tracks which users are currently in a scope
// (project, file, page). Membership lives in a shared store with a TTL
// so that independent relay instances converge and a missed disconnect
// cannot leave a permanent stale entry.
package presence

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/craftroom/relay/internal/events"
	"github.com/craftroom/relay/internal/rooms"
)

// Store is the shared membership set. The Redis implementation lives
// in internal/store; the in-memory one backs tests and single-instance
// deployments.
type Store interface {
	Add(ctx context.Context, scope, userID string) error
	Remove(ctx context.Context, scope, userID string) error
	Members(ctx context.Context, scope string) ([]string, error)
}

// Bus republishes presence updates to other relay instances. Nil means
// single-instance operation.
type Bus interface {
	Publish(ctx context.Context, update events.PresenceUpdatePayload) error
}

type Tracker struct {
	store Store
	rooms *rooms.Broadcaster
	bus   Bus

	mu      sync.Mutex
	devices map[string]map[string]int      // scope -> userID -> device count
	known   map[string]map[string]struct{} // last-known members, served when the store is down
	users   map[string]events.User         // userID -> display identity seen at join
}

func NewTracker(store Store, rooms *rooms.Broadcaster, bus Bus) *Tracker {
	return &Tracker{
		store:   store,
		rooms:   rooms,
		bus:     bus,
		devices: make(map[string]map[string]int),
		known:   make(map[string]map[string]struct{}),
		users:   make(map[string]events.User),
	}
}

// Join records one device of a user entering a scope and broadcasts
// the full recomputed member list. Joining twice, or from a second
// device, never inflates the set.
func (t *Tracker) Join(ctx context.Context, scope string, user events.User) {
	t.mu.Lock()
	d, ok := t.devices[scope]
	if !ok {
		d = make(map[string]int)
		t.devices[scope] = d
	}
	d[user.ID]++
	t.users[user.ID] = user
	k, ok := t.known[scope]
	if !ok {
		k = make(map[string]struct{})
		t.known[scope] = k
	}
	k[user.ID] = struct{}{}
	t.mu.Unlock()

	if err := t.store.Add(ctx, scope, user.ID); err != nil {
		log.Printf("Warning: presence store add failed for scope %s: %v", scope, err)
	}
	t.publish(ctx, scope, user, "join")
}

// Leave records one device leaving. The user stays present until the
// last device is gone.
func (t *Tracker) Leave(ctx context.Context, scope string, user events.User) {
	t.mu.Lock()
	d := t.devices[scope]
	if d == nil || d[user.ID] == 0 {
		t.mu.Unlock()
		return
	}
	d[user.ID]--
	last := d[user.ID] == 0
	if last {
		delete(d, user.ID)
		if len(d) == 0 {
			delete(t.devices, scope)
		}
		if k := t.known[scope]; k != nil {
			delete(k, user.ID)
			if len(k) == 0 {
				delete(t.known, scope)
			}
		}
	}
	t.mu.Unlock()

	if !last {
		return
	}
	if err := t.store.Remove(ctx, scope, user.ID); err != nil {
		log.Printf("Warning: presence store remove failed for scope %s: %v", scope, err)
	}
	t.publish(ctx, scope, user, "leave")
}

// MemberList recomputes the current member list from the store,
// falling back to the last-known local view when the store is
// unavailable.
func (t *Tracker) MemberList(ctx context.Context, scope string) []events.User {
	ids, err := t.store.Members(ctx, scope)
	if err != nil {
		log.Printf("Warning: presence store unavailable for scope %s, serving last-known view: %v", scope, err)
		t.mu.Lock()
		ids = ids[:0]
		for id := range t.known[scope] {
			ids = append(ids, id)
		}
		t.mu.Unlock()
	}
	sort.Strings(ids)

	t.mu.Lock()
	defer t.mu.Unlock()
	users := make([]events.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := t.users[id]; ok {
			users = append(users, u)
		} else {
			users = append(users, events.User{ID: id})
		}
	}
	return users
}

func (t *Tracker) publish(ctx context.Context, scope string, user events.User, action string) {
	update := events.PresenceUpdatePayload{
		Scope:  scope,
		User:   user,
		Users:  t.MemberList(ctx, scope),
		Action: action,
	}
	// The full list is sent to everyone including the actor: late
	// joiners and out-of-order deliveries self-heal from it.
	t.rooms.BroadcastJSON(scope, events.MustEnvelope(events.PresenceUpdate, update), nil)

	if t.bus != nil {
		if err := t.bus.Publish(ctx, update); err != nil {
			log.Printf("Warning: presence bus publish failed for scope %s: %v", scope, err)
		}
	}
}

// RefreshLoop re-adds every locally connected member on the interval,
// renewing the store-side TTL. Without it a scope with connected users
// but no join/leave churn for one TTL window would expire wholesale.
// Runs until ctx is cancelled; the interval must be well under the TTL.
func (t *Tracker) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refresh(ctx)
		}
	}
}

func (t *Tracker) refresh(ctx context.Context) {
	t.mu.Lock()
	type member struct{ scope, userID string }
	var members []member
	for scope, d := range t.devices {
		for userID := range d {
			members = append(members, member{scope, userID})
		}
	}
	t.mu.Unlock()

	for _, m := range members {
		if err := t.store.Add(ctx, m.scope, m.userID); err != nil {
			log.Printf("Warning: presence refresh failed for %s in scope %s: %v", m.userID, m.scope, err)
		}
	}
}

// ApplyRemote rebroadcasts a presence update received from another
// relay instance to this instance's local room members.
func (t *Tracker) ApplyRemote(update events.PresenceUpdatePayload) {
	t.mu.Lock()
	if update.User.Name != "" || update.User.Color != "" {
		t.users[update.User.ID] = update.User
	}
	t.mu.Unlock()
	t.rooms.BroadcastJSON(update.Scope, events.MustEnvelope(events.PresenceUpdate, update), nil)
}
