package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/craftroom/relay/internal/events"
	"github.com/craftroom/relay/internal/gateway"
	"github.com/craftroom/relay/internal/rooms"
)

type memStore struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
	adds map[string]int
	fail bool
}

func newMemStore() *memStore {
	return &memStore{
		sets: make(map[string]map[string]struct{}),
		adds: make(map[string]int),
	}
}

func (m *memStore) Add(_ context.Context, scope, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store down")
	}
	s, ok := m.sets[scope]
	if !ok {
		s = make(map[string]struct{})
		m.sets[scope] = s
	}
	s[userID] = struct{}{}
	m.adds[scope+"/"+userID]++
	return nil
}

func (m *memStore) addCount(scope, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adds[scope+"/"+userID]
}

func (m *memStore) Remove(_ context.Context, scope, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store down")
	}
	delete(m.sets[scope], userID)
	return nil
}

func (m *memStore) Members(_ context.Context, scope string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("store down")
	}
	out := make([]string, 0, len(m.sets[scope]))
	for id := range m.sets[scope] {
		out = append(out, id)
	}
	return out, nil
}

func lastUpdate(t *testing.T, c *gateway.Client) events.PresenceUpdatePayload {
	t.Helper()
	var last events.PresenceUpdatePayload
	found := false
	for {
		select {
		case f := <-c.Outbound():
			var env events.Envelope
			if err := json.Unmarshal(f.Data, &env); err != nil {
				t.Fatalf("parse envelope: %v", err)
			}
			if env.Event != events.PresenceUpdate {
				continue
			}
			if err := json.Unmarshal(env.Data, &last); err != nil {
				t.Fatalf("parse presence update: %v", err)
			}
			found = true
		default:
			if !found {
				t.Fatal("no presence update received")
			}
			return last
		}
	}
}

func setup() (*Tracker, *memStore, *rooms.Broadcaster) {
	store := newMemStore()
	b := rooms.NewBroadcaster()
	return NewTracker(store, b, nil), store, b
}

func TestJoinBroadcastsFullList(t *testing.T) {
	tracker, _, b := setup()
	ctx := context.Background()
	watcher := gateway.NewClient("w", "watcher", "", "", nil)
	b.Join(watcher, "project:1")

	tracker.Join(ctx, "project:1", events.User{ID: "alice", Name: "Alice"})
	update := lastUpdate(t, watcher)

	if update.Action != "join" || update.User.ID != "alice" {
		t.Fatalf("unexpected update %+v", update)
	}
	if len(update.Users) != 1 || update.Users[0].Name != "Alice" {
		t.Fatalf("expected full list with alice, got %+v", update.Users)
	}
}

func TestDuplicateJoinsDoNotInflate(t *testing.T) {
	tracker, _, b := setup()
	ctx := context.Background()
	watcher := gateway.NewClient("w", "watcher", "", "", nil)
	b.Join(watcher, "project:1")

	alice := events.User{ID: "alice"}
	tracker.Join(ctx, "project:1", alice) // device one
	tracker.Join(ctx, "project:1", alice) // device two
	tracker.Join(ctx, "project:1", events.User{ID: "bob"})

	update := lastUpdate(t, watcher)
	if len(update.Users) != 2 {
		t.Fatalf("expected 2 members, got %d: %+v", len(update.Users), update.Users)
	}
}

func TestLeaveKeepsUserUntilLastDevice(t *testing.T) {
	tracker, store, b := setup()
	ctx := context.Background()
	watcher := gateway.NewClient("w", "watcher", "", "", nil)
	b.Join(watcher, "project:1")

	alice := events.User{ID: "alice"}
	tracker.Join(ctx, "project:1", alice)
	tracker.Join(ctx, "project:1", alice)

	tracker.Leave(ctx, "project:1", alice)
	members, _ := store.Members(ctx, "project:1")
	if len(members) != 1 {
		t.Fatalf("alice should remain present with one device, got %v", members)
	}

	tracker.Leave(ctx, "project:1", alice)
	members, _ = store.Members(ctx, "project:1")
	if len(members) != 0 {
		t.Fatalf("alice should be gone after last device, got %v", members)
	}
	update := lastUpdate(t, watcher)
	if update.Action != "leave" || len(update.Users) != 0 {
		t.Fatalf("expected empty list on final leave, got %+v", update)
	}
}

func TestJoinsMinusLeaves(t *testing.T) {
	tracker, store, _ := setup()
	ctx := context.Background()

	users := []string{"a", "b", "c", "d"}
	for _, u := range users {
		tracker.Join(ctx, "file:1:9", events.User{ID: u})
	}
	tracker.Leave(ctx, "file:1:9", events.User{ID: "b"})
	tracker.Leave(ctx, "file:1:9", events.User{ID: "d"})

	members, err := store.Members(ctx, "file:1:9")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", members)
	}
}

func TestStoreOutageDegradesToLastKnown(t *testing.T) {
	tracker, store, b := setup()
	ctx := context.Background()
	watcher := gateway.NewClient("w", "watcher", "", "", nil)
	b.Join(watcher, "project:1")

	tracker.Join(ctx, "project:1", events.User{ID: "alice"})
	drainAll(watcher)

	store.fail = true
	tracker.Join(ctx, "project:1", events.User{ID: "bob"})

	update := lastUpdate(t, watcher)
	if len(update.Users) != 2 {
		t.Fatalf("expected last-known view with 2 members, got %+v", update.Users)
	}
}

func drainAll(c *gateway.Client) {
	for {
		select {
		case <-c.Outbound():
		default:
			return
		}
	}
}

// The refresh loop re-adds connected members so the store-side TTL
// cannot expire a quiet scope out from under them.
func TestRefreshLoopRenewsConnectedMembers(t *testing.T) {
	tracker, store, _ := setup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker.Join(ctx, "project:1", events.User{ID: "alice"})
	tracker.Join(ctx, "project:1", events.User{ID: "bob"})
	tracker.Leave(ctx, "project:1", events.User{ID: "bob"})

	go tracker.RefreshLoop(ctx, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()

	if n := store.addCount("project:1", "alice"); n < 2 {
		t.Fatalf("expected periodic re-adds for a connected member, got %d add(s)", n)
	}
	// A departed member must not be resurrected by the refresh.
	if n := store.addCount("project:1", "bob"); n != 1 {
		t.Fatalf("departed member re-added, got %d add(s)", n)
	}
}

func TestApplyRemoteRebroadcasts(t *testing.T) {
	tracker, _, b := setup()
	watcher := gateway.NewClient("w", "watcher", "", "", nil)
	b.Join(watcher, "project:7")

	tracker.ApplyRemote(events.PresenceUpdatePayload{
		Scope:  "project:7",
		User:   events.User{ID: "zoe", Name: "Zoe"},
		Users:  []events.User{{ID: "zoe", Name: "Zoe"}},
		Action: "join",
	})

	update := lastUpdate(t, watcher)
	if update.User.ID != "zoe" || update.Scope != "project:7" {
		t.Fatalf("unexpected remote update %+v", update)
	}
}
