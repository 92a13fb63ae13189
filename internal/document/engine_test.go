package document

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/craftroom/relay/internal/crdt"
	"github.com/craftroom/relay/internal/gateway"
	"github.com/craftroom/relay/internal/protocol"
	"github.com/craftroom/relay/internal/rooms"
)

type memSnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{data: make(map[string][]byte)}
}

func (m *memSnapshots) Save(_ context.Context, room string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store down")
	}
	m.data[room] = append([]byte(nil), snapshot...)
	return nil
}

func (m *memSnapshots) Load(_ context.Context, room string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("store down")
	}
	return m.data[room], nil
}

func newEngine(grace time.Duration) (*Engine, *rooms.Broadcaster, *memSnapshots) {
	b := rooms.NewBroadcaster()
	snaps := newMemSnapshots()
	return NewEngine(b, snaps, grace, time.Millisecond), b, snaps
}

func client(id string) *gateway.Client {
	return gateway.NewClient(id, "user-"+id, "", "", nil)
}

func frames(c *gateway.Client) [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-c.Outbound():
			out = append(out, f.Data)
		default:
			return out
		}
	}
}

func connect(t *testing.T, e *Engine, b *rooms.Broadcaster, room string, c *gateway.Client) {
	t.Helper()
	b.Join(c, room)
	e.Connect(context.Background(), room, c)
}

func TestConnectSendsSyncStep1(t *testing.T) {
	e, b, _ := newEngine(time.Minute)
	a := client("a")
	connect(t, e, b, "file:1:2", a)

	got := frames(a)
	if len(got) != 1 {
		t.Fatalf("expected 1 handshake frame, got %d", len(got))
	}
	msg, err := protocol.Decode(got[0])
	if err != nil {
		t.Fatalf("decode handshake: %v", err)
	}
	if msg.Type != protocol.MessageSync || msg.Sync != protocol.SyncStep1 {
		t.Fatalf("expected sync step 1, got type %d step %d", msg.Type, msg.Sync)
	}
	if _, err := crdt.DecodeStateVector(msg.Payload); err != nil {
		t.Fatalf("decode state vector: %v", err)
	}
}

func TestUpdateFanOutSkipsOrigin(t *testing.T) {
	e, b, _ := newEngine(time.Minute)
	ctx := context.Background()
	a, bee := client("a"), client("b")
	connect(t, e, b, "file:1:2", a)
	connect(t, e, b, "file:1:2", bee)
	frames(a)
	frames(bee)

	remote := crdt.NewDoc(99)
	ops := remote.InsertAt(0, "hi")
	frame := protocol.EncodeSyncUpdate(crdt.EncodeOps(ops))

	e.HandleFrame(ctx, "file:1:2", a, frame)

	if got := frames(a); len(got) != 0 {
		t.Fatalf("origin should not see its own update, got %d frames", len(got))
	}
	if got := frames(bee); len(got) != 1 {
		t.Fatalf("peer should see exactly one update, got %d frames", len(got))
	}
	if e.Text("file:1:2") != "hi" {
		t.Fatalf("expected doc content %q, got %q", "hi", e.Text("file:1:2"))
	}
}

// Full handshake against a fresh remote replica: the replica answers
// the engine's step 1 with a step 2 and requests the engine's state
// with its own step 1, converging to identical content.
func TestHandshakeConvergesReplica(t *testing.T) {
	e, b, _ := newEngine(time.Minute)
	ctx := context.Background()
	room := "file:1:2"

	e.SeedIfEmpty(ctx, room, "server content")

	a := client("a")
	connect(t, e, b, room, a)
	handshake := frames(a)
	if len(handshake) != 1 {
		t.Fatalf("expected 1 handshake frame, got %d", len(handshake))
	}

	remote := crdt.NewDoc(42)
	msg, err := protocol.Decode(handshake[0])
	if err != nil {
		t.Fatalf("decode step 1: %v", err)
	}
	sv, err := crdt.DecodeStateVector(msg.Payload)
	if err != nil {
		t.Fatalf("decode state vector: %v", err)
	}

	// Replica answers with what the server is missing (nothing) and
	// asks for what it is missing itself.
	e.HandleFrame(ctx, room, a, protocol.EncodeSyncStep2(remote.EncodeDiff(sv)))
	e.HandleFrame(ctx, room, a, protocol.EncodeSyncStep1(crdt.EncodeStateVector(remote.StateVector())))

	var step2 []byte
	for _, f := range frames(a) {
		m, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if m.Type == protocol.MessageSync && m.Sync == protocol.SyncStep2 {
			step2 = m.Payload
		}
	}
	if step2 == nil {
		t.Fatal("no step 2 reply received")
	}
	if err := remote.ApplyUpdate(step2); err != nil {
		t.Fatalf("apply step 2: %v", err)
	}
	if remote.Text() != "server content" {
		t.Fatalf("replica did not converge: %q", remote.Text())
	}
}

func TestSeedIfEmptyIdempotent(t *testing.T) {
	e, _, _ := newEngine(time.Minute)
	ctx := context.Background()
	room := "file:1:2"

	if !e.SeedIfEmpty(ctx, room, "seed") {
		t.Fatal("first seed should land")
	}
	if e.SeedIfEmpty(ctx, room, "seed") {
		t.Fatal("second seed should be a no-op")
	}
	if e.Text(room) != "seed" {
		t.Fatalf("content duplicated: %q", e.Text(room))
	}
}

func TestSeedNoOpAfterLiveEdit(t *testing.T) {
	e, b, _ := newEngine(time.Minute)
	ctx := context.Background()
	room := "file:1:2"
	a := client("a")
	connect(t, e, b, room, a)

	remote := crdt.NewDoc(7)
	e.HandleFrame(ctx, room, a, protocol.EncodeSyncUpdate(crdt.EncodeOps(remote.InsertAt(0, "live"))))

	if e.SeedIfEmpty(ctx, room, "persisted") {
		t.Fatal("seed must be a no-op once a live edit occurred")
	}
	if e.Text(room) != "live" {
		t.Fatalf("expected %q, got %q", "live", e.Text(room))
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	e, b, _ := newEngine(time.Minute)
	ctx := context.Background()
	room := "file:1:2"
	a, bee := client("a"), client("b")
	connect(t, e, b, room, a)
	connect(t, e, b, room, bee)
	frames(a)
	frames(bee)

	e.HandleFrame(ctx, room, a, []byte{0xff, 0xff, 0xff})

	if got := frames(bee); len(got) != 0 {
		t.Fatalf("malformed frame must not be rebroadcast, got %d frames", len(got))
	}
	if !e.HasSession(room) {
		t.Fatal("session should survive a malformed frame")
	}
}

func TestCleanupAfterGrace(t *testing.T) {
	e, b, snaps := newEngine(20 * time.Millisecond)
	ctx := context.Background()
	room := "file:1:2"
	a := client("a")
	connect(t, e, b, room, a)
	e.SeedIfEmpty(ctx, room, "save me")

	b.Leave(a, room)
	e.Disconnect(ctx, room, a)

	time.Sleep(80 * time.Millisecond)
	if e.HasSession(room) {
		t.Fatal("session should be destroyed after the grace period")
	}

	snapshot, err := snaps.Load(ctx, room)
	if err != nil || len(snapshot) == 0 {
		t.Fatalf("final snapshot missing: %v", err)
	}
	fresh := crdt.NewDoc(1)
	if err := fresh.ApplyUpdate(snapshot); err != nil {
		t.Fatalf("apply final snapshot: %v", err)
	}
	if fresh.Text() != "save me" {
		t.Fatalf("snapshot content %q", fresh.Text())
	}
}

func TestReconnectWithinGraceCancelsCleanup(t *testing.T) {
	e, b, _ := newEngine(50 * time.Millisecond)
	ctx := context.Background()
	room := "file:1:2"
	a := client("a")
	connect(t, e, b, room, a)
	e.SeedIfEmpty(ctx, room, "keep")

	b.Leave(a, room)
	e.Disconnect(ctx, room, a)

	// Reconnect before the grace period elapses.
	time.Sleep(10 * time.Millisecond)
	a2 := client("a2")
	connect(t, e, b, room, a2)

	time.Sleep(100 * time.Millisecond)
	if !e.HasSession(room) {
		t.Fatal("reconnection before expiry must prevent disposal")
	}
	if e.Text(room) != "keep" {
		t.Fatalf("content lost: %q", e.Text(room))
	}
}

func TestDisconnectRemovesAwareness(t *testing.T) {
	e, b, _ := newEngine(time.Minute)
	ctx := context.Background()
	room := "file:1:2"
	a, bee := client("a"), client("b")
	connect(t, e, b, room, a)
	connect(t, e, b, room, bee)
	frames(a)
	frames(bee)

	state := crdt.EncodeAwareness([]crdt.AwarenessEntry{{ClientID: 11, Clock: 1, State: []byte(`{"cursor":1}`)}})
	e.HandleFrame(ctx, room, a, protocol.EncodeAwareness(state))
	frames(bee)

	b.Leave(a, room)
	e.Disconnect(ctx, room, a)

	got := frames(bee)
	if len(got) != 1 {
		t.Fatalf("expected 1 awareness removal frame, got %d", len(got))
	}
	msg, err := protocol.Decode(got[0])
	if err != nil || msg.Type != protocol.MessageAwareness {
		t.Fatalf("expected awareness frame, got %+v (%v)", msg, err)
	}
	entries, err := crdt.DecodeAwareness(msg.Payload)
	if err != nil {
		t.Fatalf("decode removal: %v", err)
	}
	if len(entries) != 1 || entries[0].ClientID != 11 || entries[0].State != nil {
		t.Fatalf("expected removal of client 11, got %+v", entries)
	}
}

type blockingSnapshots struct {
	release chan struct{}
	data    []byte
}

func (b *blockingSnapshots) Save(context.Context, string, []byte) error { return nil }

func (b *blockingSnapshots) Load(context.Context, string) ([]byte, error) {
	<-b.release
	return b.data, nil
}

// A seed arriving while the first connection's snapshot load is still
// in flight must wait for the load, not insert alongside it.
func TestSeedWaitsForBootstrap(t *testing.T) {
	room := "file:1:2"
	persisted := crdt.NewDoc(5)
	persisted.InsertAt(0, "hello")
	snaps := &blockingSnapshots{release: make(chan struct{}), data: persisted.Snapshot()}

	b := rooms.NewBroadcaster()
	e := NewEngine(b, snaps, time.Minute, time.Millisecond)
	a := client("a")
	b.Join(a, room)

	connected := make(chan struct{})
	go func() {
		e.Connect(context.Background(), room, a)
		close(connected)
	}()

	seeded := make(chan bool, 1)
	go func() {
		seeded <- e.SeedIfEmpty(context.Background(), room, "hello")
	}()

	// Let both goroutines park on the pending load, then release it.
	time.Sleep(20 * time.Millisecond)
	close(snaps.release)
	<-connected

	if <-seeded {
		t.Fatal("seed should be a no-op once the snapshot landed")
	}
	if got := e.Text(room); got != "hello" {
		t.Fatalf("content duplicated or lost: %q", got)
	}
}

func TestBootstrapLoadsPersistedContent(t *testing.T) {
	b := rooms.NewBroadcaster()
	snaps := newMemSnapshots()
	seedDoc := crdt.NewDoc(5)
	seedDoc.InsertAt(0, "from disk")
	snaps.data["file:1:2"] = seedDoc.Snapshot()

	e := NewEngine(b, snaps, time.Minute, time.Millisecond)
	a := client("a")
	connect(t, e, b, "file:1:2", a)

	if e.Text("file:1:2") != "from disk" {
		t.Fatalf("expected bootstrap content, got %q", e.Text("file:1:2"))
	}
}
