// Package document owns one CRDT document and awareness structure per
// collaborative room: the sync handshake, update fan-out, content
// seeding, and grace-period teardown.
package document

import (
	"context"
	"encoding/binary"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/craftroom/relay/internal/crdt"
	"github.com/craftroom/relay/internal/gateway"
	"github.com/craftroom/relay/internal/protocol"
	"github.com/craftroom/relay/internal/rooms"
)

// SnapshotStore persists document snapshots. Load returns nil bytes
// when no snapshot exists.
type SnapshotStore interface {
	Save(ctx context.Context, room string, snapshot []byte) error
	Load(ctx context.Context, room string) ([]byte, error)
}

type session struct {
	// closed once the persisted snapshot has been loaded; everyone but
	// the creator waits on it so nothing observes a half-bootstrapped
	// document.
	ready chan struct{}

	mu        sync.Mutex
	doc       *crdt.Doc
	awareness *crdt.Awareness
	// awareness client ids announced by each connection, so a
	// disconnect can retract exactly that connection's entries.
	clients map[*gateway.Client]map[uint64]struct{}
	dirty   bool
}

func (s *session) trackAwareness(c *gateway.Client, entries []crdt.AwarenessEntry) {
	ids, ok := s.clients[c]
	if !ok {
		ids = make(map[uint64]struct{})
		s.clients[c] = ids
	}
	for _, e := range entries {
		ids[e.ClientID] = struct{}{}
	}
}

// Engine drives every document room on this instance.
type Engine struct {
	rooms     *rooms.Broadcaster
	snapshots SnapshotStore
	grace     time.Duration
	debounce  time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	timers   map[string]*time.Timer // pending debounced snapshot saves
}

func NewEngine(b *rooms.Broadcaster, snapshots SnapshotStore, grace, debounce time.Duration) *Engine {
	return &Engine{
		rooms:     b,
		snapshots: snapshots,
		grace:     grace,
		debounce:  debounce,
		sessions:  make(map[string]*session),
		timers:    make(map[string]*time.Timer),
	}
}

func newDocClient() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8])
}

func (e *Engine) getOrCreate(ctx context.Context, room string) *session {
	e.mu.Lock()
	s, ok := e.sessions[room]
	if !ok {
		s = &session{
			ready:     make(chan struct{}),
			doc:       crdt.NewDoc(newDocClient()),
			awareness: crdt.NewAwareness(),
			clients:   make(map[*gateway.Client]map[uint64]struct{}),
		}
		e.sessions[room] = s
		log.Printf("Document session created for room %s", room)
	}
	e.mu.Unlock()
	if !ok {
		e.bootstrap(ctx, room, s)
		close(s.ready)
		return s
	}
	// A seed or frame racing the first connection must not act on the
	// document before the snapshot load has settled.
	<-s.ready
	return s
}

// bootstrap lazily loads persisted content into a fresh session.
func (e *Engine) bootstrap(ctx context.Context, room string, s *session) {
	snapshot, err := e.snapshots.Load(ctx, room)
	if err != nil {
		log.Printf("Warning: snapshot load failed for room %s: %v", room, err)
		return
	}
	if len(snapshot) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.ApplyUpdate(snapshot); err != nil {
		log.Printf("Warning: snapshot for room %s is corrupt, starting empty: %v", room, err)
	}
}

// Connect starts the sync handshake for a new room connection: the
// engine sends its state vector (sync step 1) and the current
// awareness snapshot.
func (e *Engine) Connect(ctx context.Context, room string, c *gateway.Client) {
	s := e.getOrCreate(ctx, room)

	s.mu.Lock()
	s.clients[c] = make(map[uint64]struct{})
	sv := s.doc.StateVector()
	entries := s.awareness.Entries()
	s.mu.Unlock()

	c.SendBinary(protocol.EncodeSyncStep1(crdt.EncodeStateVector(sv)))
	if len(entries) > 0 {
		c.SendBinary(protocol.EncodeAwareness(crdt.EncodeAwareness(entries)))
	}
}

// HandleFrame processes one binary frame from a room connection.
// Malformed frames are dropped and logged; the connection stays open.
func (e *Engine) HandleFrame(ctx context.Context, room string, c *gateway.Client, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		log.Printf("Dropping malformed frame from connection %s in room %s: %v", c.ID, room, err)
		return
	}

	s := e.getOrCreate(ctx, room)
	switch msg.Type {
	case protocol.MessageSync:
		e.handleSync(ctx, room, s, c, msg, frame)
	case protocol.MessageAwareness:
		e.handleAwareness(room, s, c, msg, frame)
	}
}

func (e *Engine) handleSync(ctx context.Context, room string, s *session, c *gateway.Client, msg protocol.Message, frame []byte) {
	switch msg.Sync {
	case protocol.SyncStep1:
		sv, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			log.Printf("Dropping malformed state vector from connection %s in room %s: %v", c.ID, room, err)
			return
		}
		s.mu.Lock()
		diff := s.doc.EncodeDiff(sv)
		s.mu.Unlock()
		c.SendBinary(protocol.EncodeSyncStep2(diff))

	case protocol.SyncStep2, protocol.SyncUpdate:
		s.mu.Lock()
		err := s.doc.ApplyUpdate(msg.Payload)
		if err == nil {
			s.dirty = true
		}
		s.mu.Unlock()
		if err != nil {
			log.Printf("Dropping malformed update from connection %s in room %s: %v", c.ID, room, err)
			return
		}
		// Fan the original frame out to everyone else; never echo to
		// the origin.
		e.rooms.Broadcast(room, gateway.Frame{Type: websocket.BinaryMessage, Data: frame}, c)
		e.scheduleSave(room)
	}
}

func (e *Engine) handleAwareness(room string, s *session, c *gateway.Client, msg protocol.Message, frame []byte) {
	entries, err := crdt.DecodeAwareness(msg.Payload)
	if err != nil {
		log.Printf("Dropping malformed awareness from connection %s in room %s: %v", c.ID, room, err)
		return
	}
	s.mu.Lock()
	s.awareness.Apply(entries)
	s.trackAwareness(c, entries)
	s.mu.Unlock()
	e.rooms.Broadcast(room, gateway.Frame{Type: websocket.BinaryMessage, Data: frame}, c)
}

// SeedIfEmpty initializes the document with persisted content. It is a
// no-op once the document has seen any operation, so a second seed
// attempt or a racing live edit cannot duplicate content.
func (e *Engine) SeedIfEmpty(ctx context.Context, room, content string) bool {
	s := e.getOrCreate(ctx, room)
	s.mu.Lock()
	if !s.doc.IsEmpty() {
		s.mu.Unlock()
		return false
	}
	ops := s.doc.InsertAt(0, content)
	s.dirty = true
	s.mu.Unlock()

	if len(ops) > 0 {
		e.rooms.Broadcast(room, gateway.Frame{
			Type: websocket.BinaryMessage,
			Data: protocol.EncodeSyncUpdate(crdt.EncodeOps(ops)),
		}, nil)
		e.scheduleSave(room)
	}
	return true
}

// Disconnect retracts the connection's awareness entries and, when the
// room has no connections left, schedules the grace-period teardown.
// The timer re-checks live membership when it fires, so a reconnect
// within the window cancels teardown implicitly.
func (e *Engine) Disconnect(ctx context.Context, room string, c *gateway.Client) {
	e.mu.Lock()
	s, ok := e.sessions[room]
	e.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	ids := make([]uint64, 0, len(s.clients[c]))
	for id := range s.clients[c] {
		ids = append(ids, id)
	}
	delete(s.clients, c)
	var removal []crdt.AwarenessEntry
	if len(ids) > 0 {
		removal = s.awareness.Remove(ids)
	}
	empty := len(s.clients) == 0
	s.mu.Unlock()

	if len(removal) > 0 {
		e.rooms.Broadcast(room, gateway.Frame{
			Type: websocket.BinaryMessage,
			Data: protocol.EncodeAwareness(crdt.EncodeAwareness(removal)),
		}, c)
	}

	if empty {
		time.AfterFunc(e.grace, func() {
			e.cleanup(room)
		})
	}
}

func (e *Engine) cleanup(room string) {
	e.mu.Lock()
	s, ok := e.sessions[room]
	if !ok {
		e.mu.Unlock()
		return
	}
	s.mu.Lock()
	live := len(s.clients)
	s.mu.Unlock()
	if live > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.sessions, room)
	if t, ok := e.timers[room]; ok {
		t.Stop()
		delete(e.timers, room)
	}
	e.mu.Unlock()

	e.save(room, s)
	log.Printf("Document session destroyed for room %s", room)
}

// scheduleSave debounces snapshot writes: the snapshot lands after the
// quiet period following the last change.
func (e *Engine) scheduleSave(room string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[room]; ok {
		t.Reset(e.debounce)
		return
	}
	e.timers[room] = time.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		delete(e.timers, room)
		s, ok := e.sessions[room]
		e.mu.Unlock()
		if ok {
			e.save(room, s)
		}
	})
}

func (e *Engine) save(room string, s *session) {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	snapshot := s.doc.Snapshot()
	s.dirty = false
	s.mu.Unlock()

	if err := e.snapshots.Save(context.Background(), room, snapshot); err != nil {
		log.Printf("Warning: snapshot save failed for room %s: %v", room, err)
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

// Text returns the live content of a room's document, empty when no
// session exists.
func (e *Engine) Text(room string) string {
	e.mu.Lock()
	s, ok := e.sessions[room]
	e.mu.Unlock()
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Text()
}

// HasSession reports whether a document is live for the room.
func (e *Engine) HasSession(room string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[room]
	return ok
}
