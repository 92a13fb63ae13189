package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/craftroom/relay/internal/events"
	"github.com/craftroom/relay/internal/gateway"
	"github.com/craftroom/relay/internal/rooms"
)

// Store mirrors call records for the lookup API. Failures are logged,
// never fatal: the live state machine is authoritative.
type Store interface {
	Save(ctx context.Context, snapshot Snapshot) error
}

// RoomName is the broadcast group for a call.
func RoomName(callID string) string {
	return "call:" + callID
}

// Manager owns the live call records and relays signaling between
// participants. Targeted notifications fan out across a user's device
// set through the gateway registry; room broadcasts go through the
// broadcaster.
type Manager struct {
	registry *gateway.Registry
	rooms    *rooms.Broadcaster
	store    Store

	mu    sync.Mutex
	calls map[string]*Call

	now func() time.Time
}

func NewManager(registry *gateway.Registry, rooms *rooms.Broadcaster, store Store) *Manager {
	return &Manager{
		registry: registry,
		rooms:    rooms,
		store:    store,
		calls:    make(map[string]*Call),
		now:      time.Now,
	}
}

func (m *Manager) get(callID string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	return c, nil
}

// Get returns the live call record.
func (m *Manager) Get(callID string) (*Call, error) {
	return m.get(callID)
}

// evict drops a terminal call from the live map. Lookups after this
// point are served by the store mirror.
func (m *Manager) evict(callID string) {
	m.mu.Lock()
	delete(m.calls, callID)
	m.mu.Unlock()
}

func (m *Manager) persist(ctx context.Context, snapshot Snapshot) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, snapshot); err != nil {
		log.Printf("Warning: call store save failed for call %s: %v", snapshot.ID, err)
	}
}

// Initiate creates a call in RINGING with an initiator-only
// participant record and notifies every device of every target user.
func (m *Manager) Initiate(ctx context.Context, origin *gateway.Client, p events.CallInitiatePayload) *Call {
	c := newCall(uuid.New().String(), p.Type, origin.UserID, p.ProjectID, p.ConversationID, m.now())

	m.mu.Lock()
	m.calls[c.ID] = c
	m.mu.Unlock()

	m.rooms.Join(origin, RoomName(c.ID))

	incoming := events.MustEnvelope(events.CallIncoming, map[string]any{
		"callId":         c.ID,
		"type":           c.Type,
		"projectId":      c.ProjectID,
		"conversationId": c.ConversationID,
		"from":           events.User{ID: origin.UserID, Name: origin.Name, Color: origin.Color},
	})
	for _, target := range p.Targets {
		if target == origin.UserID {
			continue
		}
		// Best-effort: a target with no registered connections is
		// silently skipped.
		m.registry.SendToUser(target, incoming)
	}

	snapshot := c.SnapshotNow()
	origin.SendJSON(events.MustEnvelope(events.CallInitiated, snapshot))
	m.persist(ctx, snapshot)
	log.Printf("Call %s initiated by user %s (%s, %d target(s))", c.ID, origin.UserID, c.Type, len(p.Targets))
	return c
}

// Join adds the user to the call (idempotently), puts the joining
// connection in the call room, and tells the other members so the
// initiator side can create its offer.
func (m *Manager) Join(ctx context.Context, origin *gateway.Client, callID string) error {
	c, err := m.get(callID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.Status == StatusEnded || c.Status == StatusDeclined {
		c.mu.Unlock()
		return fmt.Errorf("join call %s in status %s: %w", callID, c.Status, ErrInvalidTransition)
	}
	c.join(origin.UserID, m.now())
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	room := RoomName(callID)
	m.rooms.BroadcastJSON(room, events.MustEnvelope(events.CallUserJoined, map[string]any{
		"callId": callID,
		"user":   events.User{ID: origin.UserID, Name: origin.Name, Color: origin.Color},
	}), origin)
	m.rooms.Join(origin, room)
	origin.SendJSON(events.MustEnvelope(events.CallJoined, snapshot))

	m.persist(ctx, snapshot)
	log.Printf("User %s joined call %s (status %s)", origin.UserID, callID, snapshot.Status)
	return nil
}

// Relay forwards an offer/answer/ICE/renegotiation message to every
// device connection of the target user. An offline target is a silent
// drop: delivery is best effort by design.
func (m *Manager) Relay(origin *gateway.Client, event string, p events.CallSignalPayload) error {
	if _, err := m.get(p.CallID); err != nil {
		return err
	}
	env := events.MustEnvelope(event, map[string]any{
		"callId": p.CallID,
		"from":   origin.UserID,
		"signal": p.Signal,
	})
	if n := m.registry.SendToUser(p.Target(), env); n == 0 {
		log.Printf("Dropping %s for call %s: target user %s has no connections", event, p.CallID, p.Target())
	}
	return nil
}

// Leave marks the participant gone; when no active participants
// remain the call ends and the room is told.
func (m *Manager) Leave(ctx context.Context, origin *gateway.Client, callID string) error {
	c, err := m.get(callID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	lastOut, err := c.leave(origin.UserID, m.now())
	if err != nil {
		c.mu.Unlock()
		return err
	}
	ended := false
	if lastOut && c.Status != StatusEnded && c.Status != StatusDeclined {
		if err := c.transition(StatusEnded); err == nil {
			t := m.now()
			c.EndedAt = &t
			ended = true
		}
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	room := RoomName(callID)
	m.rooms.Leave(origin, room)
	m.rooms.BroadcastJSON(room, events.MustEnvelope(events.CallUserLeft, map[string]any{
		"callId": callID,
		"userId": origin.UserID,
	}), nil)
	m.persist(ctx, snapshot)
	if ended {
		m.finish(callID, snapshot)
		m.evict(callID)
	}
	return nil
}

// End explicitly terminates the call for everyone.
func (m *Manager) End(ctx context.Context, origin *gateway.Client, callID string) error {
	c, err := m.get(callID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.transition(StatusEnded); err != nil {
		c.mu.Unlock()
		return err
	}
	t := m.now()
	c.EndedAt = &t
	for _, p := range c.participants {
		if p.LeftAt == nil {
			left := t
			p.LeftAt = &left
		}
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	m.persist(ctx, snapshot)
	m.finish(callID, snapshot)
	m.evict(callID)
	log.Printf("Call %s ended by user %s", callID, origin.UserID)
	return nil
}

// finish broadcasts the terminal event to the call room, including the
// sender's other devices.
func (m *Manager) finish(callID string, snapshot Snapshot) {
	m.rooms.BroadcastJSON(RoomName(callID), events.MustEnvelope(events.CallEnded, map[string]any{
		"callId": callID,
		"call":   snapshot,
	}), nil)
}

// Decline rejects a ringing call. Only valid while RINGING with at
// most two participants; only the initiator's devices are told.
func (m *Manager) Decline(ctx context.Context, origin *gateway.Client, callID string) error {
	c, err := m.get(callID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.Status != StatusRinging || len(c.participants) > 2 {
		c.mu.Unlock()
		return fmt.Errorf("call %s: %w", callID, ErrDeclineTooLate)
	}
	if err := c.transition(StatusDeclined); err != nil {
		c.mu.Unlock()
		return err
	}
	t := m.now()
	c.EndedAt = &t
	snapshot := c.snapshotLocked()
	initiator := c.InitiatorID
	c.mu.Unlock()

	m.registry.SendToUser(initiator, events.MustEnvelope(events.CallDeclined, map[string]any{
		"callId": callID,
		"userId": origin.UserID,
	}))
	m.persist(ctx, snapshot)
	m.evict(callID)
	log.Printf("Call %s declined by user %s", callID, origin.UserID)
	return nil
}

// JoinFailed relays a callee's media-acquisition failure to the
// initiator's devices. Call status is untouched.
func (m *Manager) JoinFailed(origin *gateway.Client, p events.CallJoinFailedPayload) error {
	c, err := m.get(p.CallID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	initiator := c.InitiatorID
	c.mu.Unlock()

	m.registry.SendToUser(initiator, events.MustEnvelope(events.CallJoinFailed, map[string]any{
		"callId": p.CallID,
		"userId": origin.UserID,
		"reason": p.Reason,
	}))
	return nil
}

// ToggleMedia updates the participant's media flags and broadcasts the
// delta (not a full snapshot) to the other room members.
func (m *Manager) ToggleMedia(ctx context.Context, origin *gateway.Client, p events.CallToggleMediaPayload) error {
	c, err := m.get(p.CallID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	part, ok := c.participants[origin.UserID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("user %s in call %s: %w", origin.UserID, p.CallID, ErrNotParticipant)
	}
	delta := map[string]any{"callId": p.CallID, "userId": origin.UserID}
	if p.Muted != nil {
		part.Muted = *p.Muted
		delta["muted"] = *p.Muted
	}
	if p.VideoOff != nil {
		part.VideoOff = *p.VideoOff
		delta["videoOff"] = *p.VideoOff
	}
	if p.ScreenSharing != nil {
		part.ScreenSharing = *p.ScreenSharing
		delta["screenSharing"] = *p.ScreenSharing
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	m.rooms.BroadcastJSON(RoomName(p.CallID), events.MustEnvelope(events.CallMediaToggle, delta), origin)
	m.persist(ctx, snapshot)
	return nil
}

// HandleDisconnect treats a dropped connection as a leave for every
// call room it was in.
func (m *Manager) HandleDisconnect(ctx context.Context, origin *gateway.Client, callRooms []string) {
	for _, room := range callRooms {
		callID := room[len("call:"):]
		if err := m.Leave(ctx, origin, callID); err != nil {
			log.Printf("Cleanup leave for call %s on disconnect of %s: %v", callID, origin.ID, err)
		}
	}
}
