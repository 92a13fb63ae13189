// Package rooms implements the named broadcast groups every higher
// component fans out through. Rooms exist implicitly: created on first
// join, removed when the last member leaves.
package rooms

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/craftroom/relay/internal/gateway"
)

type Broadcaster struct {
	mu      sync.RWMutex
	members map[string]map[*gateway.Client]struct{}
	joined  map[*gateway.Client]map[string]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		members: make(map[string]map[*gateway.Client]struct{}),
		joined:  make(map[*gateway.Client]map[string]struct{}),
	}
}

func (b *Broadcaster) Join(c *gateway.Client, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.members[room]
	if !ok {
		m = make(map[*gateway.Client]struct{})
		b.members[room] = m
		log.Printf("Room %s created", room)
	}
	m[c] = struct{}{}
	j, ok := b.joined[c]
	if !ok {
		j = make(map[string]struct{})
		b.joined[c] = j
	}
	j[room] = struct{}{}
}

func (b *Broadcaster) Leave(c *gateway.Client, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(c, room)
}

func (b *Broadcaster) leaveLocked(c *gateway.Client, room string) {
	if m, ok := b.members[room]; ok {
		delete(m, c)
		if len(m) == 0 {
			delete(b.members, room)
			log.Printf("Room %s removed (empty)", room)
		}
	}
	if j, ok := b.joined[c]; ok {
		delete(j, room)
		if len(j) == 0 {
			delete(b.joined, c)
		}
	}
}

// LeaveAll removes the connection from every room it joined and
// returns the rooms it was in, for per-room cleanup by the caller.
func (b *Broadcaster) LeaveAll(c *gateway.Client) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.joined[c]))
	for room := range b.joined[c] {
		out = append(out, room)
	}
	for _, room := range out {
		b.leaveLocked(c, room)
	}
	return out
}

// Broadcast delivers a frame to every member present at call time,
// except the excluded connection. The lock is exclusive so concurrent
// broadcasts cannot interleave their per-member sends: every member
// observes the same order.
func (b *Broadcaster) Broadcast(room string, f gateway.Frame, except *gateway.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.members[room] {
		if c != except {
			c.Send(f)
		}
	}
}

// BroadcastJSON marshals once and broadcasts as a text frame.
func (b *Broadcaster) BroadcastJSON(room string, v any, except *gateway.Client) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to marshal broadcast for room %s: %v", room, err)
		return
	}
	b.Broadcast(room, gateway.Frame{Type: websocket.TextMessage, Data: data}, except)
}

func (b *Broadcaster) Members(room string) []*gateway.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*gateway.Client, 0, len(b.members[room]))
	for c := range b.members[room] {
		out = append(out, c)
	}
	return out
}

func (b *Broadcaster) Count(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.members[room])
}

// Rooms returns the rooms a connection has joined.
func (b *Broadcaster) Rooms(c *gateway.Client) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.joined[c]))
	for room := range b.joined[c] {
		out = append(out, room)
	}
	return out
}

// InRoom reports whether the connection is a member of the room.
func (b *Broadcaster) InRoom(c *gateway.Client, room string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.members[room][c]
	return ok
}
