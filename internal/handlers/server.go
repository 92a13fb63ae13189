package handlers

import (
	"context"
	"log"
	"strings"

	"github.com/craftroom/relay/internal/auth"
	"github.com/craftroom/relay/internal/call"
	"github.com/craftroom/relay/internal/document"
	"github.com/craftroom/relay/internal/events"
	"github.com/craftroom/relay/internal/gateway"
	"github.com/craftroom/relay/internal/presence"
	"github.com/craftroom/relay/internal/rooms"
)

// Authorizer is the external membership/resource check consulted
// before an upgrade completes and on mid-session room joins.
type Authorizer interface {
	CheckMembership(ctx context.Context, userID, projectID string) error
	CheckResource(ctx context.Context, room string) error
}

// CallLookup serves persisted call records for the lookup API.
type CallLookup interface {
	Load(ctx context.Context, id string) (call.Snapshot, error)
}

// Server ties the relay components to the HTTP surface.
type Server struct {
	auth       auth.Authenticator
	authorizer Authorizer
	registry   *gateway.Registry
	rooms      *rooms.Broadcaster
	presence   *presence.Tracker
	engine     *document.Engine
	calls      *call.Manager
	callLookup CallLookup
}

func NewServer(
	authn auth.Authenticator,
	authorizer Authorizer,
	registry *gateway.Registry,
	broadcaster *rooms.Broadcaster,
	tracker *presence.Tracker,
	engine *document.Engine,
	calls *call.Manager,
	callLookup CallLookup,
) *Server {
	s := &Server{
		auth:       authn,
		authorizer: authorizer,
		registry:   registry,
		rooms:      broadcaster,
		presence:   tracker,
		engine:     engine,
		calls:      calls,
		callLookup: callLookup,
	}
	registry.OnDisconnect(s.cleanupConnection)
	return s
}

// cleanupConnection runs when a connection unregisters: leave every
// joined room, retract presence and awareness, and treat call rooms as
// leaves.
func (s *Server) cleanupConnection(c *gateway.Client) {
	ctx := context.Background()
	joined := s.rooms.Rooms(c)
	user := events.User{ID: c.UserID, Name: c.Name, Color: c.Color}

	var callRooms []string
	for _, room := range joined {
		parsed, err := ParseRoom(room)
		if err != nil {
			continue
		}
		switch parsed.Kind {
		case KindFile, KindBuilder:
			s.engine.Disconnect(ctx, room, c)
			s.presence.Leave(ctx, room, user)
		case KindProject:
			s.presence.Leave(ctx, room, user)
		case KindCall:
			callRooms = append(callRooms, room)
		}
	}

	s.rooms.LeaveAll(c)
	if len(callRooms) > 0 {
		s.calls.HandleDisconnect(ctx, c, callRooms)
	}
	log.Printf("Connection %s cleaned up (%d room(s))", c.ID, len(joined))
}

func (s *Server) sendError(c *gateway.Client, code, message string) {
	c.SendJSON(events.MustEnvelope(events.Error, events.ErrorPayload{Code: code, Message: message}))
}

func userOf(c *gateway.Client) events.User {
	return events.User{ID: c.UserID, Name: c.Name, Color: c.Color}
}

// Room kinds accepted on the upgrade path and in room names.
const (
	KindProject      = "project"
	KindFile         = "file"
	KindBuilder      = "builder"
	KindConversation = "conversation"
	KindCall         = "call"
)

// Room is a parsed room name: {kind}:{scopeId} or
// {kind}:{scopeId}:{resourceId}.
type Room struct {
	Name       string
	Kind       string
	ScopeID    string
	ResourceID string
}

// ProjectID returns the project a room belongs to, empty for rooms
// without a project association.
func (r Room) ProjectID() string {
	switch r.Kind {
	case KindProject, KindFile, KindBuilder:
		return r.ScopeID
	}
	return ""
}

// IsDocument reports whether the room carries a CRDT document.
func (r Room) IsDocument() bool {
	return r.Kind == KindFile || r.Kind == KindBuilder
}

func ParseRoom(name string) (Room, error) {
	parts := strings.Split(name, ":")
	room := Room{Name: name}
	switch len(parts) {
	case 2:
		room.Kind, room.ScopeID = parts[0], parts[1]
	case 3:
		room.Kind, room.ScopeID, room.ResourceID = parts[0], parts[1], parts[2]
	default:
		return Room{}, errInvalidRoom(name)
	}
	if room.ScopeID == "" {
		return Room{}, errInvalidRoom(name)
	}
	switch room.Kind {
	case KindProject, KindConversation:
		if room.ResourceID != "" {
			return Room{}, errInvalidRoom(name)
		}
	case KindFile, KindBuilder:
		if room.ResourceID == "" {
			return Room{}, errInvalidRoom(name)
		}
	case KindCall:
	default:
		return Room{}, errInvalidRoom(name)
	}
	return room, nil
}
