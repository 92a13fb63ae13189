package handlers

import (
	"context"
	"log"

	"github.com/gorilla/websocket"

	"github.com/craftroom/relay/internal/events"
	"github.com/craftroom/relay/internal/gateway"
)

// dispatch routes one decoded JSON event. Validation failures and
// authorization failures produce a scoped error event on the
// requesting connection only; the connection stays open.
func (s *Server) dispatch(ctx context.Context, c *gateway.Client, raw []byte) {
	event, payload, err := events.Decode(raw)
	if err != nil {
		log.Printf("Rejecting event from connection %s: %v", c.ID, err)
		s.sendError(c, "bad_event", err.Error())
		return
	}

	switch event {
	case events.JoinProject:
		s.handleJoinProject(ctx, c, payload.(*events.ProjectScope))
	case events.LeaveProject:
		s.handleLeaveProject(ctx, c, payload.(*events.ProjectScope))

	case events.ChatMessage:
		s.handleChatMessage(c, raw, payload.(*events.ChatMessagePayload))
	case events.ConversationMessage:
		s.handleConversationMessage(c, raw, payload.(*events.ConversationMessagePayload))

	case events.CursorMove,
		events.TaskCreated, events.TaskUpdated, events.TaskDeleted, events.TaskMoved,
		events.ColumnCreated, events.ColumnUpdated, events.ColumnDeleted:
		p := payload.(*events.RelayPayload)
		s.relayToRoom(c, KindProject+":"+p.ProjectID, raw)

	case events.FileEdit, events.FileCursor, events.FileSaved:
		p := payload.(*events.RelayPayload)
		if p.FileID == "" {
			s.sendError(c, "bad_event", "fileId required")
			return
		}
		s.relayToRoom(c, KindFile+":"+p.ProjectID+":"+p.FileID, raw)

	case events.BuilderCursor:
		p := payload.(*events.RelayPayload)
		if p.PageID == "" {
			s.sendError(c, "bad_event", "pageId required")
			return
		}
		s.relayToRoom(c, KindBuilder+":"+p.ProjectID+":"+p.PageID, raw)

	case events.CallInitiate:
		s.calls.Initiate(ctx, c, *payload.(*events.CallInitiatePayload))
	case events.CallJoin:
		s.callErr(c, s.calls.Join(ctx, c, payload.(*events.CallRefPayload).CallID))
	case events.CallOffer, events.CallAnswer, events.CallIceCandidate,
		events.CallRenegotiate, events.CallRenegotiateAnswer:
		s.callErr(c, s.calls.Relay(c, event, *payload.(*events.CallSignalPayload)))
	case events.CallLeave:
		s.callErr(c, s.calls.Leave(ctx, c, payload.(*events.CallRefPayload).CallID))
	case events.CallEnd:
		s.callErr(c, s.calls.End(ctx, c, payload.(*events.CallRefPayload).CallID))
	case events.CallDecline:
		s.callErr(c, s.calls.Decline(ctx, c, payload.(*events.CallRefPayload).CallID))
	case events.CallToggleMedia:
		s.callErr(c, s.calls.ToggleMedia(ctx, c, *payload.(*events.CallToggleMediaPayload)))
	case events.CallJoinFailed:
		s.callErr(c, s.calls.JoinFailed(c, *payload.(*events.CallJoinFailedPayload)))
	}
}

func (s *Server) callErr(c *gateway.Client, err error) {
	if err != nil {
		log.Printf("Call operation from connection %s failed: %v", c.ID, err)
		s.sendError(c, "call_error", err.Error())
	}
}

// handleJoinProject enters the project room and presence scope after a
// mid-session membership check.
func (s *Server) handleJoinProject(ctx context.Context, c *gateway.Client, p *events.ProjectScope) {
	if err := s.authorizer.CheckMembership(ctx, c.UserID, p.ProjectID); err != nil {
		log.Printf("Join project %s denied for user %s: %v", p.ProjectID, c.UserID, err)
		s.sendError(c, "forbidden", "not a project member")
		return
	}
	room := KindProject + ":" + p.ProjectID
	s.rooms.Join(c, room)
	s.presence.Join(ctx, room, userOf(c))
}

func (s *Server) handleLeaveProject(ctx context.Context, c *gateway.Client, p *events.ProjectScope) {
	room := KindProject + ":" + p.ProjectID
	if !s.rooms.InRoom(c, room) {
		return
	}
	s.rooms.Leave(c, room)
	s.presence.Leave(ctx, room, userOf(c))
}

// relayToRoom echoes an opaque event to the room, never back to the
// sender. Members-only: a connection cannot inject into rooms it has
// not joined.
func (s *Server) relayToRoom(c *gateway.Client, room string, raw []byte) {
	if !s.rooms.InRoom(c, room) {
		s.sendError(c, "forbidden", "not in room "+room)
		return
	}
	s.rooms.Broadcast(room, gateway.Frame{Type: websocket.TextMessage, Data: raw}, c)
}

// handleChatMessage echoes the message to the whole project room,
// sender included, so every device renders the same timeline.
func (s *Server) handleChatMessage(c *gateway.Client, raw []byte, p *events.ChatMessagePayload) {
	room := KindProject + ":" + p.ProjectID
	if !s.rooms.InRoom(c, room) {
		s.sendError(c, "forbidden", "not in room "+room)
		return
	}
	s.rooms.Broadcast(room, gateway.Frame{Type: websocket.TextMessage, Data: raw}, nil)
}

// handleConversationMessage echoes to the conversation room and sends
// a notification to each participant with no connection in the room.
func (s *Server) handleConversationMessage(c *gateway.Client, raw []byte, p *events.ConversationMessagePayload) {
	room := KindConversation + ":" + p.ConversationID
	if !s.rooms.InRoom(c, room) {
		s.sendError(c, "forbidden", "not in room "+room)
		return
	}
	s.rooms.Broadcast(room, gateway.Frame{Type: websocket.TextMessage, Data: raw}, nil)

	inRoom := make(map[string]struct{})
	for _, member := range s.rooms.Members(room) {
		inRoom[member.UserID] = struct{}{}
	}
	notification := events.MustEnvelope(events.ConversationNotification, map[string]any{
		"conversationId": p.ConversationID,
		"from":           userOf(c),
	})
	for _, userID := range p.Participants {
		if _, ok := inRoom[userID]; ok {
			continue
		}
		// Best effort: offline participants are skipped silently.
		s.registry.SendToUser(userID, notification)
	}
}
