package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/craftroom/relay/internal/auth"
	"github.com/craftroom/relay/internal/gateway"
	"github.com/craftroom/relay/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware.
		return true
	},
}

func errInvalidRoom(name string) error {
	return errors.New("invalid room name: " + name)
}

// HandleCollab is the upgrade endpoint. The path encodes the room as
// {kind}:{scopeId}[:{resourceId}]; authentication and authorization
// both happen before the upgrade completes, so a rejected connection
// never becomes a WebSocket.
func (s *Server) HandleCollab(c *gin.Context) {
	room, err := ParseRoom(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if room.Kind == KindCall {
		c.JSON(http.StatusBadRequest, gin.H{"error": "call rooms are joined via call:join"})
		return
	}

	identity, err := s.auth.Authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if status, err := s.authorize(c.Request.Context(), identity, room); err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection for room %s: %v", room.Name, err)
		return
	}

	client := gateway.NewClient(uuid.New().String(), identity.UserID, identity.Name, identity.Color, conn)
	s.registry.Register(client)
	s.rooms.Join(client, room.Name)

	ctx := context.Background()
	if room.IsDocument() || room.Kind == KindProject {
		s.presence.Join(ctx, room.Name, userOf(client))
	}
	if room.IsDocument() {
		s.engine.Connect(ctx, room.Name, client)
	}

	log.Printf("User %s connected to room %s (connection %s)", identity.UserID, room.Name, client.ID)

	go client.WritePump()
	go func() {
		client.ReadPump(func(messageType int, data []byte) {
			switch messageType {
			case websocket.BinaryMessage:
				if room.IsDocument() {
					s.engine.HandleFrame(ctx, room.Name, client, data)
				}
			case websocket.TextMessage:
				s.dispatch(ctx, client, data)
			}
		})
		s.registry.Unregister(client)
	}()
}

// authorize maps the external membership/resource checks to the HTTP
// status returned before the upgrade.
func (s *Server) authorize(ctx context.Context, identity auth.Identity, room Room) (int, error) {
	if projectID := room.ProjectID(); projectID != "" {
		if err := s.authorizer.CheckMembership(ctx, identity.UserID, projectID); err != nil {
			return authzStatus(err), err
		}
	}
	if room.IsDocument() || room.Kind == KindConversation {
		if err := s.authorizer.CheckResource(ctx, room.Name); err != nil {
			return authzStatus(err), err
		}
	}
	return http.StatusOK, nil
}

func authzStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrResourceMissing):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
