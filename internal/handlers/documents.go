package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SeedRequest is the initialize-if-empty request body.
type SeedRequest struct {
	Content string `json:"content"`
}

// SeedDocument initializes a room's document with persisted content.
// Safe to call more than once: the seed only lands on a document that
// has never been edited.
func (s *Server) SeedDocument(c *gin.Context) {
	room, err := ParseRoom(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !room.IsDocument() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room has no document"})
		return
	}

	var req SeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	seeded := s.engine.SeedIfEmpty(c.Request.Context(), room.Name, req.Content)
	c.JSON(http.StatusOK, gin.H{"seeded": seeded})
}

// GetDocument returns the live content of a room's document.
func (s *Server) GetDocument(c *gin.Context) {
	room, err := ParseRoom(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.engine.HasSession(room.Name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No live document for room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room.Name, "content": s.engine.Text(room.Name)})
}
