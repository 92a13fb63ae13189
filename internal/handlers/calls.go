package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/craftroom/relay/internal/call"
)

// GetCall serves a call record: the live state machine when the call
// is active on this instance, the mirrored store record otherwise.
func (s *Server) GetCall(c *gin.Context) {
	callID := c.Param("callId")

	if live, err := s.calls.Get(callID); err == nil {
		c.JSON(http.StatusOK, live.SnapshotNow())
		return
	}

	snapshot, err := s.callLookup.Load(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, call.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load call"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
