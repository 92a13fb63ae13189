package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/craftroom/relay/internal/auth"
)

// LoginRequest is the login request body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name,omitempty"`
	Color    string `json:"color,omitempty"`
}

// LoginResponse carries the issued session token.
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login issues a session token. Credential verification belongs to the
// platform's account service; in development any username/password is
// accepted.
func Login(issuer *auth.JWT) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		identity := auth.Identity{UserID: req.Username, Name: req.Name, Color: req.Color}
		token, err := issuer.Issue(identity)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  token,
			UserID: identity.UserID,
		})
	}
}
