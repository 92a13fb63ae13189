package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/craftroom/relay/internal/auth"
)

// Authenticated guards REST routes: it resolves the request to an
// identity and stores it in the gin context for handlers.
func Authenticated(authn auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := authn.Authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Set("user_id", identity.UserID)
		c.Set("identity", identity)
		c.Next()
	}
}
