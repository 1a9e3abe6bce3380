package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"eventsync-backend/pkg/jwt"
)

// AuthMiddleware creates a Gin middleware that validates JWT tokens.
// It checks the Authorization header (or, for WebSocket upgrades that cannot
// set headers, the access_token query parameter), validates the token and
// sets user_id, username, and role in the Gin context.
func AuthMiddleware(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		// Validate JWT audience claim
		if claims.Audience != "eventsync-api" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token audience"})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}

	// Browser WebSocket clients cannot set headers on the upgrade request
	return c.Query("access_token")
}
