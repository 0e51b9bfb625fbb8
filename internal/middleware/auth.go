package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/auth"
)

// Context keys for storing claims in gin.Context.
const (
	ContextKeyUserID = "user_id"
	ContextKeyEmail  = "email"
)

// AuthMiddleware rejects requests without a valid bearer token and stores the
// caller's claims for the handlers behind it.
//
// Only the Authorization header is accepted here. The query parameter
// fallback is for websocket upgrades and is handled by the hub.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}

		tokenString, ok := auth.BearerToken(header)
		if !ok {
			abortUnauthorized(c, "invalid authorization format, expected: Bearer <token>")
			return
		}

		claims, err := auth.ParseToken(tokenString, secret)
		if err != nil {
			abortUnauthorized(c, "invalid or expired token")
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyEmail, claims.Email)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": msg,
		"code":  apperr.CodeAuth,
	})
}

// GetUserID returns the authenticated caller, or uuid.Nil outside the
// middleware.
func GetUserID(c *gin.Context) uuid.UUID {
	val, exists := c.Get(ContextKeyUserID)
	if !exists {
		return uuid.Nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}

func GetEmail(c *gin.Context) string {
	return c.GetString(ContextKeyEmail)
}
