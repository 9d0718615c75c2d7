package middleware

import (
	"strings"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	apperrors "meshroom/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	ContextPeerHandle  = "peer_handle"
	ContextDisplayName = "display_name"
)

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func setIdentity(c *gin.Context, identity domain.Identity) {
	c.Set(ContextPeerHandle, identity.Handle)
	c.Set(ContextDisplayName, identity.DisplayName)
}

// AuthMiddleware rejects requests without a valid bearer token.
func AuthMiddleware(identity ports.IdentityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			abortWithError(c, apperrors.NewUnauthorizedError("authorization header required"))
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		id, err := identity.Resolve(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		setIdentity(c, id)
		c.Next()
	}
}

// OptionalAuthMiddleware stores the identity when a valid token is present.
func OptionalAuthMiddleware(identity ports.IdentityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if id, err := identity.Resolve(c.Request.Context(), token); err == nil {
				setIdentity(c, id)
			}
		}
		c.Next()
	}
}

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(c *gin.Context) (domain.Identity, bool) {
	handle, ok := c.Get(ContextPeerHandle)
	if !ok {
		return domain.Identity{}, false
	}
	return domain.Identity{
		Handle:      handle.(domain.PeerHandle),
		DisplayName: c.GetString(ContextDisplayName),
	}, true
}
