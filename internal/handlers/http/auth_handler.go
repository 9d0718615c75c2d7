package http

import (
	"net/http"
	"strings"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/errors"
	"meshroom/pkg/utils"
	"meshroom/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues development identity tokens.
type AuthHandler struct {
	identity ports.IdentityService
	tokenTTL time.Duration
}

func NewAuthHandler(identity ports.IdentityService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		identity: identity,
		tokenTTL: tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	PeerHandle  string `json:"peer_handle" binding:"max=64"`
	DisplayName string `json:"display_name" binding:"max=64"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.PeerHandle = strings.TrimSpace(req.PeerHandle)
	req.DisplayName = utils.SanitizeString(req.DisplayName)

	if req.PeerHandle == "" {
		req.PeerHandle = utils.GeneratePeerHandle()
	} else if err := validation.ValidatePeerHandle(req.PeerHandle); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = utils.DefaultDisplayName(req.PeerHandle)
	} else if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	identity := domain.Identity{
		Handle:      domain.PeerHandle(req.PeerHandle),
		DisplayName: req.DisplayName,
	}
	token, err := h.identity.IssueToken(identity)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"peer_handle":  identity.Handle,
		"display_name": identity.DisplayName,
		"access_token": token,
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}
