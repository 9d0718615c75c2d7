package http

import (
	"net/http"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/infrastructure/middleware"
	"meshroom/pkg/errors"
	"meshroom/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler serves the room directory and live room snapshots.
type RoomHandler struct {
	directory ports.RoomDirectory
	presence  ports.PresenceService
}

func NewRoomHandler(directory ports.RoomDirectory, presence ports.PresenceService) *RoomHandler {
	return &RoomHandler{
		directory: directory,
		presence:  presence,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter, middleware ...gin.HandlerFunc) {
	api := router.Group("/api/v1/rooms", middleware...)
	{
		api.GET("", h.ListRooms)
		api.GET("/:id", h.GetRoom)
	}
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.directory.List(c.Request.Context())
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "room directory unavailable", http.StatusServiceUnavailable))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

// GetRoom reads the authoritative room, not the directory, so the member
// list is current.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	room, err := h.presence.Snapshot(domain.RoomID(roomID))
	if err != nil {
		c.Error(err)
		return
	}

	members := make([]domain.Member, 0, len(room.Participants))
	joined := false
	id, authenticated := middleware.IdentityFromContext(c)
	for _, p := range room.Participants {
		members = append(members, p.Member())
		if authenticated && p.Handle == id.Handle {
			joined = true
		}
	}

	resp := gin.H{
		"room_id":      room.ID,
		"created_at":   room.CreatedAt,
		"seq":          room.Seq,
		"participants": members,
	}
	if authenticated {
		resp["joined"] = joined
	}
	c.JSON(http.StatusOK, resp)
}
