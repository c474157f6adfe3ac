package http

import (
	"errors"
	"net/http"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RoomHandler exposes read-only room stats to operators. Signaling
// itself does not pass through here.
type RoomHandler struct {
	stats  *services.RoomStatsService
	logger *zap.SugaredLogger
}

func NewRoomHandler(stats *services.RoomStatsService, logger *zap.SugaredLogger) *RoomHandler {
	return &RoomHandler{stats: stats, logger: logger}
}

func (h *RoomHandler) Register(r gin.IRouter) {
	r.GET("/rooms", h.listRooms)
	r.GET("/rooms/:id", h.getRoom)
	r.GET("/cluster/rooms", h.listClusterRooms)
}

func (h *RoomHandler) listRooms(c *gin.Context) {
	rooms, err := h.stats.Local(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms, "count": len(rooms)})
}

func (h *RoomHandler) getRoom(c *gin.Context) {
	room, err := h.stats.Room(c.Request.Context(), domain.RoomID(c.Param("id")))
	if errors.Is(err, domain.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *RoomHandler) listClusterRooms(c *gin.Context) {
	if !h.stats.ClusterEnabled() {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "presence directory not configured"})
		return
	}
	rooms, err := h.stats.Cluster(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms, "count": len(rooms)})
}
