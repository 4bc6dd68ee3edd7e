package http

import (
	"net/http"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/services"
	apperrors "watchsync/pkg/errors"

	"github.com/gin-gonic/gin"
)

type RoomHandler struct {
	rooms  *services.RoomManager
	create gin.HandlerFunc
}

func NewRoomHandler(rooms *services.RoomManager, createLimiter gin.HandlerFunc) *RoomHandler {
	return &RoomHandler{rooms: rooms, create: createLimiter}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/room")
	{
		api.POST("/create", h.create, h.CreateRoom)
		api.POST("/generate", h.create, h.GenerateRoom)
		api.GET("/list", h.ListRooms)
		api.GET("/:name", h.GetRoom)
	}
}

type roomSummary struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	QueueMode   string `json:"queue_mode"`
	IsTemporary bool   `json:"is_temporary"`
	Clients     int    `json:"clients"`
	NowPlaying  string `json:"now_playing,omitempty"`
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Visibility  string `json:"visibility"`
		QueueMode   string `json:"queue_mode"`
		IsTemporary bool   `json:"is_temporary"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := services.CreateRoomParams{
		Name:        req.Name,
		Title:       req.Title,
		Description: req.Description,
		Visibility:  domain.Visibility(req.Visibility),
		QueueMode:   domain.QueueMode(req.QueueMode),
		IsTemporary: req.IsTemporary,
	}
	if userID, ok := c.Get("user_id"); ok {
		if id, ok := userID.(domain.UserID); ok {
			params.Owner = id
		}
	}

	room, err := h.rooms.CreateRoom(c.Request.Context(), params)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"room": summarize(room)})
}

// GenerateRoom creates an unlisted temporary room under a random name.
func (h *RoomHandler) GenerateRoom(c *gin.Context) {
	name, err := h.rooms.GenerateName(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	params := services.CreateRoomParams{
		Name:        name,
		Visibility:  domain.VisibilityUnlisted,
		IsTemporary: true,
	}
	if userID, ok := c.Get("user_id"); ok {
		if id, ok := userID.(domain.UserID); ok {
			params.Owner = id
		}
	}

	room, err := h.rooms.CreateRoom(c.Request.Context(), params)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"room": summarize(room)})
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	states, err := h.rooms.ListRooms(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	rooms := make([]roomSummary, 0, len(states))
	for _, state := range states {
		summary := roomSummary{
			Name:        state.Name,
			Title:       state.Title,
			Description: state.Description,
			QueueMode:   string(state.QueueMode),
			IsTemporary: state.IsTemporary,
		}
		if room, resident := h.rooms.Resident(state.Name); resident {
			snap := room.Snapshot()
			summary.Clients = len(snap.Users)
			if snap.State.CurrentSource != nil {
				summary.NowPlaying = snap.State.CurrentSource.Title
			}
		}
		rooms = append(rooms, summary)
	}

	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	name := c.Param("name")

	if room, resident := h.rooms.Resident(name); resident {
		c.JSON(http.StatusOK, gin.H{
			"room": summarize(room),
			"node": h.rooms.NodeID(),
		})
		return
	}

	room, owner, err := h.rooms.GetRoom(c.Request.Context(), name)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.Error(err)
		return
	}
	if room == nil {
		// Hosted elsewhere; clients should open their socket against
		// the owning node.
		c.JSON(http.StatusOK, gin.H{"name": name, "node": owner})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room": summarize(room),
		"node": h.rooms.NodeID(),
	})
}

func summarize(room *services.Room) roomSummary {
	snap := room.Snapshot()
	summary := roomSummary{
		Name:        snap.State.Name,
		Title:       snap.State.Title,
		Description: snap.State.Description,
		QueueMode:   string(snap.State.QueueMode),
		IsTemporary: snap.State.IsTemporary,
		Clients:     len(snap.Users),
	}
	if snap.State.CurrentSource != nil {
		summary.NowPlaying = snap.State.CurrentSource.Title
	}
	return summary
}
