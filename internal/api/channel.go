package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/middleware"
	"github.com/lalith-99/huddle/internal/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ChannelService is the read side of messaging.Service used here.
type ChannelService interface {
	History(ctx context.Context, userID, channelID uuid.UUID, pageSize, pageNumber int) (*models.Channel, []models.Message, error)
	MarkAsRead(ctx context.Context, userID, channelID uuid.UUID) (int64, error)
	UnreadCount(ctx context.Context, userID, channelID uuid.UUID) (int, error)
	OpenPrivate(ctx context.Context, userID, otherID uuid.UUID) (*models.Channel, error)
}

// Presence lists who is connected to a channel group right now.
type Presence interface {
	Members(channelID uuid.UUID) []uuid.UUID
}

// Authorizer is satisfied by access.Guard.
type Authorizer interface {
	Authorize(ctx context.Context, channelID, userID uuid.UUID) (*models.Channel, error)
}

type ChannelHandler struct {
	svc      ChannelService
	guard    Authorizer
	presence Presence
	logger   *zap.Logger
}

func NewChannelHandler(svc ChannelService, guard Authorizer, presence Presence, logger *zap.Logger) *ChannelHandler {
	return &ChannelHandler{svc: svc, guard: guard, presence: presence, logger: logger}
}

type channelPage struct {
	Channel  *models.Channel  `json:"channel"`
	Messages []models.Message `json:"messages"`
}

// Get handles GET /v1/channel/:id?pageSize=20&pageNumber=1
//
// Page-number paging, newest first. pageSize defaults to 20 and is capped at
// 100; pageNumber starts at 1.
func (h *ChannelHandler) Get(c *gin.Context) {
	channelID, ok := channelParam(c)
	if !ok {
		return
	}

	pageSize, ok := intQuery(c, "pageSize", defaultPageSize)
	if !ok {
		return
	}
	pageSize = min(pageSize, maxPageSize)
	pageNumber, ok := intQuery(c, "pageNumber", 1)
	if !ok {
		return
	}

	ch, msgs, err := h.svc.History(c.Request.Context(), middleware.GetUserID(c), channelID, pageSize, pageNumber)
	if err != nil {
		respondError(c, h.logger, "load channel", err)
		return
	}
	c.JSON(http.StatusOK, channelPage{Channel: ch, Messages: msgs})
}

// MarkRead handles POST /v1/channel/:id/read
func (h *ChannelHandler) MarkRead(c *gin.Context) {
	channelID, ok := channelParam(c)
	if !ok {
		return
	}
	n, err := h.svc.MarkAsRead(c.Request.Context(), middleware.GetUserID(c), channelID)
	if err != nil {
		respondError(c, h.logger, "mark read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// Unread handles GET /v1/channel/:id/unread
func (h *ChannelHandler) Unread(c *gin.Context) {
	channelID, ok := channelParam(c)
	if !ok {
		return
	}
	n, err := h.svc.UnreadCount(c.Request.Context(), middleware.GetUserID(c), channelID)
	if err != nil {
		respondError(c, h.logger, "count unread", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

// Online handles GET /v1/channel/:id/online: users with a live connection
// in the channel group on this instance.
func (h *ChannelHandler) Online(c *gin.Context) {
	channelID, ok := channelParam(c)
	if !ok {
		return
	}
	if _, err := h.guard.Authorize(c.Request.Context(), channelID, middleware.GetUserID(c)); err != nil {
		respondError(c, h.logger, "list online", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": h.presence.Members(channelID)})
}

type openPrivateRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

// OpenPrivate handles POST /v1/channel/private. Calling it twice, from either
// side, returns the same channel.
func (h *ChannelHandler) OpenPrivate(c *gin.Context) {
	var req openPrivateRequest
	if err := c.ShouldBindWith(&req, strictJSON{}); err != nil {
		badRequest(c, err.Error())
		return
	}
	ch, err := h.svc.OpenPrivate(c.Request.Context(), middleware.GetUserID(c), req.UserID)
	if err != nil {
		respondError(c, h.logger, "open private channel", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func intQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		badRequest(c, "invalid '"+key+"' parameter")
		return 0, false
	}
	return n, true
}
