package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/middleware"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/protocol"
)

// MessagePoster persists and broadcasts. hub.Hub implements it, so a message
// posted over REST reaches live subscribers exactly like one sent over the
// socket.
type MessagePoster interface {
	SendMessage(ctx context.Context, senderID uuid.UUID, args protocol.SendMessageArgs) (*models.Message, error)
}

type ReactionService interface {
	AddReaction(ctx context.Context, userID uuid.UUID, messageID int64, emoji string) ([]models.ReactionGroup, error)
	RemoveReaction(ctx context.Context, userID uuid.UUID, messageID int64, emoji string) ([]models.ReactionGroup, error)
}

type MessageHandler struct {
	poster    MessagePoster
	reactions ReactionService
	logger    *zap.Logger
}

func NewMessageHandler(poster MessagePoster, reactions ReactionService, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{poster: poster, reactions: reactions, logger: logger}
}

// Create handles POST /v1/message
//
// Body: {"channel_id", "content", "attachment_ids", "client_msg_id"}.
// Repeating a client_msg_id returns the message already stored for it.
func (h *MessageHandler) Create(c *gin.Context) {
	var req protocol.SendMessageArgs
	if err := c.ShouldBindWith(&req, strictJSON{}); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.poster.SendMessage(c.Request.Context(), middleware.GetUserID(c), req)
	if err != nil {
		respondError(c, h.logger, "send message", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

type reactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

// AddReaction handles POST /v1/message/:id/reaction
func (h *MessageHandler) AddReaction(c *gin.Context) {
	messageID, ok := messageParam(c)
	if !ok {
		return
	}
	var req reactionRequest
	if err := c.ShouldBindWith(&req, strictJSON{}); err != nil {
		badRequest(c, err.Error())
		return
	}

	groups, err := h.reactions.AddReaction(c.Request.Context(), middleware.GetUserID(c), messageID, req.Emoji)
	if err != nil {
		respondError(c, h.logger, "add reaction", err)
		return
	}
	c.JSON(http.StatusOK, groups)
}

// RemoveReaction handles DELETE /v1/message/:id/reaction/:emoji
func (h *MessageHandler) RemoveReaction(c *gin.Context) {
	messageID, ok := messageParam(c)
	if !ok {
		return
	}

	groups, err := h.reactions.RemoveReaction(c.Request.Context(), middleware.GetUserID(c), messageID, c.Param("emoji"))
	if err != nil {
		respondError(c, h.logger, "remove reaction", err)
		return
	}
	c.JSON(http.StatusOK, groups)
}
