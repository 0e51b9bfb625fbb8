package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/middleware"
	"github.com/lalith-99/huddle/internal/repository"
)

// UserHandler serves the caller's own profile projection.
type UserHandler struct {
	repo   repository.UserRepository
	logger *zap.Logger
}

func NewUserHandler(repo repository.UserRepository, logger *zap.Logger) *UserHandler {
	return &UserHandler{repo: repo, logger: logger}
}

// GetMe handles GET /v1/users/me
//
// Clients call it after connecting to learn the display name the server will
// stamp on their messages.
func (h *UserHandler) GetMe(c *gin.Context) {
	userID := middleware.GetUserID(c)

	user, err := h.repo.GetSummary(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, "get user", apperr.Persistence("load user", err))
		return
	}

	// A valid token for a user the profile projection doesn't know yet means
	// the profile sync is behind. Report 404 rather than 500.
	if user == nil {
		respondError(c, h.logger, "get user", apperr.NotFound("user not found"))
		return
	}

	c.JSON(http.StatusOK, user)
}
