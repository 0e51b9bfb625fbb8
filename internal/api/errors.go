package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
)

// respondError writes err as {"error", "code"} with the status its code maps
// to. Storage failures are logged here and reach the client only as
// "internal error".
func respondError(c *gin.Context, logger *zap.Logger, op string, err error) {
	code, msg := apperr.Public(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.Error(op+" failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": msg, "code": code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": apperr.CodeInvalidArgument})
}

func channelParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid channel id")
		return uuid.Nil, false
	}
	return id, true
}

func messageParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		badRequest(c, "invalid message id")
		return 0, false
	}
	return id, true
}
