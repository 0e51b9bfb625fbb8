package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("boom")))
	assert.Equal(t, CodeAccessDenied, CodeOf(AccessDenied("no")))

	wrapped := fmt.Errorf("join channel: %w", NotFound("channel not found"))
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
}

func TestIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("send: %w", AccessDenied("not a participant"))
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestPublicHidesPersistenceDetail(t *testing.T) {
	err := Persistence("insert message", errors.New("pq: relation \"messages\" does not exist"))
	code, msg := Public(err)
	assert.Equal(t, CodePersistence, code)
	assert.Equal(t, "internal error", msg)

	code, msg = Public(AccessDenied("not a participant"))
	assert.Equal(t, CodeAccessDenied, code)
	assert.Equal(t, "not a participant", msg)
}

func TestRetryableAndHTTPStatus(t *testing.T) {
	assert.True(t, CodeConnection.Retryable())
	for _, c := range []Code{CodeAuth, CodeAccessDenied, CodeNotFound, CodeSendFailure, CodePersistence} {
		assert.False(t, c.Retryable(), c)
	}

	assert.Equal(t, http.StatusForbidden, CodeAccessDenied.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, CodeNotFound.HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, CodeAuth.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, CodePersistence.HTTPStatus())
}
