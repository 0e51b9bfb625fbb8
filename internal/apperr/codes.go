package apperr

import "net/http"

type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeConnection      Code = "CONNECTION_ERROR"
	CodeAuth            Code = "AUTH_ERROR"
	CodeAccessDenied    Code = "ACCESS_DENIED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeSendFailure     Code = "SEND_FAILURE"
	CodePersistence     Code = "PERSISTENCE_ERROR"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeRateLimited     Code = "RATE_LIMITED"
)

// Retryable reports whether the connection layer may retry an operation that
// failed with this code. Only transport-level failures qualify: retrying an
// ACCESS_DENIED or NOT_FOUND cannot change the outcome.
func (c Code) Retryable() bool {
	return c == CodeConnection
}

// HTTPStatus maps a code onto the REST surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeSendFailure, CodeConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
