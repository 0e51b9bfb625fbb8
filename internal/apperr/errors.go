// Package apperr is the error taxonomy shared by the hub, the REST surface and
// the client connection manager. Every error that crosses a process boundary
// is an *AppError so both ends agree on its Code.
package apperr

import (
	"errors"
	"fmt"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches on Code so errors.Is(err, apperr.ErrAccessDenied) works for any
// ACCESS_DENIED error regardless of message.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrConnection      = &AppError{Code: CodeConnection}
	ErrAuth            = &AppError{Code: CodeAuth}
	ErrAccessDenied    = &AppError{Code: CodeAccessDenied}
	ErrNotFound        = &AppError{Code: CodeNotFound}
	ErrSendFailure     = &AppError{Code: CodeSendFailure}
	ErrPersistence     = &AppError{Code: CodePersistence}
	ErrInvalidArgument = &AppError{Code: CodeInvalidArgument}
	ErrRateLimited     = &AppError{Code: CodeRateLimited}
)

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Connection(msg string, cause error) error {
	return Wrap(CodeConnection, msg, cause)
}

func Auth(msg string) error {
	return New(CodeAuth, msg)
}

func AccessDenied(msg string) error {
	return New(CodeAccessDenied, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func SendFailure(msg string, cause error) error {
	return Wrap(CodeSendFailure, msg, cause)
}

func Persistence(msg string, cause error) error {
	return Wrap(CodePersistence, msg, cause)
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func RateLimited(msg string) error {
	return New(CodeRateLimited, msg)
}

// CodeOf extracts the code from anywhere in err's chain. Plain errors are
// CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// Public returns the message that is safe to show a caller. Persistence and
// unknown failures are reduced to a generic text; the detail stays in the
// server log.
func Public(err error) (Code, string) {
	code := CodeOf(err)
	switch code {
	case "":
		return "", ""
	case CodePersistence, CodeUnknown:
		return code, "internal error"
	}
	var ae *AppError
	errors.As(err, &ae)
	return code, ae.Message
}
