package main

import (
	"errors"
	"fmt"
	"net/http"
)

// Wire codes for the error taxonomy. Authorization and validation failures
// are sent back to the acting connection as an "error" event and never
// broadcast; transport failures stay internal.
const (
	CodeAuthFailed       = "auth_failed"
	CodeNotMember        = "not_member"
	CodeNotAuthor        = "not_author"
	CodeInsufficientRole = "insufficient_role"
	CodeMuted            = "muted"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeCapacity         = "capacity_exceeded"
	CodeRoomInactive     = "room_inactive"
	CodeNotPending       = "not_pending"
	CodeInvalid          = "invalid_request"
	CodeInternal         = "internal_error"
)

// ChatError is a user-facing failure with a stable wire code.
type ChatError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ChatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func chatErrorf(code, format string, args ...interface{}) *ChatError {
	return &ChatError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrAuthFailed       = &ChatError{Code: CodeAuthFailed, Message: "authentication failed"}
	ErrNotMember        = &ChatError{Code: CodeNotMember, Message: "not a member of this room"}
	ErrNotAuthor        = &ChatError{Code: CodeNotAuthor, Message: "only the sender can do this"}
	ErrInsufficientRole = &ChatError{Code: CodeInsufficientRole, Message: "insufficient role"}
	ErrMuted            = &ChatError{Code: CodeMuted, Message: "you are muted in this room"}
	ErrRoomInactive     = &ChatError{Code: CodeRoomInactive, Message: "room is inactive"}
	ErrNotPending       = &ChatError{Code: CodeNotPending, Message: "request already processed"}
)

// httpStatus maps a ChatError code to an HTTP status for the REST surface.
func httpStatus(err error) int {
	var ce *ChatError
	if !errors.As(err, &ce) {
		return http.StatusInternalServerError
	}
	switch ce.Code {
	case CodeAuthFailed:
		return http.StatusUnauthorized
	case CodeNotMember, CodeNotAuthor, CodeInsufficientRole, CodeMuted:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeNotPending:
		return http.StatusConflict
	case CodeCapacity, CodeRoomInactive, CodeInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// asChatError converts any error to a ChatError, hiding internal detail
// behind a generic code so storage errors never leak SQL text to clients.
func asChatError(err error) *ChatError {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce
	}
	return &ChatError{Code: CodeInternal, Message: "internal error"}
}
