package domain

import "errors"

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomNameTaken     = errors.New("room name already taken")
	ErrClientNotFound    = errors.New("client not found")
	ErrVideoNotFound     = errors.New("video not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrDuplicateVideo    = errors.New("video already in queue")
	ErrQueueEmpty        = errors.New("queue is empty")
	ErrOutOfBounds       = errors.New("index out of bounds")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInvalidOperation  = errors.New("operation not valid for current state")
	ErrRoomUnavailable   = errors.New("owning node unreachable")
	ErrRoomClosed        = errors.New("room is shutting down")
)
