package types

import "errors"

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrQuotaUnavailable = errors.New("quota unavailable")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTitleRequired    = errors.New("title required")
	ErrInvalidPart      = errors.New("invalid message part")
	ErrChatNotFound     = errors.New("chat not found")
)
